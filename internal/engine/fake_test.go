package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/pricing"
	"github.com/basket/starry/internal/tools"
	"github.com/basket/starry/internal/transcript"
)

const completionReply = "All set.\n<attempt_completion>\n<result>\ndone\n</result>\n</attempt_completion>"

// step scripts one Stream call.
type step struct {
	reply string
	err   error
	// waitCtx blocks until the task context is cancelled.
	waitCtx bool
	// hold blocks until closed, ignoring ctx, like a stream that cannot be interrupted.
	hold chan struct{}
	// tail blocks after the last chunk until closed.
	tail chan struct{}
}

type fakeProvider struct {
	model string

	mu      sync.Mutex
	script  []step
	calls   []Request
	started chan struct{}
}

func newFakeProvider(script ...step) *fakeProvider {
	return &fakeProvider{model: "fake-model", script: script, started: make(chan struct{}, 16)}
}

func (f *fakeProvider) Model() string { return f.model }

func (f *fakeProvider) Stream(ctx context.Context, req Request, onChunk func(string) error) (Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	s := step{reply: completionReply}
	if len(f.script) > 0 {
		s = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}

	if s.hold != nil {
		<-s.hold
	}
	if s.waitCtx {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if s.err != nil {
		return Response{}, s.err
	}
	for _, chunk := range strings.SplitAfter(s.reply, "\n") {
		if err := onChunk(chunk); err != nil {
			return Response{}, err
		}
	}
	if s.tail != nil {
		<-s.tail
	}
	return Response{Text: s.reply, Usage: pricing.Usage{TokensIn: 10, TokensOut: 5}}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider was never called")
	}
}

type harness struct {
	mgr         *Manager
	store       *persistence.Store
	transcripts *transcript.Store
	workspace   string
	bus         *bus.Bus
}

func newHarness(t *testing.T, factory ProviderFactory, abortTimeout time.Duration) *harness {
	t.Helper()
	home := t.TempDir()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(home, "starry.db"), "ws", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	workspace := filepath.Join(home, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	transcripts := transcript.NewStore(filepath.Join(home, "tasks"))
	mgr, err := NewManager(Options{
		Store:        store,
		Transcripts:  transcripts,
		Runner:       tools.NewRunner(workspace, 0),
		Bus:          b,
		NewProvider:  factory,
		AbortTimeout: abortTimeout,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(mgr.Clear)
	return &harness{mgr: mgr, store: store, transcripts: transcripts, workspace: workspace, bus: b}
}

func staticFactory(p Provider) ProviderFactory {
	return func(context.Context, config.ProviderSettings) (Provider, error) { return p, nil }
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitAsk(t *testing.T, task *Task, kind string) {
	t.Helper()
	waitFor(t, "ask "+kind, func() bool {
		k, ok := task.PendingAsk()
		return ok && k == kind
	})
}
