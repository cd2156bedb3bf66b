package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/gateway"
	"github.com/basket/starry/internal/shared"
)

const gatewayTestToken = "gateway-test-token"

type recorder struct {
	mu       sync.Mutex
	intents  []gateway.Intent
	clientID []string
	attached chan string
}

func newRecorder() *recorder {
	return &recorder{attached: make(chan string, 8)}
}

func (r *recorder) handle(_ context.Context, clientID string, in gateway.Intent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	r.clientID = append(r.clientID, clientID)
}

func (r *recorder) snapshot() []gateway.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.Intent(nil), r.intents...)
}

func startGateway(t *testing.T, cfg gateway.Config) (*gateway.Server, *httptest.Server, *recorder) {
	t.Helper()
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	rec := newRecorder()
	srv.OnIntent(rec.handle)
	srv.OnAttach(func(_ context.Context, clientID string) { rec.attached <- clientID })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, rec
}

func connectWS(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(serverURL, "http")+"/ws", opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitAttached(t *testing.T, rec *recorder) string {
	t.Helper()
	select {
	case id := <-rec.attached:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("client never attached")
		return ""
	}
}

func readPush(t *testing.T, conn *websocket.Conn) gateway.Push {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var p gateway.Push
	if err := wsjson.Read(ctx, conn, &p); err != nil {
		t.Fatalf("read push: %v", err)
	}
	return p
}

func writeIntent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write intent: %v", err)
	}
}

func TestGateway_IntentReachesHandler(t *testing.T) {
	_, ts, rec := startGateway(t, gateway.Config{AuthToken: gatewayTestToken})
	conn := connectWS(t, ts.URL, gatewayTestToken)
	waitAttached(t, rec)

	writeIntent(t, conn, map[string]any{"type": "newTask", "text": "fix bug"})
	writeIntent(t, conn, map[string]any{"type": "askResponse", "askResponse": "yesButtonClicked"})

	deadline := time.Now().Add(3 * time.Second)
	for len(rec.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 intents, got %d", len(got))
	}
	if got[0].Type != gateway.IntentNewTask || got[0].Text != "fix bug" {
		t.Fatalf("unexpected first intent %+v", got[0])
	}
	if got[1].AskResponse != "yesButtonClicked" {
		t.Fatalf("intents out of order: %+v", got)
	}
}

func TestGateway_InvalidIntentGetsErrorPush(t *testing.T) {
	_, ts, rec := startGateway(t, gateway.Config{})
	conn := connectWS(t, ts.URL, "")
	waitAttached(t, rec)

	for _, bad := range []any{
		map[string]any{"type": "launchMissiles"},
		map[string]any{"type": "askResponse"},
		map[string]any{"type": "newTask", "images": []string{"http://not-inline.png"}},
		map[string]any{"type": "deleteTaskWithId", "text": ""},
		map[string]any{"type": "newTask", "text": "  \n"},
		map[string]any{"type": "newTask", "images": []string{}},
	} {
		writeIntent(t, conn, bad)
		p := readPush(t, conn)
		if p.Type != gateway.PushError || !strings.Contains(p.Text, "invalid") {
			t.Fatalf("expected error push for %v, got %+v", bad, p)
		}
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("invalid intents reached the handler: %d", n)
	}
}

func TestGateway_RejectsMissingOrInvalidAuth(t *testing.T) {
	_, ts, _ := startGateway(t, gateway.Config{AuthToken: gatewayTestToken})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	for _, token := range []string{"", "wrong"} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		opts := &websocket.DialOptions{}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}
		conn, resp, err := websocket.Dial(ctx, url, opts)
		cancel()
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			t.Fatalf("expected dial with token %q to fail", token)
		}
		if resp == nil || (resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden) {
			t.Fatalf("expected 401/403 for token %q, got %+v", token, resp)
		}
	}
}

func TestGateway_OriginRejectsDisallowedOrigin(t *testing.T) {
	_, ts, _ := startGateway(t, gateway.Config{AllowOrigins: []string{"ui.example.com"}})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.test"}},
	})
	if err == nil {
		t.Fatal("expected cross-origin dial to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestGateway_SendToAndBroadcastPreserveOrder(t *testing.T) {
	srv, ts, rec := startGateway(t, gateway.Config{})
	connA := connectWS(t, ts.URL, "")
	idA := waitAttached(t, rec)
	connB := connectWS(t, ts.URL, "")
	waitAttached(t, rec)

	for i := 0; i < 5; i++ {
		if !srv.SendTo(idA, gateway.Push{Type: gateway.PushPartialMessage, Text: string(rune('a' + i))}) {
			t.Fatalf("push %d dropped", i)
		}
	}
	for i := 0; i < 5; i++ {
		if p := readPush(t, connA); p.Text != string(rune('a'+i)) {
			t.Fatalf("push %d out of order: %+v", i, p)
		}
	}

	if n := srv.Broadcast(gateway.Push{Type: gateway.PushAction, Action: gateway.ActionDidBecomeVisible}); n != 2 {
		t.Fatalf("broadcast reached %d clients, want 2", n)
	}
	for _, c := range []*websocket.Conn{connA, connB} {
		if p := readPush(t, c); p.Action != gateway.ActionDidBecomeVisible {
			t.Fatalf("unexpected broadcast push %+v", p)
		}
	}
}

func TestGateway_PushToDetachedClientIsDropped(t *testing.T) {
	srv, ts, rec := startGateway(t, gateway.Config{})
	conn := connectWS(t, ts.URL, "")
	id := waitAttached(t, rec)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for srv.ClientCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.ClientCount() != 0 {
		t.Fatal("client not removed after close")
	}
	if srv.SendTo(id, gateway.Push{Type: gateway.PushState}) {
		t.Fatal("push to a detached client should be dropped")
	}
	if srv.SendTo("unknown", gateway.Push{Type: gateway.PushState}) {
		t.Fatal("push to an unknown client should be dropped")
	}
}

func TestGateway_FullQueueDropsPush(t *testing.T) {
	srv, err := gateway.New(gateway.Config{QueueSize: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	block := make(chan struct{})
	attached := make(chan string, 1)
	srv.OnAttach(func(_ context.Context, clientID string) {
		attached <- clientID
		<-block
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	defer close(block)

	connectWS(t, ts.URL, "")
	id := <-attached
	// The test client never reads, so the writer eventually stalls and the
	// queue fills; one of these pushes must be dropped.
	dropped := false
	for i := 0; i < 1000 && !dropped; i++ {
		if !srv.SendTo(id, gateway.Push{Type: gateway.PushPartialMessage, Text: strings.Repeat("x", 64<<10)}) {
			dropped = true
		}
	}
	if !dropped {
		t.Fatal("expected a push to be dropped once the queue was full")
	}
}

func TestGateway_RateLimitedIntentGetsErrorPush(t *testing.T) {
	_, ts, rec := startGateway(t, gateway.Config{
		RateLimit: config.RateLimitConfig{Enabled: true, IntentsPerMinute: 1, Burst: 1},
	})
	conn := connectWS(t, ts.URL, "")
	waitAttached(t, rec)

	writeIntent(t, conn, map[string]any{"type": "clearTask"})
	writeIntent(t, conn, map[string]any{"type": "clearTask"})
	p := readPush(t, conn)
	if p.Type != gateway.PushError || !strings.Contains(p.Text, "rate limit") {
		t.Fatalf("expected rate limit error push, got %+v", p)
	}
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected 1 handled intent, got %d", n)
	}
}

func TestHealthzEndpointContract(t *testing.T) {
	_, ts, _ := startGateway(t, gateway.Config{AuthToken: gatewayTestToken, ConfigFingerprint: "cfg-1"})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["healthy"] != true || body["config_fingerprint"] != "cfg-1" {
		t.Fatalf("unexpected healthz body %v", body)
	}
}

func TestHealthzReportsStorageFailure(t *testing.T) {
	_, ts, _ := startGateway(t, gateway.Config{
		Healthy: func(context.Context) error { return shared.ErrStorageUnavailable },
	})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
