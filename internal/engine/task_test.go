package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/transcript"
)

const readReply = "Let me look.\n<read_file>\n<path>notes.txt</path>\n</read_file>"

func writeWorkspaceFile(t *testing.T, h *harness, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.workspace, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestTask_ApprovedToolResultFeedsNextRequest(t *testing.T) {
	fake := newFakeProvider(step{reply: readReply})
	h := newHarness(t, staticFactory(fake), time.Second)
	writeWorkspaceFile(t, h, "notes.txt", "remember the milk")

	if _, err := h.mgr.StartNew(context.Background(), "read my notes", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskTool)
	if !h.mgr.RespondToAsk(AskReply{Kind: AskYes}) {
		t.Fatal("respond failed")
	}
	waitAsk(t, task, AskCompletionResult)

	msgs := task.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	result := msgs[2].Text()
	if !strings.Contains(result, "[read_file for 'notes.txt'] Result:") || !strings.Contains(result, "remember the milk") {
		t.Fatalf("unexpected tool result turn: %q", result)
	}
	if rec := task.Record(); rec.TokensIn != 20 || rec.TokensOut != 10 {
		t.Fatalf("usage not accumulated: %+v", rec)
	}
}

func TestTask_DeniedToolWithFeedback(t *testing.T) {
	fake := newFakeProvider(step{reply: readReply})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "read my notes", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskTool)
	h.mgr.RespondToAsk(AskReply{Kind: AskNo, Text: "read todo.txt instead"})
	waitAsk(t, task, AskCompletionResult)

	msgs := task.Messages()
	got := msgs[2].Text()
	if !strings.Contains(got, toolDeniedWithFeedback("read todo.txt instead")) {
		t.Fatalf("denial feedback missing: %q", got)
	}
	var sawFeedback bool
	for _, ev := range task.UIEvents() {
		if ev.Say == SayUserFeedback && ev.Text == "read todo.txt instead" {
			sawFeedback = true
		}
	}
	if !sawFeedback {
		t.Fatal("user feedback should be recorded as a ui event")
	}
}

func TestTask_DeniedToolWithoutFeedback(t *testing.T) {
	fake := newFakeProvider(step{reply: readReply})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "read my notes", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskTool)
	h.mgr.RespondToAsk(AskReply{Kind: AskNo})
	waitAsk(t, task, AskCompletionResult)

	if got := task.Messages()[2].Text(); !strings.HasSuffix(got, toolDenied()) {
		t.Fatalf("expected plain denial, got %q", got)
	}
}

func TestTask_AutoApprovedToolSkipsAsk(t *testing.T) {
	fake := newFakeProvider(step{reply: readReply})
	h := newHarness(t, staticFactory(fake), time.Second)
	writeWorkspaceFile(t, h, "notes.txt", "auto")
	ctx := context.Background()

	p := policy.Default()
	p.Enabled = true
	p.Actions.ReadFiles = true
	if err := h.mgr.UpdatePolicy(ctx, p); err != nil {
		t.Fatalf("policy: %v", err)
	}
	if _, err := h.mgr.StartNew(ctx, "read my notes", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskCompletionResult)
	for _, ev := range task.UIEvents() {
		if ev.Type == transcript.EventAsk && ev.Ask == AskTool {
			t.Fatal("auto-approved tool should not ask")
		}
	}
}

func TestTask_MissingParameterIsReportedToModel(t *testing.T) {
	fake := newFakeProvider(step{reply: "<write_to_file>\n<path>a.txt</path>\n</write_to_file>"})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "write it", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskCompletionResult)
	if got := task.Messages()[2].Text(); !strings.Contains(got, "Missing value for required parameter 'content'") {
		t.Fatalf("expected missing parameter message, got %q", got)
	}
}

func TestTask_ProviderErrorIsRecordedAndRetried(t *testing.T) {
	fake := newFakeProvider(step{err: errors.New("429 too many requests")})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "flaky", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskAPIReqFailed)

	msgs := task.Messages()
	if len(msgs) != 2 || msgs[1].Role != transcript.RoleAssistant || !strings.HasPrefix(msgs[1].Text(), "[ERROR]") {
		t.Fatalf("expected an assistant error entry, got %+v", msgs)
	}
	if !strings.Contains(msgs[1].Text(), "rate limiting") {
		t.Fatalf("error should be classified, got %q", msgs[1].Text())
	}

	h.mgr.RespondToAsk(AskReply{Kind: AskYes})
	waitAsk(t, task, AskCompletionResult)
	msgs = task.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected retry to resend the user turn, got %d messages", len(msgs))
	}
	if msgs[2].Text() != msgs[0].Text() {
		t.Fatalf("retry sent %q, want %q", msgs[2].Text(), msgs[0].Text())
	}
}

func TestTask_ProviderErrorDeclinedEndsLoop(t *testing.T) {
	fake := newFakeProvider(step{err: errors.New("401 unauthorized")})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "bad key", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskAPIReqFailed)
	h.mgr.RespondToAsk(AskReply{Kind: AskNo})
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop should exit when the retry is declined")
	}
	if task.Abandoned() {
		t.Fatal("a finished task is not abandoned")
	}
}

func TestTask_ResumeCompletedTask(t *testing.T) {
	fake := newFakeProvider()
	h := newHarness(t, staticFactory(fake), time.Second)
	ctx := context.Background()

	id, err := h.mgr.StartNew(ctx, "finish quickly", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitAsk(t, h.mgr.Current(), AskCompletionResult)
	h.mgr.Clear()

	if _, err := h.mgr.ResumeFromHistory(ctx, id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskResumeCompletedTask)
	h.mgr.RespondToAsk(AskReply{Kind: AskMessage, Text: "also add tests"})
	waitAsk(t, task, AskCompletionResult)

	msgs := task.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after resumption, got %d", len(msgs))
	}
	got := msgs[2].Text()
	if !strings.Contains(got, "[TASK RESUMPTION]") || !strings.Contains(got, "also add tests") {
		t.Fatalf("unexpected resumption turn: %q", got)
	}
}

func TestTask_ResumeFoldsDanglingUserTurn(t *testing.T) {
	fake := newFakeProvider(step{waitCtx: true})
	h := newHarness(t, staticFactory(fake), time.Second)
	ctx := context.Background()

	id, err := h.mgr.StartNew(ctx, "interrupted", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fake.waitStarted(t)
	if err := h.mgr.CancelCurrent(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskResumeTask)
	h.mgr.RespondToAsk(AskReply{Kind: AskYes})
	waitAsk(t, task, AskCompletionResult)

	msgs, err := h.transcripts.ReadMessages(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected folded user turn plus reply, got %d: %+v", len(msgs), msgs)
	}
	first := msgs[0].Text()
	if !strings.Contains(first, "interrupted") || !strings.Contains(first, "[TASK RESUMPTION]") {
		t.Fatalf("user turn not folded: %q", first)
	}
}

func TestTask_StreamsPartialEvents(t *testing.T) {
	fake := newFakeProvider(step{reply: "line one\nline two\n" + completionReply})
	h := newHarness(t, staticFactory(fake), time.Second)
	sub := h.bus.Subscribe(bus.TopicTaskPartial)
	defer h.bus.Unsubscribe(sub)

	if _, err := h.mgr.StartNew(context.Background(), "stream", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	select {
	case ev := <-sub.Ch():
		partial, ok := ev.Payload.(bus.TaskPartialEvent)
		if !ok || partial.TaskID != task.ID() || partial.Text == "" {
			t.Fatalf("unexpected partial event: %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no partial event published")
	}
	waitAsk(t, task, AskCompletionResult)

	for _, ev := range task.UIEvents() {
		if ev.Partial {
			t.Fatalf("partial event left behind after the stream finished: %+v", ev)
		}
	}
}

func TestTask_AbortStopsPendingAsk(t *testing.T) {
	fake := newFakeProvider(step{reply: "no tool"})
	h := newHarness(t, staticFactory(fake), time.Second)

	if _, err := h.mgr.StartNew(context.Background(), "wait", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	waitAsk(t, task, AskFollowup)
	task.Abort()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("abort should release the pending ask")
	}
	if !task.FinishedAborting() {
		t.Fatal("finishedAborting should be set")
	}
	if task.Respond(AskReply{Kind: AskYes}) {
		t.Fatal("respond after abort should find nothing pending")
	}
}

func TestTask_PartialChunksAreNotWrittenPerChunk(t *testing.T) {
	var reply strings.Builder
	for i := 0; i < 40; i++ {
		reply.WriteString("streamed line\n")
	}
	reply.WriteString("last line\n" + completionReply)
	tail := make(chan struct{})
	fake := newFakeProvider(step{reply: reply.String(), tail: tail})
	h := newHarness(t, staticFactory(fake), time.Second)

	id, err := h.mgr.StartNew(context.Background(), "stream", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	task := h.mgr.Current()
	var inMemory string
	waitFor(t, "all chunks", func() bool {
		evs := task.UIEvents()
		if n := len(evs); n > 0 && evs[n-1].Partial && strings.HasSuffix(evs[n-1].Text, "</attempt_completion>") {
			inMemory = evs[n-1].Text
			return true
		}
		return false
	})

	_, onDisk, err := h.transcripts.ReadTranscript(id)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	for _, ev := range onDisk {
		if ev.Partial && ev.Text == inMemory {
			t.Fatal("every chunk was written to disk")
		}
	}

	close(tail)
	waitAsk(t, task, AskCompletionResult)
	_, onDisk, err = h.transcripts.ReadTranscript(id)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	final := false
	for _, ev := range onDisk {
		if ev.Partial {
			t.Fatalf("partial event left on disk: %+v", ev)
		}
		if strings.Contains(ev.Text, "last line") {
			final = true
		}
	}
	if !final {
		t.Fatalf("final text missing from the ui log: %+v", onDisk)
	}
}
