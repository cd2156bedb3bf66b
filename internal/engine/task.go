package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/starry/internal/audit"
	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/catalog"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/pricing"
	"github.com/basket/starry/internal/shared"
	"github.com/basket/starry/internal/tools"
	"github.com/basket/starry/internal/transcript"
)

// Ask kinds: the task is blocked until the user answers.
const (
	AskFollowup            = "followup"
	AskCommand             = "command"
	AskTool                = "tool"
	AskCompletionResult    = "completion_result"
	AskAPIReqFailed        = "api_req_failed"
	AskResumeTask          = "resume_task"
	AskResumeCompletedTask = "resume_completed_task"
)

// Say kinds: informational UI events.
const (
	SayTask             = "task"
	SayText             = "text"
	SayError            = "error"
	SayTool             = "tool"
	SayCommand          = "command"
	SayCompletionResult = "completion_result"
	SayUserFeedback     = "user_feedback"
)

// AskResponseKind is how the user answered an ask.
type AskResponseKind string

const (
	AskYes     AskResponseKind = "yesButtonClicked"
	AskNo      AskResponseKind = "noButtonClicked"
	AskMessage AskResponseKind = "messageResponse"
)

// AskReply is the user's answer to the pending ask.
type AskReply struct {
	Kind   AskResponseKind
	Text   string
	Images []string
}

// State values published on bus.TopicTaskStateChanged.
const (
	StateStarted   = "started"
	StateStreaming = "streaming"
	StateWaiting   = "awaiting_response"
	StateUpdated   = "updated"
	StateCompleted = "completed"
	StateAborting  = "aborting"
	StateCleared   = "cleared"
)

var (
	errAborted   = errors.New("task aborted")
	errAbandoned = errors.New("task abandoned")
)

// env holds the collaborators shared by every task instance of a Manager.
type env struct {
	store       *persistence.Store
	transcripts *transcript.Store
	catalog     *catalog.Cache
	runner      *tools.Runner
	bus         *bus.Bus
	policy      *policy.Live
	metrics     *otelx.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

type providerRef struct{ p Provider }

type pendingAsk struct {
	kind string
	ch   chan AskReply
}

// Task is the active task instance. Its loop runs on one goroutine; every
// effect it has on the transcript, the history index and the UI is dropped
// once the instance is abandoned.
type Task struct {
	id      string
	env     *env
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	started time.Time

	provider atomic.Pointer[providerRef]

	abortRequested   atomic.Bool
	finishedAborting atomic.Bool
	abandoned        atomic.Bool

	// lifeMu orders abort against loop exit so finishedAborting is set
	// before done closes.
	lifeMu  sync.Mutex
	exited  bool
	abortCh chan struct{}
	done    chan struct{}

	// mu guards the in-memory logs and every write that mirrors them.
	mu                 sync.Mutex
	customInstructions string
	messages           []transcript.Message
	events             []transcript.UIEvent
	pending            *pendingAsk
	record             persistence.TaskRecord
	usage              pricing.Usage
	consecutiveAuto    int
	// partialSaved is when a streaming event last reached disk.
	partialSaved time.Time
}

// partialSaveInterval spaces out disk writes of a streaming event. The UI gets
// every chunk over the bus; the log only needs the final event.
const partialSaveInterval = 250 * time.Millisecond

func newTask(parent context.Context, e *env, id string, p Provider, customInstructions string) *Task {
	ctx := shared.WithTaskID(context.WithoutCancel(parent), id)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:                 id,
		env:                e,
		ctx:                ctx,
		cancel:             cancel,
		logger:             e.logger.With("task_id", id),
		started:            e.now(),
		abortCh:            make(chan struct{}),
		done:               make(chan struct{}),
		customInstructions: customInstructions,
	}
	t.provider.Store(&providerRef{p: p})
	return t
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// AbortRequested reports whether Abort has been called.
func (t *Task) AbortRequested() bool { return t.abortRequested.Load() }

// FinishedAborting reports whether the loop has stopped after an abort.
func (t *Task) FinishedAborting() bool { return t.finishedAborting.Load() }

// Abandoned reports whether the instance was given up on after a failed abort.
func (t *Task) Abandoned() bool { return t.abandoned.Load() }

// Done is closed when the task loop exits.
func (t *Task) Done() <-chan struct{} { return t.done }

// Messages returns a copy of the message log.
func (t *Task) Messages() []transcript.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// UIEvents returns a copy of the UI-event log.
func (t *Task) UIEvents() []transcript.UIEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.events)
}

// PendingAsk returns the kind of ask awaiting a response, if any.
func (t *Task) PendingAsk() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return "", false
	}
	return t.pending.kind, true
}

// Record returns the task's history record as last written.
func (t *Task) Record() persistence.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// SetProvider swaps the provider used by subsequent requests. A request already
// in flight keeps the provider it started with.
func (t *Task) SetProvider(p Provider) {
	t.provider.Store(&providerRef{p: p})
}

// SetCustomInstructions takes effect on the next request.
func (t *Task) SetCustomInstructions(text string) {
	t.mu.Lock()
	t.customInstructions = text
	t.mu.Unlock()
}

// Abort requests cooperative cancellation. The loop observes it at the next
// stream chunk or ask and exits.
func (t *Task) Abort() {
	t.lifeMu.Lock()
	defer t.lifeMu.Unlock()
	if t.abortRequested.Load() {
		return
	}
	t.abortRequested.Store(true)
	close(t.abortCh)
	t.cancel()
	if t.exited {
		t.finishedAborting.Store(true)
	}
	t.logger.Info("task abort requested")
	t.publish(bus.TopicTaskAborted, bus.TaskLifecycleEvent{TaskID: t.id, Reason: "cancel requested"})
}

// waitTerminated waits up to timeout for the loop to exit.
func (t *Task) waitTerminated(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// abandon marks the instance as no longer authoritative. Writes in progress
// finish first; nothing is written afterwards.
func (t *Task) abandon() {
	t.mu.Lock()
	t.abandoned.Store(true)
	t.mu.Unlock()
	t.env.metrics.TasksAbandoned.Add(context.Background(), 1)
	t.env.bus.Publish(bus.TopicTaskAbandoned, bus.TaskLifecycleEvent{TaskID: t.id, Reason: "abort timeout"})
	t.logger.Warn("task abandoned after abort timeout")
}

// Respond delivers the user's answer to the pending ask. It reports false when
// nothing is waiting.
func (t *Task) Respond(r AskReply) bool {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.mu.Unlock()
	if p == nil {
		return false
	}
	p.ch <- r
	return true
}

func (t *Task) finish() {
	t.lifeMu.Lock()
	t.exited = true
	if t.abortRequested.Load() {
		t.finishedAborting.Store(true)
	}
	t.lifeMu.Unlock()
	close(t.done)
	t.env.metrics.TaskDuration.Record(context.Background(), time.Since(t.started).Seconds())
}

// beginNew persists the first user turn and starts the loop. The user entry
// is on disk before beginNew returns.
func (t *Task) beginNew(text string, images []string) error {
	blocks, err := transcript.ImageBlocks(images)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidConfiguration, err)
	}
	if err := t.env.transcripts.CreateTaskDirectory(t.id); err != nil {
		return err
	}
	now := t.env.now().UnixMilli()
	t.mu.Lock()
	t.record = persistence.TaskRecord{ID: t.id, CreatedAt: now, LastActiveAt: now, Summary: taskSummary(text, len(images))}
	t.mu.Unlock()

	if err := t.say(SayTask, text, images); err != nil {
		return err
	}
	if err := t.appendMessage(transcript.TextMessage(transcript.RoleUser, taskInput(text), blocks)); err != nil {
		return err
	}
	if err := t.saveRecord(); err != nil {
		return err
	}
	t.publish(bus.TopicTaskStarted, bus.TaskLifecycleEvent{TaskID: t.id, Reason: "new"})
	t.logger.Info("task started")
	go func() {
		defer t.finish()
		t.loop(nil)
	}()
	return nil
}

// taskSummary is the history label for a task. Image-only input still needs a
// non-empty label or the history index drops the record.
func taskSummary(text string, images int) string {
	if s := strings.TrimSpace(text); s != "" {
		return s
	}
	if images == 1 {
		return "[1 image]"
	}
	return fmt.Sprintf("[%d images]", images)
}

// beginResume loads a stored transcript and asks the user whether to continue.
// The message log is kept as stored until the user answers.
func (t *Task) beginResume(rec persistence.TaskRecord, msgs []transcript.Message, events []transcript.UIEvent) {
	trimmed := false
	for len(events) > 0 {
		last := events[len(events)-1]
		if last.Partial || (last.Type == transcript.EventAsk && (last.Ask == AskResumeTask || last.Ask == AskResumeCompletedTask)) {
			events = events[:len(events)-1]
			trimmed = true
			continue
		}
		break
	}
	kind := AskResumeTask
	if n := len(events); n > 0 && (events[n-1].Ask == AskCompletionResult || events[n-1].Say == SayCompletionResult) {
		kind = AskResumeCompletedTask
	}

	t.mu.Lock()
	t.record = rec
	t.usage = pricing.Usage{TokensIn: rec.TokensIn, TokensOut: rec.TokensOut, CacheWrites: rec.CacheWrites, CacheReads: rec.CacheReads}
	t.messages = msgs
	t.events = events
	t.mu.Unlock()
	if trimmed {
		if err := t.env.transcripts.OverwriteUIEvents(t.id, events); err != nil {
			t.logger.Warn("trim ui events failed", "error", err)
		}
	}
	t.publish(bus.TopicTaskStarted, bus.TaskLifecycleEvent{TaskID: t.id, Reason: "resume"})
	t.logger.Info("task resumed", "messages", len(msgs))

	go func() {
		defer t.finish()
		reply, err := t.ask(kind, "")
		if err != nil {
			return
		}
		var feedback string
		var images []string
		if reply.Kind == AskMessage {
			feedback, images = reply.Text, reply.Images
			if err := t.say(SayUserFeedback, feedback, images); err != nil {
				return
			}
		}
		ago := agoText(t.env.now().Sub(time.UnixMilli(rec.LastActiveAt)))
		next := t.userBlocks(taskResumption(ago, feedback), images)
		if err := t.foldTrailingUserTurn(&next); err != nil {
			return
		}
		t.loop(next)
	}()
}

// foldTrailingUserTurn removes a dangling user turn from the log and prepends
// its content to next, so roles keep alternating.
func (t *Task) foldTrailingUserTurn(next *[]transcript.ContentBlock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned.Load() {
		return errAbandoned
	}
	n := len(t.messages)
	if n == 0 || t.messages[n-1].Role != transcript.RoleUser {
		return nil
	}
	folded := slices.Concat(t.messages[n-1].Content, *next)
	msgs := slices.Clone(t.messages[:n-1])
	if err := t.env.transcripts.OverwriteMessages(t.id, msgs); err != nil {
		return err
	}
	t.messages = msgs
	*next = folded
	return nil
}

// loop runs request/tool rounds until the task completes, fails without a
// retry, or is aborted. next is the user turn to append before the first
// request; nil means the log already ends with one.
func (t *Task) loop(next []transcript.ContentBlock) {
	for {
		if t.abortRequested.Load() {
			return
		}
		if next != nil {
			if err := t.appendMessage(transcript.Message{Role: transcript.RoleUser, Content: next}); err != nil {
				t.logger.Warn("append user turn failed", "error", err)
				return
			}
		}
		sent := t.lastUserContent()

		reply, err := t.request()
		if err != nil {
			if errors.Is(err, errAborted) || errors.Is(err, errAbandoned) || t.abortRequested.Load() {
				return
			}
			desc := describeError(err)
			t.logger.Warn("provider request failed", "error", shared.Redact(err.Error()), "class", ClassifyError(err))
			if err := t.appendMessage(transcript.TextMessage(transcript.RoleAssistant, "[ERROR] "+desc, nil)); err != nil {
				return
			}
			answer, err := t.ask(AskAPIReqFailed, desc)
			if err != nil || answer.Kind != AskYes {
				return
			}
			next = sent
			continue
		}

		calls := parseToolUses(reply)
		if len(calls) == 0 {
			answer, err := t.ask(AskFollowup, "")
			if err != nil {
				return
			}
			switch answer.Kind {
			case AskMessage:
				if err := t.say(SayUserFeedback, answer.Text, answer.Images); err != nil {
					return
				}
				next = t.userBlocks(userFeedback(answer.Text), answer.Images)
			case AskYes:
				next = textBlocks(noToolsUsed())
			default:
				return
			}
			continue
		}

		var stop bool
		next, stop = t.handleTool(calls[0])
		if stop {
			return
		}
	}
}

func (t *Task) lastUserContent() []transcript.ContentBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == transcript.RoleUser {
			return slices.Clone(t.messages[i].Content)
		}
	}
	return nil
}

// request streams one provider reply and records it. The provider is read
// once, so a settings change mid-stream applies to the next request.
func (t *Task) request() (string, error) {
	p := t.provider.Load().p
	t.mu.Lock()
	req := Request{
		System:   buildSystemPrompt(t.env.runner.Root(), t.customInstructions),
		Messages: slices.Clone(t.messages),
	}
	t.mu.Unlock()
	t.publishState(StateStreaming)

	ts := t.nextTS()
	var acc strings.Builder
	resp, err := p.Stream(t.ctx, req, func(chunk string) error {
		if t.abortRequested.Load() {
			return errAborted
		}
		if t.abandoned.Load() {
			return errAbandoned
		}
		acc.WriteString(chunk)
		return t.sayPartial(ts, acc.String())
	})
	if t.abortRequested.Load() {
		return "", errAborted
	}
	if err != nil {
		return "", err
	}

	text := resp.Text
	if text == "" {
		text = acc.String()
	}
	if strings.TrimSpace(text) == "" {
		text = "Failure: I did not provide a response."
	}
	if err := t.addUIEvent(transcript.UIEvent{TS: ts, Type: transcript.EventSay, Say: SayText, Text: text}); err != nil {
		return "", err
	}
	if err := t.appendMessage(transcript.TextMessage(transcript.RoleAssistant, text, nil)); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.usage.Add(resp.Usage)
	t.mu.Unlock()
	if err := t.saveRecord(); err != nil {
		t.logger.Warn("update task record failed", "error", err)
	}
	return text, nil
}

// handleTool runs one tool call and returns the next user turn. stop ends the
// loop.
func (t *Task) handleTool(call tools.Call) (next []transcript.ContentBlock, stop bool) {
	if missing := missingParam(call); missing != "" {
		if err := t.say(SayError, fmt.Sprintf("Starry tried to use %s without value for required parameter '%s'. Retrying...", call.Name, missing), nil); err != nil {
			return nil, true
		}
		return textBlocks(toolResult(callLabel(call), missingToolParameter(missing))), false
	}

	switch call.Name {
	case tools.AttemptCompletion:
		if err := t.say(SayCompletionResult, call.Params["result"], nil); err != nil {
			return nil, true
		}
		t.publishState(StateCompleted)
		answer, err := t.ask(AskCompletionResult, "")
		if err != nil || answer.Kind != AskMessage {
			return nil, true
		}
		if err := t.say(SayUserFeedback, answer.Text, answer.Images); err != nil {
			return nil, true
		}
		return t.userBlocks(userFeedback(answer.Text), answer.Images), false

	case tools.AskFollowupQuestion:
		answer, err := t.ask(AskFollowup, call.Params["question"])
		if err != nil {
			return nil, true
		}
		if answer.Text != "" || len(answer.Images) > 0 {
			if err := t.say(SayUserFeedback, answer.Text, answer.Images); err != nil {
				return nil, true
			}
		}
		return t.userBlocks(toolResult(callLabel(call), followupAnswer(answer.Text)), answer.Images), false
	}

	return t.runTool(call)
}

func (t *Task) runTool(call tools.Call) ([]transcript.ContentBlock, bool) {
	label := callLabel(call)
	category, _ := tools.Category(call.Name)
	subject := describeCall(call)

	t.mu.Lock()
	consecutive := t.consecutiveAuto
	t.mu.Unlock()
	decision, reason := t.env.policy.Decide(category, consecutive)
	entry := audit.Entry{
		Tool:          call.Name,
		Category:      string(category),
		PolicyVersion: t.env.policy.Version(),
		Subject:       subject,
	}
	entry.Decision, entry.Reason = string(decision), reason
	audit.Record(t.ctx, entry)

	kind := SayTool
	askKind := AskTool
	if call.Name == tools.ExecuteCommand {
		kind, askKind = SayCommand, AskCommand
	}

	if decision == policy.Auto {
		t.mu.Lock()
		t.consecutiveAuto++
		t.mu.Unlock()
		if err := t.say(kind, subject, nil); err != nil {
			return nil, true
		}
	} else {
		t.mu.Lock()
		t.consecutiveAuto = 0
		t.mu.Unlock()
		answer, err := t.ask(askKind, subject)
		if err != nil {
			return nil, true
		}
		if answer.Kind != AskYes {
			entry.Decision, entry.Reason = "deny", "user_denied"
			audit.Record(t.ctx, entry)
			if answer.Text != "" || len(answer.Images) > 0 {
				if err := t.say(SayUserFeedback, answer.Text, answer.Images); err != nil {
					return nil, true
				}
				return t.userBlocks(toolResult(label, toolDeniedWithFeedback(answer.Text)), answer.Images), false
			}
			return textBlocks(toolResult(label, toolDenied())), false
		}
		entry.Decision, entry.Reason = "allow", "user_approved"
		audit.Record(t.ctx, entry)
	}

	start := time.Now()
	out, err := t.env.runner.Run(t.ctx, call)
	t.env.metrics.ToolCallDuration.Record(context.Background(), time.Since(start).Seconds(),
		metric.WithAttributes(otelx.AttrToolName.String(call.Name)))
	if t.abortRequested.Load() {
		return nil, true
	}
	if err != nil {
		msg := shared.UserMessage(err)
		if err := t.say(SayError, fmt.Sprintf("Error executing %s:\n%s", label, msg), nil); err != nil {
			return nil, true
		}
		return textBlocks(toolResult(label, toolError(msg))), false
	}
	return textBlocks(toolResult(label, out)), false
}

// ask records an ask event and blocks until Respond or Abort.
func (t *Task) ask(kind, text string) (AskReply, error) {
	if t.abortRequested.Load() {
		return AskReply{}, errAborted
	}
	ch := make(chan AskReply, 1)
	t.mu.Lock()
	t.pending = &pendingAsk{kind: kind, ch: ch}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending != nil && t.pending.ch == ch {
			t.pending = nil
		}
		t.mu.Unlock()
	}()

	if err := t.addUIEvent(transcript.UIEvent{TS: t.nextTS(), Type: transcript.EventAsk, Ask: kind, Text: text}); err != nil {
		return AskReply{}, err
	}
	t.publishState(StateWaiting)
	select {
	case r := <-ch:
		return r, nil
	case <-t.abortCh:
		return AskReply{}, errAborted
	}
}

func (t *Task) say(kind, text string, images []string) error {
	return t.addUIEvent(transcript.UIEvent{TS: t.nextTS(), Type: transcript.EventSay, Say: kind, Text: text, Images: images})
}

// sayPartial updates the streaming text event in place.
func (t *Task) sayPartial(ts int64, text string) error {
	ev := transcript.UIEvent{TS: ts, Type: transcript.EventSay, Say: SayText, Text: text, Partial: true}
	if err := t.addUIEvent(ev); err != nil {
		return err
	}
	t.publish(bus.TopicTaskPartial, bus.TaskPartialEvent{TaskID: t.id, TS: ts, Text: text})
	return nil
}

// addUIEvent mirrors transcript.Store.AppendUIEvent in memory: a trailing
// partial event of the same kind is replaced.
func (t *Task) addUIEvent(ev transcript.UIEvent) error {
	t.mu.Lock()
	if t.abandoned.Load() {
		t.mu.Unlock()
		return errAbandoned
	}
	if n := len(t.events); n > 0 && t.events[n-1].Partial &&
		t.events[n-1].Type == ev.Type && t.events[n-1].Ask == ev.Ask && t.events[n-1].Say == ev.Say {
		ev.TS = t.events[n-1].TS
		t.events[n-1] = ev
	} else {
		t.events = append(t.events, ev)
	}
	var err error
	switch {
	case !ev.Partial:
		err = t.env.transcripts.AppendUIEvent(t.id, ev)
		t.partialSaved = time.Time{}
	case time.Since(t.partialSaved) >= partialSaveInterval:
		err = t.env.transcripts.AppendUIEvent(t.id, ev)
		t.partialSaved = time.Now()
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if !ev.Partial {
		t.publishState(StateUpdated)
	}
	return nil
}

func (t *Task) appendMessage(msg transcript.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned.Load() {
		return errAbandoned
	}
	if err := t.env.transcripts.AppendMessage(t.id, msg); err != nil {
		return err
	}
	t.messages = append(t.messages, msg)
	return nil
}

// saveRecord writes the task's history record with current usage and cost.
func (t *Task) saveRecord() error {
	rates := t.rates()
	t.mu.Lock()
	if t.abandoned.Load() {
		t.mu.Unlock()
		return errAbandoned
	}
	rec := t.record
	rec.LastActiveAt = t.env.now().UnixMilli()
	rec.TokensIn = t.usage.TokensIn
	rec.TokensOut = t.usage.TokensOut
	rec.CacheWrites = t.usage.CacheWrites
	rec.CacheReads = t.usage.CacheReads
	rec.TotalCost = pricing.Cost(rates, t.usage)
	t.record = rec
	_, err := t.env.store.UpsertHistory(t.ctx, rec)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.publishState(StateUpdated)
	return nil
}

func (t *Task) rates() pricing.Rates {
	model := t.provider.Load().p.Model()
	if t.env.catalog != nil {
		if d, ok := t.env.catalog.Lookup(model); ok {
			return pricing.FromDescriptor(d)
		}
	}
	r, _ := pricing.Known(model)
	return r
}

// nextTS returns a unix-millisecond timestamp strictly after the last event.
func (t *Task) nextTS() int64 {
	ts := t.env.now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.events); n > 0 && ts <= t.events[n-1].TS {
		ts = t.events[n-1].TS + 1
	}
	return ts
}

func (t *Task) publishState(state string) {
	t.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: t.id, State: state})
}

func (t *Task) publish(topic string, payload any) {
	if t.abandoned.Load() {
		return
	}
	t.env.bus.Publish(topic, payload)
}

func (t *Task) userBlocks(text string, images []string) []transcript.ContentBlock {
	imgs, err := transcript.ImageBlocks(images)
	if err != nil {
		t.logger.Warn("dropping invalid images", "error", err)
		imgs = nil
	}
	return transcript.TextMessage(transcript.RoleUser, text, imgs).Content
}

func textBlocks(text string) []transcript.ContentBlock {
	return []transcript.ContentBlock{{Type: transcript.BlockText, Text: text}}
}

var requiredParams = map[string][]string{
	tools.ReadFile:            {"path"},
	tools.WriteToFile:         {"path", "content"},
	tools.ListFiles:           {"path"},
	tools.ExecuteCommand:      {"command"},
	tools.AttemptCompletion:   {"result"},
	tools.AskFollowupQuestion: {"question"},
}

func missingParam(call tools.Call) string {
	for _, p := range requiredParams[call.Name] {
		if _, err := call.Param(p); err != nil {
			return p
		}
	}
	return ""
}

// callLabel names a call in tool results, e.g. "read_file for 'main.go'".
func callLabel(call tools.Call) string {
	switch call.Name {
	case tools.ReadFile, tools.WriteToFile, tools.ListFiles:
		return fmt.Sprintf("%s for '%s'", call.Name, call.Params["path"])
	case tools.ExecuteCommand:
		return fmt.Sprintf("%s for '%s'", call.Name, call.Params["command"])
	default:
		return call.Name
	}
}

// describeCall is the JSON shown to the user when asking for approval.
func describeCall(call tools.Call) string {
	payload := map[string]string{"tool": call.Name}
	for k, v := range call.Params {
		if k == "content" && len(v) > 2000 {
			v = v[:2000] + "..."
		}
		payload[k] = v
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return call.Name
	}
	return string(b)
}

func agoText(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	}
}
