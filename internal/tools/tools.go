// Package tools runs the workspace tools an agent task may invoke. Every path
// is confined to the workspace root.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/shared"
)

// Tool names understood by the task loop.
const (
	ReadFile            = "read_file"
	WriteToFile         = "write_to_file"
	ListFiles           = "list_files"
	ExecuteCommand      = "execute_command"
	AttemptCompletion   = "attempt_completion"
	AskFollowupQuestion = "ask_followup_question"
)

// DefaultMaxOutput caps tool output returned to the model.
const DefaultMaxOutput = 8 * 1024

// Call is one parsed tool invocation.
type Call struct {
	Name   string
	Params map[string]string
}

// Param returns a required parameter or an error naming it.
func (c Call) Param(name string) (string, error) {
	v, ok := c.Params[name]
	if !ok || v == "" {
		return "", fmt.Errorf("missing value for required parameter '%s'", name)
	}
	return v, nil
}

// Categories maps each executable tool to its approval category.
var categories = map[string]policy.Category{
	ReadFile:       policy.CategoryReadFiles,
	ListFiles:      policy.CategoryReadFiles,
	WriteToFile:    policy.CategoryEditFiles,
	ExecuteCommand: policy.CategoryExecuteCommands,
}

// Category returns the approval category of an executable tool.
func Category(name string) (policy.Category, bool) {
	c, ok := categories[name]
	return c, ok
}

// Names returns the executable tool names, sorted.
func Names() []string {
	out := make([]string, 0, len(categories))
	for n := range categories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Runner executes tool calls against one workspace.
type Runner struct {
	root      string
	maxOutput int
	executor  Executor
	tracer    trace.Tracer
	metrics   *otelx.Metrics
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the host shell executor.
func WithExecutor(e Executor) Option { return func(r *Runner) { r.executor = e } }

// WithTelemetry records tool spans and durations.
func WithTelemetry(tracer trace.Tracer, m *otelx.Metrics) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRunner returns a runner rooted at root. maxOutput <= 0 uses DefaultMaxOutput.
func NewRunner(root string, maxOutput int, opts ...Option) *Runner {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	r := &Runner{
		root:      root,
		maxOutput: maxOutput,
		executor:  HostExecutor{},
		tracer:    nooptrace.NewTracerProvider().Tracer(otelx.TracerName),
		metrics:   otelx.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the workspace root.
func (r *Runner) Root() string { return r.root }

// Run executes call and returns the text handed back to the model.
func (r *Runner) Run(ctx context.Context, call Call) (string, error) {
	ctx, span := otelx.StartSpan(ctx, r.tracer, "tool."+call.Name,
		otelx.AttrToolName.String(call.Name),
		otelx.AttrTaskID.String(shared.TaskID(ctx)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		r.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var (
		out string
		err error
	)
	switch call.Name {
	case ReadFile:
		out, err = r.readFile(call)
	case WriteToFile:
		out, err = r.writeFile(call)
	case ListFiles:
		out, err = r.listFiles(call)
	case ExecuteCommand:
		out, err = r.executeCommand(ctx, call)
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		return "", err
	}
	return truncateOutput(shared.Redact(out), r.maxOutput), nil
}
