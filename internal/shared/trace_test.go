package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-1")
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
}

func TestLogAttrs_SkipsEmpty(t *testing.T) {
	ctx := WithClientID(WithTraceID(context.Background(), "tr"), "c1")
	attrs := LogAttrs(ctx)
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attrs, got %v", attrs)
	}
	if attrs[2] != "client_id" || attrs[3] != "c1" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}
