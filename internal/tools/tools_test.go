package tools

import (
	"context"
	"testing"

	"github.com/basket/starry/internal/policy"
)

func TestCategory(t *testing.T) {
	tests := map[string]policy.Category{
		ReadFile:       policy.CategoryReadFiles,
		ListFiles:      policy.CategoryReadFiles,
		WriteToFile:    policy.CategoryEditFiles,
		ExecuteCommand: policy.CategoryExecuteCommands,
	}
	for name, want := range tests {
		got, ok := Category(name)
		if !ok || got != want {
			t.Errorf("Category(%q) = %q, %v; want %q", name, got, ok, want)
		}
	}
	if _, ok := Category(AttemptCompletion); ok {
		t.Error("attempt_completion is not an executable tool")
	}
	if len(Names()) != len(tests) {
		t.Errorf("Names() = %v", Names())
	}
}

func TestRun_UnknownTool(t *testing.T) {
	r := NewRunner(t.TempDir(), 0)
	if _, err := r.Run(context.Background(), Call{Name: "browser_action"}); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}
