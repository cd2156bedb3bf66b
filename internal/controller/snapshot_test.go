package controller

import (
	"testing"

	"github.com/basket/starry/internal/persistence"
)

func TestVisibleHistory(t *testing.T) {
	in := []persistence.TaskRecord{
		{ID: "old", LastActiveAt: 100, Summary: "first"},
		{ID: "no-ts", Summary: "orphan"},
		{ID: "new", LastActiveAt: 300, Summary: "latest"},
		{ID: "blank", LastActiveAt: 200, Summary: "  "},
		{ID: "mid", LastActiveAt: 200, Summary: "middle"},
	}
	got := visibleHistory(in)
	want := []string{"new", "mid", "old"}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d: %+v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, got[i].ID, id)
		}
	}
}
