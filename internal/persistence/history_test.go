package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/shared"
)

func TestHistory_FiltersMalformedEntries(t *testing.T) {
	store := openStore(t, "ws")
	ctx := context.Background()

	raw := `[
		{"id":"a","ts":100,"task":"fix bug"},
		{"id":"","ts":100,"task":"no id"},
		{"id":"b","task":"no timestamp"},
		{"id":"c","ts":200,"task":""},
		{"id":"d","ts":"not-a-number","task":"bad type"},
		{"id":"e","ts":300,"task":"write tests"}
	]`
	if err := store.Set(ctx, persistence.Global, persistence.KeyTaskHistory, raw); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	records, err := store.ListHistory(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "e" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestHistory_UnreadableIndexIsEmpty(t *testing.T) {
	store := openStore(t, "ws")
	ctx := context.Background()
	if err := store.Set(ctx, persistence.Global, persistence.KeyTaskHistory, `{not json`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	records, err := store.ListHistory(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty index, got %+v", records)
	}
}

func TestHistory_UpsertKeepsLastActiveMonotonic(t *testing.T) {
	store := openStore(t, "ws")
	ctx := context.Background()

	if _, err := store.UpsertHistory(ctx, persistence.TaskRecord{ID: "t1", LastActiveAt: 500, Summary: "fix bug"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertHistory(ctx, persistence.TaskRecord{ID: "t1", CreatedAt: 999, LastActiveAt: 100, Summary: "fix bug", TokensIn: 10}); err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	rec, err := store.GetHistory(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastActiveAt != 500 {
		t.Fatalf("lastActiveAt moved backwards: %d", rec.LastActiveAt)
	}
	if rec.CreatedAt != 500 {
		t.Fatalf("createdAt must be immutable, got %d", rec.CreatedAt)
	}
	if rec.TokensIn != 10 {
		t.Fatalf("expected other fields replaced, got %+v", rec)
	}

	if _, err := store.UpsertHistory(ctx, persistence.TaskRecord{ID: "t1", LastActiveAt: 900, Summary: "fix bug"}); err != nil {
		t.Fatalf("upsert newer: %v", err)
	}
	rec, _ = store.GetHistory(ctx, "t1")
	if rec.LastActiveAt != 900 {
		t.Fatalf("expected lastActiveAt=900, got %d", rec.LastActiveAt)
	}
}

func TestHistory_GetMissingIsNotFound(t *testing.T) {
	store := openStore(t, "ws")
	_, err := store.GetHistory(context.Background(), "nope")
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory_DeletePublishesAndIsIdempotent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskDeleted)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/starry.db", "ws", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	_, _ = store.UpsertHistory(ctx, persistence.TaskRecord{ID: "t1", LastActiveAt: 1, Summary: "one"})
	_, _ = store.UpsertHistory(ctx, persistence.TaskRecord{ID: "t2", LastActiveAt: 2, Summary: "two"})

	if err := store.DeleteHistory(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteHistory(ctx, "t1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	records, _ := store.ListHistory(ctx)
	if len(records) != 1 || records[0].ID != "t2" {
		t.Fatalf("unexpected records after delete %+v", records)
	}

	select {
	case ev := <-sub.Ch():
		if p := ev.Payload.(bus.TaskLifecycleEvent); p.TaskID != "t1" {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("expected task.deleted event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("no event expected for no-op delete, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
