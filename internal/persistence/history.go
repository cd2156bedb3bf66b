package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/shared"
)

// TaskRecord identifies one task in the history index. Timestamps are unix
// milliseconds.
type TaskRecord struct {
	ID           string  `json:"id"`
	CreatedAt    int64   `json:"createdAt,omitempty"`
	LastActiveAt int64   `json:"ts"`
	Summary      string  `json:"task"`
	TokensIn     int     `json:"tokensIn"`
	TokensOut    int     `json:"tokensOut"`
	CacheWrites  int     `json:"cacheWrites,omitempty"`
	CacheReads   int     `json:"cacheReads,omitempty"`
	TotalCost    float64 `json:"totalCost"`
}

// Valid reports whether the record carries an id, a timestamp and a summary.
func (r TaskRecord) Valid() bool {
	return r.ID != "" && r.LastActiveAt > 0 && strings.TrimSpace(r.Summary) != ""
}

// loadHistory decodes the index entry by entry so one malformed record does not
// fail the whole load. Invalid records are skipped.
func (s *Store) loadHistory(ctx context.Context) ([]TaskRecord, error) {
	raw, ok, err := s.Get(ctx, Global, KeyTaskHistory)
	if err != nil || !ok {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		// The whole value is unreadable; treat it as an empty index rather than failing callers.
		return nil, nil
	}
	out := make([]TaskRecord, 0, len(items))
	for _, item := range items {
		var rec TaskRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			continue
		}
		if !rec.Valid() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) saveHistory(ctx context.Context, records []TaskRecord) error {
	if records == nil {
		records = []TaskRecord{}
	}
	return s.SetJSON(ctx, Global, KeyTaskHistory, records)
}

// ListHistory returns the valid history records in stored order.
func (s *Store) ListHistory(ctx context.Context) ([]TaskRecord, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return s.loadHistory(ctx)
}

// GetHistory returns the record for id or an error wrapping shared.ErrNotFound.
func (s *Store) GetHistory(ctx context.Context, id string) (TaskRecord, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	records, err := s.loadHistory(ctx)
	if err != nil {
		return TaskRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return TaskRecord{}, fmt.Errorf("task %s: %w", id, shared.ErrNotFound)
}

// UpsertHistory inserts or replaces rec and rewrites the whole index. For an
// existing record, createdAt is kept and lastActiveAt never moves backwards.
func (s *Store) UpsertHistory(ctx context.Context, rec TaskRecord) ([]TaskRecord, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("upsert history: empty task id")
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	records, err := s.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	found := false
	for i, existing := range records {
		if existing.ID != rec.ID {
			continue
		}
		if existing.CreatedAt != 0 {
			rec.CreatedAt = existing.CreatedAt
		}
		if rec.LastActiveAt < existing.LastActiveAt {
			rec.LastActiveAt = existing.LastActiveAt
		}
		records[i] = rec
		found = true
		break
	}
	if !found {
		if rec.CreatedAt == 0 {
			rec.CreatedAt = rec.LastActiveAt
		}
		records = append(records, rec)
	}
	if err := s.saveHistory(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteHistory removes id from the index. Removing an unknown id is a no-op.
func (s *Store) DeleteHistory(ctx context.Context, id string) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	records, err := s.loadHistory(ctx)
	if err != nil {
		return err
	}
	kept := records[:0]
	removed := false
	for _, rec := range records {
		if rec.ID == id {
			removed = true
			continue
		}
		kept = append(kept, rec)
	}
	if !removed {
		return nil
	}
	if err := s.saveHistory(ctx, kept); err != nil {
		return err
	}
	s.bus.Publish(bus.TopicTaskDeleted, bus.TaskLifecycleEvent{TaskID: id, Reason: "history removed"})
	return nil
}
