package controller

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/transcript"
)

// Snapshot is the full state pushed to a presentation surface. Secrets appear
// only as presence flags.
type Snapshot struct {
	Version                string                   `json:"version"`
	APIConfiguration       map[string]any           `json:"apiConfiguration"`
	CustomInstructions     string                   `json:"customInstructions,omitempty"`
	CurrentTaskItem        *persistence.TaskRecord  `json:"currentTaskItem,omitempty"`
	StarryMessages         []transcript.UIEvent     `json:"starryMessages"`
	TaskHistory            []persistence.TaskRecord `json:"taskHistory"`
	ShouldShowAnnouncement bool                     `json:"shouldShowAnnouncement"`
	AutoApprovalSettings   policy.AutoApproval      `json:"autoApprovalSettings"`
}

// Snapshot assembles the current state from the store and the active task.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	settings, err := c.store.LoadProviderSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot settings: %w", err)
	}
	instructions, _, err := c.store.Get(ctx, persistence.Global, persistence.KeyCustomInstructions)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot instructions: %w", err)
	}
	lastShown, _, err := c.store.Get(ctx, persistence.Global, persistence.KeyLastShownAnnouncementID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot announcement: %w", err)
	}
	history, err := c.store.ListHistory(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot history: %w", err)
	}

	snap := Snapshot{
		Version:                c.version,
		APIConfiguration:       settings.Redacted(),
		CustomInstructions:     instructions,
		StarryMessages:         []transcript.UIEvent{},
		TaskHistory:            visibleHistory(history),
		ShouldShowAnnouncement: lastShown != c.announcementID,
		AutoApprovalSettings:   c.manager.Policy().Snapshot(),
	}
	if t := c.manager.Current(); t != nil {
		rec := t.Record()
		snap.CurrentTaskItem = &rec
		snap.StarryMessages = t.UIEvents()
	}
	return snap, nil
}

// visibleHistory drops entries without a timestamp or summary and sorts the
// rest newest first.
func visibleHistory(records []persistence.TaskRecord) []persistence.TaskRecord {
	out := make([]persistence.TaskRecord, 0, len(records))
	for _, r := range records {
		if r.LastActiveAt <= 0 || strings.TrimSpace(r.Summary) == "" {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b persistence.TaskRecord) int {
		return cmp.Compare(b.LastActiveAt, a.LastActiveAt)
	})
	return out
}
