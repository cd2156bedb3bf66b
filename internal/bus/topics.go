package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskStarted      = "task.started"
	TopicTaskAborted      = "task.aborted"
	TopicTaskAbandoned    = "task.abandoned"
	TopicTaskDeleted      = "task.deleted"
	TopicTaskPartial      = "task.partial"
)

// Catalog and UI topics.
const (
	TopicCatalogUpdated = "catalog.updated"
	TopicThemeChanged   = "theme.changed"
	TopicConfigReloaded = "config.reloaded"
)

// TaskStateChangedEvent is published whenever the active task's visible state
// changes and the UI snapshot should be re-sent.
type TaskStateChangedEvent struct {
	TaskID string
	State  string
}

// TaskPartialEvent carries the accumulated text of a streaming reply. TS
// identifies the UI event being updated.
type TaskPartialEvent struct {
	TaskID string
	TS     int64
	Text   string
}

// TaskLifecycleEvent is published on start, abort, abandonment and deletion.
type TaskLifecycleEvent struct {
	TaskID string
	Reason string
}

// CatalogUpdatedEvent carries the size of the newly installed catalog mapping.
type CatalogUpdatedEvent struct {
	Models int
}

// ThemeChangedEvent carries the raw theme document.
type ThemeChangedEvent struct {
	Theme []byte
}
