// Package transcript persists each task's message log and UI-event log under
// <home>/tasks/<id>/.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/basket/starry/internal/shared"
)

// File names inside a task directory.
const (
	MessagesFile = "api_conversation_history.json"
	UIEventsFile = "ui_messages.json"
	LegacyFile   = "claude_messages.json"
)

// Store reads and writes task transcripts. Appends to one task are serialized
// so entries land in call order.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a store rooted at dir (usually <home>/tasks).
func NewStore(dir string) *Store {
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

// TaskDir returns the directory holding id's transcript.
func (s *Store) TaskDir(id string) string {
	return filepath.Join(s.root, id)
}

// CreateTaskDirectory creates the task directory and empty logs. Existing logs
// are left untouched.
func (s *Store) CreateTaskDirectory(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	dir := s.TaskDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w: %w", shared.ErrStorageUnavailable, err)
	}
	for _, name := range []string{MessagesFile, UIEventsFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := writeJSON(path, []any{}); err != nil {
			return err
		}
	}
	return nil
}

// ReadTranscript returns both logs. A task with no message log on disk is
// reported as shared.ErrNotFound. A missing UI-event log reads as empty.
func (s *Store) ReadTranscript(id string) ([]Message, []UIEvent, error) {
	if err := validID(id); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", shared.ErrNotFound, err)
	}
	unlock := s.lock(id)
	defer unlock()

	msgs, err := s.readMessages(id)
	if err != nil {
		return nil, nil, err
	}
	var events []UIEvent
	if err := readJSON(filepath.Join(s.TaskDir(id), UIEventsFile), &events); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, nil, err
	}
	return msgs, events, nil
}

// ReadMessages returns only the message log.
func (s *Store) ReadMessages(id string) ([]Message, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrNotFound, err)
	}
	unlock := s.lock(id)
	defer unlock()
	return s.readMessages(id)
}

func (s *Store) readMessages(id string) ([]Message, error) {
	var msgs []Message
	if err := readJSON(filepath.Join(s.TaskDir(id), MessagesFile), &msgs); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return msgs, nil
}

// AppendMessage appends one entry to the message log.
func (s *Store) AppendMessage(id string, msg Message) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	path := filepath.Join(s.TaskDir(id), MessagesFile)
	var msgs []Message
	if err := readJSON(path, &msgs); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	msgs = append(msgs, msg)
	return writeJSON(path, msgs)
}

// AppendUIEvent appends one entry to the UI-event log. A trailing partial event
// of the same kind is replaced rather than followed, so streaming chunks
// collapse into one entry.
func (s *Store) AppendUIEvent(id string, ev UIEvent) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	path := filepath.Join(s.TaskDir(id), UIEventsFile)
	var events []UIEvent
	if err := readJSON(path, &events); err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if n := len(events); n > 0 && events[n-1].Partial && sameKind(events[n-1], ev) {
		ev.TS = events[n-1].TS
		events[n-1] = ev
	} else {
		events = append(events, ev)
	}
	return writeJSON(path, events)
}

// OverwriteMessages replaces the message log. A resumed task uses it to fold a
// dangling user turn into the resumption message.
func (s *Store) OverwriteMessages(id string, msgs []Message) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	if msgs == nil {
		msgs = []Message{}
	}
	return writeJSON(filepath.Join(s.TaskDir(id), MessagesFile), msgs)
}

// OverwriteUIEvents replaces the UI-event log, used when a resumed task trims
// stale trailing entries.
func (s *Store) OverwriteUIEvents(id string, events []UIEvent) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	if events == nil {
		events = []UIEvent{}
	}
	return writeJSON(filepath.Join(s.TaskDir(id), UIEventsFile), events)
}

func sameKind(a, b UIEvent) bool {
	return a.Type == b.Type && a.Ask == b.Ask && a.Say == b.Say
}

// DeleteTask removes both logs, the legacy log and the directory. Residual
// files left in the directory are reported as a non-fatal error after the
// known files are gone; callers log it and move on.
func (s *Store) DeleteTask(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()

	dir := s.TaskDir(id)
	for _, name := range []string{MessagesFile, UIEventsFile, LegacyFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w: %w", name, shared.ErrStorageUnavailable, err)
		}
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ResidualFilesError{Dir: dir, Err: err}
	}

	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// ResidualFilesError reports a task directory that still held unknown files
// after its logs were deleted.
type ResidualFilesError struct {
	Dir string
	Err error
}

func (e *ResidualFilesError) Error() string {
	return fmt.Sprintf("task dir %s not removed: %v", e.Dir, e.Err)
}

func (e *ResidualFilesError) Unwrap() error { return e.Err }

// IsResidual reports whether err only signals leftover files after a delete.
func IsResidual(err error) bool {
	var r *ResidualFilesError
	return errors.As(err, &r)
}

// ListTaskIDs returns the ids of every task directory on disk.
func (s *Store) ListTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w: %w", shared.ErrStorageUnavailable, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func readJSON(path string, dest any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", filepath.Base(path), shared.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w: %w", filepath.Base(path), shared.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w: %w", filepath.Base(path), shared.ErrStorageUnavailable, err)
	}
	return nil
}
