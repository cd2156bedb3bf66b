// Package audit appends every tool approval decision to <home>/logs/audit.jsonl.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/starry/internal/shared"
)

// FileName is the audit log inside <home>/logs.
const FileName = "audit.jsonl"

// Entry is one approval decision. Timestamp, TaskID and TraceID are filled
// by Record.
type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	Tool          string `json:"tool,omitempty"`
	Decision      string `json:"decision"`
	Category      string `json:"category"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Path returns the audit log location for homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", FileName)
}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(Path(homeDir)), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends e with task and trace ids taken from ctx. Without Init it
// does nothing.
func Record(ctx context.Context, e Entry) {
	// Tool inputs can carry credentials.
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if e.TaskID == "" {
		e.TaskID = shared.TaskID(ctx)
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		e.TraceID = tid
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}

// ReadTask returns the decisions recorded for taskID in file order. An
// empty taskID returns every entry. A missing log yields no entries.
// Malformed lines are skipped.
func ReadTask(homeDir, taskID string) ([]Entry, error) {
	f, err := os.Open(Path(homeDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read audit log: %w", err)
	}
	return out, nil
}
