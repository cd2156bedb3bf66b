package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/shared"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "st-v1-partitioned-state"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Partition selects one of the three independent key spaces.
type Partition string

const (
	// Global holds process-wide settings.
	Global Partition = "global"
	// Workspace holds settings scoped to the configured workspace id.
	Workspace Partition = "workspace"
	// Secrets holds credentials. Values never leave the store in bulk.
	Secrets Partition = "secrets"
)

// Well-known keys.
const (
	KeyTaskHistory             = "taskHistory"
	KeyCustomInstructions      = "customInstructions"
	KeyAutoApprovalSettings    = "autoApprovalSettings"
	KeyLastShownAnnouncementID = "lastShownAnnouncementId"
	KeyLastTaskID              = "lastTaskId"
)

type Store struct {
	db        *sql.DB
	bus       *bus.Bus // may be nil in tests
	workspace string

	// historyMu serializes read-modify-write of the task history index.
	historyMu sync.Mutex
}

// Open opens (creating if needed) the sqlite state store at path. workspace
// scopes the Workspace partition.
func Open(path, workspace string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open state store: empty path")
	}
	if workspace == "" {
		workspace = "default"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w: %w", shared.ErrStorageUnavailable, err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w: %w", shared.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, workspace: workspace}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WorkspaceID returns the workspace scope of the Workspace partition.
func (s *Store) WorkspaceID() string {
	return s.workspace
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED. Errors
// that lost their driver type on the way up are matched by message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// storageErr tags a driver failure as ErrStorageUnavailable.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, shared.ErrStorageUnavailable, err)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return storageErr(fmt.Sprintf("set pragma %q", q), err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin migration tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return storageErr("create schema_migrations", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return storageErr("read migration max version", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return storageErr("read schema migration checksum", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return nil
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_kv (
			partition TEXT NOT NULL CHECK(partition IN ('global', 'workspace')),
			scope TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (partition, scope, key)
		);`,
		`CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("exec migration", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return storageErr("insert schema migration ledger", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit migration tx", err)
	}
	return nil
}

// scope maps a settings partition to its state_kv scope column.
func (s *Store) scope(p Partition) (string, error) {
	switch p {
	case Global:
		return "", nil
	case Workspace:
		return s.workspace, nil
	default:
		return "", fmt.Errorf("unknown partition %q", p)
	}
}

// Get returns the raw value for key. A missing key returns ok=false and no error.
func (s *Store) Get(ctx context.Context, p Partition, key string) (string, bool, error) {
	var (
		val string
		err error
	)
	if p == Secrets {
		err = retryOnBusy(ctx, busyRetries, func() error {
			return s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?;`, key).Scan(&val)
		})
	} else {
		scope, serr := s.scope(p)
		if serr != nil {
			return "", false, serr
		}
		err = retryOnBusy(ctx, busyRetries, func() error {
			return s.db.QueryRowContext(ctx, `
				SELECT value FROM state_kv WHERE partition = ? AND scope = ? AND key = ?;
			`, string(p), scope, key).Scan(&val)
		})
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageErr(fmt.Sprintf("state get %s/%s", p, key), err)
	}
	return val, true, nil
}

// Set stores value under key. On the Secrets partition an empty value clears
// the credential instead of storing an empty string.
func (s *Store) Set(ctx context.Context, p Partition, key, value string) error {
	if p == Secrets {
		if value == "" {
			return s.Delete(ctx, p, key)
		}
		err := retryOnBusy(ctx, busyRetries, func() error {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO secrets (key, value, updated_at)
				VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
			`, key, value)
			return err
		})
		if err != nil {
			return storageErr("secret set", err)
		}
		return nil
	}

	scope, err := s.scope(p)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO state_kv (partition, scope, key, value, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(partition, scope, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, string(p), scope, key, value)
		return err
	})
	if err != nil {
		return storageErr(fmt.Sprintf("state set %s/%s", p, key), err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, p Partition, key string) error {
	var err error
	if p == Secrets {
		err = retryOnBusy(ctx, busyRetries, func() error {
			_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?;`, key)
			return err
		})
	} else {
		scope, serr := s.scope(p)
		if serr != nil {
			return serr
		}
		err = retryOnBusy(ctx, busyRetries, func() error {
			_, err := s.db.ExecContext(ctx, `DELETE FROM state_kv WHERE partition = ? AND scope = ? AND key = ?;`, string(p), scope, key)
			return err
		})
	}
	if err != nil {
		return storageErr(fmt.Sprintf("state delete %s/%s", p, key), err)
	}
	return nil
}

// Keys enumerates the key names of a partition in lexical order.
func (s *Store) Keys(ctx context.Context, p Partition) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if p == Secrets {
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key;`)
	} else {
		scope, serr := s.scope(p)
		if serr != nil {
			return nil, serr
		}
		rows, err = s.db.QueryContext(ctx, `SELECT key FROM state_kv WHERE partition = ? AND scope = ? ORDER BY key;`, string(p), scope)
	}
	if err != nil {
		return nil, storageErr(fmt.Sprintf("query keys %s", p), err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("scan key", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("keys rows", err)
	}
	return out, nil
}

// GetJSON decodes the value for key into dest. ok is false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, p Partition, key string, dest any) (bool, error) {
	raw, ok, err := s.Get(ctx, p, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", p, key, err)
	}
	return true, nil
}

// SetJSON encodes v under key. A nil v deletes the key.
func (s *Store) SetJSON(ctx context.Context, p Partition, key string, v any) error {
	if v == nil {
		return s.Delete(ctx, p, key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", p, key, err)
	}
	return s.Set(ctx, p, key, string(data))
}

// Reset clears every global setting and every secret. Workspace settings survive.
func (s *Store) Reset(ctx context.Context) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin reset tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM state_kv WHERE partition = 'global';`); err != nil {
		return storageErr("reset global", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM secrets;`); err != nil {
		return storageErr("reset secrets", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit reset tx", err)
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns its verdict.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&verdict); err != nil {
		return "", storageErr("integrity check", err)
	}
	return verdict, nil
}
