package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moby/sys/atomicwriter"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/starry/internal/bus"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/shared"
)

// CacheFileName is the cached mapping's file name inside the cache dir.
const CacheFileName = "openrouter_models.json"

const maxCatalogBytes = 32 << 20

// Options configures a Cache.
type Options struct {
	URL       string
	Dir       string
	Timeout   time.Duration
	Client    *http.Client
	Overrides Overrides
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Metrics   *otelx.Metrics
}

// Cache serves the last known good catalog and refreshes it from the network.
// Readers always observe a complete mapping, either the previous one or the
// new one.
type Cache struct {
	url       string
	path      string
	client    *http.Client
	overrides Overrides
	bus       *bus.Bus
	tracer    trace.Tracer
	metrics   *otelx.Metrics

	refreshMu sync.Mutex
	current   atomic.Pointer[Models]
	loaded    atomic.Bool
}

// New builds a Cache. Nothing is read from disk until the first ReadCached.
func New(opts Options) *Cache {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	overrides := opts.Overrides
	if overrides == nil {
		overrides = DefaultOverrides()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = otelx.Discard()
	}
	return &Cache{
		url:       opts.URL,
		path:      filepath.Join(opts.Dir, CacheFileName),
		client:    client,
		overrides: overrides,
		bus:       opts.Bus,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

// ReadCached returns a copy of the current mapping, loading it from the cache
// file on first use. ok is false when nothing has been cached yet.
func (c *Cache) ReadCached() (Models, bool) {
	models, ok := c.load()
	if !ok {
		return nil, false
	}
	return maps.Clone(models), true
}

// load returns the shared mapping. Callers must not modify it.
func (c *Cache) load() (Models, bool) {
	if m := c.current.Load(); m != nil {
		return *m, true
	}
	if c.loaded.Load() {
		return nil, false
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if m := c.current.Load(); m != nil {
		return *m, true
	}
	c.loaded.Store(true)

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("catalog cache unreadable", "path", c.path, "error", err)
		}
		return nil, false
	}
	var models Models
	if err := json.Unmarshal(data, &models); err != nil {
		slog.Warn("catalog cache corrupt", "path", c.path, "error", err)
		return nil, false
	}
	for id, d := range models {
		if d.ID == "" {
			d.ID = id
			models[id] = d
		}
	}
	c.current.Store(&models)
	return models, true
}

// Lookup returns the descriptor for id from the current mapping.
func (c *Cache) Lookup(id string) (ModelDescriptor, bool) {
	models, ok := c.load()
	if !ok {
		return ModelDescriptor{}, false
	}
	d, ok := models[id]
	return d, ok
}

// Refresh is the best-effort path: failures are logged and the previous
// mapping (or an empty one) is returned.
func (c *Cache) Refresh(ctx context.Context) Models {
	models, err := c.TryRefresh(ctx)
	if err != nil {
		slog.Warn("catalog refresh failed; serving cached models", "url", c.url, "error", err)
		if prev, ok := c.ReadCached(); ok {
			return prev
		}
		return Models{}
	}
	return models
}

// TryRefresh fetches, normalizes and persists the catalog. On success the new
// mapping replaces the cached one in memory and on disk. On failure the cache
// is left untouched and the error wraps shared.ErrNetworkUnavailable or
// shared.ErrStorageUnavailable.
func (c *Cache) TryRefresh(ctx context.Context) (Models, error) {
	ctx, span := otelx.StartClientSpan(ctx, c.tracer, "catalog.refresh", otelx.AttrCatalogURL.String(c.url))
	defer span.End()

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	raw, err := c.fetch(ctx)
	if err != nil {
		c.metrics.CatalogErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	models := make(Models, len(raw))
	for _, r := range raw {
		if r.ID == "" {
			continue
		}
		models[r.ID] = c.overrides.Apply(normalize(r))
	}

	if err := c.persist(models); err != nil {
		c.metrics.CatalogErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, err
	}
	c.current.Store(&models)
	c.loaded.Store(true)
	c.metrics.CatalogRefreshes.Add(ctx, 1)

	slog.Info("catalog refreshed", "models", len(models))
	c.bus.Publish(bus.TopicCatalogUpdated, bus.CatalogUpdatedEvent{Models: len(models)})
	return maps.Clone(models), nil
}

func (c *Cache) fetch(ctx context.Context) ([]rawModel, error) {
	if c.url == "" {
		return nil, fmt.Errorf("catalog url not configured: %w", shared.ErrNetworkUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w: %w", shared.ErrNetworkUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w: %w", shared.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: status %d: %w", resp.StatusCode, shared.ErrNetworkUnavailable)
	}
	var body struct {
		Data []rawModel `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode catalog: %w: %w", shared.ErrNetworkUnavailable, err)
	}
	if body.Data == nil {
		return nil, fmt.Errorf("decode catalog: response has no data: %w", shared.ErrNetworkUnavailable)
	}
	return body.Data, nil
}

func (c *Cache) persist(models Models) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w: %w", shared.ErrStorageUnavailable, err)
	}
	data, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := atomicwriter.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog cache: %w: %w", shared.ErrStorageUnavailable, err)
	}
	return nil
}
