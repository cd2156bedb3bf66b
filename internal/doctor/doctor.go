package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkProvider,
		checkPermissions,
		checkCatalogCache,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (run starry serve once to create it)"}
	}
	if _, err := cron.ParseStandard(cfg.Catalog.RefreshCron); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Invalid catalog.refresh_cron", Detail: err.Error()}
	}
	if _, err := url.ParseRequestURI(cfg.Catalog.URL); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Invalid catalog.url", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(config.DBPath(cfg.HomeDir), cfg.Workspace, nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	verdict, err := store.IntegrityCheck(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity check failed: %v", err)}
	}
	if verdict != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check reported problems", Detail: verdict}
	}
	history, err := store.ListHistory(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("History unreadable: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Schema valid, %d tasks in history", len(history))}
}

// checkProvider validates the stored provider settings without contacting the
// provider.
func checkProvider(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Provider", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Provider", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	settings, err := store.LoadProviderSettings(ctx)
	if err != nil {
		return CheckResult{Name: "Provider", Status: "FAIL", Message: fmt.Sprintf("Settings unreadable: %v", err)}
	}
	if err := settings.Validate(); err != nil {
		return CheckResult{
			Name:    "Provider",
			Status:  "WARN",
			Message: fmt.Sprintf("Provider %q is not fully configured", settings.Provider()),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Provider", Status: "PASS", Message: fmt.Sprintf("Provider %q, model %q", settings.Provider(), settings.ModelID())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, config.TasksDir(cfg.HomeDir), config.CacheDir(cfg.HomeDir)} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkCatalogCache(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Catalog", Status: "SKIP", Message: "Config missing"}
	}
	cache := catalog.New(catalog.Options{URL: cfg.Catalog.URL, Dir: config.CacheDir(cfg.HomeDir)})
	models, ok := cache.ReadCached()
	if !ok {
		return CheckResult{
			Name:    "Catalog",
			Status:  "WARN",
			Message: "No cached model catalog yet",
			Detail:  "run starry catalog refresh or open the UI once",
		}
	}
	info, err := os.Stat(cache.Path())
	detail := cache.Path()
	if err == nil {
		detail = fmt.Sprintf("%s, updated %s", cache.Path(), info.ModTime().UTC().Format(time.RFC3339))
	}
	return CheckResult{Name: "Catalog", Status: "PASS", Message: fmt.Sprintf("%d models cached", len(models)), Detail: detail}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "openrouter.ai"
	if u, err := url.Parse(cfg.Catalog.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
