package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default base URLs for locally hosted model servers.
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultLMStudioURL = "http://localhost:1234"
)

var localClient = &http.Client{Timeout: 3 * time.Second}

// ListOllamaModels returns the unique model names served by an Ollama
// instance. Any failure yields an empty list.
func ListOllamaModels(ctx context.Context, baseURL string) []string {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if !getLocal(ctx, baseURL, "/api/tags", &result) {
		return []string{}
	}
	names := make([]string, 0, len(result.Models))
	for _, m := range result.Models {
		names = append(names, m.Name)
	}
	return unique(names)
}

// ListLMStudioModels returns the unique model ids served by an LM Studio
// instance. Any failure yields an empty list.
func ListLMStudioModels(ctx context.Context, baseURL string) []string {
	if baseURL == "" {
		baseURL = DefaultLMStudioURL
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if !getLocal(ctx, baseURL, "/v1/models", &result) {
		return []string{}
	}
	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return unique(ids)
}

func getLocal(ctx context.Context, baseURL, path string, dest any) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		slog.Debug("local model listing skipped (invalid url)", "base_url", baseURL)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+path, nil)
	if err != nil {
		return false
	}
	resp, err := localClient.Do(req)
	if err != nil {
		slog.Debug("local model listing failed (connection)", "base_url", baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("local model listing failed (status)", "base_url", baseURL, "status", resp.StatusCode)
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		slog.Debug("local model listing failed (decode)", "base_url", baseURL, "error", err)
		return false
	}
	return true
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
