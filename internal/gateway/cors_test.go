package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/starry/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	handler := gateway.NewCORSMiddleware([]string{"ui.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://ui.example.com" {
		t.Fatalf("expected origin echoed, got %q", origin)
	}
	if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "3600" {
		t.Fatalf("expected max-age 3600, got %q", maxAge)
	}
}

func TestCORS_PatternMatch(t *testing.T) {
	handler := gateway.NewCORSMiddleware([]string{"*.example.com"})(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "http://panel.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.example.com" {
		t.Fatalf("expected pattern match, got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	handler := gateway.NewCORSMiddleware([]string{"ui.example.com"})(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to pass through, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header, got %q", got)
	}
}

func TestCORS_NoPatternsPassThrough(t *testing.T) {
	handler := gateway.NewCORSMiddleware(nil)(okHandler())

	req := httptest.NewRequest("OPTIONS", "/healthz", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through 200, got %d", rec.Code)
	}
}
