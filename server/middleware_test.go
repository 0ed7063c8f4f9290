package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	rec := httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAdminAuthToken(t *testing.T) {
	cfg := &authConfig{adminToken: "sekret", enabled: true}

	rec := httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/channels", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: code = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPut, "/channels", nil)
	req.Header.Set("X-Admin-Token", "sekret")
	rec = httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: code = %d", rec.Code)
	}

	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: code = %d", rec.Code)
	}
}

func TestAdminAuthBasic(t *testing.T) {
	cfg := &authConfig{adminUsername: "admin", adminPassword: "pw", enabled: true}
	req := httptest.NewRequest(http.MethodPut, "/channels", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("basic auth: code = %d", rec.Code)
	}
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
	handler := rateLimitMiddleware(okHandler(), limiter)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/alpha", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/alpha", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: code = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("Retry-After not set")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	handler := rateLimitMiddleware(okHandler(), limiter)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat/alpha", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
	}
}

func TestRateLimiterUsesForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	handler := rateLimitMiddleware(okHandler(), limiter)

	first := httptest.NewRequest(http.MethodPost, "/chat/alpha", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first: code = %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/chat/alpha", nil)
	second.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same client ip should be limited: code = %d", rec.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/chat/alpha", nil)
	other.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Fatalf("different client ip should pass: code = %d", rec.Code)
	}
}

func TestCORSPermissivePreflight(t *testing.T) {
	handler := withCORSConfig(okHandler(), &corsConfig{permissive: true})
	req := httptest.NewRequest(http.MethodOptions, "/chat/alpha", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: code = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := &corsConfig{allowedOrigins: []string{"https://overlay.example.com", "*.trusted.dev"}}
	handler := withCORSConfig(okHandler(), cfg)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://overlay.example.com", true},
		{"https://app.trusted.dev", true},
		{"https://evil.example.net", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		got := rec.Header().Get("Access-Control-Allow-Origin")
		if tt.allowed && got != tt.origin {
			t.Errorf("%s: allow origin = %q, want %q", tt.origin, got, tt.origin)
		}
		if !tt.allowed && got != "" {
			t.Errorf("%s: allow origin = %q, want empty", tt.origin, got)
		}
	}
}
