package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	dbpkg "github.com/onnwee/chat-overlay/backend/db"
)

// HandleOAuthStart initiates the operator authorization flow by redirecting to
// the identity provider.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Cfg.ValidateOAuthReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// generate state
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	http.Redirect(w, r, h.oauthConfig().AuthCodeURL(st), http.StatusFound)
}

// HandleOAuthCallback exchanges the authorization code, persists the token,
// and kicks the pool so the primary connection can upgrade.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	tok, err := h.oauthConfig().Exchange(ctx, code)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	scope := scopeFromToken(tok.Extra("scope"))
	if h.deps.DB != nil {
		if err := dbpkg.UpsertOAuthToken(ctx, h.deps.DB, "twitch", tok.AccessToken, tok.RefreshToken, tok.Expiry, scope); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if h.deps.OnAuth != nil {
		go h.deps.OnAuth()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "scope": scope, "expiry": tok.Expiry}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// scopeFromToken flattens the provider's scope extra, which arrives as a JSON
// array, into the space-separated form the token table stores.
func scopeFromToken(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// splitScopes parses the configured space-separated scope list.
func splitScopes(raw string) []string {
	return strings.Fields(raw)
}
