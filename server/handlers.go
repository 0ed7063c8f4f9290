// Package server exposes the HTTP API: health, status, metrics, the operator
// OAuth flow, and the chat/roster endpoints the overlay frontend reads. It
// includes permissive CORS for development and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/chat-overlay/backend/chat"
	"github.com/onnwee/chat-overlay/backend/config"
	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/roster"
	"github.com/onnwee/chat-overlay/backend/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// HistoryReader is the persisted-history read path, satisfied by db.History.
type HistoryReader interface {
	RecentMessages(ctx context.Context, channel string, before time.Time, limit int) ([]chat.Message, error)
}

// Deps carries the collaborators the handlers operate on. DB, History and
// Helix may be nil; the endpoints that need them degrade gracefully.
type Deps struct {
	Cfg     *config.Config
	DB      *sql.DB
	Pool    *conn.Pool
	Stores  *chat.Stores
	Router  *chat.Router
	Sender  *chat.Sender
	Roster  *roster.Registry
	History HistoryReader
	Helix   *twitchapi.HelixClient
	// OnAuth runs after the operator completes the authorization flow, so the
	// pool can upgrade its primary connection.
	OnAuth func()
	// AuthEndpoint overrides the identity provider endpoints in tests.
	AuthEndpoint oauth2.Endpoint
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps

	chanMu   sync.Mutex
	channels []string

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	h := &Handlers{
		ctx:        ctx,
		deps:       deps,
		stateStore: make(map[string]time.Time),
	}
	if deps.Cfg != nil {
		h.channels = append(h.channels, deps.Cfg.TwitchChannels...)
	}
	return h
}

// oauthConfig builds the authorization-code flow configuration.
func (h *Handlers) oauthConfig() *oauth2.Config {
	endpoint := h.deps.AuthEndpoint
	if endpoint.AuthURL == "" {
		endpoint = endpoints.Twitch
	}
	return &oauth2.Config{
		ClientID:     h.deps.Cfg.TwitchClientID,
		ClientSecret: h.deps.Cfg.TwitchClientSecret,
		RedirectURL:  h.deps.Cfg.TwitchRedirectURI,
		Scopes:       splitScopes(h.deps.Cfg.TwitchScopes),
		Endpoint:     endpoint,
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}

// consumeOAuthState validates and removes a state, reporting whether it was
// live.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
