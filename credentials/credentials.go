// Package credentials resolves the identity an IRC connection authenticates
// with: the operator's stored OAuth token when one is available and valid, a
// deterministic anonymous guest identity otherwise. Resolution never fails;
// the caller always gets a usable identity.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/onnwee/chat-overlay/backend/twitchapi"
)

// AnonymousSecret is the fixed password the chat network accepts for guest
// (justinfan) logins.
const AnonymousSecret = "SCHMOOPIIE"

// Identity is the resolved connection identity.
type Identity struct {
	Authenticated bool
	Nick          string
	Secret        string
	Login         string
	UserID        string
	DisplayName   string
}

// Anonymous returns a guest identity with the conventional pseudo-random
// nick pattern.
func Anonymous() Identity {
	//nolint:gosec // G404: guest nick collision is harmless, not a security concern
	return Identity{
		Nick:   fmt.Sprintf("justinfan%05d", rand.Intn(100000)),
		Secret: AnonymousSecret,
	}
}

// TokenStore is the subset of the persistence layer the resolver needs.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
}

// Resolver turns the stored operator token into a connection identity by
// validating it against the identity service.
type Resolver struct {
	Tokens      TokenStore
	Helix       *twitchapi.HelixClient // optional display-name backfill
	HTTPClient  *http.Client
	ValidateURL string // defaults to the public identity endpoint
}

func (r *Resolver) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Resolver) validateURL() string {
	if r.ValidateURL != "" {
		return r.ValidateURL
	}
	return "https://id.twitch.tv/oauth2/validate"
}

// Resolve returns the operator identity, falling back to Anonymous when no
// token is stored, validation fails, or the response is incomplete.
func (r *Resolver) Resolve(ctx context.Context) Identity {
	if r == nil || r.Tokens == nil {
		return Anonymous()
	}
	access, _, _, _, err := r.Tokens.GetOAuthToken(ctx, "twitch")
	if err != nil || access == "" {
		if err != nil {
			slog.Warn("credential lookup failed; using anonymous identity", slog.Any("err", err))
		}
		return Anonymous()
	}

	login, userID, err := r.validate(ctx, access)
	if err != nil || login == "" {
		slog.Warn("token validation failed; using anonymous identity", slog.Any("err", err))
		return Anonymous()
	}

	id := Identity{
		Authenticated: true,
		Nick:          login,
		Secret:        "oauth:" + access,
		Login:         login,
		UserID:        userID,
		DisplayName:   login,
	}
	if r.Helix != nil {
		if u, err := r.Helix.GetUser(ctx, login); err == nil && u.DisplayName != "" {
			id.DisplayName = u.DisplayName
			if id.UserID == "" {
				id.UserID = u.ID
			}
		}
	}
	return id
}

func (r *Resolver) validate(ctx context.Context, access string) (login, userID string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.validateURL(), nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "OAuth "+access)
	resp, err := r.http().Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("validate: %s", resp.Status)
	}
	var body struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", err
	}
	return body.Login, body.UserID, nil
}
