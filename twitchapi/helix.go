// Package twitchapi contains minimal helpers for the Twitch identity and
// Helix APIs: app access token acquisition, user lookup for identity
// resolution and profile backfill, and user token refresh.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const helixMaxRetries = 3

// User is a Helix user record.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// HelixClient provides the user lookups the chat pipeline needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string // defaults to the public Helix endpoint
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

// GetUser resolves a login name to its full user record.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	q := url.Values{}
	q.Set("login", strings.ToLower(login))
	if err := hc.getJSON(ctx, "/users", q, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// getJSON performs an authenticated Helix GET with bounded retries. A 401
// invalidates the cached app token and earns one extra attempt with a fresh
// one; 429 and 5xx responses retry after a short pause.
func (hc *HelixClient) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	refreshed := false
	var lastErr error
	for attempt := 0; attempt < helixMaxRetries; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			closeBody(resp)
			hc.AppTokenSource.Invalidate()
			refreshed = true
			attempt--
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			closeBody(resp)
			lastErr = fmt.Errorf("helix %s: %s", path, resp.Status)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
			}
			continue
		default:
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))
		}
	}
	return lastErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
