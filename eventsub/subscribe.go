package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Subscriber registers the per-session subscriptions with the API. EventSub
// drops a WebSocket session that goes ten seconds without a subscription, so
// this runs immediately after every welcome.
type Subscriber struct {
	ClientID      string
	BroadcasterID string
	UserID        string
	Token         func(ctx context.Context) (string, error) // user access token
	HTTPClient    *http.Client
	APIURL        string // defaults to the public subscriptions endpoint
}

func (s *Subscriber) http() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *Subscriber) apiURL() string {
	if s.APIURL != "" {
		return s.APIURL
	}
	return "https://api.twitch.tv/helix/eventsub/subscriptions"
}

// Subscribe registers chat-message and translation subscriptions for the
// broadcaster on the given session.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string) error {
	for _, typ := range []string{TypeChatMessage, TypeTranslation} {
		if err := s.create(ctx, sessionID, typ); err != nil {
			return fmt.Errorf("create %s subscription: %w", typ, err)
		}
	}
	return nil
}

func (s *Subscriber) create(ctx context.Context, sessionID, typ string) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]interface{}{
		"type":    typ,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": s.BroadcasterID,
			"user_id":             s.UserID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", s.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(b))
	}
	return nil
}
