// Package eventsub maintains the authoritative realtime transport for the
// operator's channel: a WebSocket session whose chat and translation
// notifications are reconciled against the IRC pipeline through the bridge.
package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-overlay/backend/chat"
	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/irc"
)

// DefaultURL is the public EventSub WebSocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// Subscription types dispatched to the bridge.
const (
	TypeChatMessage = "channel.chat.message"
	TypeTranslation = "channel.chat.translation"
)

// Sink consumes decoded notifications. *chat.Bridge satisfies it.
type Sink interface {
	HandleRemote(channel string, m chat.Message) chat.Message
	HandleTranslation(channel, msgID, text, status, lang string) bool
}

// SubscribeFunc registers the session's subscriptions with the API once a
// welcome arrives. Called again for every new session.
type SubscribeFunc func(ctx context.Context, sessionID string) error

// Client runs one EventSub WebSocket session at a time, following reconnect
// URLs when the server rotates sessions and falling back to bounded backoff
// when a session dies outright.
type Client struct {
	URL         string // defaults to DefaultURL
	Sink        Sink
	Subscribe   SubscribeFunc
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DialTimeout time.Duration
}

func (c *Client) url() string {
	if c.URL != "" {
		return c.URL
	}
	return DefaultURL
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 15 * time.Second
}

// Run drives the session loop until ctx is cancelled. Transport failures are
// never fatal; each failed session retries with exponential backoff.
func (c *Client) Run(ctx context.Context) {
	url := c.url()
	attempts := 0
	for ctx.Err() == nil {
		next, err := c.session(ctx, url, &attempts)
		if ctx.Err() != nil {
			return
		}
		if next != "" {
			// server-directed handover: reconnect immediately
			url = next
			continue
		}
		delay := conn.Backoff(c.BackoffBase, c.BackoffMax, attempts)
		attempts++
		slog.Warn("eventsub session ended; reconnecting",
			slog.Any("err", err), slog.Duration("delay", delay), slog.Int("attempts", attempts))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		url = c.url()
	}
}

func (c *Client) session(ctx context.Context, url string, attempts *int) (reconnectURL string, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout())
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	cancel()
	if err != nil {
		return "", err
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
			_ = ws.Close()
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("eventsub envelope decode failed", slog.Any("err", err))
			continue
		}
		switch env.Metadata.MessageType {
		case "session_welcome":
			*attempts = 0
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return "", fmt.Errorf("welcome decode: %w", err)
			}
			slog.Info("eventsub session established", slog.String("session_id", p.Session.ID))
			if c.Subscribe != nil {
				if err := c.Subscribe(ctx, p.Session.ID); err != nil {
					return "", fmt.Errorf("subscribe: %w", err)
				}
			}
		case "session_keepalive":
			// liveness only
		case "session_reconnect":
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil && p.Session.ReconnectURL != "" {
				return p.Session.ReconnectURL, nil
			}
			return "", fmt.Errorf("reconnect envelope without url")
		case "notification":
			c.dispatch(env.Metadata.MessageTimestamp, env.Payload)
		case "revocation":
			slog.Warn("eventsub subscription revoked", slog.String("type", env.Metadata.SubscriptionType))
		default:
			// unknown envelope types are expected across API revisions
		}
	}
}

// dispatch decodes a notification payload and routes it to the sink. Unknown
// subscription types are ignored.
func (c *Client) dispatch(ts time.Time, payload json.RawMessage) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("eventsub notification decode failed", slog.Any("err", err))
		return
	}
	switch p.Subscription.Type {
	case TypeChatMessage:
		var ev chatEvent
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			slog.Warn("eventsub chat event decode failed", slog.Any("err", err))
			return
		}
		c.Sink.HandleRemote(irc.NormalizeChannel(ev.BroadcasterLogin), messageFromEvent(ev, ts))
	case TypeTranslation:
		var ev translationEvent
		if err := json.Unmarshal(p.Event, &ev); err != nil {
			slog.Warn("eventsub translation event decode failed", slog.Any("err", err))
			return
		}
		c.Sink.HandleTranslation(irc.NormalizeChannel(ev.BroadcasterLogin), ev.MessageID, ev.Text, translationStatus(ev.Status), ev.Language)
	}
}

func translationStatus(s string) string {
	switch s {
	case chat.TranslationPending, chat.TranslationDone, chat.TranslationFailed:
		return s
	case "":
		return chat.TranslationDone
	default:
		return chat.TranslationFailed
	}
}

func messageFromEvent(ev chatEvent, ts time.Time) chat.Message {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m := chat.Message{
		MsgID:              ev.MessageID,
		MsgIDAuthoritative: ev.MessageID != "",
		UserID:             ev.ChatterID,
		Login:              irc.NormalizeLogin(ev.ChatterLogin),
		DisplayName:        ev.ChatterName,
		Body:               ev.Message.Text,
		SentAt:             ts,
		Source:             chat.SourceEventSub,
	}
	if m.DisplayName == "" {
		m.DisplayName = m.Login
	}
	for _, f := range ev.Message.Fragments {
		frag := irc.Fragment{Type: irc.FragmentText, Text: f.Text}
		if f.Type == "emote" && f.Emote != nil && f.Emote.ID != "" {
			frag.Type = irc.FragmentEmote
			frag.EmoteID = f.Emote.ID
			frag.ImageURL = irc.EmoteImageURL(f.Emote.ID)
		}
		m.Fragments = append(m.Fragments, frag)
	}
	seen := make(map[string]bool, len(ev.Badges))
	for _, b := range ev.Badges {
		key := b.SetID
		if b.ID != "" {
			key = b.SetID + "/" + b.ID
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		m.Badges = append(m.Badges, key)
	}
	return m
}

type envelope struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID           string `json:"id"`
		ReconnectURL string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type chatEvent struct {
	BroadcasterLogin string `json:"broadcaster_user_login"`
	ChatterID        string `json:"chatter_user_id"`
	ChatterLogin     string `json:"chatter_user_login"`
	ChatterName      string `json:"chatter_user_name"`
	MessageID        string `json:"message_id"`
	Message          struct {
		Text      string `json:"text"`
		Fragments []struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			Emote *struct {
				ID string `json:"id"`
			} `json:"emote"`
		} `json:"fragments"`
	} `json:"message"`
	Badges []struct {
		SetID string `json:"set_id"`
		ID    string `json:"id"`
	} `json:"badges"`
}

type translationEvent struct {
	BroadcasterLogin string `json:"broadcaster_user_login"`
	MessageID        string `json:"message_id"`
	Text             string `json:"text"`
	Language         string `json:"language"`
	Status           string `json:"status"`
}
