package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/chat-overlay/backend/chat"
	"github.com/onnwee/chat-overlay/backend/irc"
)

// History persists chat messages append-only and serves time-bounded replay.
// It satisfies chat.Saver. Writes are fire-and-forget from the caller's point
// of view; the in-memory store stays authoritative for the session.
type History struct{ DB *sql.DB }

// SaveMessage appends one message to the channel history.
func (h *History) SaveMessage(ctx context.Context, channel string, m chat.Message) error {
	fragments, err := nullableJSON(m.Fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}
	badges, err := nullableJSON(m.Badges)
	if err != nil {
		return fmt.Errorf("marshal badges: %w", err)
	}
	var sentAt interface{}
	if !m.SentAt.IsZero() {
		sentAt = m.SentAt
	}
	_, err = h.DB.ExecContext(ctx,
		`INSERT INTO chat_messages(channel, local_id, msg_id, user_id, login, display_name, body,
			fragments, badges, translated_text, translation_status, translation_lang, sent_at, source)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		irc.NormalizeChannel(channel), m.LocalID, m.MsgID, m.UserID, m.Login, m.DisplayName, m.Body,
		fragments, badges, m.TranslatedText, m.TranslationStatus, m.TranslationLang, sentAt, string(m.Source))
	return err
}

// RecentMessages returns up to limit messages for a channel sent before the
// given time (zero means now), oldest first.
func (h *History) RecentMessages(ctx context.Context, channel string, before time.Time, limit int) ([]chat.Message, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := h.DB.QueryContext(ctx,
		`SELECT local_id, msg_id, user_id, login, display_name, body,
			fragments, badges, translated_text, translation_status, translation_lang, sent_at, source
		 FROM chat_messages
		 WHERE channel = $1 AND sent_at < $2
		 ORDER BY sent_at DESC
		 LIMIT $3`,
		irc.NormalizeChannel(channel), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var fragments, badges []byte
		var sentAt sql.NullTime
		var source string
		if err := rows.Scan(&m.LocalID, &m.MsgID, &m.UserID, &m.Login, &m.DisplayName, &m.Body,
			&fragments, &badges, &m.TranslatedText, &m.TranslationStatus, &m.TranslationLang, &sentAt, &source); err != nil {
			return nil, err
		}
		if len(fragments) > 0 {
			// stored rows with malformed payloads degrade to raw text
			_ = json.Unmarshal(fragments, &m.Fragments)
		}
		if len(badges) > 0 {
			_ = json.Unmarshal(badges, &m.Badges)
		}
		if sentAt.Valid {
			m.SentAt = sentAt.Time
		}
		m.Source = chat.Source(source)
		m.MsgIDAuthoritative = m.MsgID != "" && !chat.SyntheticMsgID(m.MsgID)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first page flipped to display order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullableJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case []irc.Fragment:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
