package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/telemetry"
)

// Sender is the outgoing message path: write to the wire, register the echo
// or bridge correlation entry, and insert the optimistic local entry the
// frontend shows immediately.
type Sender struct {
	Pool     *conn.Pool
	Stores   *Stores
	SelfEcho *SelfEchoCache
	Bridge   *Bridge
	History  Saver
}

// Send delivers text to a channel. Errors (not connected, anonymous) are
// returned synchronously; the pool has already kicked off a credential
// refresh and reconnect by the time the caller sees them.
func (s *Sender) Send(ctx context.Context, channel, text string) (Message, error) {
	id, err := s.Pool.Send(channel, text)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		LocalID:     uuid.New().String(),
		MsgID:       "local-" + uuid.New().String(),
		UserID:      id.UserID,
		Login:       id.Login,
		DisplayName: id.DisplayName,
		Body:        text,
		SentAt:      time.Now().UTC(),
		Source:      SourceLocal,
	}

	if s.Pool.IsPrimary(channel) {
		// the authoritative transport will report this message; correlate
		// instead of suppressing
		s.Bridge.RecordSend(m.Actor(), text, m.LocalID)
	} else if s.SelfEcho != nil {
		s.SelfEcho.Record(channel, text)
	}

	res, _ := s.Stores.Get(channel).Append(m)
	telemetry.IncMessagesAppended()

	if s.History != nil {
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.History.SaveMessage(sctx, channel, res); err != nil {
				telemetry.IncHistoryFailures()
				slog.Warn("history save failed", slog.String("channel", channel), slog.Any("err", err))
			}
		}()
	}
	return res, nil
}
