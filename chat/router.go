package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/irc"
	"github.com/onnwee/chat-overlay/backend/roster"
	"github.com/onnwee/chat-overlay/backend/telemetry"
)

// Saver is the append-only persistence collaborator. Writes are best-effort;
// the in-memory store stays authoritative for the session.
type Saver interface {
	SaveMessage(ctx context.Context, channel string, m Message) error
}

// Router is the fan-in point for decoded wire events: membership events feed
// the participant registry, messages run through the echo/dedup pipeline and
// land in the channel store.
type Router struct {
	Stores   *Stores
	Roster   *roster.Registry
	Lines    *LineCache
	SelfEcho *SelfEchoCache
	History  Saver
}

// HandleEvent is wired as the pool's event callback.
func (r *Router) HandleEvent(info conn.Info, raw string, ev irc.Event) {
	telemetry.IncLinesDecoded()
	if r.Lines != nil && r.Lines.Seen(raw) {
		return
	}
	switch ev.Type {
	case irc.EventNames:
		r.Roster.BulkSeed(ev.Channel, ev.Names, time.Now().UTC())
		telemetry.SetParticipants(ev.Channel, len(r.Roster.Snapshot(ev.Channel)))
	case irc.EventJoin:
		r.Roster.Upsert(ev.Channel, "", ev.Login, "", time.Now().UTC())
		telemetry.SetParticipants(ev.Channel, len(r.Roster.Snapshot(ev.Channel)))
	case irc.EventPart:
		r.Roster.Remove(ev.Channel, ev.Login)
		telemetry.SetParticipants(ev.Channel, len(r.Roster.Snapshot(ev.Channel)))
	case irc.EventMessage:
		telemetry.TimePipeline(func() { r.handleMessage(info, ev) })
	}
}

func (r *Router) handleMessage(info conn.Info, ev irc.Event) {
	r.Roster.Upsert(ev.Channel, ev.UserID, ev.Login, ev.DisplayName, ev.SentAt)

	if r.isSelf(info, ev) && r.SelfEcho != nil && r.SelfEcho.Match(ev.Channel, ev.Body) {
		// the network reflecting back what was already shown optimistically
		telemetry.IncEchoesSuppressed()
		return
	}

	m := FromEvent(ev)
	res, merged := r.Stores.Get(ev.Channel).Append(m)
	if merged {
		telemetry.IncDedupMerges()
		return
	}
	telemetry.IncMessagesAppended()
	r.persist(ev.Channel, res)
}

// isSelf reports whether a decoded message is attributed to the connection's
// own identity, by user id when available, by nickname otherwise.
func (r *Router) isSelf(info conn.Info, ev irc.Event) bool {
	id := info.Identity
	if id.UserID != "" && ev.UserID == id.UserID {
		return true
	}
	nick := irc.NormalizeLogin(id.Nick)
	return nick != "" && irc.NormalizeLogin(ev.Login) == nick
}

func (r *Router) persist(channel string, m Message) {
	if r.History == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.History.SaveMessage(ctx, channel, m); err != nil {
			telemetry.IncHistoryFailures()
			slog.Warn("history save failed", slog.String("channel", channel), slog.Any("err", err))
		}
	}()
}

// DropChannel clears the session state held for a channel that left the
// watched set.
func (r *Router) DropChannel(channel string) {
	r.Stores.Remove(channel)
	r.Roster.Clear(channel)
	telemetry.SetParticipants(irc.NormalizeChannel(channel), 0)
}
