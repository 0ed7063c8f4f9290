package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-overlay/backend/chat"
	"github.com/onnwee/chat-overlay/backend/conn"
	"github.com/onnwee/chat-overlay/backend/irc"
)

// HandleChatMessages returns a channel's session messages, newest last. With
// persisted=1 it reads from the durable history instead, paging backwards from
// the optional before timestamp (RFC3339).
func (h *Handlers) HandleChatMessages(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	limit := parseIntQuery(r, "limit", h.historyLimit())

	if r.URL.Query().Get("persisted") == "1" {
		if h.deps.History == nil {
			http.Error(w, "history not configured", http.StatusNotImplemented)
			return
		}
		var before time.Time
		if v := r.URL.Query().Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "invalid before (RFC3339): "+err.Error(), http.StatusBadRequest)
				return
			}
			before = t
		}
		msgs, err := h.deps.History.RecentMessages(r.Context(), channel, before, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeMessagesJSON(w, channel, msgs, 0)
		return
	}

	store := h.deps.Stores.Get(channel)
	writeMessagesJSON(w, channel, store.Messages(limit), store.Version())
}

// HandleChatSend delivers a message to a channel through the outgoing path.
func (h *Handlers) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	body.Text = strings.TrimSpace(body.Text)
	if body.Text == "" {
		http.Error(w, "text empty", http.StatusBadRequest)
		return
	}

	m, err := h.deps.Sender.Send(r.Context(), channel, body.Text)
	switch {
	case errors.Is(err, conn.ErrAnonymous):
		http.Error(w, "not authorized to send; complete the operator authorization flow", http.StatusUnauthorized)
		return
	case errors.Is(err, conn.ErrNotConnected):
		http.Error(w, "channel not connected", http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(m)
}

// HandleChatStream pushes live message appends and updates as Server-Sent
// Events. A backlog of recent messages is replayed first.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	channel := r.PathValue("channel")
	backlog := parseIntQuery(r, "backlog", 50)

	store := h.deps.Stores.Get(channel)
	updates, cancel := store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	writeEvent := func(v any) bool {
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if err := enc.Encode(v); err != nil {
			slog.Warn("sse encode failed", slog.String("channel", channel), slog.Any("err", err))
			return false
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, m := range store.Messages(backlog) {
		if !writeEvent(m) {
			return
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			if !writeEvent(m) {
				return
			}
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) historyLimit() int {
	if h.deps.Cfg != nil && h.deps.Cfg.HistoryLimit > 0 {
		return h.deps.Cfg.HistoryLimit
	}
	return 100
}

func writeMessagesJSON(w http.ResponseWriter, channel string, msgs []chat.Message, version uint64) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel":  irc.NormalizeChannel(channel),
		"version":  version,
		"messages": msgs,
	})
}
