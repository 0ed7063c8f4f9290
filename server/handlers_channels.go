package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// watchedChannels returns a copy of the current desired channel set.
func (h *Handlers) watchedChannels() []string {
	h.chanMu.Lock()
	defer h.chanMu.Unlock()
	out := make([]string, len(h.channels))
	copy(out, h.channels)
	return out
}

// HandleChannelsGet lists the watched channel set.
func (h *Handlers) HandleChannelsGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"channels": h.watchedChannels()})
}

// HandleChannelsPut replaces the watched channel set. The pool reconciles its
// connections and session state for dropped channels is cleared.
func (h *Handlers) HandleChannelsPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channels []string `json:"channels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	desired := make([]string, 0, len(body.Channels))
	seen := make(map[string]bool, len(body.Channels))
	for _, ch := range body.Channels {
		ch = irc.NormalizeChannel(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		desired = append(desired, ch)
	}

	h.chanMu.Lock()
	var dropped []string
	for _, ch := range h.channels {
		if !seen[irc.NormalizeChannel(ch)] {
			dropped = append(dropped, irc.NormalizeChannel(ch))
		}
	}
	h.channels = desired
	h.chanMu.Unlock()

	if h.deps.Pool != nil {
		h.deps.Pool.Reconcile(desired)
	}
	if h.deps.Router != nil {
		for _, ch := range dropped {
			h.deps.Router.DropChannel(ch)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"channels": desired})
}
