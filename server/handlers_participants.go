package server

import (
	"encoding/json"
	"net/http"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// maxProfileLookups caps per-request Helix calls when resolving profiles.
const maxProfileLookups = 10

// HandleParticipants returns the tracked membership for a channel. With
// resolve=1 and a Helix client configured, display names missing from the
// roster are backfilled from the users API (best effort, capped).
func (h *Handlers) HandleParticipants(w http.ResponseWriter, r *http.Request) {
	channel := irc.NormalizeChannel(r.PathValue("channel"))
	snapshot := h.deps.Roster.Snapshot(channel)

	if r.URL.Query().Get("resolve") == "1" && h.deps.Helix != nil {
		looked := 0
		for i := range snapshot {
			if snapshot[i].DisplayName != "" || snapshot[i].Login == "" {
				continue
			}
			if looked >= maxProfileLookups {
				break
			}
			looked++
			u, err := h.deps.Helix.GetUser(r.Context(), snapshot[i].Login)
			if err != nil {
				continue
			}
			snapshot[i].DisplayName = u.DisplayName
			if snapshot[i].UserID == "" {
				snapshot[i].UserID = u.ID
			}
			// feed the resolution back so later requests skip the lookup
			h.deps.Roster.Upsert(channel, u.ID, snapshot[i].Login, u.DisplayName, snapshot[i].LastSeen)
			if h.deps.Stores != nil {
				h.deps.Stores.Get(channel).PatchProfile(u.ID, u.DisplayName)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"channel":      channel,
		"version":      h.deps.Roster.Version(channel),
		"participants": snapshot,
	})
}
