// Package roster tracks per-channel chat membership derived from JOIN/PART
// events, 353 membership-list replies, and observed messages.
package roster

import (
	"sort"
	"sync"
	"time"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// Participant is one known member of a channel.
type Participant struct {
	UserID      string    `json:"user_id,omitempty"`
	Login       string    `json:"login,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

type bucket struct {
	members map[string]*Participant // keyed by normalized login, or "id:<userId>"
	version uint64
}

// Registry holds membership buckets for all watched channels. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*bucket
}

func New() *Registry {
	return &Registry{channels: make(map[string]*bucket)}
}

func key(userID, login string) string {
	if login != "" {
		return login
	}
	return "id:" + userID
}

func (r *Registry) bucketLocked(channel string) *bucket {
	b := r.channels[channel]
	if b == nil {
		b = &bucket{members: make(map[string]*Participant)}
		r.channels[channel] = b
	}
	return b
}

// Upsert creates or refreshes a participant from a message or join event and
// reports whether the bucket changed. An entry previously keyed by user id is
// migrated to its login key once the login becomes known.
func (r *Registry) Upsert(channel, userID, login, displayName string, seen time.Time) bool {
	channel = irc.NormalizeChannel(channel)
	login = irc.NormalizeLogin(login)
	if login == "" && userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketLocked(channel)

	changed := false
	if login != "" && userID != "" {
		if old, ok := b.members["id:"+userID]; ok {
			delete(b.members, "id:"+userID)
			if old.Login == "" {
				old.Login = login
			}
			b.members[login] = old
			changed = true
		}
	}

	k := key(userID, login)
	p := b.members[k]
	if p == nil {
		p = &Participant{}
		b.members[k] = p
		changed = true
	}
	if userID != "" && p.UserID != userID {
		p.UserID = userID
		changed = true
	}
	if login != "" && p.Login != login {
		p.Login = login
		changed = true
	}
	if displayName != "" && p.DisplayName != displayName {
		p.DisplayName = displayName
		changed = true
	}
	p.LastSeen = seen
	if changed {
		b.version++
	}
	return changed
}

// BulkSeed adds every login from a membership-list reply that is not already
// present. Existing richer entries are never overwritten.
func (r *Registry) BulkSeed(channel string, logins []string, seen time.Time) int {
	channel = irc.NormalizeChannel(channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bucketLocked(channel)
	added := 0
	for _, login := range logins {
		login = irc.NormalizeLogin(login)
		if login == "" {
			continue
		}
		if _, ok := b.members[login]; ok {
			continue
		}
		b.members[login] = &Participant{Login: login, LastSeen: seen}
		added++
	}
	if added > 0 {
		b.version++
	}
	return added
}

// Remove deletes the entry for a login on a part event, along with any stale
// id-keyed duplicate carrying the same login.
func (r *Registry) Remove(channel, login string) bool {
	channel = irc.NormalizeChannel(channel)
	login = irc.NormalizeLogin(login)
	if login == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.channels[channel]
	if b == nil {
		return false
	}
	removed := false
	if _, ok := b.members[login]; ok {
		delete(b.members, login)
		removed = true
	}
	for k, p := range b.members {
		if len(k) > 3 && k[:3] == "id:" && p.Login == login {
			delete(b.members, k)
			removed = true
		}
	}
	if removed {
		b.version++
	}
	return removed
}

// Clear drops all membership state for a channel when it is removed from the
// watched set.
func (r *Registry) Clear(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, irc.NormalizeChannel(channel))
}

// Snapshot returns the channel's participants sorted by login.
func (r *Registry) Snapshot(channel string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.channels[irc.NormalizeChannel(channel)]
	if b == nil {
		return nil
	}
	out := make([]Participant, 0, len(b.members))
	for _, p := range b.members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Login != out[j].Login {
			return out[i].Login < out[j].Login
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Version returns the channel bucket's monotonic change counter. Observers
// compare versions instead of deep-comparing snapshots.
func (r *Registry) Version(channel string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.channels[irc.NormalizeChannel(channel)]
	if b == nil {
		return 0
	}
	return b.version
}
