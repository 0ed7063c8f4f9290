package chat

import (
	"sync"
	"time"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// Default TTLs for the echo caches.
const (
	DefaultLineTTL     = 2500 * time.Millisecond
	DefaultSelfEchoTTL = 10 * time.Second
	DefaultBridgeTTL   = 10 * time.Second
)

// LineCache remembers recently processed raw wire lines so an identical line
// delivered twice in quick succession is handled once. Every operation purges
// expired entries first.
type LineCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewLineCache(ttl time.Duration) *LineCache {
	if ttl <= 0 {
		ttl = DefaultLineTTL
	}
	return &LineCache{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

// Seen reports whether the line was already processed within the TTL and
// records it otherwise.
func (c *LineCache) Seen(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.purgeLocked(now)
	if _, ok := c.entries[line]; ok {
		return true
	}
	c.entries[line] = now
	return false
}

func (c *LineCache) purgeLocked(now time.Time) {
	for k, at := range c.entries {
		if now.Sub(at) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// SelfEchoCache suppresses the network's reflection of a message this client
// just sent on a secondary channel. Keyed by normalized channel and body.
type SelfEchoCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewSelfEchoCache(ttl time.Duration) *SelfEchoCache {
	if ttl <= 0 {
		ttl = DefaultSelfEchoTTL
	}
	return &SelfEchoCache{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

func selfEchoKey(channel, body string) string {
	return irc.NormalizeChannel(channel) + "|" + NormalizeBody(body)
}

// Record notes a just-sent message.
func (c *SelfEchoCache) Record(channel, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	c.entries[selfEchoKey(channel, body)] = c.now()
}

// Match reports whether an incoming self-attributed message is the echo of a
// recent send, consuming the entry on a hit.
func (c *SelfEchoCache) Match(channel, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	k := selfEchoKey(channel, body)
	if _, ok := c.entries[k]; !ok {
		return false
	}
	delete(c.entries, k)
	return true
}

func (c *SelfEchoCache) purgeLocked(now time.Time) {
	for k, at := range c.entries {
		if now.Sub(at) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// BridgeCache correlates a locally sent primary-channel message with the
// event the authoritative transport later reports. Entries are one-shot:
// Take removes what it returns.
type BridgeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]bridgeEntry
	now     func() time.Time
}

type bridgeEntry struct {
	at      time.Time
	localID string
}

func NewBridgeCache(ttl time.Duration) *BridgeCache {
	if ttl <= 0 {
		ttl = DefaultBridgeTTL
	}
	return &BridgeCache{ttl: ttl, entries: make(map[string]bridgeEntry), now: time.Now}
}

func bridgeKey(actor, body string) string {
	return irc.NormalizeLogin(actor) + "|" + NormalizeBody(body)
}

// Record registers an optimistic local message awaiting its authoritative
// counterpart.
func (c *BridgeCache) Record(actor, body, localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	c.entries[bridgeKey(actor, body)] = bridgeEntry{at: c.now(), localID: localID}
}

// Take returns and removes the local id correlated with an actor/body pair,
// if present and unexpired.
func (c *BridgeCache) Take(actor, body string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	k := bridgeKey(actor, body)
	e, ok := c.entries[k]
	if !ok {
		return "", false
	}
	delete(c.entries, k)
	return e.localID, true
}

func (c *BridgeCache) purgeLocked(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.at) > c.ttl {
			delete(c.entries, k)
		}
	}
}
