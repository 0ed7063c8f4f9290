package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// DefaultRetention bounds how long messages stay in the session collection.
const DefaultRetention = 7 * 24 * time.Hour

// Store is one channel's ordered message collection with duplicate
// reconciliation. Appending the same message twice yields one entry carrying
// the union of both occurrences' fields.
type Store struct {
	mu        sync.Mutex
	channel   string
	retention time.Duration
	msgs      []*Message
	byID      map[string]int // authoritative msg id -> position
	bySig     map[string]int // signature -> position
	byLocal   map[string]int // local id -> position
	version   uint64
	subs      map[int]chan Message
	nextSub   int
}

func NewStore(channel string, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		channel:   irc.NormalizeChannel(channel),
		retention: retention,
		byID:      make(map[string]int),
		bySig:     make(map[string]int),
		byLocal:   make(map[string]int),
		subs:      make(map[int]chan Message),
	}
}

// Append reconciles an incoming message into the collection. It returns the
// resulting entry and whether it was merged into an existing one.
func (s *Store) Append(m Message) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(time.Now())

	if m.LocalID == "" {
		m.LocalID = uuid.New().String()
	}

	pos := -1
	if m.MsgIDAuthoritative && m.MsgID != "" {
		if p, ok := s.byID[m.MsgID]; ok {
			pos = p
			// id match takes priority; a signature independently pointing at
			// a different entry is an upstream inconsistency, surfaced but
			// never silently resolved.
			if sp, ok := s.bySig[m.Signature()]; ok && sp != p {
				slog.Warn("dedup id/signature conflict",
					slog.String("channel", s.channel),
					slog.String("msg_id", m.MsgID),
					slog.Int("id_pos", p),
					slog.Int("sig_pos", sp))
			}
		}
	}
	if pos < 0 {
		if p, ok := s.bySig[m.Signature()]; ok {
			pos = p
		}
	}

	if pos >= 0 {
		existing := s.msgs[pos]
		Merge(existing, m)
		if existing.MsgIDAuthoritative && existing.MsgID != "" {
			s.byID[existing.MsgID] = pos
		}
		s.bySig[existing.Signature()] = pos
		s.version++
		s.notifyLocked(*existing)
		return *existing, true
	}

	entry := m
	s.msgs = append(s.msgs, &entry)
	pos = len(s.msgs) - 1
	if entry.MsgIDAuthoritative && entry.MsgID != "" {
		s.byID[entry.MsgID] = pos
	}
	s.bySig[entry.Signature()] = pos
	s.byLocal[entry.LocalID] = pos
	s.version++
	s.notifyLocked(entry)
	return entry, false
}

// MergeByLocalID folds src into the entry with the given local id, used by
// the primary-stream bridge to update the optimistic entry in place. Returns
// false when no such entry exists.
func (s *Store) MergeByLocalID(localID string, src Message) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	existing := s.msgs[pos]
	Merge(existing, src)
	if existing.MsgIDAuthoritative && existing.MsgID != "" {
		s.byID[existing.MsgID] = pos
	}
	s.bySig[existing.Signature()] = pos
	s.version++
	s.notifyLocked(*existing)
	return *existing, true
}

// PatchTranslation updates translation fields on the entry with the given
// protocol message id.
func (s *Store) PatchTranslation(msgID, text, status, lang string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.byID[msgID]
	if !ok {
		return false
	}
	m := s.msgs[pos]
	m.TranslatedText = text
	m.TranslationStatus = status
	m.TranslationLang = lang
	s.version++
	s.notifyLocked(*m)
	return true
}

// PatchProfile backfills a display name on entries for a user id that are
// still missing one. Returns the number of entries touched.
func (s *Store) PatchProfile(userID, displayName string) int {
	if userID == "" || displayName == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.UserID == userID && m.DisplayName == "" {
			m.DisplayName = displayName
			n++
		}
	}
	if n > 0 {
		s.version++
	}
	return n
}

// Messages returns a copy of the collection, newest last. A limit <= 0
// returns everything.
func (s *Store) Messages(limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if limit > 0 && len(s.msgs) > limit {
		start = len(s.msgs) - limit
	}
	out := make([]Message, 0, len(s.msgs)-start)
	for _, m := range s.msgs[start:] {
		out = append(out, *m)
	}
	return out
}

// Version returns the monotonic change counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers a live feed of appended/updated messages. The returned
// cancel func must be called when the consumer goes away. Slow consumers drop
// updates rather than block the pipeline.
func (s *Store) Subscribe() (<-chan Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Message, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) notifyLocked(m Message) {
	for _, ch := range s.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// trimLocked drops entries older than the retention window. Entries with a
// zero timestamp are always kept.
func (s *Store) trimLocked(now time.Time) {
	cutoff := now.Add(-s.retention)
	keep := s.msgs[:0]
	dropped := false
	for _, m := range s.msgs {
		if m.SentAt.IsZero() || !m.SentAt.Before(cutoff) {
			keep = append(keep, m)
		} else {
			dropped = true
		}
	}
	if !dropped {
		return
	}
	s.msgs = keep
	s.byID = make(map[string]int, len(keep))
	s.bySig = make(map[string]int, len(keep))
	s.byLocal = make(map[string]int, len(keep))
	for i, m := range keep {
		if m.MsgIDAuthoritative && m.MsgID != "" {
			s.byID[m.MsgID] = i
		}
		s.bySig[m.Signature()] = i
		s.byLocal[m.LocalID] = i
	}
}

// Stores is the collection of per-channel stores.
type Stores struct {
	mu        sync.Mutex
	retention time.Duration
	m         map[string]*Store
}

func NewStores(retention time.Duration) *Stores {
	return &Stores{retention: retention, m: make(map[string]*Store)}
}

// Get returns the store for a channel, creating it on first use.
func (s *Stores) Get(channel string) *Store {
	channel = irc.NormalizeChannel(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[channel]
	if st == nil {
		st = NewStore(channel, s.retention)
		s.m[channel] = st
	}
	return st
}

// Remove drops a channel's store when the channel leaves the watched set.
func (s *Stores) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, irc.NormalizeChannel(channel))
}
