// Package chat holds the message model and the ingestion pipeline: duplicate
// reconciliation across transports, echo suppression for locally sent
// messages, the primary-stream bridge, and the per-channel message stores the
// overlay frontend reads from.
package chat

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-overlay/backend/irc"
)

// Source tags which transport produced a message.
type Source string

const (
	SourceIRC      Source = "irc"
	SourceEventSub Source = "eventsub"
	SourceLocal    Source = "local"
)

// Translation status values.
const (
	TranslationPending = "pending"
	TranslationDone    = "done"
	TranslationFailed  = "failed"
)

// Message is a single chat utterance. LocalID is always set; everything else
// may be empty and backfilled later by merges.
type Message struct {
	LocalID string `json:"local_id"`
	// MsgID is the protocol message id. Only authoritative ids (assigned by
	// the network, not synthesized locally) participate in id-based duplicate
	// matching.
	MsgID              string         `json:"msg_id,omitempty"`
	MsgIDAuthoritative bool           `json:"-"`
	UserID             string         `json:"user_id,omitempty"`
	Login              string         `json:"login,omitempty"`
	DisplayName        string         `json:"display_name,omitempty"`
	Body               string         `json:"body"`
	Fragments          []irc.Fragment `json:"fragments,omitempty"`
	Badges             []string       `json:"badges,omitempty"`
	TranslatedText     string         `json:"translated_text,omitempty"`
	TranslationStatus  string         `json:"translation_status,omitempty"`
	TranslationLang    string         `json:"translation_lang,omitempty"`
	SentAt             time.Time      `json:"sent_at"`
	Source             Source         `json:"source"`
}

// FromEvent builds a Message from a decoded PRIVMSG event.
func FromEvent(ev irc.Event) Message {
	return Message{
		LocalID:            uuid.New().String(),
		MsgID:              ev.MsgID,
		MsgIDAuthoritative: !ev.MsgIDSynthetic,
		UserID:             ev.UserID,
		Login:              ev.Login,
		DisplayName:        ev.DisplayName,
		Body:               ev.Body,
		Fragments:          ev.Fragments,
		Badges:             ev.Badges,
		SentAt:             ev.SentAt,
		Source:             SourceIRC,
	}
}

// SyntheticMsgID reports whether id was synthesized locally rather than
// assigned by the network. Synthetic ids never participate in id-based
// duplicate matching.
func SyntheticMsgID(id string) bool {
	return strings.HasPrefix(id, "local-")
}

// Merge folds src into dst. A previously non-empty field is never replaced by
// an empty one; fragments prefer whichever side carries at least one emote;
// badge keys take the set union.
func Merge(dst *Message, src Message) {
	if dst.MsgID == "" || (!dst.MsgIDAuthoritative && src.MsgIDAuthoritative) {
		if src.MsgID != "" {
			dst.MsgID = src.MsgID
			dst.MsgIDAuthoritative = src.MsgIDAuthoritative
		}
	}
	if dst.UserID == "" {
		dst.UserID = src.UserID
	}
	if dst.Login == "" {
		dst.Login = src.Login
	}
	if dst.DisplayName == "" {
		dst.DisplayName = src.DisplayName
	}
	if dst.Body == "" {
		dst.Body = src.Body
	}
	if !hasEmote(dst.Fragments) && hasEmote(src.Fragments) {
		dst.Fragments = src.Fragments
	} else if len(dst.Fragments) == 0 {
		dst.Fragments = src.Fragments
	}
	dst.Badges = unionBadges(dst.Badges, src.Badges)
	if dst.TranslatedText == "" {
		dst.TranslatedText = src.TranslatedText
	}
	if dst.TranslationStatus == "" {
		dst.TranslationStatus = src.TranslationStatus
	}
	if dst.TranslationLang == "" {
		dst.TranslationLang = src.TranslationLang
	}
	if dst.SentAt.IsZero() {
		dst.SentAt = src.SentAt
	}
	if dst.Source == "" {
		dst.Source = src.Source
	}
}

func hasEmote(frags []irc.Fragment) bool {
	for _, f := range frags {
		if f.Type == irc.FragmentEmote {
			return true
		}
	}
	return false
}

func unionBadges(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	out := a
	for _, k := range a {
		seen[k] = true
	}
	for _, k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// Actor returns the normalized author key used for signatures and echo
// matching: login when known, display name otherwise.
func (m Message) Actor() string {
	if m.Login != "" {
		return irc.NormalizeLogin(m.Login)
	}
	return irc.NormalizeLogin(m.DisplayName)
}

// Signature is the content-derived duplicate-matching key: normalized actor,
// normalized body, and the timestamp floored to whole seconds.
func (m Message) Signature() string {
	return m.Actor() + "|" + NormalizeBody(m.Body) + "|" + strconv.FormatInt(m.SentAt.Unix(), 10)
}

// NormalizeBody lowercases and trims a message body for matching purposes.
func NormalizeBody(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}
