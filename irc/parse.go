// Package irc implements the slice of the Twitch IRC wire protocol the overlay
// needs: decoding PRIVMSG/JOIN/PART/353/PING lines into structured events and
// building the handful of outbound commands. Everything here is stateless;
// connection lifecycle lives in the conn package.
package irc

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a decoded wire line.
type EventType int

const (
	// EventNone marks a line the overlay does not care about. Unknown line
	// shapes are expected traffic, not errors.
	EventNone EventType = iota
	EventMessage
	EventJoin
	EventPart
	EventNames
	EventPing
)

// Event is the decoded form of a single wire line.
type Event struct {
	Type    EventType
	Channel string

	// Message fields (EventMessage). Login also carries the joining/parting
	// nick for EventJoin/EventPart.
	Login       string
	DisplayName string
	UserID      string
	Body        string
	MsgID       string
	// MsgIDSynthetic is true when the wire carried no id tag and MsgID was
	// generated locally. Synthetic ids must never be used for cross-source
	// duplicate matching.
	MsgIDSynthetic bool
	Badges         []string
	Fragments      []Fragment
	SentAt         time.Time

	// Names carries the 353 membership list (EventNames), already normalized
	// and deduplicated.
	Names []string

	// Raw is the original line, kept for PING so the reply can echo it.
	Raw string
}

// ParseLine decodes one wire line. Lines that match none of the known
// grammars return an Event with Type EventNone.
func ParseLine(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Event{}
	}
	if strings.HasPrefix(line, "PING") {
		return Event{Type: EventPing, Raw: line}
	}

	rest := line
	var tags map[string]string
	if strings.HasPrefix(rest, "@") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return Event{}
		}
		tags = parseTags(rest[1:sp])
		rest = rest[sp+1:]
	}

	prefix := ""
	if strings.HasPrefix(rest, ":") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return Event{}
		}
		prefix = rest[1:sp]
		rest = rest[sp+1:]
	}

	cmd := rest
	params := ""
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		cmd = rest[:sp]
		params = rest[sp+1:]
	}

	switch cmd {
	case "PRIVMSG":
		return parsePrivmsg(tags, prefix, params, line)
	case "353":
		return parseNames(params)
	case "JOIN", "PART":
		ev := Event{Login: prefixNick(prefix), Channel: NormalizeChannel(firstToken(params))}
		if ev.Login == "" || ev.Channel == "" {
			return Event{}
		}
		if cmd == "JOIN" {
			ev.Type = EventJoin
		} else {
			ev.Type = EventPart
		}
		return ev
	}
	return Event{}
}

func parsePrivmsg(tags map[string]string, prefix, params, raw string) Event {
	channel, body, ok := splitChannelBody(params)
	if !ok {
		return Event{}
	}
	ev := Event{
		Type:    EventMessage,
		Channel: channel,
		Login:   prefixNick(prefix),
		Body:    body,
		Raw:     raw,
	}
	ev.DisplayName = tags["display-name"]
	if ev.DisplayName == "" {
		ev.DisplayName = ev.Login
	}
	ev.UserID = tags["user-id"]
	ev.SentAt = parseSentTS(tags["tmi-sent-ts"])
	if id := tags["id"]; id != "" {
		ev.MsgID = id
	} else {
		ev.MsgID = "local-" + uuid.New().String()
		ev.MsgIDSynthetic = true
	}
	ev.Badges = parseBadges(tags["badges"])
	ev.Fragments = SliceFragments(body, tags["emotes"])
	return ev
}

func parseNames(params string) Event {
	// :tmi.twitch.tv 353 <nick> = #<channel> :name1 name2 ...
	channel := ""
	for _, tok := range strings.Fields(beforeTrailing(params)) {
		if strings.HasPrefix(tok, "#") {
			channel = NormalizeChannel(tok)
			break
		}
	}
	_, list, ok := splitTrailing(params)
	if channel == "" || !ok {
		return Event{}
	}
	seen := make(map[string]bool)
	var names []string
	for _, n := range strings.Fields(list) {
		n = NormalizeLogin(strings.TrimLeft(n, "@%+~&"))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	return Event{Type: EventNames, Channel: channel, Names: names}
}

// parseTags decodes an IRCv3 tag block. Values use the fixed escape scheme
// \s \: \\ \r \n which must be undone before use.
func parseTags(block string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(block, ";") {
		if pair == "" {
			continue
		}
		key, val, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(val)
	}
	return tags
}

func unescapeTag(v string) string {
	if !strings.ContainsRune(v, '\\') {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] != '\\' || i == len(v)-1 {
			b.WriteByte(v[i])
			continue
		}
		i++
		switch v[i] {
		case 's':
			b.WriteByte(' ')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// parseBadges splits a badges tag ("broadcaster/1,subscriber/0") into a
// deduplicated key list. Version-less entries are kept bare.
func parseBadges(tag string) []string {
	if tag == "" {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, entry := range strings.Split(tag, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" || seen[entry] {
			continue
		}
		seen[entry] = true
		keys = append(keys, entry)
	}
	return keys
}

func parseSentTS(tag string) time.Time {
	if tag != "" {
		if ms, err := strconv.ParseInt(tag, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Now().UTC()
}

func prefixNick(prefix string) string {
	if prefix == "" {
		return ""
	}
	if i := strings.IndexByte(prefix, '!'); i >= 0 {
		prefix = prefix[:i]
	}
	return NormalizeLogin(prefix)
}

func splitChannelBody(params string) (channel, body string, ok bool) {
	head, trailing, ok := splitTrailing(params)
	if !ok {
		return "", "", false
	}
	channel = NormalizeChannel(firstToken(head))
	if channel == "" {
		return "", "", false
	}
	return channel, trailing, true
}

func splitTrailing(params string) (head, trailing string, ok bool) {
	if strings.HasPrefix(params, ":") {
		return "", params[1:], true
	}
	if i := strings.Index(params, " :"); i >= 0 {
		return params[:i], params[i+2:], true
	}
	return params, "", false
}

func beforeTrailing(params string) string {
	if i := strings.Index(params, " :"); i >= 0 {
		return params[:i]
	}
	return params
}

func firstToken(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// NormalizeChannel lowercases a channel name and strips the # sigil.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// NormalizeLogin lowercases and trims a login name.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}
