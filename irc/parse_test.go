package irc

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParsePrivmsgFullTags(t *testing.T) {
	line := `@badges=broadcaster/1,subscriber/0;display-name=Alice;id=abc-123;tmi-sent-ts=1700000000000;user-id=42 :alice!alice@alice.tmi.twitch.tv PRIVMSG #somechannel :hello world`
	ev := ParseLine(line)
	if ev.Type != EventMessage {
		t.Fatalf("type = %v, want EventMessage", ev.Type)
	}
	if ev.Channel != "somechannel" {
		t.Errorf("channel = %q", ev.Channel)
	}
	if ev.Login != "alice" || ev.DisplayName != "Alice" || ev.UserID != "42" {
		t.Errorf("identity = %q/%q/%q", ev.Login, ev.DisplayName, ev.UserID)
	}
	if ev.Body != "hello world" {
		t.Errorf("body = %q", ev.Body)
	}
	if ev.MsgID != "abc-123" || ev.MsgIDSynthetic {
		t.Errorf("msg id = %q synthetic=%v", ev.MsgID, ev.MsgIDSynthetic)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !ev.SentAt.Equal(want) {
		t.Errorf("sent at = %v, want %v", ev.SentAt, want)
	}
	if !reflect.DeepEqual(ev.Badges, []string{"broadcaster/1", "subscriber/0"}) {
		t.Errorf("badges = %v", ev.Badges)
	}
}

func TestParsePrivmsgMissingTags(t *testing.T) {
	before := time.Now()
	ev := ParseLine(":bob!bob@bob.tmi.twitch.tv PRIVMSG #chan :hi")
	if ev.Type != EventMessage {
		t.Fatalf("type = %v", ev.Type)
	}
	if ev.Login != "bob" || ev.DisplayName != "bob" {
		t.Errorf("login/display = %q/%q, want login fallback", ev.Login, ev.DisplayName)
	}
	if ev.MsgID == "" || !ev.MsgIDSynthetic {
		t.Errorf("expected synthesized msg id, got %q synthetic=%v", ev.MsgID, ev.MsgIDSynthetic)
	}
	if !strings.HasPrefix(ev.MsgID, "local-") {
		t.Errorf("synthetic id %q missing local- prefix", ev.MsgID)
	}
	if ev.SentAt.Before(before.Add(-time.Second)) {
		t.Errorf("missing tmi-sent-ts should fall back to decode time, got %v", ev.SentAt)
	}
	if ev.Fragments != nil {
		t.Errorf("no emotes tag should yield nil fragments, got %v", ev.Fragments)
	}
}

func TestParseTagUnescape(t *testing.T) {
	ev := ParseLine(`@display-name=a\sb\:c\\d :x!x@x PRIVMSG #c :y`)
	if ev.DisplayName != `a b;c\d` {
		t.Errorf("display-name = %q", ev.DisplayName)
	}
}

func TestParseBadgesDedup(t *testing.T) {
	ev := ParseLine(`@badges=vip,vip,subscriber/3 :x!x@x PRIVMSG #c :y`)
	if !reflect.DeepEqual(ev.Badges, []string{"vip", "subscriber/3"}) {
		t.Errorf("badges = %v", ev.Badges)
	}
}

func TestParseBadTimestampFallsBack(t *testing.T) {
	before := time.Now()
	ev := ParseLine(`@tmi-sent-ts=notanumber :x!x@x PRIVMSG #c :y`)
	if ev.SentAt.Before(before.Add(-time.Second)) {
		t.Errorf("unparsable ts should use decode time, got %v", ev.SentAt)
	}
}

func TestParseNames(t *testing.T) {
	ev := ParseLine(":tmi.twitch.tv 353 nick = #chan :alice bob")
	if ev.Type != EventNames {
		t.Fatalf("type = %v", ev.Type)
	}
	if ev.Channel != "chan" {
		t.Errorf("channel = %q", ev.Channel)
	}
	if !reflect.DeepEqual(ev.Names, []string{"alice", "bob"}) {
		t.Errorf("names = %v", ev.Names)
	}
}

func TestParseNamesSigilsAndDupes(t *testing.T) {
	ev := ParseLine(":tmi.twitch.tv 353 nick = #chan :@Mod +voiced mod ALICE alice")
	if !reflect.DeepEqual(ev.Names, []string{"mod", "voiced", "alice"}) {
		t.Errorf("names = %v", ev.Names)
	}
}

func TestParseJoinPart(t *testing.T) {
	j := ParseLine(":alice!alice@alice.tmi.twitch.tv JOIN #chan")
	if j.Type != EventJoin || j.Login != "alice" || j.Channel != "chan" {
		t.Errorf("join = %+v", j)
	}
	p := ParseLine(":alice!alice@alice.tmi.twitch.tv PART #chan")
	if p.Type != EventPart || p.Login != "alice" || p.Channel != "chan" {
		t.Errorf("part = %+v", p)
	}
}

func TestParsePing(t *testing.T) {
	ev := ParseLine("PING :tmi.twitch.tv")
	if ev.Type != EventPing {
		t.Fatalf("type = %v", ev.Type)
	}
	if got := EncodePong(ev.Raw); got != "PONG :tmi.twitch.tv" {
		t.Errorf("pong = %q", got)
	}
}

func TestParseUnknownLinesIgnored(t *testing.T) {
	for _, line := range []string{
		"",
		":tmi.twitch.tv 001 nick :Welcome, GLHF!",
		":tmi.twitch.tv CAP * ACK :twitch.tv/tags",
		"garbage without structure",
		"@tags-only-no-space",
	} {
		if ev := ParseLine(line); ev.Type != EventNone {
			t.Errorf("ParseLine(%q).Type = %v, want EventNone", line, ev.Type)
		}
	}
}
