package irc

import (
	"sort"
	"strconv"
	"strings"
)

// FragmentType distinguishes plain text spans from emote spans.
type FragmentType string

const (
	FragmentText  FragmentType = "text"
	FragmentEmote FragmentType = "emote"
)

// Fragment is a contiguous span of a message body. Concatenating the Text of
// all fragments reproduces the raw body exactly.
type Fragment struct {
	Type     FragmentType `json:"type"`
	Text     string       `json:"text"`
	EmoteID  string       `json:"emote_id,omitempty"`
	ImageURL string       `json:"image_url,omitempty"`
}

type emoteRange struct {
	id         string
	start, end int // rune offsets, inclusive
}

// SliceFragments splits body according to an emotes tag of the form
// "id:start-end,start-end/id2:...". Offsets are zero-based inclusive rune
// positions. Ranges are applied in ascending start order; a range overlapping
// an already consumed span is dropped. Returns nil when the tag is empty or
// yields no valid range, in which case the renderer falls back to the raw
// body.
func SliceFragments(body, emotesTag string) []Fragment {
	if emotesTag == "" {
		return nil
	}
	runes := []rune(body)
	var ranges []emoteRange
	for _, group := range strings.Split(emotesTag, "/") {
		id, spans, ok := strings.Cut(group, ":")
		if !ok || id == "" {
			continue
		}
		for _, span := range strings.Split(spans, ",") {
			from, to, ok := strings.Cut(span, "-")
			if !ok {
				continue
			}
			start, err1 := strconv.Atoi(from)
			end, err2 := strconv.Atoi(to)
			if err1 != nil || err2 != nil || start < 0 || end < start || end >= len(runes) {
				continue
			}
			ranges = append(ranges, emoteRange{id: id, start: start, end: end})
		}
	}
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	var frags []Fragment
	cursor := 0
	for _, r := range ranges {
		if r.start < cursor {
			// overlap guard
			continue
		}
		if r.start > cursor {
			frags = append(frags, Fragment{Type: FragmentText, Text: string(runes[cursor:r.start])})
		}
		frags = append(frags, Fragment{
			Type:     FragmentEmote,
			Text:     string(runes[r.start : r.end+1]),
			EmoteID:  r.id,
			ImageURL: EmoteImageURL(r.id),
		})
		cursor = r.end + 1
	}
	if cursor < len(runes) {
		frags = append(frags, Fragment{Type: FragmentText, Text: string(runes[cursor:])})
	}
	return frags
}

// EmoteImageURL returns the CDN image reference for an emote id.
func EmoteImageURL(id string) string {
	return "https://static-cdn.jtvnw.net/emoticons/v2/" + id + "/default/dark/1.0"
}
