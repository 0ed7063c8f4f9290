package irc

import (
	"strings"
	"testing"
)

func reconstruct(frags []Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.Text)
	}
	return b.String()
}

func TestSliceFragmentsKappa(t *testing.T) {
	body := "Kappa test Kappa"
	frags := SliceFragments(body, "25:0-4,12-16")
	want := []struct {
		typ  FragmentType
		text string
	}{
		{FragmentEmote, "Kappa"},
		{FragmentText, " test "},
		{FragmentEmote, "Kappa"},
	}
	if len(frags) != len(want) {
		t.Fatalf("got %d fragments, want %d: %+v", len(frags), len(want), frags)
	}
	for i, w := range want {
		if frags[i].Type != w.typ || frags[i].Text != w.text {
			t.Errorf("frag[%d] = %v %q, want %v %q", i, frags[i].Type, frags[i].Text, w.typ, w.text)
		}
	}
	if frags[0].EmoteID != "25" || frags[0].ImageURL == "" {
		t.Errorf("emote frag missing id/image: %+v", frags[0])
	}
	if reconstruct(frags) != body {
		t.Errorf("fragments do not reconstruct body: %q", reconstruct(frags))
	}
}

func TestSliceFragmentsTrailingText(t *testing.T) {
	body := "Kappa and more"
	frags := SliceFragments(body, "25:0-4")
	if len(frags) != 2 || frags[1].Type != FragmentText || frags[1].Text != " and more" {
		t.Fatalf("frags = %+v", frags)
	}
	if reconstruct(frags) != body {
		t.Errorf("lossless reconstruction failed")
	}
}

func TestSliceFragmentsOverlapDropped(t *testing.T) {
	body := "Kappa test"
	frags := SliceFragments(body, "25:0-4/30:2-6")
	// second range starts inside the first span and must be dropped
	if len(frags) != 2 {
		t.Fatalf("frags = %+v", frags)
	}
	if reconstruct(frags) != body {
		t.Errorf("reconstruction = %q", reconstruct(frags))
	}
}

func TestSliceFragmentsOutOfBoundsIgnored(t *testing.T) {
	if frags := SliceFragments("hi", "25:0-10"); frags != nil {
		t.Errorf("out-of-range span should yield no fragments, got %+v", frags)
	}
	if frags := SliceFragments("hi", "25:-1-1"); frags != nil {
		t.Errorf("negative span should yield no fragments, got %+v", frags)
	}
}

func TestSliceFragmentsEmptyTag(t *testing.T) {
	if frags := SliceFragments("anything", ""); frags != nil {
		t.Errorf("empty tag should yield nil, got %+v", frags)
	}
}

func TestSliceFragmentsMultibyte(t *testing.T) {
	// offsets are rune positions, not byte positions
	body := "héllo Kappa"
	frags := SliceFragments(body, "25:6-10")
	if len(frags) != 2 || frags[1].Text != "Kappa" {
		t.Fatalf("frags = %+v", frags)
	}
	if reconstruct(frags) != body {
		t.Errorf("reconstruction = %q", reconstruct(frags))
	}
}
