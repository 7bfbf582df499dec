package eventlog

import (
	"testing"
	"time"
)

func TestSegmentsFromGameChanges(t *testing.T) {
	events := []Event{
		GameChange(ts(0), "", "A"),
		GameChange(ts(600), "A", "B"),
		SessionEnd(ts(1800), 1800*time.Second, 0),
	}
	segs := BuildSegments(events, Window{})
	if len(segs) != 2 {
		t.Fatalf("got %d segments: %+v", len(segs), segs)
	}
	want := []Segment{
		{Game: "A", Start: ts(0), End: ts(600)},
		{Game: "B", Start: ts(600), End: ts(1800)},
	}
	for i := range want {
		if segs[i] != want[i] {
			t.Fatalf("segment %d = %+v want %+v", i, segs[i], want[i])
		}
	}
}

func TestSegmentsCoverSession(t *testing.T) {
	start, end := ts(10_000), ts(17_800)
	events := []Event{
		SessionEnd(end, end.Sub(start), 9), // out of order on purpose
		SessionStart(start, "opening", "Just Chatting", nil, ""),
		TitleChange(ts(11_000), "opening", "ranked"),
		GameChange(ts(12_000), "Just Chatting", "Chess"),
		GameChange(ts(12_500), "Chess", "Chess"),
		GameChange(ts(15_000), "Chess", "Go"),
	}
	segs := BuildSegments(events, Window{})
	if len(segs) != 3 {
		t.Fatalf("segments: %+v", segs)
	}
	if !segs[0].Start.Equal(start) || !segs[len(segs)-1].End.Equal(end) {
		t.Fatalf("segments do not span the session: %+v", segs)
	}
	for i := 1; i < len(segs); i++ {
		if !segs[i].Start.Equal(segs[i-1].End) {
			t.Fatalf("gap or overlap between %d and %d: %+v", i-1, i, segs)
		}
	}
	if segs[0].Title != "opening" || segs[1].Title != "ranked" {
		t.Fatalf("titles: %+v", segs)
	}
	if got := DistinctGames(segs); len(got) != 3 || got[0] != "Just Chatting" {
		t.Fatalf("distinct games: %v", got)
	}
}

func TestSegmentsClipped(t *testing.T) {
	events := []Event{
		SessionStart(ts(0), "t", "A", nil, ""),
		GameChange(ts(1000), "A", "B"),
		GameChange(ts(2000), "B", "C"),
		SessionEnd(ts(3000), 3000*time.Second, 0),
	}
	w := Window{Start: ts(500), End: ts(2500)}
	segs := BuildSegments(events, w)
	if len(segs) != 3 {
		t.Fatalf("segments: %+v", segs)
	}
	for _, s := range segs {
		if s.Start.Before(w.Start) || s.End.After(w.End) {
			t.Fatalf("segment %+v escapes window", s)
		}
	}
	if !segs[0].Start.Equal(ts(500)) || !segs[2].End.Equal(ts(2500)) {
		t.Fatalf("clip bounds: %+v", segs)
	}

	// Window entirely inside one segment.
	segs = BuildSegments(events, Window{Start: ts(1200), End: ts(1300)})
	if len(segs) != 1 || segs[0].Game != "B" || segs[0].Duration() != 100*time.Second {
		t.Fatalf("inner window: %+v", segs)
	}
}

func TestOpenSegment(t *testing.T) {
	events := []Event{
		SessionStart(ts(0), "t", "A", nil, ""),
		GameChange(ts(100), "A", "B"),
	}
	segs := BuildSegments(events, Window{Start: ts(50)})
	if len(segs) != 2 || !segs[1].Open || !segs[1].End.IsZero() {
		t.Fatalf("open segment: %+v", segs)
	}
	if !segs[0].Start.Equal(ts(50)) {
		t.Fatalf("start not clipped: %+v", segs[0])
	}

	segs = BuildSegments(events, Window{End: ts(400)})
	if len(segs) != 2 || segs[1].Open || !segs[1].End.Equal(ts(400)) {
		t.Fatalf("open segment clipped to window end: %+v", segs)
	}
}

func TestSessionsPairing(t *testing.T) {
	events := []Event{
		SessionStart(ts(0), "a", "g", nil, "v1"),
		SessionEnd(ts(7800), 7800*time.Second, 12),
		SessionStart(ts(9000), "b", "g", nil, ""),
	}
	got := Sessions(events)
	if len(got) != 2 {
		t.Fatalf("sessions: %+v", got)
	}
	if got[0].Duration != 7800*time.Second || got[0].PeakViewers != 12 || got[0].VideoID != "v1" {
		t.Fatalf("first session: %+v", got[0])
	}
	if !got[1].Open {
		t.Fatalf("second session should be open: %+v", got[1])
	}
}
