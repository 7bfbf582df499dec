package eventlog

import (
	"sort"
	"time"
)

// Segment is a stretch of a session spent in one game. Title is the
// stream title when the segment began.
type Segment struct {
	Game  string
	Title string
	Start time.Time
	End   time.Time
	// Open is set when the segment had not ended and the window gave no
	// end to clip it to. End is zero in that case.
	Open bool
}

// Duration returns End-Start, or zero for an open segment.
func (s Segment) Duration() time.Duration {
	if s.Open {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Window limits segment reconstruction. Zero bounds are unbounded.
type Window struct {
	Start time.Time
	End   time.Time
}

// BuildSegments replays events in timestamp order and returns the game
// segments that intersect w, clipped to it. Events with equal
// timestamps keep their log order.
func BuildSegments(events []Event, w Window) []Segment {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	var (
		out   []Segment
		cur   *Segment
		title string
	)
	closeAt := func(t time.Time) {
		if cur == nil {
			return
		}
		cur.End = t
		if cur.End.After(cur.Start) {
			out = append(out, *cur)
		}
		cur = nil
	}
	open := func(game string, t time.Time) {
		cur = &Segment{Game: game, Title: title, Start: t}
	}

	for _, e := range ordered {
		switch e.Type {
		case EventSessionStart:
			closeAt(e.Time)
			title = e.Title
			open(e.Game, e.Time)
		case EventGameChange:
			if cur != nil && cur.Game == e.New {
				continue
			}
			closeAt(e.Time)
			open(e.New, e.Time)
		case EventTitleChange:
			title = e.New
		case EventSessionEnd:
			closeAt(e.Time)
		}
	}
	if cur != nil {
		cur.Open = true
		out = append(out, *cur)
	}
	return clipSegments(out, w)
}

func clipSegments(segs []Segment, w Window) []Segment {
	out := segs[:0]
	for _, s := range segs {
		if !w.End.IsZero() && !s.Start.Before(w.End) {
			continue
		}
		if !s.Open && !w.Start.IsZero() && !s.End.After(w.Start) {
			continue
		}
		if !w.Start.IsZero() && s.Start.Before(w.Start) {
			s.Start = w.Start
		}
		if s.Open {
			if !w.End.IsZero() {
				s.End, s.Open = w.End, false
			}
		} else if !w.End.IsZero() && s.End.After(w.End) {
			s.End = w.End
		}
		if !s.Open && !s.End.After(s.Start) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// DistinctGames returns each game that appears in segs once, in order
// of first appearance.
func DistinctGames(segs []Segment) []string {
	seen := make(map[string]struct{}, len(segs))
	var out []string
	for _, s := range segs {
		if _, ok := seen[s.Game]; ok {
			continue
		}
		seen[s.Game] = struct{}{}
		out = append(out, s.Game)
	}
	return out
}

// GameTotals returns the total closed time spent in each game.
func GameTotals(segs []Segment) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, s := range segs {
		out[s.Game] += s.Duration()
	}
	return out
}

// Session is a session reconstructed from start and end events.
type Session struct {
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Title       string        `json:"title"`
	Game        string        `json:"game"`
	VideoID     string        `json:"video_id,omitempty"`
	PeakViewers uint32        `json:"peak_viewers"`
	Duration    time.Duration `json:"duration_ns"`
	// Open is set for a session with no end event.
	Open bool `json:"open,omitempty"`
}

// Sessions pairs SessionStart and SessionEnd events. A start that is
// followed by another start without an end is closed at the second
// start with no recorded duration.
func Sessions(events []Event) []Session {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	var (
		out []Session
		cur *Session
	)
	for _, e := range ordered {
		switch e.Type {
		case EventSessionStart:
			if cur != nil {
				cur.End = e.Time
				out = append(out, *cur)
			}
			cur = &Session{Start: e.Time, Title: e.Title, Game: e.Game, VideoID: e.VideoID}
		case EventSessionEnd:
			if cur == nil {
				continue
			}
			cur.End = e.Time
			cur.PeakViewers = e.PeakViewers
			cur.Duration = time.Duration(e.DurationSeconds) * time.Second
			out = append(out, *cur)
			cur = nil
		}
	}
	if cur != nil {
		cur.Open = true
		out = append(out, *cur)
	}
	return out
}
