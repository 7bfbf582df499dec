// Package chapters turns the game segments of a part into chapter
// markers and renders part titles and descriptions.
package chapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/you/gnasty-relay/internal/eventlog"
)

// MinChapters is the fewest chapters the destination accepts in a
// description. Shorter lists are not rendered.
const MinChapters = 3

// Chapter is one marker relative to the start of a part.
type Chapter struct {
	Offset time.Duration
	Title  string
	length time.Duration
}

// Build converts segments (already clipped to the part) into chapters.
// The first chapter always starts at 0. Chapters shorter than min are
// folded into the previous chapter, and consecutive chapters for the
// same game are joined.
func Build(segs []eventlog.Segment, partStart, partEnd time.Time, min time.Duration) []Chapter {
	var out []Chapter
	for _, s := range segs {
		end := s.End
		if s.Open || end.After(partEnd) {
			end = partEnd
		}
		start := s.Start
		if start.Before(partStart) {
			start = partStart
		}
		if !end.After(start) {
			continue
		}
		c := Chapter{Offset: start.Sub(partStart), Title: label(s), length: end.Sub(start)}
		if n := len(out); n > 0 && (c.length < min || out[n-1].Title == c.Title) {
			out[n-1].length = c.Offset + c.length - out[n-1].Offset
			continue
		}
		out = append(out, c)
	}
	if len(out) > 1 && out[0].length < min {
		out[1].length += out[1].Offset - out[0].Offset
		out[1].Offset = out[0].Offset
		out = out[1:]
	}
	if len(out) > 0 {
		out[0].length += out[0].Offset
		out[0].Offset = 0
	}
	return out
}

func label(s eventlog.Segment) string {
	if g := strings.TrimSpace(s.Game); g != "" {
		return g
	}
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return "Stream"
}

// Format renders chapters one per line. It returns "" when there are
// fewer than MinChapters. Offsets use H:MM:SS when the part runs an
// hour or longer and MM:SS otherwise.
func Format(chapters []Chapter, partLength time.Duration) string {
	if len(chapters) < MinChapters {
		return ""
	}
	long := partLength >= time.Hour
	var b strings.Builder
	for i, c := range chapters {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(Timestamp(c.Offset, long))
		b.WriteByte(' ')
		b.WriteString(c.Title)
	}
	return b.String()
}

// Timestamp formats d as MM:SS, or H:MM:SS when long is set.
func Timestamp(d time.Duration, long bool) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, (secs/60)%60, secs%60
	if long {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h*60+m, s)
}
