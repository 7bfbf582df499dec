package eventlog

import (
	"time"
)

// Range is a half-open time interval [From, To). A zero bound is
// unbounded on that side.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside r.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// ValueAt returns the most recent counter record at or before t. Records
// need not be sorted; ties on timestamp resolve to the later record in
// the file.
func ValueAt(records []CounterRecord, t time.Time) (CounterRecord, bool) {
	var (
		best  CounterRecord
		found bool
	)
	for _, r := range records {
		if r.Time.After(t) {
			continue
		}
		if !found || !r.Time.Before(best.Time) {
			best, found = r, true
		}
	}
	return best, found
}

// CountersIn returns the counter records whose time falls in r, in file
// order.
func CountersIn(records []CounterRecord, r Range) []CounterRecord {
	var out []CounterRecord
	for _, rec := range records {
		if r.Contains(rec.Time) {
			out = append(out, rec)
		}
	}
	return out
}

// EventsIn returns the events whose time falls in r, in file order.
func EventsIn(events []Event, r Range) []Event {
	var out []Event
	for _, e := range events {
		if r.Contains(e.Time) {
			out = append(out, e)
		}
	}
	return out
}

// DurationsIn returns the duration records that start inside r.
func DurationsIn(records []DurationRecord, r Range) []DurationRecord {
	var out []DurationRecord
	for _, d := range records {
		if r.Contains(d.Start) {
			out = append(out, d)
		}
	}
	return out
}

// CounterStats summarizes a set of counter values.
type CounterStats struct {
	Count int
	Min   uint32
	Max   uint32
	Sum   uint64
	First CounterRecord
	Last  CounterRecord
}

// Avg returns the mean value, or 0 for an empty set.
func (s CounterStats) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.Count)
}

// Delta is Last.Value - First.Value by time, as a signed number.
func (s CounterStats) Delta() int64 {
	return int64(s.Last.Value) - int64(s.First.Value)
}

// SummarizeCounters computes CounterStats in one pass. First and Last
// are the earliest and latest records by time.
func SummarizeCounters(records []CounterRecord) CounterStats {
	var s CounterStats
	for i, r := range records {
		if i == 0 {
			s.Min, s.Max = r.Value, r.Value
			s.First, s.Last = r, r
		}
		s.Count++
		s.Sum += uint64(r.Value)
		if r.Value < s.Min {
			s.Min = r.Value
		}
		if r.Value > s.Max {
			s.Max = r.Value
		}
		if r.Time.Before(s.First.Time) {
			s.First = r
		}
		if !r.Time.Before(s.Last.Time) {
			s.Last = r
		}
	}
	return s
}

// DurationStats summarizes duration records.
type DurationStats struct {
	Count   int
	Total   time.Duration
	Longest time.Duration
}

// Avg returns the mean duration, or 0 for an empty set.
func (s DurationStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

func SummarizeDurations(records []DurationRecord) DurationStats {
	var s DurationStats
	for _, r := range records {
		d := r.Duration()
		s.Count++
		s.Total += d
		if d > s.Longest {
			s.Longest = d
		}
	}
	return s
}

// TotalDuration sums the durations of records.
func TotalDuration(records []DurationRecord) time.Duration {
	return SummarizeDurations(records).Total
}

// ChatStats summarizes chat activity intervals.
type ChatStats struct {
	Intervals    int
	Messages     uint64
	PeakMessages uint16
	PeakChatters uint16
}

func SummarizeChat(records []ChatActivityRecord) ChatStats {
	var s ChatStats
	for _, r := range records {
		s.Intervals++
		s.Messages += uint64(r.Messages)
		if r.Messages > s.PeakMessages {
			s.PeakMessages = r.Messages
		}
		if r.Chatters > s.PeakChatters {
			s.PeakChatters = r.Chatters
		}
	}
	return s
}

// Uptime adds up the time between each start record and the following
// stop record. A start with no stop counts until now; a start followed
// by another start (a crash) counts until the second start.
func Uptime(records []BotSessionRecord, now time.Time) time.Duration {
	var (
		total   time.Duration
		started time.Time
		running bool
	)
	for _, r := range records {
		switch r.Type {
		case BotStart:
			if running && r.Time.After(started) {
				total += r.Time.Sub(started)
			}
			started, running = r.Time, true
		case BotStop:
			if running && r.Time.After(started) {
				total += r.Time.Sub(started)
			}
			running = false
		}
	}
	if running && now.After(started) {
		total += now.Sub(started)
	}
	return total
}
