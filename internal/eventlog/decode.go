package eventlog

import (
	"encoding/binary"
	"unicode/utf8"
)

// StopReason explains why a scan ended.
type StopReason int

const (
	// StopNone means every byte was consumed as complete records.
	StopNone StopReason = iota
	// StopIncomplete means the data ends inside a record, typically a
	// write still in progress.
	StopIncomplete
	// StopCorrupt means a record could not be decoded.
	StopCorrupt
)

func (s StopReason) String() string {
	switch s {
	case StopNone:
		return "complete"
	case StopIncomplete:
		return "incomplete"
	case StopCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Result holds everything decoded before a scan stopped.
type Result[T any] struct {
	Records []T
	Stop    StopReason
	// Offset is the number of bytes covered by Records.
	Offset int64
}

// Stopped reports whether the scan ended before the end of the data.
func (r Result[T]) Stopped() bool { return r.Stop != StopNone }

// cursor reads fields from a byte slice. The first short read sets
// short, the first invalid value sets bad; later reads return zero
// values so decoders can be written without per-field checks.
type cursor struct {
	b     []byte
	off   int
	short bool
	bad   bool
}

func (c *cursor) failed() bool { return c.short || c.bad }

func (c *cursor) take(n int) []byte {
	if c.failed() {
		return nil
	}
	if len(c.b)-c.off < n {
		c.short = true
		return nil
	}
	p := c.b[c.off : c.off+n]
	c.off += n
	return p
}

func (c *cursor) u8() uint8 {
	p := c.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (c *cursor) u16() uint16 {
	p := c.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (c *cursor) u32() uint32 {
	p := c.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (c *cursor) str() string {
	n := c.u16()
	p := c.take(int(n))
	if p == nil {
		return ""
	}
	if !utf8.Valid(p) {
		c.bad = true
		return ""
	}
	return string(p)
}

func (c *cursor) list() []string {
	n := c.u16()
	if c.failed() || n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n) && !c.failed(); i++ {
		out = append(out, c.str())
	}
	return out
}

func decodeCounter(c *cursor) CounterRecord {
	t := c.u32()
	return CounterRecord{Time: fromUnix(t), Value: c.u32()}
}

func decodeDuration(c *cursor) DurationRecord {
	start := c.u32()
	return DurationRecord{Start: fromUnix(start), End: fromUnix(c.u32())}
}

func decodeChat(c *cursor) ChatActivityRecord {
	t := c.u32()
	msgs := c.u16()
	return ChatActivityRecord{Time: fromUnix(t), Messages: msgs, Chatters: c.u16()}
}

func decodeBot(c *cursor) BotSessionRecord {
	typ := BotEvent(c.u8())
	t := c.u32()
	if !c.short && typ != BotStart && typ != BotStop {
		c.bad = true
	}
	return BotSessionRecord{Type: typ, Time: fromUnix(t)}
}

func decodeEvent(c *cursor) Event {
	typ := EventType(c.u8())
	if !c.failed() && !typ.valid() {
		c.bad = true
		return Event{}
	}
	e := Event{Type: typ, Time: fromUnix(c.u32())}
	switch typ {
	case EventSessionStart:
		e.Title = c.str()
		e.Game = c.str()
		e.Tags = c.list()
		e.VideoID = c.str()
	case EventSessionEnd:
		e.DurationSeconds = c.u32()
		e.PeakViewers = c.u32()
	case EventGameChange, EventTitleChange:
		e.Old = c.str()
		e.New = c.str()
	case EventTagsChange:
		e.OldTags = c.list()
		e.NewTags = c.list()
	}
	return e
}

func decodeAll[T any](data []byte, dec func(*cursor) T) Result[T] {
	var res Result[T]
	c := &cursor{b: data}
	for c.off < len(data) {
		start := c.off
		rec := dec(c)
		switch {
		case c.bad:
			res.Stop = StopCorrupt
		case c.short:
			res.Stop = StopIncomplete
		}
		if res.Stop != StopNone {
			res.Offset = int64(start)
			return res
		}
		res.Records = append(res.Records, rec)
	}
	res.Offset = int64(c.off)
	return res
}

// DecodeCounters decodes a counter file's contents.
func DecodeCounters(data []byte) Result[CounterRecord] { return decodeAll(data, decodeCounter) }

// DecodeDurations decodes a duration file's contents.
func DecodeDurations(data []byte) Result[DurationRecord] { return decodeAll(data, decodeDuration) }

// DecodeChatActivity decodes a chat activity file's contents.
func DecodeChatActivity(data []byte) Result[ChatActivityRecord] { return decodeAll(data, decodeChat) }

// DecodeBotSessions decodes a bot session file's contents.
func DecodeBotSessions(data []byte) Result[BotSessionRecord] { return decodeAll(data, decodeBot) }

// DecodeEvents decodes an activity event file's contents.
func DecodeEvents(data []byte) Result[Event] { return decodeAll(data, decodeEvent) }
