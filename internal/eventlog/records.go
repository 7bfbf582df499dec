// Package eventlog reads and writes the append-only binary logs the relay
// keeps about stream activity, viewer and follower counts, part durations,
// chat activity and host uptime.
//
// All integers are big-endian. Strings are a u16 byte length followed by
// UTF-8 bytes; lists are a u16 count followed by that many strings.
package eventlog

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrFieldTooLong is returned when a string or list does not fit its
	// u16 length prefix.
	ErrFieldTooLong = errors.New("eventlog: field too long")
	// ErrTimestampRange is returned for times that are not representable
	// as unsigned 32-bit Unix seconds.
	ErrTimestampRange = errors.New("eventlog: timestamp out of range")
	// ErrUnknownType is returned when encoding a record with a type tag
	// the format does not define.
	ErrUnknownType = errors.New("eventlog: unknown record type")
)

// Record is implemented by every record family.
type Record interface {
	AppendBinary(b []byte) ([]byte, error)
}

// CounterRecord is a sampled integer such as a follower or viewer count.
type CounterRecord struct {
	Time  time.Time
	Value uint32
}

// DurationRecord covers one finished part or session.
type DurationRecord struct {
	Start time.Time
	End   time.Time
}

// Duration returns End-Start, or zero if the record is inverted.
func (d DurationRecord) Duration() time.Duration {
	if d.End.Before(d.Start) {
		return 0
	}
	return d.End.Sub(d.Start)
}

// ChatActivityRecord aggregates one chat logging interval.
type ChatActivityRecord struct {
	Time     time.Time
	Messages uint16
	Chatters uint16
}

// BotEvent tags a host process start or stop.
type BotEvent uint8

const (
	BotStart BotEvent = 1
	BotStop  BotEvent = 2
)

func (e BotEvent) String() string {
	switch e {
	case BotStart:
		return "start"
	case BotStop:
		return "stop"
	default:
		return "unknown"
	}
}

// BotSessionRecord marks the relay process starting or stopping.
type BotSessionRecord struct {
	Type BotEvent
	Time time.Time
}

func (r CounterRecord) AppendBinary(b []byte) ([]byte, error) {
	b, err := appendTime(b, r.Time)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(b, r.Value), nil
}

func (r DurationRecord) AppendBinary(b []byte) ([]byte, error) {
	b, err := appendTime(b, r.Start)
	if err != nil {
		return nil, err
	}
	return appendTime(b, r.End)
}

// AppendBinary saturates both counts at 65535.
func (r ChatActivityRecord) AppendBinary(b []byte) ([]byte, error) {
	b, err := appendTime(b, r.Time)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, r.Messages)
	return binary.BigEndian.AppendUint16(b, r.Chatters), nil
}

// NewChatActivity builds a chat record, clamping counts to the u16 range.
func NewChatActivity(t time.Time, messages, chatters int) ChatActivityRecord {
	return ChatActivityRecord{Time: t, Messages: saturate16(messages), Chatters: saturate16(chatters)}
}

func (r BotSessionRecord) AppendBinary(b []byte) ([]byte, error) {
	if r.Type != BotStart && r.Type != BotStop {
		return nil, errors.Wrapf(ErrUnknownType, "bot session type %d", r.Type)
	}
	b = append(b, byte(r.Type))
	return appendTime(b, r.Time)
}

func saturate16(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(n)
	}
}

func appendTime(b []byte, t time.Time) ([]byte, error) {
	sec := t.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return nil, errors.Wrapf(ErrTimestampRange, "%d", sec)
	}
	return binary.BigEndian.AppendUint32(b, uint32(sec)), nil
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrFieldTooLong, "string of %d bytes", len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func appendList(b []byte, items []string) ([]byte, error) {
	if len(items) > math.MaxUint16 {
		return nil, errors.Wrapf(ErrFieldTooLong, "list of %d entries", len(items))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(items)))
	var err error
	for _, s := range items {
		if b, err = appendString(b, s); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func fromUnix(sec uint32) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
