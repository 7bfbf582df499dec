package eventlog

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// EventType is the u8 tag at the start of every activity event.
type EventType uint8

const (
	EventSessionStart EventType = 1
	EventSessionEnd   EventType = 2
	EventGameChange   EventType = 3
	EventTitleChange  EventType = 4
	EventTagsChange   EventType = 5
)

func (t EventType) String() string {
	switch t {
	case EventSessionStart:
		return "session_start"
	case EventSessionEnd:
		return "session_end"
	case EventGameChange:
		return "game_change"
	case EventTitleChange:
		return "title_change"
	case EventTagsChange:
		return "tags_change"
	default:
		return "unknown"
	}
}

func (t EventType) valid() bool {
	return t >= EventSessionStart && t <= EventTagsChange
}

// Event is one stream activity fact. Which fields are meaningful depends
// on Type; use the constructors below to build them.
type Event struct {
	Type EventType
	Time time.Time

	// SessionStart
	Title   string
	Game    string
	Tags    []string
	VideoID string

	// SessionEnd
	DurationSeconds uint32
	PeakViewers     uint32

	// GameChange, TitleChange
	Old string
	New string

	// TagsChange
	OldTags []string
	NewTags []string
}

func SessionStart(t time.Time, title, game string, tags []string, videoID string) Event {
	return Event{Type: EventSessionStart, Time: t, Title: title, Game: game, Tags: tags, VideoID: videoID}
}

func SessionEnd(t time.Time, duration time.Duration, peakViewers int) Event {
	secs := duration / time.Second
	if secs < 0 {
		secs = 0
	}
	if peakViewers < 0 {
		peakViewers = 0
	}
	return Event{Type: EventSessionEnd, Time: t, DurationSeconds: uint32(secs), PeakViewers: uint32(peakViewers)}
}

func GameChange(t time.Time, oldGame, newGame string) Event {
	return Event{Type: EventGameChange, Time: t, Old: oldGame, New: newGame}
}

func TitleChange(t time.Time, oldTitle, newTitle string) Event {
	return Event{Type: EventTitleChange, Time: t, Old: oldTitle, New: newTitle}
}

func TagsChange(t time.Time, oldTags, newTags []string) Event {
	return Event{Type: EventTagsChange, Time: t, OldTags: oldTags, NewTags: newTags}
}

func (e Event) AppendBinary(b []byte) ([]byte, error) {
	if !e.Type.valid() {
		return nil, errors.Wrapf(ErrUnknownType, "event type %d", e.Type)
	}
	b = append(b, byte(e.Type))
	b, err := appendTime(b, e.Time)
	if err != nil {
		return nil, err
	}
	switch e.Type {
	case EventSessionStart:
		if b, err = appendString(b, e.Title); err != nil {
			return nil, err
		}
		if b, err = appendString(b, e.Game); err != nil {
			return nil, err
		}
		if b, err = appendList(b, e.Tags); err != nil {
			return nil, err
		}
		return appendString(b, e.VideoID)
	case EventSessionEnd:
		b = binary.BigEndian.AppendUint32(b, e.DurationSeconds)
		return binary.BigEndian.AppendUint32(b, e.PeakViewers), nil
	case EventGameChange, EventTitleChange:
		if b, err = appendString(b, e.Old); err != nil {
			return nil, err
		}
		return appendString(b, e.New)
	default:
		if b, err = appendList(b, e.OldTags); err != nil {
			return nil, err
		}
		return appendList(b, e.NewTags)
	}
}
