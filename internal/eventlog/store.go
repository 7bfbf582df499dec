package eventlog

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// File names inside a Store directory.
const (
	EventsFile    = "activity.bin"
	DurationsFile = "durations.bin"
	ChatFile      = "chat.bin"
	BotFile       = "bot.bin"
)

// Counter metrics written by the relay. Each metric has its own file.
const (
	MetricViewers   = "viewers"
	MetricFollowers = "followers"
)

// CounterFile returns the file name used for a counter metric.
func CounterFile(metric string) string { return metric + ".bin" }

// Appender appends encoded records to one file. Each record is written
// with a single write call on a file opened with O_APPEND, and the
// mutex keeps concurrent callers in the same process from interleaving.
type Appender struct {
	mu   sync.Mutex
	path string
	f    *os.File
	buf  []byte
}

// NewAppender returns an appender for path. The file is opened lazily
// on the first Append.
func NewAppender(path string) *Appender {
	return &Appender{path: path}
}

// Path returns the file the appender writes to.
func (a *Appender) Path() string { return a.path }

func (a *Appender) Append(r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := r.AppendBinary(a.buf[:0])
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	a.buf = b

	if a.f == nil {
		f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open %s", a.path)
		}
		a.f = f
	}
	if _, err := a.f.Write(b); err != nil {
		return errors.Wrapf(err, "append %s", a.path)
	}
	return nil
}

// Close closes the underlying file. A later Append reopens it.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Store is a directory of log files, one per record family or metric.
type Store struct {
	dir string

	mu        sync.Mutex
	appenders map[string]*Appender
}

// Open prepares dir for use as a Store, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", dir)
	}
	return &Store{dir: dir, appenders: make(map[string]*Appender)}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) appender(name string) *Appender {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appenders[name]
	if !ok {
		a = NewAppender(filepath.Join(s.dir, name))
		s.appenders[name] = a
	}
	return a
}

func (s *Store) AppendEvent(e Event) error { return s.appender(EventsFile).Append(e) }

func (s *Store) AppendCounter(metric string, r CounterRecord) error {
	return s.appender(CounterFile(metric)).Append(r)
}

func (s *Store) AppendDuration(r DurationRecord) error {
	return s.appender(DurationsFile).Append(r)
}

func (s *Store) AppendChatActivity(r ChatActivityRecord) error {
	return s.appender(ChatFile).Append(r)
}

func (s *Store) AppendBotSession(r BotSessionRecord) error {
	return s.appender(BotFile).Append(r)
}

func (s *Store) Events() (Result[Event], error) {
	return ReadFile(filepath.Join(s.dir, EventsFile), DecodeEvents)
}

func (s *Store) Counters(metric string) (Result[CounterRecord], error) {
	return ReadFile(filepath.Join(s.dir, CounterFile(metric)), DecodeCounters)
}

func (s *Store) Durations() (Result[DurationRecord], error) {
	return ReadFile(filepath.Join(s.dir, DurationsFile), DecodeDurations)
}

func (s *Store) ChatActivity() (Result[ChatActivityRecord], error) {
	return ReadFile(filepath.Join(s.dir, ChatFile), DecodeChatActivity)
}

func (s *Store) BotSessions() (Result[BotSessionRecord], error) {
	return ReadFile(filepath.Join(s.dir, BotFile), DecodeBotSessions)
}

// Close closes every open appender.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, a := range s.appenders {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadFile reads path and decodes it with decode. A missing file is an
// empty result. Only I/O failures are returned as errors; truncated or
// corrupt content is reported through Result.Stop.
func ReadFile[T any](path string, decode func([]byte) Result[T]) (Result[T], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result[T]{}, nil
		}
		return Result[T]{}, errors.Wrapf(err, "read %s", path)
	}
	return decode(data), nil
}
