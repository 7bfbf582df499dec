// Package pipe supervises the two chained child processes of a relay
// attempt: the fetch leg, which pulls the source stream and writes it to
// stdout, and the transcode leg, which reads that stream on stdin and
// pushes it to the destination.
package pipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
)

var (
	// ErrMissingExecutable is returned when a leg's binary cannot be found.
	ErrMissingExecutable = errors.New("pipe: executable not found")
	// ErrBusy is returned by Start when an attempt is already running.
	ErrBusy = errors.New("pipe: attempt already running")
)

const DefaultGrace = 10 * time.Second

// Config describes how to launch both legs.
type Config struct {
	FetchBin     string
	TranscodeBin string
	// FetchArgs and TranscodeArgs build the argument lists. Nil selects
	// DefaultFetchArgs and DefaultTranscodeArgs.
	FetchArgs     func(source string) []string
	TranscodeArgs func(address, key string) []string
	// Grace is how long a leg gets to exit after an interrupt before it
	// is killed.
	Grace  time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultFetchArgs asks the fetcher for the best quality on stdout. A
// bare channel login is expanded to a twitch.tv URL.
func DefaultFetchArgs(source string) []string {
	url := source
	if !strings.Contains(source, "/") && !strings.Contains(source, ".") {
		url = "twitch.tv/" + source
	}
	return []string{url, "best", "-O", "--loglevel", "warning"}
}

// DefaultTranscodeArgs copies the incoming stream into FLV at
// address/key without re-encoding.
func DefaultTranscodeArgs(address, key string) []string {
	target := strings.TrimRight(address, "/")
	if key != "" {
		target += "/" + key
	}
	return []string{"-hide_banner", "-loglevel", "warning", "-i", "pipe:0", "-c", "copy", "-f", "flv", target}
}

// CheckExecutables verifies that every binary resolves on PATH (or as a
// path).
func CheckExecutables(bins ...string) error {
	for _, b := range bins {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("%w: empty path", ErrMissingExecutable)
		}
		if _, err := exec.LookPath(b); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMissingExecutable, b, err)
		}
	}
	return nil
}

// LegResult is how one leg ended.
type LegResult struct {
	PID      int
	ExitCode int
	Killed   bool
}

func (l LegResult) ok() bool { return l.ExitCode == 0 && !l.Killed }

// Outcome describes a finished attempt.
type Outcome struct {
	Success   bool
	Started   time.Time
	Ended     time.Time
	Fetch     LegResult
	Transcode LegResult
	// Stopped is set when the attempt ended because Stop was called or
	// the context was cancelled.
	Stopped bool
	// Err is set when the attempt could not be started.
	Err error
}

// Status is a snapshot of the running attempt for status reporting.
type Status struct {
	Running      bool
	FetchPID     int
	TranscodePID int
	Started      time.Time
}

// Supervisor runs one attempt at a time.
type Supervisor struct {
	cfg Config

	mu  sync.Mutex
	cur *attempt
}

func New(cfg Config) *Supervisor {
	if cfg.FetchArgs == nil {
		cfg.FetchArgs = DefaultFetchArgs
	}
	if cfg.TranscodeArgs == nil {
		cfg.TranscodeArgs = DefaultTranscodeArgs
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg}
}

type leg struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	res  LegResult
}

func (l *leg) wait() {
	err := l.cmd.Wait()
	l.res.ExitCode = l.cmd.ProcessState.ExitCode()
	if err != nil && l.res.ExitCode == 0 {
		l.res.ExitCode = -1
	}
	close(l.done)
}

func (l *leg) exited() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type attempt struct {
	fetch     *leg
	transcode *leg
	started   time.Time
	stopReq   chan struct{}
	stopOnce  sync.Once
	finished  chan struct{}
}

func (a *attempt) requestStop() { a.stopOnce.Do(func() { close(a.stopReq) }) }

// Start launches both legs and blocks until the attempt ends, Stop is
// called or ctx is cancelled. The two legs are always terminated before
// it returns.
func (s *Supervisor) Start(ctx context.Context, source, address, key string) Outcome {
	log := s.cfg.Logger
	a, err := s.launch(ctx, source, address, key)
	if err != nil {
		log.Error("pipe: start failed", "err", err)
		return Outcome{Err: err, Started: s.cfg.Clock.Now(), Ended: s.cfg.Clock.Now()}
	}
	defer func() {
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		close(a.finished)
	}()

	log.Info("pipe: started", "source", source, "fetch_pid", a.fetch.res.PID, "transcode_pid", a.transcode.res.PID)

	stopped := false
	select {
	case <-a.fetch.done:
		log.Warn("pipe: fetch leg exited", "code", a.fetch.res.ExitCode)
		// The transcode leg sees EOF and normally flushes and exits.
		select {
		case <-a.transcode.done:
		case <-time.After(s.cfg.Grace):
		case <-a.stopReq:
			stopped = true
		case <-ctx.Done():
			stopped = true
		}
	case <-a.transcode.done:
		log.Warn("pipe: transcode leg exited", "code", a.transcode.res.ExitCode)
	case <-a.stopReq:
		stopped = true
	case <-ctx.Done():
		stopped = true
	}

	s.terminate(a.transcode)
	s.terminate(a.fetch)

	out := Outcome{
		Started:   a.started,
		Ended:     s.cfg.Clock.Now(),
		Fetch:     a.fetch.res,
		Transcode: a.transcode.res,
		Stopped:   stopped,
	}
	out.Success = out.Fetch.ok() && out.Transcode.ok()
	log.Info("pipe: ended", "success", out.Success, "stopped", stopped,
		"fetch_code", out.Fetch.ExitCode, "transcode_code", out.Transcode.ExitCode)
	return out
}

func (s *Supervisor) launch(ctx context.Context, source, address, key string) (*attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil, ErrBusy
	}

	fetch := &leg{name: "fetch", cmd: exec.Command(s.cfg.FetchBin, s.cfg.FetchArgs(source)...), done: make(chan struct{})}
	transcode := &leg{name: "transcode", cmd: exec.Command(s.cfg.TranscodeBin, s.cfg.TranscodeArgs(address, key)...), done: make(chan struct{})}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: create stream pipe: %w", err)
	}
	fetch.cmd.Stdout = pw
	transcode.cmd.Stdin = pr

	fetchErr, err := s.attachStderr(ctx, fetch, slog.LevelInfo)
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	transcodeErr, err := s.attachStderr(ctx, transcode, slog.LevelWarn)
	if err != nil {
		pr.Close()
		pw.Close()
		fetchErr.Close()
		return nil, err
	}
	closeParentEnds := func() {
		pr.Close()
		pw.Close()
		fetchErr.Close()
		transcodeErr.Close()
	}

	if err := transcode.cmd.Start(); err != nil {
		closeParentEnds()
		return nil, fmt.Errorf("pipe: start transcode leg: %w", err)
	}
	if err := fetch.cmd.Start(); err != nil {
		closeParentEnds()
		_ = transcode.cmd.Process.Kill()
		_ = transcode.cmd.Wait()
		return nil, fmt.Errorf("pipe: start fetch leg: %w", err)
	}
	closeParentEnds()

	fetch.res.PID = fetch.cmd.Process.Pid
	transcode.res.PID = transcode.cmd.Process.Pid
	go fetch.wait()
	go transcode.wait()

	a := &attempt{
		fetch:     fetch,
		transcode: transcode,
		started:   s.cfg.Clock.Now(),
		stopReq:   make(chan struct{}),
		finished:  make(chan struct{}),
	}
	s.cur = a
	return a, nil
}

// attachStderr points the leg's stderr at a pipe drained into the log.
// It returns the child's write end, which the caller closes once the
// process has started.
func (s *Supervisor) attachStderr(ctx context.Context, l *leg, level slog.Level) (io.Closer, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: create %s stderr pipe: %w", l.name, err)
	}
	l.cmd.Stderr = w
	go drain(ctx, r, s.cfg.Logger, l.name, level)
	return w, nil
}

// drain logs r line by line and keeps reading until EOF, so the child
// never writes into a closed pipe. Lines are dropped once ctx is done.
func drain(ctx context.Context, r io.ReadCloser, log *slog.Logger, name string, level slog.Level) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || ctx.Err() != nil {
			continue
		}
		log.Log(context.Background(), level, "pipe: "+name, "line", line)
	}
	if err := sc.Err(); err != nil {
		log.Warn("pipe: diagnostics unreadable, discarding the rest", "leg", name, "err", err)
	}
	_, _ = io.Copy(io.Discard, r)
}

// terminate interrupts the leg, waits up to the grace period, then kills.
func (s *Supervisor) terminate(l *leg) {
	if l.exited() {
		return
	}
	_ = l.cmd.Process.Signal(os.Interrupt)
	select {
	case <-l.done:
		return
	case <-time.After(s.cfg.Grace):
	}
	s.cfg.Logger.Warn("pipe: leg did not exit in time, killing", "leg", l.name, "pid", l.res.PID)
	_ = l.cmd.Process.Kill()
	<-l.done
	l.res.Killed = true
}

// Stop ends the running attempt and waits until both legs are gone. It
// is a no-op when nothing is running and safe to call from any
// goroutine.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	a := s.cur
	s.mu.Unlock()
	if a == nil {
		return
	}
	a.requestStop()
	<-a.finished
}

// Status reports the running attempt, if any.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Status{}
	}
	return Status{
		Running:      true,
		FetchPID:     s.cur.fetch.res.PID,
		TranscodePID: s.cur.transcode.res.PID,
		Started:      s.cur.started,
	}
}
