// Package relay runs the session orchestrator: it watches the source for
// liveness, provisions destination parts, supervises the pipe, rolls parts
// over and finalizes them, and applies the failure cooldown policy.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/you/gnasty-relay/internal/chapters"
	"github.com/you/gnasty-relay/internal/clock"
	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/pipe"
	"github.com/you/gnasty-relay/internal/youtube"
)

// LivenessProbe reports the source's current state.
type LivenessProbe interface {
	Check(ctx context.Context) (core.StreamInfo, error)
}

// Destination is the lifecycle API of the destination platform.
type Destination interface {
	CreateIngestEndpoint(ctx context.Context, label string) (youtube.Endpoint, error)
	CreateBroadcast(ctx context.Context, endpointID string, spec youtube.BroadcastSpec) (string, error)
	Transition(ctx context.Context, broadcastID, state string) error
	UpdateMetadata(ctx context.Context, videoID string, upd youtube.MetadataUpdate) (bool, error)
	AddToCollection(ctx context.Context, videoID, playlistID string) error
	SetVisibility(ctx context.Context, videoID, visibility string) error
	CheckCredentials(ctx context.Context) error
}

// Pipe runs one attempt at a time. Start blocks; Stop may be called from
// another goroutine.
type Pipe interface {
	Start(ctx context.Context, source, address, key string) pipe.Outcome
	Stop()
	Status() pipe.Status
}

// HealthChecker confirms a fresh broadcast is reachable.
type HealthChecker interface {
	Verify(ctx context.Context, videoID string) bool
}

// Journal is the binary activity log.
type Journal interface {
	AppendEvent(e eventlog.Event) error
	AppendDuration(r eventlog.DurationRecord) error
	Events() (eventlog.Result[eventlog.Event], error)
}

// Ledger records sessions, parts and attempts for reporting.
type Ledger interface {
	SessionStarted(ctx context.Context, s core.Session) error
	SessionEnded(ctx context.Context, s core.Session) error
	PartStarted(ctx context.Context, p core.Part) error
	PartFinalized(ctx context.Context, p core.Part, end time.Time, finalizeErr error) error
	AttemptFinished(ctx context.Context, a core.Attempt) error
}

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}

// Config holds the orchestrator's policy.
type Config struct {
	// Source is the channel login passed to the fetch leg.
	Source string

	LivenessPoll     time.Duration
	RolloverInterval time.Duration // <= 0 disables scheduled rollover
	ShortCooldown    time.Duration
	LongCooldown     time.Duration
	MaxFailures      int
	PostSessionWait  time.Duration
	ErrorCooldown    time.Duration
	CallTimeout      time.Duration

	Visibility      string
	FinalVisibility string
	PlaylistID      string
	CategoryID      string

	// FixedAddress and FixedKey select legacy mode: the pipe always
	// pushes there and no destination calls are made.
	FixedAddress string
	FixedKey     string

	ChaptersEnabled bool
	MinChapter      time.Duration
}

func (c Config) legacy() bool { return c.FixedAddress != "" }

func (c *Config) applyDefaults() {
	if c.LivenessPoll <= 0 {
		c.LivenessPoll = 30 * time.Second
	}
	if c.ShortCooldown <= 0 {
		c.ShortCooldown = 30 * time.Second
	}
	if c.LongCooldown <= 0 {
		c.LongCooldown = 10 * time.Minute
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = time.Minute
	}
	if c.Visibility == "" {
		c.Visibility = core.VisibilityUnlisted
	}
}

// Deps are the orchestrator's collaborators. Destination and Health may
// be nil in legacy mode; Ledger and Notifier may always be nil.
type Deps struct {
	Probe            LivenessProbe
	Destination      Destination
	Pipe             Pipe
	Health           HealthChecker
	Journal          Journal
	Ledger           Ledger
	Notifier         Notifier
	Renderer         *chapters.Renderer
	CheckExecutables func() error
	Clock            clock.Clock
	Logger           *slog.Logger
}

type session struct {
	id      string
	start   time.Time
	title   string
	game    string
	tags    []string
	viewers int
	peak    int
}

// Orchestrator is the session state machine. All state below is owned by
// the goroutine running Run; other goroutines only see Snapshot.
type Orchestrator struct {
	cfg  Config
	deps Deps
	clk  clock.Clock
	log  *slog.Logger

	state         State
	sess          *session
	part          *core.Part
	partChecked   bool
	lastPart      int
	failures      int
	lastFailed    bool
	cooldownUntil time.Time
	holdUntil     time.Time

	piping       bool
	pipeCancel   context.CancelFunc
	pipeDone     chan pipe.Outcome
	attemptStart time.Time

	wake       chan struct{}
	restartReq atomic.Bool
	newPartReq atomic.Bool

	totals struct {
		sessions, parts, attempts, failedAttempts, longCooldowns uint64
	}
	status atomic.Pointer[Status]
}

// errUnrecoverable marks errors that abandon the session.
var errUnrecoverable = errors.New("relay: unrecoverable")

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	cfg.applyDefaults()
	if deps.Probe == nil || deps.Pipe == nil || deps.Journal == nil {
		return nil, errors.New("relay: probe, pipe and journal are required")
	}
	if !cfg.legacy() && deps.Destination == nil {
		return nil, errors.New("relay: destination is required unless a fixed endpoint is configured")
	}
	if deps.Renderer == nil {
		r, err := chapters.NewRenderer("", "")
		if err != nil {
			return nil, err
		}
		deps.Renderer = r
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CheckExecutables == nil {
		deps.CheckExecutables = func() error { return nil }
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		clk:      deps.Clock,
		log:      deps.Logger,
		pipeDone: make(chan pipe.Outcome, 1),
		wake:     make(chan struct{}, 1),
	}
	o.publish()
	return o, nil
}

// RequestRestart asks for the running pipe to be restarted without
// counting a failure. It also resets the failure counter.
func (o *Orchestrator) RequestRestart() {
	o.restartReq.Store(true)
	o.poke()
}

// RequestNewPart asks for a rollover outside the schedule.
func (o *Orchestrator) RequestNewPart() {
	o.newPartReq.Store(true)
	o.poke()
}

// Snapshot returns the most recently published status.
func (o *Orchestrator) Snapshot() Status {
	if s := o.status.Load(); s != nil {
		return *s
	}
	return Status{State: Offline.String()}
}

func (o *Orchestrator) poke() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled, then stops the
// pipe, finalizes any open part and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("relay: orchestrator started", "source", o.cfg.Source, "legacy", o.cfg.legacy())
	for ctx.Err() == nil {
		wait := o.safeStep(ctx)
		o.publish()
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-o.wake:
		case <-o.clk.After(wait):
		}
	}
	o.shutdown()
	o.publish()
	o.log.Info("relay: orchestrator stopped")
	return nil
}

func (o *Orchestrator) safeStep(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			wait = o.recoverFrom(ctx, fmt.Errorf("%w: panic: %v", errUnrecoverable, r))
		}
	}()
	w, err := o.step(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		return o.recoverFrom(ctx, err)
	}
	return w
}

func (o *Orchestrator) step(ctx context.Context) (time.Duration, error) {
	switch o.state {
	case Offline:
		return o.stepOffline(ctx)
	case LiveNoPipe:
		return o.stepLiveNoPipe(ctx)
	case LivePiping:
		return o.stepLivePiping(ctx)
	case CooldownShort, CooldownLong:
		return o.stepCooldown(ctx)
	default:
		return 0, fmt.Errorf("%w: unknown state %d", errUnrecoverable, o.state)
	}
}

func (o *Orchestrator) setState(s State) {
	if s == o.state {
		return
	}
	o.log.Info("relay: state", "from", o.state.String(), "to", s.String(), "failures", o.failures)
	o.state = s
}

func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}

func (o *Orchestrator) publish() {
	st := Status{
		State:          o.state.String(),
		Failures:       o.failures,
		PipeActive:     o.piping,
		CooldownUntil:  o.cooldownUntil,
		UpdatedAt:      o.clk.Now(),
		Sessions:       o.totals.sessions,
		Parts:          o.totals.parts,
		Attempts:       o.totals.attempts,
		FailedAttempts: o.totals.failedAttempts,
		LongCooldowns:  o.totals.longCooldowns,
	}
	if o.state != CooldownShort && o.state != CooldownLong {
		st.CooldownUntil = time.Time{}
	}
	if s := o.sess; s != nil {
		st.SessionID = s.id
		st.SessionStart = s.start
		st.Title = s.title
		st.Game = s.game
		st.Viewers = s.viewers
		st.PeakViewers = s.peak
	}
	if p := o.part; p != nil {
		st.Part = p.Number
		st.BroadcastID = p.BroadcastID
		st.RolloverAt = p.RolloverAt
	}
	if o.piping {
		ps := o.deps.Pipe.Status()
		st.FetchPID = ps.FetchPID
		st.TranscodePID = ps.TranscodePID
		st.PipeStarted = o.attemptStart
	}
	o.status.Store(&st)
}
