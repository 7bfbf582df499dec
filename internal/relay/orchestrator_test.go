package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/pipe"
	"github.com/you/gnasty-relay/internal/youtube"
)

type fakeProbe struct {
	mu   sync.Mutex
	info core.StreamInfo
	err  error
}

func (p *fakeProbe) Check(context.Context) (core.StreamInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info, p.err
}

func (p *fakeProbe) set(live bool) {
	p.mu.Lock()
	p.info.Live = live
	p.mu.Unlock()
}

type fakeDest struct {
	mu          sync.Mutex
	n           int
	transitions []string
	updates     []youtube.MetadataUpdate
	visibility  []string
	playlists   []string
	credErr     error
	createErr   error
}

func (d *fakeDest) CreateIngestEndpoint(_ context.Context, label string) (youtube.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return youtube.Endpoint{}, d.createErr
	}
	d.n++
	return youtube.Endpoint{ID: fmt.Sprintf("e%d", d.n), Address: "rtmp://ingest/live", Key: fmt.Sprintf("key%d", d.n)}, nil
}

func (d *fakeDest) CreateBroadcast(_ context.Context, endpointID string, spec youtube.BroadcastSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return "b" + endpointID[1:], nil
}

func (d *fakeDest) Transition(_ context.Context, id, state string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions = append(d.transitions, id+":"+state)
	return nil
}

func (d *fakeDest) UpdateMetadata(_ context.Context, id string, upd youtube.MetadataUpdate) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, upd)
	return true, nil
}

func (d *fakeDest) AddToCollection(_ context.Context, id, playlist string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playlists = append(d.playlists, id+":"+playlist)
	return nil
}

func (d *fakeDest) SetVisibility(_ context.Context, id, v string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visibility = append(d.visibility, id+":"+v)
	return nil
}

func (d *fakeDest) CheckCredentials(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.credErr
}

func (d *fakeDest) transitionList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.transitions...)
}

// fakePipe blocks in Start until finish, Stop or ctx cancellation.
type fakePipe struct {
	mu      sync.Mutex
	targets []string
	stop    chan struct{}
	results chan pipe.Outcome
}

func newFakePipe() *fakePipe { return &fakePipe{results: make(chan pipe.Outcome)} }

func (p *fakePipe) Start(ctx context.Context, source, address, key string) pipe.Outcome {
	stop := make(chan struct{})
	p.mu.Lock()
	p.targets = append(p.targets, address+"/"+key)
	p.stop = stop
	p.mu.Unlock()
	select {
	case out := <-p.results:
		return out
	case <-stop:
		return pipe.Outcome{Stopped: true}
	case <-ctx.Done():
		return pipe.Outcome{Stopped: true}
	}
}

func (p *fakePipe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *fakePipe) Status() pipe.Status { return pipe.Status{} }

func (p *fakePipe) finish(out pipe.Outcome) { p.results <- out }

func (p *fakePipe) starts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

type fakeHealth struct {
	mu    sync.Mutex
	ok    bool
	calls []string
}

func (h *fakeHealth) Verify(_ context.Context, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, id)
	return h.ok
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg core.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, msg.Kind)
	return nil
}

func (n *recordingNotifier) has(kind string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range n.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	o      *Orchestrator
	clk    *clock.FakeClock
	probe  *fakeProbe
	dest   *fakeDest
	pipe   *fakePipe
	health *fakeHealth
	store  *eventlog.Store
	notes  *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h := &harness{
		clk:    clock.Fake(t0),
		probe:  &fakeProbe{info: core.StreamInfo{Live: true, Title: "Morning run", Game: "Celeste", Viewers: 12}},
		dest:   &fakeDest{},
		pipe:   newFakePipe(),
		health: &fakeHealth{ok: true},
		store:  store,
		notes:  &recordingNotifier{},
	}
	if cfg.Source == "" {
		cfg.Source = "somechannel"
	}
	deps := Deps{
		Probe:    h.probe,
		Pipe:     h.pipe,
		Health:   h.health,
		Journal:  store,
		Notifier: h.notes,
		Clock:    h.clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if cfg.FixedAddress == "" {
		deps.Destination = h.dest
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	return h
}

// step runs one transition and checks the resulting state.
func (h *harness) step(t *testing.T, want State) {
	t.Helper()
	if _, err := h.o.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if h.o.state != want {
		t.Fatalf("state = %s, want %s", h.o.state, want)
	}
}

// endAttempt finishes the running pipe with out and waits until the
// orchestrator can see the outcome.
func (h *harness) endAttempt(t *testing.T, out pipe.Outcome) {
	t.Helper()
	h.pipe.finish(out)
	deadline := time.Now().Add(2 * time.Second)
	for len(h.o.pipeDone) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pipe outcome never delivered")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitStarts waits until the pipe has been started at least n times;
// Start runs on its own goroutine.
func (h *harness) waitStarts(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.pipe.starts()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipe starts = %v, want %d", got, n)
		}
		time.Sleep(time.Millisecond)
	}
}

var failed = pipe.Outcome{Fetch: pipe.LegResult{ExitCode: 1}}

func (h *harness) events(t *testing.T) []eventlog.Event {
	t.Helper()
	res, err := h.store.Events()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if res.Stopped() {
		t.Fatalf("events stopped early: %v at %d", res.Stop, res.Offset)
	}
	return res.Records
}

func TestScenarioSessionStartAndEnd(t *testing.T) {
	h := newHarness(t, Config{RolloverInterval: 4 * time.Hour})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)

	h.clk.Set(time.Date(2024, 3, 1, 11, 10, 0, 0, time.UTC))
	h.probe.set(false)
	h.step(t, Offline)

	evs := h.events(t)
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(evs), evs)
	}
	if evs[0].Type != eventlog.EventSessionStart || !evs[0].Time.Equal(t0) {
		t.Fatalf("first event = %+v", evs[0])
	}
	if evs[0].VideoID != "b1" {
		t.Fatalf("session start video id = %q", evs[0].VideoID)
	}
	end := evs[1]
	if end.Type != eventlog.EventSessionEnd || end.DurationSeconds != 7800 {
		t.Fatalf("session end = %+v", end)
	}
	if end.PeakViewers != 12 {
		t.Fatalf("peak viewers = %d", end.PeakViewers)
	}
	if got := h.dest.transitionList(); len(got) != 1 || got[0] != "b1:complete" {
		t.Fatalf("transitions = %v", got)
	}
	if !h.notes.has(core.NotifySessionStart) || !h.notes.has(core.NotifySessionEnd) {
		t.Fatalf("notifications = %v", h.notes.kinds)
	}
	if h.o.sess != nil || h.o.part != nil || h.o.lastPart != 0 {
		t.Fatal("session state not cleared")
	}
}

func TestSessionEndDurationMatchesStoredTimes(t *testing.T) {
	h := newHarness(t, Config{})
	h.clk.Set(t0.Add(700 * time.Millisecond))
	h.step(t, LiveNoPipe)
	h.clk.Set(time.Date(2024, 3, 1, 11, 10, 0, 200_000_000, time.UTC))
	h.probe.set(false)
	h.step(t, Offline)

	evs := h.events(t)
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	stored := evs[1].Time.Unix() - evs[0].Time.Unix()
	if stored != 7800 || evs[1].DurationSeconds != 7800 {
		t.Fatalf("stored span = %d, duration = %d, want 7800", stored, evs[1].DurationSeconds)
	}
}

func TestSourceOfflineDuringCooldownEndsSession(t *testing.T) {
	cfg := Config{MaxFailures: 1, LongCooldown: 10 * time.Minute}
	h := newHarness(t, cfg)
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.endAttempt(t, failed)
	h.step(t, LiveNoPipe)
	h.step(t, CooldownLong)

	h.clk.Advance(time.Minute)
	h.probe.set(false)
	h.step(t, Offline)

	evs := h.events(t)
	if last := evs[len(evs)-1]; last.Type != eventlog.EventSessionEnd || last.DurationSeconds != 60 {
		t.Fatalf("last event = %+v", last)
	}
	res, err := h.store.Durations()
	if err != nil || len(res.Records) != 1 {
		t.Fatalf("durations = %+v, %v", res, err)
	}
	if d := res.Records[0].Duration(); d != time.Minute {
		t.Fatalf("part duration = %v", d)
	}
}

func TestPostSessionWaitHoldsOffline(t *testing.T) {
	h := newHarness(t, Config{PostSessionWait: 5 * time.Minute})
	h.step(t, LiveNoPipe)
	h.probe.set(false)
	h.step(t, Offline)

	h.probe.set(true)
	h.step(t, Offline)
	h.clk.Advance(5 * time.Minute)
	h.step(t, LiveNoPipe)
	if h.o.part.Number != 1 {
		t.Fatalf("new session part = %d, want 1", h.o.part.Number)
	}
}

func TestScenarioLongCooldownAfterMaxFailures(t *testing.T) {
	cfg := Config{MaxFailures: 3, ShortCooldown: 30 * time.Second, LongCooldown: 10 * time.Minute}
	h := newHarness(t, cfg)
	h.step(t, LiveNoPipe)

	for i := 1; i <= 3; i++ {
		h.step(t, LivePiping)
		h.endAttempt(t, failed)
		h.step(t, LiveNoPipe)
		if h.o.failures != i {
			t.Fatalf("failures = %d, want %d", h.o.failures, i)
		}
		if i < 3 {
			h.step(t, CooldownShort)
			h.clk.Advance(cfg.ShortCooldown)
			h.step(t, LiveNoPipe)
		}
	}
	h.step(t, CooldownLong)
	if h.o.totals.longCooldowns != 1 {
		t.Fatalf("long cooldowns = %d", h.o.totals.longCooldowns)
	}
	if !h.notes.has(core.NotifyLongCooldown) {
		t.Fatal("long cooldown not notified")
	}

	h.clk.Advance(cfg.LongCooldown - time.Second)
	h.step(t, CooldownLong)
	h.clk.Advance(time.Second)
	h.step(t, LiveNoPipe)
	if h.o.failures != 0 {
		t.Fatalf("failures after long cooldown = %d", h.o.failures)
	}
	h.step(t, LivePiping)
	if n := len(h.waitStarts(t, 4)); n != 4 {
		t.Fatalf("pipe starts = %d, want 4", n)
	}
	if h.o.totals.longCooldowns != 1 {
		t.Fatalf("long cooldowns = %d", h.o.totals.longCooldowns)
	}
	// All attempts reused the same part.
	if h.o.part.Number != 1 {
		t.Fatalf("part = %d", h.o.part.Number)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	h := newHarness(t, Config{MaxFailures: 3})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.endAttempt(t, failed)
	h.step(t, LiveNoPipe)
	h.step(t, CooldownShort)
	h.clk.Advance(time.Minute)
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.endAttempt(t, pipe.Outcome{Success: true})
	h.step(t, LiveNoPipe)
	if h.o.failures != 0 {
		t.Fatalf("failures = %d, want 0", h.o.failures)
	}
	// No cooldown after a clean exit.
	h.step(t, LivePiping)
	if h.o.totals.failedAttempts != 1 || h.o.totals.attempts != 2 {
		t.Fatalf("totals = %+v", h.o.totals)
	}
}

func TestScenarioRollover(t *testing.T) {
	h := newHarness(t, Config{RolloverInterval: 4 * time.Hour, ChaptersEnabled: true, PlaylistID: "PL1"})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	if want := t0.Add(4 * time.Hour); !h.o.part.RolloverAt.Equal(want) {
		t.Fatalf("rollover at = %v, want %v", h.o.part.RolloverAt, want)
	}

	h.clk.Advance(4*time.Hour - time.Minute)
	h.step(t, LivePiping)
	if h.o.part.Number != 1 {
		t.Fatal("rolled over early")
	}

	h.clk.Advance(time.Minute)
	h.step(t, LivePiping)
	p := h.o.part
	if p.Number != 2 || p.BroadcastID != "b2" {
		t.Fatalf("part = %+v", p)
	}
	if want := t0.Add(8 * time.Hour); !p.RolloverAt.Equal(want) {
		t.Fatalf("part 2 rollover at = %v, want %v", p.RolloverAt, want)
	}
	if got := h.dest.transitionList(); len(got) != 1 || got[0] != "b1:complete" {
		t.Fatalf("transitions = %v", got)
	}
	if len(h.dest.updates) != 1 || h.dest.updates[0].Title == "" {
		t.Fatalf("metadata updates = %+v", h.dest.updates)
	}
	if len(h.dest.playlists) != 1 || h.dest.playlists[0] != "b1:PL1" {
		t.Fatalf("playlists = %v", h.dest.playlists)
	}
	starts := h.waitStarts(t, 2)
	if len(starts) != 2 || starts[1] != "rtmp://ingest/live/key2" {
		t.Fatalf("pipe starts = %v", starts)
	}
	res, err := h.store.Durations()
	if err != nil || len(res.Records) != 1 {
		t.Fatalf("durations = %+v, %v", res, err)
	}
	if d := res.Records[0].Duration(); d != 4*time.Hour {
		t.Fatalf("part 1 duration = %v", d)
	}
	// A stopped attempt is not a failure.
	if h.o.failures != 0 || h.o.totals.failedAttempts != 0 {
		t.Fatalf("failures = %d, totals = %+v", h.o.failures, h.o.totals)
	}
}

func TestRolloverDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	if !h.o.part.RolloverAt.IsZero() {
		t.Fatalf("rollover at = %v", h.o.part.RolloverAt)
	}
	h.clk.Advance(48 * time.Hour)
	h.step(t, LivePiping)
	if h.o.part.Number != 1 {
		t.Fatalf("part = %d", h.o.part.Number)
	}
}

func TestRestartOverride(t *testing.T) {
	h := newHarness(t, Config{})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.o.failures = 2

	h.o.RequestRestart()
	h.step(t, LiveNoPipe)
	if h.o.failures != 0 {
		t.Fatalf("failures = %d", h.o.failures)
	}
	h.step(t, LivePiping)
	if h.o.totals.failedAttempts != 0 || h.o.part.Number != 1 {
		t.Fatalf("totals = %+v part = %d", h.o.totals, h.o.part.Number)
	}
	// Consumed once.
	h.step(t, LivePiping)
}

func TestNewPartOverride(t *testing.T) {
	h := newHarness(t, Config{RolloverInterval: 4 * time.Hour})
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.clk.Advance(time.Hour)

	h.o.RequestNewPart()
	h.step(t, LivePiping)
	if h.o.part.Number != 2 {
		t.Fatalf("part = %d", h.o.part.Number)
	}
	if want := t0.Add(5 * time.Hour); !h.o.part.RolloverAt.Equal(want) {
		t.Fatalf("rollover at = %v, want %v", h.o.part.RolloverAt, want)
	}
	h.step(t, LivePiping)
	if h.o.part.Number != 2 {
		t.Fatal("override applied twice")
	}
}

func TestOverridesDiscardedWhileOffline(t *testing.T) {
	h := newHarness(t, Config{})
	h.probe.set(false)
	h.o.RequestNewPart()
	h.step(t, Offline)
	h.probe.set(true)
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	h.step(t, LivePiping)
	if h.o.part.Number != 1 {
		t.Fatalf("part = %d", h.o.part.Number)
	}
}

func TestMissingExecutablesResetsToOffline(t *testing.T) {
	h := newHarness(t, Config{ErrorCooldown: time.Minute})
	h.o.deps.CheckExecutables = func() error { return pipe.ErrMissingExecutable }
	h.step(t, LiveNoPipe)

	wait := h.o.safeStep(context.Background())
	if h.o.state != Offline {
		t.Fatalf("state = %s", h.o.state)
	}
	if wait != time.Minute {
		t.Fatalf("wait = %v", wait)
	}
	if h.o.sess != nil || h.o.part != nil {
		t.Fatal("session state not cleared")
	}
	if got := h.dest.transitionList(); len(got) != 1 || got[0] != "b1:complete" {
		t.Fatalf("transitions = %v", got)
	}
	if !h.notes.has(core.NotifyError) {
		t.Fatal("error not notified")
	}
	evs := h.events(t)
	if len(evs) != 2 || evs[1].Type != eventlog.EventSessionEnd {
		t.Fatalf("events = %+v", evs)
	}
	// Held offline for the error cooldown.
	h.step(t, Offline)
	h.clk.Advance(time.Minute)
	h.step(t, LiveNoPipe)
}

func TestCredentialErrorIsUnrecoverable(t *testing.T) {
	h := newHarness(t, Config{})
	h.step(t, LiveNoPipe)
	h.dest.credErr = fmt.Errorf("token: %w", youtube.ErrCredential)
	_, err := h.o.step(context.Background())
	if !errors.Is(err, errUnrecoverable) {
		t.Fatalf("err = %v", err)
	}
}

func TestProvisionFailureCounts(t *testing.T) {
	h := newHarness(t, Config{})
	h.dest.createErr = errors.New("backend error")
	h.step(t, LiveNoPipe)
	if h.o.failures != 1 || h.o.part != nil {
		t.Fatalf("failures = %d part = %v", h.o.failures, h.o.part)
	}
	h.step(t, CooldownShort)
	h.dest.createErr = nil
	h.clk.Advance(time.Minute)
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	if h.o.part.Number != 1 {
		t.Fatalf("part = %d", h.o.part.Number)
	}
}

func TestLegacyMode(t *testing.T) {
	h := newHarness(t, Config{FixedAddress: "rtmp://fixed/app", FixedKey: "secret", RolloverInterval: time.Hour})
	h.health.ok = false
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	if got := h.waitStarts(t, 1); len(got) != 1 || got[0] != "rtmp://fixed/app/secret" {
		t.Fatalf("pipe starts = %v", got)
	}
	if !h.o.part.RolloverAt.IsZero() {
		t.Fatal("legacy part scheduled a rollover")
	}
	h.clk.Advance(90 * time.Minute)
	h.probe.set(false)
	h.step(t, Offline)
	res, err := h.store.Durations()
	if err != nil || len(res.Records) != 1 {
		t.Fatalf("durations = %+v, %v", res, err)
	}
	if len(h.health.calls) != 0 {
		t.Fatalf("health checked in legacy mode: %v", h.health.calls)
	}
}

func TestHealthCheckFailureAbandonsPart(t *testing.T) {
	h := newHarness(t, Config{})
	h.health.ok = false
	h.step(t, LiveNoPipe)
	h.step(t, LiveNoPipe)
	if h.o.part != nil || h.o.failures != 1 {
		t.Fatalf("part = %v failures = %d", h.o.part, h.o.failures)
	}
	if got := h.dest.transitionList(); len(got) != 1 || got[0] != "b1:complete" {
		t.Fatalf("transitions = %v", got)
	}
	if len(h.pipe.starts()) != 0 {
		t.Fatal("pipe started after failed health check")
	}

	h.step(t, CooldownShort)
	h.clk.Advance(time.Minute)
	h.step(t, LiveNoPipe)
	h.health.ok = true
	h.step(t, LivePiping)
	if h.o.part.Number != 2 || h.o.part.BroadcastID != "b2" {
		t.Fatalf("part = %+v", h.o.part)
	}
	// Verified parts are not checked again on retry.
	h.endAttempt(t, failed)
	h.step(t, LiveNoPipe)
	h.step(t, CooldownShort)
	h.clk.Advance(time.Minute)
	h.step(t, LiveNoPipe)
	h.step(t, LivePiping)
	if n := len(h.health.calls); n != 2 {
		t.Fatalf("health calls = %d", n)
	}
}

func TestRunShutdownFinalizes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.o.Snapshot().State != LivePiping.String() {
		if time.Now().After(deadline) {
			t.Fatalf("never reached piping, state = %s", h.o.Snapshot().State)
		}
		time.Sleep(time.Millisecond)
	}
	st := h.o.Snapshot()
	if st.Part != 1 || !st.PipeActive || st.SessionID == "" {
		t.Fatalf("snapshot = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if st := h.o.Snapshot(); st.State != Offline.String() || st.PipeActive {
		t.Fatalf("snapshot after shutdown = %+v", st)
	}
	evs := h.events(t)
	if len(evs) != 2 || evs[1].Type != eventlog.EventSessionEnd {
		t.Fatalf("events = %+v", evs)
	}
	if got := h.dest.transitionList(); len(got) != 1 {
		t.Fatalf("transitions = %v", got)
	}
}
