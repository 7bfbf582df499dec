package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/pipe"
)

func (o *Orchestrator) probe(ctx context.Context) (core.StreamInfo, error) {
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	info, err := o.deps.Probe.Check(cctx)
	if err != nil {
		o.log.Warn("relay: liveness probe failed", "err", err)
		return core.StreamInfo{}, err
	}
	if s := o.sess; s != nil && info.Live {
		s.viewers = info.Viewers
		s.peak = max(s.peak, info.Viewers)
		if info.Title != "" {
			s.title = info.Title
		}
		if info.Game != "" {
			s.game = info.Game
		}
		if info.Tags != nil {
			s.tags = info.Tags
		}
	}
	return info, nil
}

func (o *Orchestrator) stepOffline(ctx context.Context) (time.Duration, error) {
	// Overrides raised while offline do not carry into the next session.
	o.restartReq.Store(false)
	o.newPartReq.Store(false)

	now := o.clk.Now()
	if now.Before(o.holdUntil) {
		return o.holdUntil.Sub(now), nil
	}
	info, err := o.probe(ctx)
	if err != nil || !info.Live {
		return o.cfg.LivenessPoll, nil
	}

	o.sess = &session{
		id:      uuid.NewString(),
		start:   now,
		title:   info.Title,
		game:    info.Game,
		tags:    info.Tags,
		viewers: info.Viewers,
		peak:    info.Viewers,
	}
	o.totals.sessions++
	o.failures, o.lastFailed, o.lastPart = 0, false, 0
	o.log.Info("relay: source live, session opened", "session", o.sess.id, "title", info.Title, "game", info.Game)
	o.ledger(func(ctx context.Context, l Ledger) error {
		return l.SessionStarted(ctx, core.Session{ID: o.sess.id, Start: now, Title: info.Title, Game: info.Game, PeakViewers: info.Viewers})
	})

	videoID := ""
	if err := o.provision(ctx); err != nil {
		if errors.Is(err, errUnrecoverable) {
			o.journal(eventlog.SessionStart(now, info.Title, info.Game, info.Tags, ""))
			o.setState(LiveNoPipe)
			return 0, err
		}
		o.countFailure("provision", err)
	} else {
		videoID = o.part.BroadcastID
	}

	o.journal(eventlog.SessionStart(now, info.Title, info.Game, info.Tags, videoID))
	o.notify(ctx, core.NotifySessionStart, fmt.Sprintf("%s is live: %s (%s)", o.cfg.Source, info.Title, info.Game))
	o.setState(LiveNoPipe)
	return 0, nil
}

func (o *Orchestrator) stepLiveNoPipe(ctx context.Context) (time.Duration, error) {
	info, err := o.probe(ctx)
	if err == nil && !info.Live {
		return o.endSession(ctx, "source offline"), nil
	}

	if o.lastFailed {
		o.lastFailed = false
		return o.enterCooldown(), nil
	}
	if o.restartReq.Swap(false) {
		o.failures = 0
	}
	return o.launch(ctx)
}

func (o *Orchestrator) enterCooldown() time.Duration {
	now := o.clk.Now()
	if o.failures >= o.cfg.MaxFailures {
		o.cooldownUntil = now.Add(o.cfg.LongCooldown)
		o.totals.longCooldowns++
		o.log.Warn("relay: too many consecutive failures, long cooldown", "failures", o.failures, "until", o.cooldownUntil)
		o.notify(context.Background(), core.NotifyLongCooldown,
			fmt.Sprintf("pipe failed %d times in a row, waiting %s", o.failures, o.cfg.LongCooldown))
		o.setState(CooldownLong)
		return o.cfg.LongCooldown
	}
	o.cooldownUntil = now.Add(o.cfg.ShortCooldown)
	o.setState(CooldownShort)
	return o.cfg.ShortCooldown
}

func (o *Orchestrator) stepCooldown(ctx context.Context) (time.Duration, error) {
	if o.restartReq.Swap(false) {
		o.log.Info("relay: restart requested during cooldown")
		o.failures = 0
		o.cooldownUntil = time.Time{}
		o.setState(LiveNoPipe)
		return 0, nil
	}
	info, err := o.probe(ctx)
	if err == nil && !info.Live {
		return o.endSession(ctx, "source offline during cooldown"), nil
	}
	now := o.clk.Now()
	if now.Before(o.cooldownUntil) {
		return min(o.cooldownUntil.Sub(now), o.cfg.LivenessPoll), nil
	}
	if o.state == CooldownLong {
		o.failures = 0
	}
	o.cooldownUntil = time.Time{}
	o.setState(LiveNoPipe)
	return 0, nil
}

// launch makes sure prerequisites hold and a part exists, runs the
// health check on a fresh part and starts the pipe.
func (o *Orchestrator) launch(ctx context.Context) (time.Duration, error) {
	if err := o.deps.CheckExecutables(); err != nil {
		return 0, fmt.Errorf("%w: %v", errUnrecoverable, err)
	}
	if !o.cfg.legacy() {
		cctx, cancel := o.callCtx(ctx)
		err := o.deps.Destination.CheckCredentials(cctx)
		cancel()
		if isCredential(err) {
			return 0, fmt.Errorf("%w: %v", errUnrecoverable, err)
		}
		if err != nil {
			o.countFailure("credential check", err)
			o.setState(LiveNoPipe)
			return 0, nil
		}
	}

	if o.part == nil {
		if err := o.provision(ctx); err != nil {
			if errors.Is(err, errUnrecoverable) {
				return 0, err
			}
			o.countFailure("provision", err)
			o.setState(LiveNoPipe)
			return 0, nil
		}
	}

	if !o.partChecked && !o.cfg.legacy() && o.deps.Health != nil {
		if !o.deps.Health.Verify(ctx, o.part.BroadcastID) {
			if ctx.Err() != nil {
				return 0, nil
			}
			o.log.Warn("relay: health check failed, abandoning part", "part", o.part.Number, "broadcast", o.part.BroadcastID)
			o.abandonPart(ctx)
			o.countFailure("health check", errors.New("broadcast not consumable"))
			o.setState(LiveNoPipe)
			return 0, nil
		}
	}
	o.partChecked = true

	o.startPipe(ctx)
	o.setState(LivePiping)
	return o.pipingWait(), nil
}

func (o *Orchestrator) stepLivePiping(ctx context.Context) (time.Duration, error) {
	select {
	case out := <-o.pipeDone:
		o.attemptEnded(out)
		if out.Success {
			o.failures = 0
			o.log.Info("relay: pipe ended cleanly", "fetch_pid", out.Fetch.PID, "transcode_pid", out.Transcode.PID)
		} else {
			o.countFailure("pipe", fmt.Errorf("fetch exit %d, transcode exit %d", out.Fetch.ExitCode, out.Transcode.ExitCode))
		}
		o.setState(LiveNoPipe)
		return 0, nil
	default:
	}

	info, err := o.probe(ctx)
	if err == nil && !info.Live {
		return o.endSession(ctx, "source offline"), nil
	}

	if o.restartReq.Swap(false) {
		o.log.Info("relay: pipe restart requested")
		o.stopPipe()
		o.failures, o.lastFailed = 0, false
		o.setState(LiveNoPipe)
		return 0, nil
	}

	now := o.clk.Now()
	forced := o.newPartReq.Swap(false)
	if forced || o.part.RolloverDue(now) {
		return o.rollover(ctx, forced)
	}
	return o.pipingWait(), nil
}

func (o *Orchestrator) pipingWait() time.Duration {
	wait := o.cfg.LivenessPoll
	if o.part != nil && !o.part.RolloverAt.IsZero() {
		if until := o.part.RolloverAt.Sub(o.clk.Now()); until < wait {
			wait = max(until, 0)
		}
	}
	return wait
}

func (o *Orchestrator) rollover(ctx context.Context, forced bool) (time.Duration, error) {
	prev := o.part
	o.log.Info("relay: rollover", "part", prev.Number, "forced", forced)
	o.stopPipe()
	o.finalizePart(ctx, o.clk.Now())
	o.notify(ctx, core.NotifyPartRollover, fmt.Sprintf("part %d finished, starting part %d", prev.Number, prev.Number+1))
	return o.launch(ctx)
}

func (o *Orchestrator) countFailure(what string, err error) {
	o.failures++
	o.lastFailed = true
	o.log.Warn("relay: attempt failed", "stage", what, "failures", o.failures, "max", o.cfg.MaxFailures, "err", err)
}

func (o *Orchestrator) startPipe(ctx context.Context) {
	address, key := o.part.Address, o.part.Key
	pctx, cancel := context.WithCancel(ctx)
	o.pipeCancel = cancel
	o.piping = true
	o.attemptStart = o.clk.Now()
	go func() {
		out := o.deps.Pipe.Start(pctx, o.cfg.Source, address, key)
		o.pipeDone <- out
		o.poke()
	}()
}

// stopPipe ends the running attempt and waits for its outcome.
func (o *Orchestrator) stopPipe() {
	if !o.piping {
		return
	}
	o.pipeCancel()
	o.deps.Pipe.Stop()
	out := <-o.pipeDone
	out.Stopped = true
	o.attemptEnded(out)
}

func (o *Orchestrator) attemptEnded(out pipe.Outcome) {
	o.piping = false
	if o.pipeCancel != nil {
		o.pipeCancel()
		o.pipeCancel = nil
	}
	o.totals.attempts++
	if !out.Success && !out.Stopped {
		o.totals.failedAttempts++
	}
	a := core.Attempt{
		Start:         o.attemptStart,
		End:           o.clk.Now(),
		Success:       out.Success,
		Stopped:       out.Stopped,
		FetchExit:     out.Fetch.ExitCode,
		TranscodeExit: out.Transcode.ExitCode,
	}
	if o.sess != nil {
		a.SessionID = o.sess.id
	}
	if o.part != nil {
		a.Part = o.part.Number
	}
	o.ledger(func(ctx context.Context, l Ledger) error { return l.AttemptFinished(ctx, a) })
}

// endSession finalizes the open part, logs the session end and goes
// offline for the post-session wait.
func (o *Orchestrator) endSession(ctx context.Context, reason string) time.Duration {
	o.stopPipe()
	now := o.clk.Now()
	if o.part != nil {
		o.finalizePart(ctx, now)
	}
	if s := o.sess; s != nil {
		// Whole seconds between the two stored event timestamps.
		dur := time.Duration(now.Unix()-s.start.Unix()) * time.Second
		o.journal(eventlog.SessionEnd(now, dur, s.peak))
		o.ledger(func(ctx context.Context, l Ledger) error {
			return l.SessionEnded(ctx, core.Session{ID: s.id, Start: s.start, End: now, Title: s.title, Game: s.game, PeakViewers: s.peak})
		})
		o.log.Info("relay: session ended", "session", s.id, "reason", reason, "duration", dur, "peak_viewers", s.peak)
		o.notify(ctx, core.NotifySessionEnd, fmt.Sprintf("%s session ended after %s (peak %d viewers)", o.cfg.Source, dur.Round(time.Second), s.peak))
	}
	o.clearSession()
	o.holdUntil = now.Add(o.cfg.PostSessionWait)
	o.setState(Offline)
	return o.cfg.PostSessionWait
}

func (o *Orchestrator) clearSession() {
	o.sess = nil
	o.part = nil
	o.lastPart = 0
	o.failures = 0
	o.lastFailed = false
	o.cooldownUntil = time.Time{}
}

// recoverFrom handles an unrecoverable error or panic from a step.
func (o *Orchestrator) recoverFrom(ctx context.Context, err error) (wait time.Duration) {
	o.log.Error("relay: unrecoverable error, resetting", "state", o.state.String(), "err", err)
	defer func() {
		// Cleanup must not take the loop down with it.
		if r := recover(); r != nil {
			o.log.Error("relay: cleanup panicked", "panic", r)
			o.piping = false
			o.clearSession()
			o.setState(Offline)
			o.holdUntil = o.clk.Now().Add(o.cfg.ErrorCooldown)
			wait = o.cfg.ErrorCooldown
		}
	}()
	o.notify(ctx, core.NotifyError, fmt.Sprintf("relay error: %v", err))
	o.endSession(ctx, "error")
	o.holdUntil = o.clk.Now().Add(o.cfg.ErrorCooldown)
	return o.cfg.ErrorCooldown
}

// shutdown runs once Run's context is done. Calls get a fresh context
// bounded by CallTimeout.
func (o *Orchestrator) shutdown() {
	if !o.state.Live() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	o.endSession(ctx, "shutdown")
}

func (o *Orchestrator) journal(e eventlog.Event) {
	if err := o.deps.Journal.AppendEvent(e); err != nil {
		o.log.Error("relay: write activity event", "type", e.Type.String(), "err", err)
	}
}

func (o *Orchestrator) ledger(fn func(ctx context.Context, l Ledger) error) {
	if o.deps.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := fn(ctx, o.deps.Ledger); err != nil {
		o.log.Warn("relay: ledger write failed", "err", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, kind, text string) {
	if o.deps.Notifier == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	if err := o.deps.Notifier.Notify(cctx, core.Notification{Kind: kind, Text: text, Time: o.clk.Now()}); err != nil {
		o.log.Warn("relay: notification failed", "kind", kind, "err", err)
	}
}
