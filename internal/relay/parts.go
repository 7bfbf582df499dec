package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/gnasty-relay/internal/chapters"
	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
	"github.com/you/gnasty-relay/internal/youtube"
)

// provision creates the next part's ingest endpoint and broadcast. In
// legacy mode the part just points at the fixed endpoint.
func (o *Orchestrator) provision(ctx context.Context) error {
	n := o.lastPart + 1
	now := o.clk.Now()
	p := &core.Part{Number: n, SessionID: o.sess.id, CreatedAt: now}

	if o.cfg.legacy() {
		p.Address, p.Key = o.cfg.FixedAddress, o.cfg.FixedKey
		p.Title = o.sess.title
	} else {
		data := chapters.NewData(o.sess.title, o.sess.game, n, now, "", nil)
		p.Title = o.deps.Renderer.Title(data)
		desc, err := o.deps.Renderer.Description(data)
		if err != nil {
			o.log.Warn("relay: render description", "err", err)
			desc = ""
		}

		cctx, cancel := o.callCtx(ctx)
		defer cancel()
		ep, err := o.deps.Destination.CreateIngestEndpoint(cctx, fmt.Sprintf("relay %s part %d", o.sess.id, n))
		if err != nil {
			return o.destinationErr("create ingest endpoint", err)
		}
		id, err := o.deps.Destination.CreateBroadcast(cctx, ep.ID, youtube.BroadcastSpec{
			Title:          p.Title,
			Description:    desc,
			Visibility:     o.cfg.Visibility,
			ScheduledStart: now,
		})
		if err != nil {
			return o.destinationErr("create broadcast", err)
		}
		p.EndpointID, p.BroadcastID = ep.ID, id
		p.Address, p.Key = ep.Address, ep.Key
		if o.cfg.RolloverInterval > 0 {
			p.RolloverAt = now.Add(o.cfg.RolloverInterval)
		}
	}

	o.part = p
	o.partChecked = false
	o.lastPart = n
	o.totals.parts++
	o.log.Info("relay: part provisioned", "session", p.SessionID, "part", n, "broadcast", p.BroadcastID, "rollover_at", p.RolloverAt)
	o.ledger(func(ctx context.Context, l Ledger) error { return l.PartStarted(ctx, *p) })
	return nil
}

func (o *Orchestrator) destinationErr(op string, err error) error {
	if isCredential(err) {
		return fmt.Errorf("%w: %s: %v", errUnrecoverable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// abandonPart drops a part whose broadcast never became consumable.
// The part number is not reused.
func (o *Orchestrator) abandonPart(ctx context.Context) {
	p := o.part
	o.part = nil
	if p == nil || p.BroadcastID == "" {
		return
	}
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	err := o.deps.Destination.Transition(cctx, p.BroadcastID, youtube.StateComplete)
	if err != nil {
		o.log.Warn("relay: complete abandoned broadcast", "broadcast", p.BroadcastID, "err", err)
	}
	o.ledger(func(ctx context.Context, l Ledger) error { return l.PartFinalized(ctx, *p, o.clk.Now(), err) })
}

// finalizePart closes the current part: completes the broadcast, fixes
// up visibility, writes chapters into the description and adds it to
// the collection. Failures are logged and do not stop the session.
func (o *Orchestrator) finalizePart(ctx context.Context, end time.Time) {
	p := o.part
	if p == nil {
		return
	}
	o.part = nil

	rec := eventlog.DurationRecord{Start: p.CreatedAt, End: end}
	if err := o.deps.Journal.AppendDuration(rec); err != nil {
		o.log.Error("relay: write part duration", "part", p.Number, "err", err)
	}

	var finalizeErr error
	if !o.cfg.legacy() && p.BroadcastID != "" {
		finalizeErr = o.finalizeBroadcast(ctx, p, end)
	}
	if finalizeErr != nil {
		o.log.Warn("relay: finalize part", "part", p.Number, "broadcast", p.BroadcastID, "err", finalizeErr)
	} else {
		o.log.Info("relay: part finalized", "part", p.Number, "broadcast", p.BroadcastID, "length", end.Sub(p.CreatedAt))
	}
	o.ledger(func(ctx context.Context, l Ledger) error { return l.PartFinalized(ctx, *p, end, finalizeErr) })
}

func (o *Orchestrator) finalizeBroadcast(ctx context.Context, p *core.Part, end time.Time) error {
	dest := o.deps.Destination
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	call := func(fn func(ctx context.Context) error) error {
		cctx, cancel := o.callCtx(ctx)
		defer cancel()
		return fn(cctx)
	}

	keep(call(func(ctx context.Context) error {
		if err := dest.Transition(ctx, p.BroadcastID, youtube.StateComplete); err != nil {
			return fmt.Errorf("transition complete: %w", err)
		}
		return nil
	}))

	if v := o.cfg.FinalVisibility; v != "" && v != o.cfg.Visibility {
		keep(call(func(ctx context.Context) error {
			if err := dest.SetVisibility(ctx, p.BroadcastID, v); err != nil {
				return fmt.Errorf("set visibility: %w", err)
			}
			return nil
		}))
	}

	if o.cfg.ChaptersEnabled {
		keep(call(func(ctx context.Context) error { return o.writeChapters(ctx, p, end) }))
	}

	if o.cfg.PlaylistID != "" {
		keep(call(func(ctx context.Context) error {
			if err := dest.AddToCollection(ctx, p.BroadcastID, o.cfg.PlaylistID); err != nil {
				return fmt.Errorf("add to playlist: %w", err)
			}
			return nil
		}))
	}
	return first
}

// writeChapters rebuilds the part's game segments from the activity log
// and updates the video description with them.
func (o *Orchestrator) writeChapters(ctx context.Context, p *core.Part, end time.Time) error {
	res, err := o.deps.Journal.Events()
	if err != nil {
		return fmt.Errorf("read activity log: %w", err)
	}
	if res.Stopped() {
		o.log.Warn("relay: activity log not fully readable", "stop", res.Stop, "offset", res.Offset)
	}
	// The log stores whole seconds.
	start := p.CreatedAt.Truncate(time.Second)
	segs := eventlog.BuildSegments(res.Records, eventlog.Window{Start: start, End: end})
	chs := chapters.Build(segs, start, end, o.cfg.MinChapter)
	text := chapters.Format(chs, end.Sub(start))

	title, game, tags := p.Title, "", []string(nil)
	if s := o.sess; s != nil {
		game, tags = s.game, s.tags
	}
	data := chapters.NewData(title, game, p.Number, p.CreatedAt, text, eventlog.DistinctGames(segs))
	// Templates see the source title, the stored title is already rendered.
	if s := o.sess; s != nil {
		data.Title = s.title
	}
	desc, err := o.deps.Renderer.Description(data)
	if err != nil {
		return fmt.Errorf("render description: %w", err)
	}
	changed, err := o.deps.Destination.UpdateMetadata(ctx, p.BroadcastID, youtube.MetadataUpdate{
		Title:       title,
		Description: desc,
		Tags:        tags,
		CategoryID:  o.cfg.CategoryID,
	})
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	o.log.Info("relay: chapters written", "broadcast", p.BroadcastID, "chapters", len(chs), "changed", changed)
	return nil
}

func isCredential(err error) bool { return errors.Is(err, youtube.ErrCredential) }
