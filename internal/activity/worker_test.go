package activity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
	"github.com/you/gnasty-relay/internal/core"
	"github.com/you/gnasty-relay/internal/eventlog"
)

type scriptedSource struct {
	mu        sync.Mutex
	info      core.StreamInfo
	err       error
	followers int
	polls     int
}

func (s *scriptedSource) GetStream(context.Context, string) (core.StreamInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, s.err
}

func (s *scriptedSource) FollowerCount(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.followers, nil
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newWorker(t *testing.T, src Source) (*Worker, *eventlog.Store, *clock.FakeClock) {
	t.Helper()
	st, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	clk := clock.Fake(t0)
	w := &Worker{
		Login:        "somechannel",
		Source:       src,
		Log:          st,
		Poll:         time.Minute,
		FollowerPoll: 10 * time.Minute,
		Clock:        clk,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return w, st, clk
}

func TestWorkerRecordsChanges(t *testing.T) {
	src := &scriptedSource{info: core.StreamInfo{Live: true, Title: "Morning run", Game: "Celeste", Tags: []string{"speedrun"}, Viewers: 5}}
	w, st, clk := newWorker(t, src)
	ctx := context.Background()

	w.Tick(ctx)
	clk.Advance(time.Minute)
	src.info.Game = "Hades"
	src.info.Viewers = 9
	w.Tick(ctx)
	clk.Advance(time.Minute)
	src.info.Title = "Evening run"
	src.info.Tags = []string{"speedrun", "english"}
	w.Tick(ctx)
	clk.Advance(time.Minute)
	w.Tick(ctx)

	res, err := st.Events()
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("events = %+v", res.Records)
	}
	game, title, tags := res.Records[0], res.Records[1], res.Records[2]
	if game.Type != eventlog.EventGameChange || game.Old != "Celeste" || game.New != "Hades" || !game.Time.Equal(t0.Add(time.Minute)) {
		t.Fatalf("game change = %+v", game)
	}
	if title.Type != eventlog.EventTitleChange || title.New != "Evening run" {
		t.Fatalf("title change = %+v", title)
	}
	if tags.Type != eventlog.EventTagsChange || len(tags.NewTags) != 2 {
		t.Fatalf("tags change = %+v", tags)
	}

	viewers, err := st.Counters(eventlog.MetricViewers)
	if err != nil || len(viewers.Records) != 4 {
		t.Fatalf("viewers = %+v err = %v", viewers.Records, err)
	}
	if rec, _ := eventlog.ValueAt(viewers.Records, t0.Add(90*time.Second)); rec.Value != 9 {
		t.Fatalf("viewers at +90s = %d", rec.Value)
	}
}

func TestWorkerResetsBaselineWhileOffline(t *testing.T) {
	src := &scriptedSource{info: core.StreamInfo{Live: true, Title: "A", Game: "Celeste"}}
	w, st, clk := newWorker(t, src)
	ctx := context.Background()

	w.Tick(ctx)
	src.info = core.StreamInfo{Live: false}
	clk.Advance(time.Minute)
	w.Tick(ctx)
	src.info = core.StreamInfo{Live: true, Title: "B", Game: "Hades"}
	clk.Advance(time.Minute)
	w.Tick(ctx)

	res, err := st.Events()
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(res.Records) != 0 {
		t.Fatalf("changes across sessions recorded: %+v", res.Records)
	}
	viewers, _ := st.Counters(eventlog.MetricViewers)
	if len(viewers.Records) != 2 {
		t.Fatalf("viewer records = %d, want 2", len(viewers.Records))
	}
}

func TestWorkerFollowerSchedule(t *testing.T) {
	src := &scriptedSource{followers: 1200}
	w, st, clk := newWorker(t, src)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		w.Tick(ctx)
		clk.Advance(time.Minute)
	}
	if src.polls != 2 {
		t.Fatalf("follower polls = %d, want 2", src.polls)
	}
	res, err := st.Counters(eventlog.MetricFollowers)
	if err != nil || len(res.Records) != 2 || res.Records[0].Value != 1200 {
		t.Fatalf("followers = %+v err = %v", res.Records, err)
	}
}

func TestWorkerPollErrorKeepsBaseline(t *testing.T) {
	src := &scriptedSource{info: core.StreamInfo{Live: true, Title: "A", Game: "Celeste"}}
	w, st, clk := newWorker(t, src)
	w.FollowerPoll = 0
	ctx := context.Background()

	w.Tick(ctx)
	src.err = errors.New("503")
	clk.Advance(time.Minute)
	w.Tick(ctx)
	src.err = nil
	src.info.Game = "Hades"
	clk.Advance(time.Minute)
	w.Tick(ctx)

	res, _ := st.Events()
	if len(res.Records) != 1 || res.Records[0].Type != eventlog.EventGameChange {
		t.Fatalf("events = %+v", res.Records)
	}
	if src.polls != 0 {
		t.Fatalf("follower polls = %d with follower poll disabled", src.polls)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	src := &scriptedSource{}
	w, _, _ := newWorker(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
