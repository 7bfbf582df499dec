package ytlive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/you/gnasty-relay/internal/clock"
)

type scriptedSource struct {
	states []PlayerState
	errs   []error
	calls  int
}

func (s *scriptedSource) State(ctx context.Context, videoID string) (PlayerState, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return PlayerState{}, s.errs[i]
	}
	if i < len(s.states) {
		return s.states[i], nil
	}
	return PlayerState{Status: "ERROR"}, nil
}

var consumable = PlayerState{VideoID: "v", Status: "LIVE_STREAM_OFFLINE"}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestVerifyDisabledOrUnavailable(t *testing.T) {
	if !(&Checker{Enabled: false, Source: &scriptedSource{}}).Verify(context.Background(), "v") {
		t.Fatalf("disabled check should pass")
	}
	if !(&Checker{Enabled: true}).Verify(context.Background(), "v") {
		t.Fatalf("check without a source should pass")
	}
	var nilChecker *Checker
	if !nilChecker.Verify(context.Background(), "v") {
		t.Fatalf("nil checker should pass")
	}
}

func TestVerifyEventuallyConsumable(t *testing.T) {
	src := &scriptedSource{
		states: []PlayerState{{VideoID: "v", Status: "ERROR"}, {}, consumable},
		errs:   []error{nil, errors.New("timeout")},
	}
	fake := clock.Fake(time.Unix(0, 0))
	c := &Checker{Enabled: true, Source: src, Attempts: 5, Delay: 10 * time.Second, Clock: fake, Logger: quiet()}

	done := make(chan bool, 1)
	go func() { done <- c.Verify(context.Background(), "v") }()
	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(10 * time.Second)
	}
	if ok := <-done; !ok {
		t.Fatalf("expected consumable")
	}
	if src.calls != 3 {
		t.Fatalf("calls = %d", src.calls)
	}
}

func TestVerifyExhaustsAttempts(t *testing.T) {
	src := &scriptedSource{}
	fake := clock.Fake(time.Unix(0, 0))
	c := &Checker{Enabled: true, Source: src, Attempts: 3, Delay: time.Second, Clock: fake, Logger: quiet()}

	done := make(chan bool, 1)
	go func() { done <- c.Verify(context.Background(), "v") }()
	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
	}
	if ok := <-done; ok {
		t.Fatalf("expected failure after exhausting attempts")
	}
	if src.calls != 3 {
		t.Fatalf("calls = %d", src.calls)
	}
}

func TestVerifyCancelled(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	c := &Checker{Enabled: true, Source: &scriptedSource{}, Attempts: 10, Delay: time.Hour, Clock: fake, Logger: quiet()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- c.Verify(ctx, "v") }()
	fake.WaitForTimers(1)
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("cancelled check must not pass")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Verify ignored cancellation")
	}
}
