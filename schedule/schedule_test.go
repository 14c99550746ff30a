package schedule

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonukartik/net-distribution-notifier/poll"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	calls    atomic.Int32
	err      error
	deadline atomic.Bool
	fired    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context) (*poll.Result, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); ok {
		f.deadline.Store(true)
	}
	if f.fired != nil {
		select {
		case f.fired <- struct{}{}:
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &poll.Result{}, nil
}

func TestStartInvalidSpec(t *testing.T) {
	s := New(&fakeRunner{}, "not a cron spec", time.UTC, time.Minute, testLogger())
	if err := s.Start(); err == nil {
		t.Error("Start() accepted an invalid spec")
	}
}

func TestSchedulerFires(t *testing.T) {
	runner := &fakeRunner{fired: make(chan struct{}, 1)}
	s := New(runner, "@every 1s", nil, time.Minute, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-runner.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled scan never ran")
	}
	if !runner.deadline.Load() {
		t.Error("scheduled scan ran without a deadline")
	}
}

func TestRunOnceSurvivesErrors(t *testing.T) {
	for _, err := range []error{nil, poll.ErrBusy, errors.New("imap down")} {
		runner := &fakeRunner{err: err}
		s := New(runner, "@hourly", time.UTC, time.Second, testLogger())
		s.runOnce()
		if runner.calls.Load() != 1 {
			t.Errorf("err=%v: runner called %d times, want 1", err, runner.calls.Load())
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(&fakeRunner{}, "@hourly", time.UTC, time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
