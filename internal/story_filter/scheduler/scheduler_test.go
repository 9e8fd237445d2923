package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap/zaptest"

	"story-filter/internal/story_filter/processor"
)

func TestNextAnchor(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 2*3600)
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 5, 1, 7, 30, 0, 0, loc), time.Date(2024, 5, 1, 9, 0, 0, 0, loc)},
		{time.Date(2024, 5, 1, 9, 0, 0, 0, loc), time.Date(2024, 5, 1, 12, 0, 0, 0, loc)},
		{time.Date(2024, 5, 1, 22, 0, 0, 0, loc), time.Date(2024, 5, 2, 6, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		got := nextAnchor(tc.now, loc, []int{21, 6, 9, 12})
		if !got.Equal(tc.want) {
			t.Fatalf("now %v: want %v, got %v", tc.now, tc.want, got)
		}
	}

	got := nextAnchor(time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC), time.UTC, nil)
	if !got.Equal(time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("default anchors: got %v", got)
	}
}

type countingRunner struct {
	runs int
	err  error
}

func (c *countingRunner) RunBatch(context.Context) (processor.Summary, error) {
	c.runs++
	return processor.Summary{RunID: "r", Total: 1}, c.err
}

type fakeLock struct {
	held     bool
	released int
}

func (l *fakeLock) Acquire(context.Context) (func(context.Context) error, error) {
	if l.held {
		return nil, eris.New("held")
	}
	l.held = true
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, nil
}

func TestRunOnceUsesLock(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{}
	lock := &fakeLock{}
	w := &Worker{Log: zaptest.NewLogger(t), Pipeline: runner, Lock: lock}

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if runner.runs != 1 || lock.released != 1 || lock.held {
		t.Fatalf("lock not released: %+v runs=%d", lock, runner.runs)
	}

	lock.held = true
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatalf("held lock should skip the batch")
	}
	if runner.runs != 1 {
		t.Fatalf("batch must not run without the lock")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	runner := &countingRunner{err: eris.New("fetch failed")}
	w := &Worker{Log: zaptest.NewLogger(t), Pipeline: runner}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
	if runner.runs != 1 {
		t.Fatalf("want one immediate run, got %d", runner.runs)
	}
}
