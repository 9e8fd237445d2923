package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"story-filter/internal/story_filter/processor"
)

// BatchRunner is satisfied by *processor.Pipeline.
type BatchRunner interface {
	RunBatch(ctx context.Context) (processor.Summary, error)
}

// Locker is satisfied by *helper.RunLock.
type Locker interface {
	Acquire(ctx context.Context) (func(context.Context) error, error)
}

// DefaultAnchors are the local hours a daemon wakes up at.
var DefaultAnchors = []int{0, 3, 6, 9, 12, 15, 18, 21}

type Worker struct {
	Log      *zap.Logger
	Pipeline BatchRunner
	Lock     Locker // optional
	Location *time.Location
	Anchors  []int
}

func nextAnchor(now time.Time, loc *time.Location, anchors []int) time.Time {
	if len(anchors) == 0 {
		anchors = DefaultAnchors
	}
	hours := append([]int(nil), anchors...)
	sort.Ints(hours)

	local := now.In(loc)
	for _, h := range hours {
		t := time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc)
		if t.After(local) {
			return t.UTC()
		}
	}
	// all anchors passed, first anchor tomorrow
	next := time.Date(local.Year(), local.Month(), local.Day()+1, hours[0], 0, 0, 0, loc)
	return next.UTC()
}

// Run processes a batch immediately, then once per anchor until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}

	w.runLogged(ctx)
	for {
		next := nextAnchor(time.Now(), loc, w.Anchors)
		sleep := time.Until(next)
		if sleep < 0 {
			sleep = 0
		}
		w.Log.Info("Next batch scheduled", zap.Time("at", next), zap.Duration("in", sleep))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.Log.Info("Scheduler stopped")
			return
		case <-timer.C:
			w.runLogged(ctx)
		}
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil {
		w.Log.Error("Batch run failed", zap.Error(err))
	}
}

// RunOnce runs a single batch under the run lock when one is configured.
func (w *Worker) RunOnce(ctx context.Context) (processor.Summary, error) {
	if w.Lock != nil {
		release, err := w.Lock.Acquire(ctx)
		if err != nil {
			return processor.Summary{}, eris.Wrap(err, "skip batch")
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				w.Log.Warn("Failed to release run lock", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	sum, err := w.Pipeline.RunBatch(ctx)
	if err != nil {
		return sum, err
	}
	w.Log.Info("Batch finished",
		zap.String("runID", sum.RunID),
		zap.Int("total", sum.Total),
		zap.Duration("took", time.Since(start)),
	)
	return sum, nil
}
