// Package scheduler evaluates stored scan schedules once per minute and
// drives the scan engine for the ones that are due.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jcleary/sigscan/internal/engine"
	"github.com/jcleary/sigscan/internal/store"
	"github.com/jcleary/sigscan/internal/types"
)

// Options tunes the evaluator.
type Options struct {
	// Tolerance is the forward window after the scheduled minute that still
	// counts as due, absorbing tick jitter.
	Tolerance time.Duration
	// Suppression rejects a schedule that ran within this window, so one
	// scheduled minute never fires twice.
	Suppression time.Duration
	// StaleThreshold force-fails schedules stuck in running this long.
	StaleThreshold time.Duration
	// MaxConcurrent bounds simultaneous schedule runs.
	MaxConcurrent int64
	// RunTimeout is the hard per-run deadline.
	RunTimeout time.Duration
	// StatusRetries bounds attempts to record a run outcome.
	StatusRetries int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Tolerance:      2 * time.Minute,
		Suppression:    55 * time.Minute,
		StaleThreshold: 10 * time.Minute,
		MaxConcurrent:  5,
		RunTimeout:     8 * time.Minute,
		StatusRetries:  3,
	}
}

// Evaluator runs the once-per-minute due check.
type Evaluator struct {
	store  *store.Store
	engine *engine.Engine
	opts   Options
	log    *zap.SugaredLogger
	cron   *cron.Cron
	sem    *semaphore.Weighted
	now    func() time.Time
}

// New creates an evaluator.
func New(st *store.Store, eng *engine.Engine, opts Options, log *zap.SugaredLogger) *Evaluator {
	return &Evaluator{
		store:  st,
		engine: eng,
		opts:   opts,
		log:    log,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		now:    time.Now,
	}
}

// Start begins the minute tick.
func (e *Evaluator) Start() error {
	e.cron = cron.New()
	if _, err := e.cron.AddFunc("* * * * *", func() {
		e.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule evaluator tick: %w", err)
	}

	e.log.Infof("[scheduler] evaluator started")
	e.cron.Start()
	return nil
}

// Stop halts the tick. The returned context completes when in-flight jobs
// finish.
func (e *Evaluator) Stop() context.Context {
	e.log.Infof("[scheduler] evaluator stopping")
	return e.cron.Stop()
}

// Tick performs one evaluation pass: reset stale runners, then start every
// due schedule under the concurrency bound.
func (e *Evaluator) Tick(ctx context.Context) {
	if n, err := e.store.ResetStaleRunning(e.opts.StaleThreshold); err != nil {
		e.log.Errorf("[scheduler] stale reset failed: %v", err)
	} else if n > 0 {
		e.log.Warnf("[scheduler] reset %d schedules stuck in running", n)
	}

	schedules, err := e.store.ListEnabledSchedules()
	if err != nil {
		e.log.Errorf("[scheduler] failed to list schedules: %v", err)
		return
	}

	now := e.now()
	for _, sc := range schedules {
		if !e.Due(sc, now) {
			continue
		}
		go e.run(ctx, sc)
	}
}

// Due reports whether the schedule should fire at now: the schedule's local
// time is inside [scheduled, scheduled+tolerance], the weekday filter (if
// any) matches, and the schedule has not run within the suppression window.
func (e *Evaluator) Due(sc store.ScheduledScan, now time.Time) bool {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		e.log.Warnf("[scheduler] schedule %s has invalid timezone %q", sc.ID, sc.Timezone)
		return false
	}
	local := now.In(loc)

	if len(sc.Days) > 0 && !containsDay(sc.Days, local.Weekday()) {
		return false
	}

	t, err := time.Parse("15:04", sc.TimeOfDay)
	if err != nil {
		e.log.Warnf("[scheduler] schedule %s has invalid time %q", sc.ID, sc.TimeOfDay)
		return false
	}

	scheduledMin := t.Hour()*60 + t.Minute()
	currentMin := local.Hour()*60 + local.Minute()
	diff := currentMin - scheduledMin
	if diff < 0 || diff > int(e.opts.Tolerance.Minutes()) {
		return false
	}

	if !sc.LastRunAt.IsZero() && now.Sub(sc.LastRunAt) < e.opts.Suppression {
		return false
	}

	return true
}

// run executes one due schedule under the semaphore and the hard timeout.
func (e *Evaluator) run(ctx context.Context, sc store.ScheduledScan) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	claimed, err := e.store.ClaimScheduleRun(sc.ID, e.now())
	if err != nil {
		e.log.Errorf("[scheduler] failed to claim %s: %v", sc.ID, err)
		return
	}
	if !claimed {
		e.log.Debugf("[scheduler] schedule %s already running, skipped", sc.ID)
		return
	}

	e.log.Infof("[scheduler] running schedule %q (%s)", sc.Label, sc.ID)
	start := e.now()

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	result, err := e.engine.RunScan(runCtx, types.ScanRequest{
		Accounts:  sc.Accounts,
		RangeDays: sc.RangeDays,
		UserID:    sc.UserID,
		Scheduled: true,
	}, nil, nil)

	switch {
	case runCtx.Err() != nil:
		e.finish(sc.ID, store.ScheduleStatusError, fmt.Sprintf("timed out after %v", e.opts.RunTimeout))
	case err != nil:
		e.finish(sc.ID, store.ScheduleStatusError, err.Error())
	case result == nil:
		e.finish(sc.ID, store.ScheduleStatusSuccess, "no posts found")
	default:
		e.finish(sc.ID, store.ScheduleStatusSuccess,
			fmt.Sprintf("%d signals from %d posts in %v",
				len(result.Signals), result.TotalPosts, e.now().Sub(start).Round(time.Second)))
	}
}

// finish records the run outcome, retrying the write a few times. Leaving a
// schedule stuck at running is the one outcome worth fighting for.
func (e *Evaluator) finish(id string, status store.ScheduleStatus, message string) {
	var err error
	for attempt := 0; attempt < e.opts.StatusRetries; attempt++ {
		if err = e.store.FinishScheduleRun(id, status, message); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	e.log.Errorf("[scheduler] failed to record outcome for %s after %d attempts: %v", id, e.opts.StatusRetries, err)
}

func containsDay(days []time.Weekday, d time.Weekday) bool {
	for _, day := range days {
		if day == d {
			return true
		}
	}
	return false
}
