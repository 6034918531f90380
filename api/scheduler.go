/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically looks for active jobs whose next check is due and ticks
  them. Each job's only timer is its persisted next_check_date, so a
  restarted process simply picks up whatever is due.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Ticks due jobs concurrently, at most Concurrency at a time (errgroup)
  - One job's failure never stops the others
  - Same-job overlap is prevented by the orchestrator's tick lock, so a
    manual tick racing the scheduler is skipped, not doubled
  - When Retention > 0, terminal jobs older than it are deleted each cycle

CONFIGURATION:
  - CheckInterval: How often to look for due jobs (default: 1 hour)
  - Concurrency:   Max ticks in flight (default: 4)
  - Retention:     Age after which ended jobs are deleted (default: 0, keep)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(orch, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TickJob endpoint (manual tick), RunScheduler (manual cycle)
  - reconciliation/orchestrator.go: Tick, DueJobs, CleanupJobs
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/reconciliation-engine/reconciliation"
	"golang.org/x/sync/errgroup"
)

// CycleResult summarizes one scheduler cycle. Completed counts ticks that
// left the job in any terminal status.
type CycleResult struct {
	Due             int
	Ticked          int
	Completed       int
	ReadingFailures int
	Skipped         int
	Errors          int
	Cleaned         int
}

// ReconciliationScheduler ticks due reconciliation jobs.
type ReconciliationScheduler struct {
	Orchestrator  *reconciliation.Orchestrator
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	Concurrency   int
	Retention     time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(orch *reconciliation.Orchestrator, logger logrus.FieldLogger) *ReconciliationScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Orchestrator:  orch,
		Logger:        logger.WithField("component", "scheduler"),
		CheckInterval: 1 * time.Hour,
		Concurrency:   4,
		Enabled:       true,
	}
}

// Start begins the scheduler. It runs one cycle immediately.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ctx, rs.cancel = context.WithCancel(context.Background())
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.WithFields(logrus.Fields{
		"check_interval": rs.CheckInterval,
		"concurrency":    rs.Concurrency,
		"retention":      rs.Retention,
	}).Info("scheduler started")
}

// Stop stops the scheduler, cancels in-flight ticks and waits for them.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		rs.cancel()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess(rs.ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess(rs.ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow runs one cycle synchronously (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) CycleResult {
	return rs.checkAndProcess(ctx)
}

func (rs *ReconciliationScheduler) checkAndProcess(ctx context.Context) CycleResult {
	var res CycleResult

	due, err := rs.Orchestrator.DueJobs(ctx)
	if err != nil {
		rs.Logger.WithError(err).Error("failed to list due jobs")
		res.Errors++
		return res
	}
	res.Due = len(due)

	var mu sync.Mutex
	limit := rs.Concurrency
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, job := range due {
		job := job
		g.Go(func() error {
			outcome := rs.tick(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case tickDone:
				res.Ticked++
			case tickCompleted:
				res.Ticked++
				res.Completed++
			case tickReadingFailed:
				res.Ticked++
				res.ReadingFailures++
			case tickSkipped:
				res.Skipped++
			case tickError:
				res.Errors++
			}
			// Never abort the group; other jobs still run.
			return nil
		})
	}
	g.Wait()

	if rs.Retention > 0 {
		cleaned, err := rs.Orchestrator.CleanupJobs(ctx, rs.Retention)
		if err != nil {
			rs.Logger.WithError(err).Error("failed to clean up expired jobs")
			res.Errors++
		}
		res.Cleaned = cleaned
	}

	if res.Due > 0 || res.Cleaned > 0 || res.Errors > 0 {
		rs.Logger.WithFields(logrus.Fields{
			"due":              res.Due,
			"ticked":           res.Ticked,
			"completed":        res.Completed,
			"reading_failures": res.ReadingFailures,
			"skipped":          res.Skipped,
			"errors":           res.Errors,
			"cleaned":          res.Cleaned,
		}).Info("scheduler cycle completed")
	}
	return res
}

type tickOutcome int

const (
	tickDone tickOutcome = iota
	tickCompleted
	tickReadingFailed
	tickSkipped
	tickError
)

func (rs *ReconciliationScheduler) tick(ctx context.Context, job reconciliation.Job) tickOutcome {
	log := rs.Logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"district_id":  job.DistrictID,
		"target_month": job.TargetMonth,
	})

	result, err := rs.Orchestrator.Tick(ctx, job.ID)
	switch {
	case err == nil:
		if result.Outcome == reconciliation.OutcomeDiscarded {
			return tickSkipped
		}
		if result.Job != nil && result.Job.Status.IsTerminal() {
			return tickCompleted
		}
		return tickDone
	case errors.Is(err, reconciliation.ErrReadingUnavailable):
		log.WithError(err).Warn("reading failed, will retry on next check")
		if result != nil && result.Job != nil && result.Job.Status.IsTerminal() {
			return tickCompleted
		}
		return tickReadingFailed
	case errors.Is(err, reconciliation.ErrTickInProgress), errors.Is(err, reconciliation.ErrJobNotActive),
		errors.Is(err, context.Canceled):
		log.WithError(err).Debug("tick skipped")
		return tickSkipped
	default:
		log.WithError(err).Error("tick failed")
		return tickError
	}
}
