// Package scheduler owns the fabric's background maintenance: firing
// schedule-driven workflows, sweeping executions that died without a terminal
// update, refreshing OAuth credentials, rolling AI usage into daily buckets,
// renewing expiring webhook subscriptions, and trimming old events. It wraps
// gocron; every job runs in singleton mode so a slow pass is rescheduled, not
// stacked.
//
// One scheduler instance runs per deployment. Jobs are written to be
// idempotent anyway — a crash mid-pass leaves nothing that the next pass
// cannot pick up, because every job derives its work set from the database
// rather than from in-memory state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/metrics"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

const (
	// jobTimeout bounds a single pass of any job. Batch loops check the
	// context between batches, so even the retention sweep stays under it.
	jobTimeout = 10 * time.Minute

	// misfireGrace is how far past its planned tick a schedule may be and
	// still fire. Older misses are coalesced: the schedule advances without
	// running, so a fabric that was down overnight does not replay the night.
	misfireGrace = 10 * time.Minute

	// sweepMargin is the slack added on top of a workflow's timeout before
	// the sweeper declares an execution stuck. It covers queue wait and the
	// worker's own grace period around the subprocess kill.
	sweepMargin = 5 * time.Minute

	// defaultStuckTimeout applies when the workflow row is gone or carries no
	// timeout. Matches the upper bound accepted on workflow definitions.
	defaultStuckTimeout = 7200 * time.Second

	retentionBatch = 500

	// stuckDeliveryAge is how long a delivery may sit Pending or Queued
	// before the cleanup job fails it.
	stuckDeliveryAge = time.Hour

	// pendingLeakTTL is the safety-net expiry the sweeper puts on a pending
	// record it failed to delete. Pending keys otherwise carry no TTL.
	pendingLeakTTL = 24 * time.Hour
)

// Enqueuer starts system-invoked executions. Satisfied by *intake.Service.
type Enqueuer interface {
	EnqueueSystem(ctx context.Context, workflowID uuid.UUID, params json.RawMessage, startupData json.RawMessage) (uuid.UUID, error)
}

// DeliveryJanitor fails event deliveries that never reached a terminal
// execution. Satisfied by *events.Service.
type DeliveryJanitor interface {
	FailStuckDeliveries(ctx context.Context, before time.Time) (int, error)
}

// Config carries the tunables read from the environment.
type Config struct {
	// EventRetentionDays is how long accepted events are kept. Zero means
	// the default of 30 days.
	EventRetentionDays int
}

// Deps are the collaborators the job set needs. All fields are required
// except Enqueuer and Deliveries, which disable their jobs when nil.
type Deps struct {
	Workflows    repositories.WorkflowRepository
	Executions   repositories.ExecutionRepository
	Events       repositories.EventRepository
	Integrations repositories.IntegrationRepository
	Pricing      repositories.PricingRepository
	Metrics      repositories.MetricsRepository
	Enqueuer     Enqueuer
	Deliveries   DeliveryJanitor
	Cache        *cache.Client
	Notifier     *notify.Notifier
	Logger       *zap.Logger
}

// Scheduler wraps gocron and the fixed job set. The zero value is not
// usable; create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	deps   Deps
	cfg    Config
	http   *resty.Client
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	if cfg.EventRetentionDays <= 0 {
		cfg.EventRetentionDays = 30
	}

	return &Scheduler{
		cron:     c,
		deps:     deps,
		cfg:      cfg,
		http:     resty.New().SetTimeout(30 * time.Second),
		logger:   deps.Logger.Named("scheduler"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Start registers the job set and starts the underlying gocron scheduler.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		def  gocron.JobDefinition
		fn   func(ctx context.Context) error
		opts []gocron.JobOption
	}{
		{"schedule_processor", gocron.DurationJob(time.Minute), s.processSchedules, nil},
		{"stuck_sweeper", gocron.DurationJob(5 * time.Minute), s.sweepStuck,
			[]gocron.JobOption{gocron.WithStartAt(gocron.WithStartImmediately())}},
		{"oauth_refresh", gocron.DurationJob(15 * time.Minute), s.refreshTokens, nil},
		{"metrics_snapshot", gocron.DurationJob(time.Hour), s.snapshotMetrics, nil},
		{"usage_rollup", gocron.CronJob("CRON_TZ=UTC 0 2 * * *", false), s.rollUpUsage, nil},
		{"subscription_renewal", gocron.DurationJob(6 * time.Hour), s.renewSubscriptions, nil},
		{"event_retention", gocron.CronJob("CRON_TZ=UTC 0 3 * * *", false), s.cleanupEvents, nil},
		{"delivery_cleanup", gocron.DurationJob(5 * time.Minute), s.cleanupDeliveries, nil},
	}

	for _, j := range jobs {
		if err := s.register(j.name, j.def, j.fn, j.opts...); err != nil {
			return err
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	s.cron.Start()
	return nil
}

// Stop shuts down gocron, waiting for running job functions to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) register(name string, def gocron.JobDefinition, fn func(ctx context.Context) error, opts ...gocron.JobOption) error {
	opts = append(opts,
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	_, err := s.cron.NewJob(def, gocron.NewTask(func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		s.runJob(ctx, name, fn)
	}), opts...)
	if err != nil {
		return fmt.Errorf("scheduler: register job %s: %w", name, err)
	}
	return nil
}

// runJob runs one pass, records the outcome counter, and keeps job errors
// from escaping into gocron: a failed pass is logged and retried next tick.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(ctx context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
		s.logger.Error("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	metrics.SchedulerJobRuns.WithLabelValues(name, outcome).Inc()
}

// processSchedules fires every workflow whose next planned run is due. The
// next tick is always computed from now, so however many ticks were missed,
// at most one execution results.
func (s *Scheduler) processSchedules(ctx context.Context) error {
	if s.deps.Enqueuer == nil {
		return nil
	}
	now := time.Now().UTC()
	due, err := s.deps.Workflows.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("scheduler: list due workflows: %w", err)
	}

	for i := range due {
		wf := &due[i]
		sched, err := cron.ParseStandard(wf.Schedule)
		if err != nil {
			s.logger.Warn("unparseable workflow schedule",
				zap.String("workflow", wf.Name),
				zap.String("schedule", wf.Schedule),
				zap.Error(err),
			)
			continue
		}
		next := sched.Next(now)

		fire := wf.NextRunAt == nil || now.Sub(*wf.NextRunAt) <= misfireGrace
		if fire {
			if _, err := s.deps.Enqueuer.EnqueueSystem(ctx, wf.ID, nil, nil); err != nil {
				// Advance the schedule regardless so a broken workflow fires
				// once per tick, not once per minute.
				s.logger.Error("schedule enqueue failed",
					zap.String("workflow", wf.Name),
					zap.Error(err),
				)
			} else {
				s.logger.Info("schedule fired",
					zap.String("workflow", wf.Name),
					zap.Time("next_run_at", next),
				)
			}
		} else {
			s.logger.Warn("schedule misfire coalesced",
				zap.String("workflow", wf.Name),
				zap.Time("missed", *wf.NextRunAt),
				zap.Time("next_run_at", next),
			)
		}

		if err := s.deps.Workflows.MarkRun(ctx, wf.ID, now, &next); err != nil {
			s.logger.Error("failed to advance schedule",
				zap.String("workflow", wf.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// snapshotMetrics recomputes today's rollup rows from the executions table,
// healing any per-execution increments lost to worker crashes.
func (s *Scheduler) snapshotMetrics(ctx context.Context) error {
	day := startOfDay(time.Now().UTC())
	if err := s.deps.Metrics.RecomputeDay(ctx, day); err != nil {
		return fmt.Errorf("scheduler: recompute daily metrics: %w", err)
	}
	return nil
}

// cleanupEvents deletes events older than the retention window in batches,
// deliveries included, until a batch comes back short.
func (s *Scheduler) cleanupEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.EventRetentionDays)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.deps.Events.DeleteEventsBefore(ctx, cutoff, retentionBatch)
		if err != nil {
			return fmt.Errorf("scheduler: event retention: %w", err)
		}
		total += n
		if n < retentionBatch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired events deleted",
			zap.Int64("count", total),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// cleanupDeliveries fails deliveries stuck Pending or Queued past the age
// limit; the events service re-aggregates and broadcasts per touched event.
func (s *Scheduler) cleanupDeliveries(ctx context.Context) error {
	if s.deps.Deliveries == nil {
		return nil
	}
	n, err := s.deps.Deliveries.FailStuckDeliveries(ctx, time.Now().UTC().Add(-stuckDeliveryAge))
	if err != nil {
		return fmt.Errorf("scheduler: stuck delivery cleanup: %w", err)
	}
	if n > 0 {
		s.logger.Info("stuck deliveries failed", zap.Int("count", n))
	}
	return nil
}

// startOfDay truncates to a UTC midnight.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
