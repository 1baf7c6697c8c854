package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrost-io/bifrost/internal/cache"
	bdb "github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

func TestMain(m *testing.M) {
	if err := bdb.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeEnqueuer struct {
	workflows []uuid.UUID
	err       error
}

func (f *fakeEnqueuer) EnqueueSystem(_ context.Context, workflowID uuid.UUID, _ json.RawMessage, _ json.RawMessage) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.workflows = append(f.workflows, workflowID)
	return uuid.New(), nil
}

type fakeJanitor struct {
	before time.Time
	calls  int
}

func (f *fakeJanitor) FailStuckDeliveries(_ context.Context, before time.Time) (int, error) {
	f.before = before
	f.calls++
	return 2, nil
}

type fakeMetricsRepo struct {
	recomputed []time.Time
}

func (f *fakeMetricsRepo) IncrementWorkflowDay(context.Context, time.Time, uuid.UUID, *uuid.UUID, repositories.MetricsDelta) error {
	return nil
}
func (f *fakeMetricsRepo) IncrementOrgDay(context.Context, time.Time, *uuid.UUID, repositories.MetricsDelta) error {
	return nil
}
func (f *fakeMetricsRepo) RecomputeDay(_ context.Context, day time.Time) error {
	f.recomputed = append(f.recomputed, day)
	return nil
}
func (f *fakeMetricsRepo) ListWorkflowDays(context.Context, uuid.UUID, time.Time, time.Time) ([]bdb.WorkflowMetricsDaily, error) {
	return nil, nil
}
func (f *fakeMetricsRepo) ListOrgDays(context.Context, uuid.UUID, time.Time, time.Time) ([]bdb.OrgMetricsDaily, error) {
	return nil, nil
}

type env struct {
	s       *Scheduler
	gorm    *gorm.DB
	rdb     *redis.Client
	cache   *cache.Client
	enq     *fakeEnqueuer
	janitor *fakeJanitor
	metrics *fakeMetricsRepo
	deps    Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	database, err := bdb.New(bdb.Config{
		URL:      "file:" + t.TempDir() + "/scheduler.db",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close(database) })

	e := &env{
		gorm:    database,
		rdb:     rdb,
		cache:   cache.NewFromClient(rdb, zap.NewNop()),
		enq:     &fakeEnqueuer{},
		janitor: &fakeJanitor{},
		metrics: &fakeMetricsRepo{},
	}
	e.deps = Deps{
		Workflows:    repositories.NewWorkflowRepository(database),
		Executions:   repositories.NewExecutionRepository(database),
		Events:       repositories.NewEventRepository(database),
		Integrations: repositories.NewIntegrationRepository(database),
		Pricing:      repositories.NewPricingRepository(database),
		Metrics:      e.metrics,
		Enqueuer:     e.enq,
		Deliveries:   e.janitor,
		Cache:        e.cache,
		Notifier:     notify.New(e.cache),
		Logger:       zap.NewNop(),
	}
	s, err := New(e.deps, Config{})
	require.NoError(t, err)
	e.s = s
	return e
}

func (e *env) seedWorkflow(t *testing.T, wf *bdb.Workflow) *bdb.Workflow {
	t.Helper()
	if wf.FunctionName == "" {
		wf.FunctionName = wf.Name
	}
	require.NoError(t, e.deps.Workflows.Upsert(context.Background(), wf))
	return wf
}

func TestStartAndStop(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.s.Start())
	require.NoError(t, e.s.Stop())
}

func TestProcessSchedulesFiresDueWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-2 * time.Minute)
	wf := e.seedWorkflow(t, &bdb.Workflow{
		Name:     "nightly-report",
		Schedule: "*/5 * * * *",
		IsActive: true,
		NextRunAt: &past,
	})

	require.NoError(t, e.s.processSchedules(ctx))

	require.Equal(t, []uuid.UUID{wf.ID}, e.enq.workflows)

	got, err := e.deps.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now), "next run must be computed from now")
	assert.LessOrEqual(t, got.NextRunAt.Sub(now), 5*time.Minute)
}

func TestProcessSchedulesCoalescesOldMisfire(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	wf := e.seedWorkflow(t, &bdb.Workflow{
		Name:      "was-down-overnight",
		Schedule:  "0 * * * *",
		IsActive:  true,
		NextRunAt: &stale,
	})

	require.NoError(t, e.s.processSchedules(ctx))

	// The missed tick is too old to fire, but the schedule still advances.
	assert.Empty(t, e.enq.workflows)
	got, err := e.deps.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestProcessSchedulesSkipsUnparseable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	wf := e.seedWorkflow(t, &bdb.Workflow{
		Name:      "broken-schedule",
		Schedule:  "every full moon",
		IsActive:  true,
		NextRunAt: &stale,
	})

	require.NoError(t, e.s.processSchedules(ctx))

	assert.Empty(t, e.enq.workflows)
	got, err := e.deps.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	// Untouched: the row keeps surfacing so the operator keeps seeing the log.
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, stale, *got.NextRunAt, time.Second)
}

func TestProcessSchedulesAdvancesPastEnqueueFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.enq.err = context.DeadlineExceeded

	recent := time.Now().UTC().Add(-time.Minute)
	wf := e.seedWorkflow(t, &bdb.Workflow{
		Name:      "flaky-enqueue",
		Schedule:  "* * * * *",
		IsActive:  true,
		NextRunAt: &recent,
	})

	require.NoError(t, e.s.processSchedules(ctx))

	got, err := e.deps.Workflows.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func (e *env) seedExecution(t *testing.T, name string, status bdb.ExecutionStatus, startedAgo time.Duration) *bdb.Execution {
	t.Helper()
	started := time.Now().UTC().Add(-startedAgo)
	ex := &bdb.Execution{
		WorkflowName: name,
		Status:       status,
		StartedAt:    &started,
		ExecutedBy:   uuid.New(),
	}
	require.NoError(t, e.deps.Executions.Create(context.Background(), ex))
	return ex
}

func TestSweepStuckClosesOrphanedExecutions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.seedWorkflow(t, &bdb.Workflow{Name: "quick", TimeoutSeconds: 60, IsActive: true})

	stuck := e.seedExecution(t, "quick", bdb.ExecutionRunning, 2*time.Hour)
	cancelling := e.seedExecution(t, "quick", bdb.ExecutionCancelling, 2*time.Hour)
	fresh := e.seedExecution(t, "quick", bdb.ExecutionRunning, time.Minute)

	require.NoError(t, e.cache.SetPendingExecution(ctx, &cache.PendingExecution{ExecutionID: stuck.ID}))

	require.NoError(t, e.s.sweepStuck(ctx))

	got, err := e.deps.Executions.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionFailed, got.Status)
	assert.Equal(t, bdb.ErrorTypeStuckExecution, got.ErrorType)
	assert.NotNil(t, got.CompletedAt)
	assert.Greater(t, got.DurationMS, int64(0))

	got, err = e.deps.Executions.GetByID(ctx, cancelling.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionCancelled, got.Status)
	assert.Empty(t, got.ErrorType)

	got, err = e.deps.Executions.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionRunning, got.Status)

	// The pending record is gone with the execution.
	pending, err := e.cache.GetPendingExecution(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestSweepStuckExpiresPendingOnDeleteFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Pending records have no TTL, so a failed delete must fall back to a
	// safety-net expiry instead of leaking the key.
	rdb, mock := redismock.NewClientMock()
	deps := e.deps
	deps.Cache = cache.NewFromClient(rdb, zap.NewNop())
	deps.Notifier = notify.New(deps.Cache)
	s, err := New(deps, Config{})
	require.NoError(t, err)

	e.seedWorkflow(t, &bdb.Workflow{Name: "quick", TimeoutSeconds: 60, IsActive: true})
	ex := e.seedExecution(t, "quick", bdb.ExecutionRunning, 2*time.Hour)

	mock.ExpectDel(cache.PendingKey(ex.ID)).SetErr(errors.New("readonly replica"))
	mock.ExpectExpire(cache.PendingKey(ex.ID), 24*time.Hour).SetVal(true)

	require.NoError(t, s.sweepStuck(ctx))

	got, err := e.deps.Executions.GetByID(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionFailed, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepStuckHonorsWorkflowTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.seedWorkflow(t, &bdb.Workflow{Name: "slow", TimeoutSeconds: 7200, IsActive: true})

	// Open for an hour: over the sweep floor, under the workflow's limit.
	ex := e.seedExecution(t, "slow", bdb.ExecutionRunning, time.Hour)

	require.NoError(t, e.s.sweepStuck(ctx))

	got, err := e.deps.Executions.GetByID(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionRunning, got.Status)
}

func TestSnapshotMetricsRecomputesToday(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.s.snapshotMetrics(context.Background()))

	require.Len(t, e.metrics.recomputed, 1)
	day := e.metrics.recomputed[0]
	now := time.Now().UTC()
	assert.Equal(t, now.Year(), day.Year())
	assert.Equal(t, now.YearDay(), day.YearDay())
	assert.Zero(t, day.Hour())
}

func TestCleanupEventsRespectsRetention(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := uuid.New()

	old := &bdb.Event{
		EventSourceID: src,
		EventType:     "push",
		ReceivedAt:    time.Now().UTC().AddDate(0, 0, -40),
		Status:        bdb.EventCompleted,
	}
	require.NoError(t, e.deps.Events.CreateEventWithDeliveries(ctx, old, nil))
	recent := &bdb.Event{
		EventSourceID: src,
		EventType:     "push",
		ReceivedAt:    time.Now().UTC().Add(-time.Hour),
		Status:        bdb.EventCompleted,
	}
	require.NoError(t, e.deps.Events.CreateEventWithDeliveries(ctx, recent, nil))

	require.NoError(t, e.s.cleanupEvents(ctx))

	events, total, err := e.deps.Events.ListEvents(ctx, repositories.EventListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, recent.ID, events[0].ID)
}

func TestCleanupDeliveriesUsesAgeCutoff(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.s.cleanupDeliveries(context.Background()))

	require.Equal(t, 1, e.janitor.calls)
	assert.WithinDuration(t, time.Now().UTC().Add(-time.Hour), e.janitor.before, 5*time.Second)
}
