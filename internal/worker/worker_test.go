package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrost-io/bifrost/internal/broker"
	"github.com/bifrost-io/bifrost/internal/cache"
	bdb "github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/logstream"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/pool"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// fakeExecutor returns a canned result and records the request it got.
type fakeExecutor struct {
	mu        sync.Mutex
	req       *pool.Request
	res       pool.Result
	err       error
	panicWith string
	cancelled []uuid.UUID
}

func (f *fakeExecutor) Execute(_ context.Context, req pool.Request) (pool.Result, error) {
	f.mu.Lock()
	f.req = &req
	f.mu.Unlock()
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	return f.res, f.err
}

func (f *fakeExecutor) Cancel(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return true
}

type recordedDelivery struct {
	mu   sync.Mutex
	rows []*bdb.Execution
}

func (r *recordedDelivery) UpdateDeliveryFromExecution(_ context.Context, ex *bdb.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ex)
	return nil
}

type env struct {
	svc        *Service
	cache      *cache.Client
	rdb        *redis.Client
	workflows  repositories.WorkflowRepository
	execs      repositories.ExecutionRepository
	logs       repositories.ExecutionLogRepository
	configs    repositories.ConfigRepository
	orgs       repositories.OrganizationRepository
	rollups    repositories.MetricsRepository
	executor   *fakeExecutor
	deliveries *recordedDelivery
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewFromClient(rdb, zap.NewNop())

	database, err := bdb.New(bdb.Config{
		URL:      "file:" + t.TempDir() + "/worker.db",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close(database) })

	e := &env{
		cache:      c,
		rdb:        rdb,
		workflows:  repositories.NewWorkflowRepository(database),
		execs:      repositories.NewExecutionRepository(database),
		logs:       repositories.NewExecutionLogRepository(database),
		configs:    repositories.NewConfigRepository(database),
		orgs:       repositories.NewOrganizationRepository(database),
		rollups:    repositories.NewMetricsRepository(database),
		executor:   &fakeExecutor{},
		deliveries: &recordedDelivery{},
	}
	e.svc = New(Deps{
		Cache:        c,
		Workflows:    e.workflows,
		Executions:   e.execs,
		Configs:      e.configs,
		Integrations: repositories.NewIntegrationRepository(database),
		Orgs:         e.orgs,
		Rollups:      e.rollups,
		Executor:     e.executor,
		Flusher:      logstream.NewFlusher(rdb, e.logs, zap.NewNop()),
		Notifier:     notify.New(c),
		Deliveries:   e.deliveries,
	}, zap.NewNop())
	return e
}

func (e *env) seedWorkflow(t *testing.T, wf *bdb.Workflow) *bdb.Workflow {
	t.Helper()
	if wf.FunctionName == "" {
		wf.FunctionName = "main"
	}
	if wf.TimeoutSeconds == 0 {
		wf.TimeoutSeconds = 60
	}
	wf.IsActive = true
	require.NoError(t, e.workflows.Upsert(context.Background(), wf))
	stored, err := e.workflows.GetByName(context.Background(), wf.Name)
	require.NoError(t, err)
	return stored
}

// enqueue seeds a pending record the way the intake would and returns the
// claim message.
func (e *env) enqueue(t *testing.T, pending *cache.PendingExecution) broker.ExecutionMessage {
	t.Helper()
	ctx := context.Background()
	if pending.ExecutionID == (uuid.UUID{}) {
		pending.ExecutionID = uuid.New()
	}
	if pending.UserID == (uuid.UUID{}) {
		pending.UserID = uuid.New()
	}
	if pending.UserName == "" {
		pending.UserName = "alex"
	}
	pending.EnqueuedAt = time.Now().UTC()
	require.NoError(t, e.cache.AddQueued(ctx, pending.ExecutionID))
	require.NoError(t, e.cache.SetPendingExecution(ctx, pending))
	return broker.ExecutionMessage{
		ExecutionID: pending.ExecutionID,
		WorkflowID:  pending.WorkflowID,
		Code:        pending.Code,
		ScriptName:  pending.ScriptName,
		Sync:        pending.Sync,
	}
}

func (e *env) process(t *testing.T, msg broker.ExecutionMessage) error {
	t.Helper()
	body, err := msg.Encode()
	require.NoError(t, err)
	return e.svc.Process(context.Background(), body)
}

func TestProcessSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "send_report", FilePath: "workflows/report.js"})

	e.executor.res = pool.Result{
		Status:     string(bdb.ExecutionSuccess),
		Result:     json.RawMessage(`{"sent":3}`),
		DurationMS: 120,
		Metrics:    &pool.ResourceMetrics{PeakMemoryBytes: 1 << 20, CPUUserSeconds: 0.2, CPUSystemSeconds: 0.1, CPUTotalSeconds: 0.3},
	}

	msg := e.enqueue(t, &cache.PendingExecution{
		WorkflowID:   &wf.ID,
		WorkflowName: "send_report",
		Parameters:   json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(ctx, msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionSuccess, row.Status)
	assert.JSONEq(t, `{"sent":3}`, row.Result)
	assert.Equal(t, bdb.ResultTypeJSON, row.ResultType)
	assert.EqualValues(t, 120, row.DurationMS)
	assert.EqualValues(t, 1<<20, row.PeakMemoryBytes)
	assert.NotNil(t, row.StartedAt)
	assert.NotNil(t, row.CompletedAt)

	// Pending released, queued-set cleared, meta cached for the next claim.
	p, err := e.cache.GetPendingExecution(ctx, msg.ExecutionID)
	require.NoError(t, err)
	assert.Nil(t, p)
	n, err := e.cache.QueuedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	meta, _, err := e.cache.GetWorkflowMeta(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "workflows/report.js", meta.FilePath)

	// The subprocess request carried the resolved identity and file path.
	require.NotNil(t, e.executor.req)
	assert.Equal(t, "send_report", e.executor.req.WorkflowName)
	assert.Equal(t, "workflows/report.js", e.executor.req.FilePath)
	assert.Equal(t, 60, e.executor.req.TimeoutSeconds)
}

func TestProcessMissingPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	execID := uuid.New()

	msg := broker.ExecutionMessage{ExecutionID: execID, Sync: true}
	require.NoError(t, e.process(t, msg))

	// No row is written for a context that never existed.
	_, err := e.execs.GetByID(ctx, execID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	// The sync caller still gets unblocked with a PendingNotFound payload.
	payload, err := e.cache.WaitForResult(ctx, execID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, string(bdb.ExecutionFailed), payload.Status)
	assert.Equal(t, bdb.ErrorTypePendingNotFound, payload.ErrorType)
}

func TestProcessPreClaimCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	msg := e.enqueue(t, &cache.PendingExecution{WorkflowName: "whatever", Sync: true})
	require.NoError(t, e.cache.MarkCancelled(ctx, msg.ExecutionID))
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(ctx, msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionCancelled, row.Status)
	assert.Zero(t, row.DurationMS)
	assert.Nil(t, e.executor.req, "a cancelled pending must never reach the pool")

	payload, err := e.cache.WaitForResult(ctx, msg.ExecutionID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, string(bdb.ExecutionCancelled), payload.Status)
}

func TestProcessWorkflowNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ghostID := uuid.New()

	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &ghostID, WorkflowName: "ghost"})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(ctx, msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionFailed, row.Status)
	assert.Equal(t, bdb.ErrorTypeWorkflowNotFound, row.ErrorType)

	// The miss is cached negatively so a burst of claims for the same ghost
	// does not hammer the DB.
	meta, missing, err := e.cache.GetWorkflowMeta(ctx, ghostID)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.True(t, missing)
}

func TestProcessOrganizationFallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	org := &bdb.Organization{Name: "acme", IsActive: true}
	require.NoError(t, e.orgs.Create(ctx, org))
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "org_flow", OrganizationID: &org.ID})

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess), DurationMS: 5}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "org_flow"})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(ctx, msg.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, row.OrganizationID)
	assert.Equal(t, org.ID, *row.OrganizationID)

	require.NotNil(t, e.executor.req.Organization)
	assert.Equal(t, "acme", e.executor.req.Organization.Name)
}

func TestProcessMergesConfig(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	org := &bdb.Organization{Name: "acme", IsActive: true}
	require.NoError(t, e.orgs.Create(ctx, org))
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "cfg_flow", OrganizationID: &org.ID})

	require.NoError(t, e.configs.UpsertEntry(ctx, &bdb.ConfigEntry{Key: "api_base", Value: `"https://global"`}))
	require.NoError(t, e.configs.UpsertEntry(ctx, &bdb.ConfigEntry{Key: "api_base", Value: `"https://org"`, OrganizationID: &org.ID}))
	require.NoError(t, e.configs.UpsertEntry(ctx, &bdb.ConfigEntry{Key: "retries", Value: `3`}))

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess)}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "cfg_flow"})
	require.NoError(t, e.process(t, msg))

	require.NotNil(t, e.executor.req)
	assert.JSONEq(t, `"https://org"`, string(e.executor.req.Config["api_base"]),
		"organization override must win")
	assert.JSONEq(t, `3`, string(e.executor.req.Config["retries"]))
}

func TestProcessSyncRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "sync_flow"})

	e.executor.res = pool.Result{
		Status:     string(bdb.ExecutionSuccess),
		Result:     json.RawMessage(`"<table></table>"`),
		DurationMS: 40,
	}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "sync_flow", Sync: true})
	require.NoError(t, e.process(t, msg))

	// The rendezvous payload and the row must describe the same outcome.
	payload, err := e.cache.WaitForResult(ctx, msg.ExecutionID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	row, err := e.execs.GetByID(ctx, msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, string(row.Status), payload.Status)
	assert.Equal(t, row.Result, string(payload.Result))
	assert.Equal(t, bdb.ResultTypeHTML, payload.ResultType)
	assert.Equal(t, row.ResultType, payload.ResultType)
}

func TestProcessUnknownStatusMapsToFailed(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "weird"})

	e.executor.res = pool.Result{Status: "Exploded", ErrorMessage: "weird state"}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "weird"})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(context.Background(), msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionFailed, row.Status)
}

func TestProcessTimeoutResult(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "slow"})

	e.executor.res = pool.Result{
		Status:       string(bdb.ExecutionTimeout),
		ErrorMessage: "execution exceeded its timeout",
		ErrorType:    bdb.ErrorTypeTimeout,
		DurationMS:   60000,
	}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "slow"})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(context.Background(), msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionTimeout, row.Status)
	assert.Equal(t, bdb.ErrorTypeTimeout, row.ErrorType)
}

func TestProcessExecutorErrorDeadLetters(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "broken"})

	e.executor.err = context.DeadlineExceeded
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "broken", Sync: true})
	err := e.process(t, msg)
	require.Error(t, err, "internal failures must NACK to the poison queue")

	row, gerr := e.execs.GetByID(context.Background(), msg.ExecutionID)
	require.NoError(t, gerr)
	assert.Equal(t, bdb.ExecutionFailed, row.Status)
	assert.Equal(t, bdb.ErrorTypeInternal, row.ErrorType)

	// Even the failure path unblocks a sync caller.
	payload, perr := e.cache.WaitForResult(context.Background(), msg.ExecutionID, time.Second)
	require.NoError(t, perr)
	require.NotNil(t, payload)
	assert.Equal(t, bdb.ErrorTypeInternal, payload.ErrorType)
}

func TestProcessPanicIsInternalError(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "panicky"})

	e.executor.panicWith = "slice out of range"
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "panicky"})
	err := e.process(t, msg)
	require.Error(t, err)

	row, gerr := e.execs.GetByID(context.Background(), msg.ExecutionID)
	require.NoError(t, gerr)
	assert.Equal(t, bdb.ExecutionFailed, row.Status)
	assert.Equal(t, bdb.ErrorTypeInternal, row.ErrorType)
	assert.Contains(t, row.ErrorMessage, "slice out of range")
}

func TestProcessFlushesLogs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "chatty"})
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "chatty"})

	// What the subprocess would have streamed during the run.
	sink := logstream.NewSink(e.rdb, msg.ExecutionID)
	require.NoError(t, sink.Append(ctx, "info", "step one", nil))
	require.NoError(t, sink.Append(ctx, "error", "step two failed", nil))

	e.executor.res = pool.Result{Status: string(bdb.ExecutionFailed), ErrorMessage: "step two failed", ErrorType: bdb.ErrorTypeUser}
	require.NoError(t, e.process(t, msg))

	rows, err := e.logs.ListByExecution(ctx, msg.ExecutionID, true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "step one", rows[0].Message)

	exists, err := e.rdb.Exists(ctx, cache.LogStreamKey(msg.ExecutionID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestProcessDegradedLogsRideResult(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "degraded"})
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "degraded"})

	e.executor.res = pool.Result{
		Status: string(bdb.ExecutionSuccess),
		Logs: []logstream.Entry{
			{Sequence: 0, Timestamp: time.Now().UTC(), Level: "info", Message: "buffered"},
		},
	}
	require.NoError(t, e.process(t, msg))

	rows, err := e.logs.ListByExecution(context.Background(), msg.ExecutionID, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "buffered", rows[0].Message)
}

func TestProcessRecordsRollupsOnSuccess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "roi_flow", TimeSavedMinutes: 30, ROIValue: 12.5})

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess), DurationMS: 100}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "roi_flow"})
	require.NoError(t, e.process(t, msg))

	now := time.Now().UTC()
	days, err := e.rollups.ListWorkflowDays(ctx, wf.ID, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.EqualValues(t, 1, days[0].Executions)
	assert.EqualValues(t, 1, days[0].Successes)
	assert.EqualValues(t, 30, days[0].TimeSavedMinutesTotal)
	assert.InDelta(t, 12.5, days[0].ValueTotal, 0.001)
}

func TestProcessROIOverridesFromResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "roi_override", TimeSavedMinutes: 30, ROIValue: 10})

	saved := 90
	value := 99.0
	e.executor.res = pool.Result{
		Status:           string(bdb.ExecutionSuccess),
		TimeSavedMinutes: &saved,
		ROIValue:         &value,
	}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "roi_override"})
	require.NoError(t, e.process(t, msg))

	now := time.Now().UTC()
	days, err := e.rollups.ListWorkflowDays(ctx, wf.ID, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.EqualValues(t, 90, days[0].TimeSavedMinutesTotal)
	assert.InDelta(t, 99.0, days[0].ValueTotal, 0.001)
}

func TestProcessNotifiesDeliveryUpdater(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "event_flow"})

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess)}
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "event_flow"})
	require.NoError(t, e.process(t, msg))

	require.Len(t, e.deliveries.rows, 1)
	assert.Equal(t, msg.ExecutionID, e.deliveries.rows[0].ID)
	assert.Equal(t, bdb.ExecutionSuccess, e.deliveries.rows[0].Status)
}

func TestProcessInlineCodeSkipsResolution(t *testing.T) {
	e := newEnv(t)

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess)}
	msg := e.enqueue(t, &cache.PendingExecution{
		ScriptName: "adhoc",
		Code:       "ZnVuY3Rpb24gbWFpbigpIHt9",
		IsAdmin:    true,
	})
	require.NoError(t, e.process(t, msg))

	row, err := e.execs.GetByID(context.Background(), msg.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionSuccess, row.Status)
	assert.Equal(t, "adhoc", row.WorkflowName)

	require.NotNil(t, e.executor.req)
	assert.True(t, e.executor.req.Transient)
	assert.NotEmpty(t, e.executor.req.Code)
}

func TestProcessPublishesExecutionUpdates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "observed"})
	msg := e.enqueue(t, &cache.PendingExecution{WorkflowID: &wf.ID, WorkflowName: "observed"})

	sub := e.rdb.Subscribe(ctx, notify.ExecutionChannel(msg.ExecutionID))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	e.executor.res = pool.Result{Status: string(bdb.ExecutionSuccess), DurationMS: 10}
	require.NoError(t, e.process(t, msg))

	var statuses []string
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 {
		select {
		case m := <-sub.Channel():
			var upd notify.ExecutionUpdate
			require.NoError(t, json.Unmarshal([]byte(m.Payload), &upd))
			statuses = append(statuses, upd.Status)
		case <-deadline:
			t.Fatalf("only got %v", statuses)
		}
	}
	assert.Equal(t, []string{string(bdb.ExecutionRunning), string(bdb.ExecutionSuccess)}, statuses)
}

func TestHandleControlCancelsSubprocess(t *testing.T) {
	e := newEnv(t)
	execID := uuid.New()

	body, err := json.Marshal(broker.ControlMessage{Type: "cancel", ExecutionID: execID})
	require.NoError(t, err)
	require.NoError(t, e.svc.HandleControl(context.Background(), body))
	assert.Equal(t, []uuid.UUID{execID}, e.executor.cancelled)
}

func TestHandleInvalidationDropsMeta(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := e.seedWorkflow(t, &bdb.Workflow{Name: "stale"})
	require.NoError(t, e.cache.SetWorkflowMeta(ctx, wf.ID, &cache.WorkflowMeta{Name: "stale"}))

	body, err := json.Marshal(broker.InvalidationMessage{WorkflowID: wf.ID})
	require.NoError(t, err)
	require.NoError(t, e.svc.HandleInvalidation(ctx, body))

	meta, missing, err := e.cache.GetWorkflowMeta(ctx, wf.ID)
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.False(t, missing)
}

func TestDetectResultKind(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"a":1}`, bdb.ResultTypeJSON},
		{"array", `[1,2]`, bdb.ResultTypeJSON},
		{"plain string", `"hello"`, bdb.ResultTypeText},
		{"html string", `"  <ul><li>x</li></ul>"`, bdb.ResultTypeHTML},
		{"number", `42`, bdb.ResultTypeJSON},
		{"bool", `true`, bdb.ResultTypeJSON},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectResultKind(json.RawMessage(tc.raw)))
		})
	}
}
