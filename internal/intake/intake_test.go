package intake

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
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// fakePublisher records publishes and optionally runs a hook before
// acknowledging, standing in for the worker side of a rendezvous.
type fakePublisher struct {
	mu         sync.Mutex
	published  []broker.ExecutionMessage
	priorities []uint8
	broadcasts map[string][][]byte
	onPublish  func(msg broker.ExecutionMessage)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{broadcasts: make(map[string][][]byte)}
}

func (f *fakePublisher) Publish(_ context.Context, queue string, body []byte, priority uint8) error {
	msg, err := broker.DecodeExecutionMessage(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.priorities = append(f.priorities, priority)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (f *fakePublisher) PublishBroadcast(_ context.Context, exchange string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[exchange] = append(f.broadcasts[exchange], body)
	return nil
}

func (f *fakePublisher) last(t *testing.T) broker.ExecutionMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

type testEnv struct {
	svc       *Service
	cache     *cache.Client
	workflows repositories.WorkflowRepository
	execs     repositories.ExecutionRepository
	pub       *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.NewFromClient(rdb, zap.NewNop())

	database, err := bdb.New(bdb.Config{
		URL:      "file:" + t.TempDir() + "/intake.db",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close(database) })

	workflows := repositories.NewWorkflowRepository(database)
	execs := repositories.NewExecutionRepository(database)
	pub := newFakePublisher()
	svc := New(workflows, execs, c, pub, notify.New(c), zap.NewNop())
	return &testEnv{svc: svc, cache: c, workflows: workflows, execs: execs, pub: pub}
}

func (e *testEnv) seedWorkflow(t *testing.T, wf *bdb.Workflow) *bdb.Workflow {
	t.Helper()
	if wf.FunctionName == "" {
		wf.FunctionName = "main"
	}
	if wf.TimeoutSeconds == 0 {
		wf.TimeoutSeconds = 300
	}
	wf.IsActive = true
	require.NoError(t, e.workflows.Upsert(context.Background(), wf))
	stored, err := e.workflows.GetByName(context.Background(), wf.Name)
	require.NoError(t, err)
	return stored
}

func TestEnqueueWritesPendingBeforePublish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "send_report"})

	// The pending context must already be readable when the message hits the
	// broker, otherwise a fast consumer claims a context that does not exist.
	env.pub.onPublish = func(msg broker.ExecutionMessage) {
		p, err := env.cache.GetPendingExecution(ctx, msg.ExecutionID)
		require.NoError(t, err)
		require.NotNil(t, p, "pending record missing at publish time")
	}

	id, err := env.svc.Enqueue(ctx, Request{
		WorkflowName: "send_report",
		Parameters:   json.RawMessage(`{"n":1}`),
		Identity:     Identity{UserID: uuid.New(), UserName: "alex"},
	})
	require.NoError(t, err)

	msg := env.pub.last(t)
	assert.Equal(t, id, msg.ExecutionID)
	require.NotNil(t, msg.WorkflowID)
	assert.Equal(t, bdb.WorkflowIDFromName("send_report"), *msg.WorkflowID)

	p, err := env.cache.GetPendingExecution(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "send_report", p.WorkflowName)
	assert.Equal(t, "alex", p.UserName)
	assert.JSONEq(t, `{"n":1}`, string(p.Parameters))
}

func TestEnqueueUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Enqueue(context.Background(), Request{WorkflowName: "ghost"})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Empty(t, env.pub.published, "nothing may be published for a failed resolve")
}

func TestEnqueueInactiveWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	wf := env.seedWorkflow(t, &bdb.Workflow{Name: "retired"})
	require.NoError(t, env.workflows.SetActive(ctx, wf.ID, false))

	_, err := env.svc.Enqueue(ctx, Request{WorkflowName: "retired"})
	assert.ErrorIs(t, err, ErrWorkflowInactive)
}

func TestEnqueueValidatesParameters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{
		Name:            "strict",
		ParameterSchema: `{"type":"object","required":["account"],"properties":{"account":{"type":"string"}}}`,
	})

	_, err := env.svc.Enqueue(ctx, Request{
		WorkflowName: "strict",
		Parameters:   json.RawMessage(`{"other":1}`),
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = env.svc.Enqueue(ctx, Request{
		WorkflowName: "strict",
		Parameters:   json.RawMessage(`{"account":"acme"}`),
	})
	assert.NoError(t, err)
}

func TestEnqueueInlineCodeSkipsResolution(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.svc.Enqueue(context.Background(), Request{
		ScriptName: "adhoc",
		Code:       "ZnVuY3Rpb24gbWFpbigpIHt9",
		Identity:   Identity{UserID: uuid.New(), UserName: "alex", IsAdmin: true},
	})
	require.NoError(t, err)

	msg := env.pub.last(t)
	assert.Equal(t, id, msg.ExecutionID)
	assert.Nil(t, msg.WorkflowID)
	assert.Equal(t, "adhoc", msg.ScriptName)
	assert.NotEmpty(t, msg.Code)
}

func TestEnqueueOrganizationFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	orgID := uuid.New()
	env.seedWorkflow(t, &bdb.Workflow{Name: "org_scoped", OrganizationID: &orgID})

	id, err := env.svc.Enqueue(ctx, Request{
		WorkflowName: "org_scoped",
		Identity:     Identity{UserID: uuid.New(), UserName: "alex"},
	})
	require.NoError(t, err)

	p, err := env.cache.GetPendingExecution(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p.OrganizationID)
	assert.Equal(t, orgID, *p.OrganizationID)
}

func TestEnqueuePriorityDefaultsAndClamps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "prio"})

	_, err := env.svc.Enqueue(ctx, Request{WorkflowName: "prio"})
	require.NoError(t, err)
	_, err = env.svc.Enqueue(ctx, Request{WorkflowName: "prio", Priority: 42})
	require.NoError(t, err)

	assert.Equal(t, []uint8{DefaultPriority, 9}, env.pub.priorities)
}

func TestEnqueueSyncModeWorkflowForcesSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "tooling", ExecutionMode: bdb.ModeSync})

	id, err := env.svc.Enqueue(ctx, Request{WorkflowName: "tooling"})
	require.NoError(t, err)

	assert.True(t, env.pub.last(t).Sync)
	p, err := env.cache.GetPendingExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Sync)
}

func TestEnqueueAndWaitReturnsWorkerPayload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "fast"})

	// Simulated worker: push the terminal payload as soon as the message is
	// on the queue.
	env.pub.onPublish = func(msg broker.ExecutionMessage) {
		err := env.cache.PushResult(ctx, msg.ExecutionID, &cache.ResultPayload{
			ExecutionID: msg.ExecutionID,
			Status:      string(bdb.ExecutionSuccess),
			Result:      json.RawMessage(`{"ok":true}`),
			ResultType:  bdb.ResultTypeJSON,
		}, time.Minute)
		require.NoError(t, err)
	}

	payload, err := env.svc.EnqueueAndWait(ctx, Request{WorkflowName: "fast"})
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, string(bdb.ExecutionSuccess), payload.Status)
	assert.JSONEq(t, `{"ok":true}`, string(payload.Result))
}

func TestEnqueueAndWaitTimesOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "slow", TimeoutSeconds: 1})
	env.svc.waitMargin = 100 * time.Millisecond

	payload, err := env.svc.EnqueueAndWait(ctx, Request{WorkflowName: "slow"})
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, string(bdb.ExecutionTimeout), payload.Status)
	assert.NotEqual(t, uuid.Nil, payload.ExecutionID,
		"timeout surface must still carry the execution id")
}

func TestCancelPendingOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedWorkflow(t, &bdb.Workflow{Name: "cancellable"})

	id, err := env.svc.Enqueue(ctx, Request{WorkflowName: "cancellable"})
	require.NoError(t, err)
	require.NoError(t, env.svc.Cancel(ctx, id))

	p, err := env.cache.GetPendingExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.Cancelled)
	assert.Empty(t, env.pub.broadcasts[broker.ExchangeExecutionControl],
		"no control broadcast for a pre-claim cancel")
}

func TestCancelRunningBroadcastsControl(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Workers create the row directly in Running once they claim the pending
	// record, so the fixture does the same.
	started := time.Now().UTC()
	ex := &bdb.Execution{WorkflowName: "long", Status: bdb.ExecutionRunning, StartedAt: &started, ExecutedBy: uuid.New()}
	require.NoError(t, env.execs.Create(ctx, ex))

	require.NoError(t, env.svc.Cancel(ctx, ex.ID))

	got, err := env.execs.GetByID(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, bdb.ExecutionCancelling, got.Status)

	msgs := env.pub.broadcasts[broker.ExchangeExecutionControl]
	require.Len(t, msgs, 1)
	var ctl broker.ControlMessage
	require.NoError(t, json.Unmarshal(msgs[0], &ctl))
	assert.Equal(t, "cancel", ctl.Type)
	assert.Equal(t, ex.ID, ctl.ExecutionID)
}

func TestCancelUnknownExecutionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.svc.Cancel(context.Background(), uuid.New()))
}
