package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

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

// fakeEnqueuer hands out execution IDs, or fails when told to.
type fakeEnqueuer struct {
	enqueued []uuid.UUID
	failWith error
}

func (f *fakeEnqueuer) EnqueueSystem(_ context.Context, workflowID uuid.UUID, _ json.RawMessage, _ json.RawMessage) (uuid.UUID, error) {
	if f.failWith != nil {
		return uuid.Nil, f.failWith
	}
	id := uuid.New()
	f.enqueued = append(f.enqueued, id)
	return id, nil
}

type env struct {
	svc      *Service
	repo     repositories.EventRepository
	enqueuer *fakeEnqueuer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	database, err := bdb.New(bdb.Config{
		URL:      "file:" + t.TempDir() + "/events.db",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close(database) })

	repo := repositories.NewEventRepository(database)
	enq := &fakeEnqueuer{}
	svc := New(repo, enq, notify.New(cache.NewFromClient(rdb, zap.NewNop())), zap.NewNop())
	return &env{svc: svc, repo: repo, enqueuer: enq}
}

// seedSource creates an event source with one webhook source and returns the
// webhook ID callers POST to.
func (e *env) seedSource(t *testing.T, adapter, secret string, config string) (srcID, hookID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if config == "" {
		config = "{}"
	}
	src := &bdb.EventSource{Name: "src", AdapterName: adapter, Config: config, IsActive: true}
	require.NoError(t, e.repo.CreateSource(ctx, src))
	ws := &bdb.WebhookSource{EventSourceID: src.ID, Secret: bdb.EncryptedString(secret), IsActive: true}
	require.NoError(t, e.repo.CreateWebhookSource(ctx, ws))
	return src.ID, ws.ID
}

func (e *env) subscribe(t *testing.T, srcID uuid.UUID, eventType string) *bdb.Subscription {
	t.Helper()
	sub := &bdb.Subscription{
		EventSourceID:   srcID,
		EventTypeFilter: eventType,
		WorkflowID:      uuid.New(),
		IsActive:        true,
	}
	require.NoError(t, e.repo.CreateSubscription(context.Background(), sub))
	return sub
}

func jsonReq(body string) *Request {
	return &Request{
		Method:   "POST",
		Headers:  map[string]string{"content-type": "application/json"},
		Query:    url.Values{},
		Body:     []byte(body),
		ClientIP: "203.0.113.9",
	}
}

func TestWebhookMalformedID(t *testing.T) {
	e := newEnv(t)
	out := e.svc.ProcessWebhookRequest(context.Background(), "not-a-uuid", jsonReq(`{}`))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 404, out.Status)
	assert.Equal(t, "Invalid webhook URL", out.Message)
}

func TestWebhookUnknownID(t *testing.T) {
	e := newEnv(t)
	out := e.svc.ProcessWebhookRequest(context.Background(), uuid.NewString(), jsonReq(`{}`))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 404, out.Status)
}

func TestWebhookInactiveSource(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srcID, hookID := e.seedSource(t, "generic", "", "")
	require.NoError(t, e.repo.SetSourceActive(ctx, srcID, false))

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{}`))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 404, out.Status)
}

func TestWebhookUnknownAdapter(t *testing.T) {
	e := newEnv(t)
	_, hookID := e.seedSource(t, "no-such-adapter", "", "")

	out := e.svc.ProcessWebhookRequest(context.Background(), hookID.String(), jsonReq(`{}`))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 500, out.Status)
	assert.Equal(t, "Webhook adapter not configured", out.Message)
}

func TestWebhookValidationEcho(t *testing.T) {
	e := newEnv(t)
	_, hookID := e.seedSource(t, "generic", "", "")

	req := jsonReq(`{}`)
	req.Query.Set("validation_token", "abc123")
	out := e.svc.ProcessWebhookRequest(context.Background(), hookID.String(), req)
	assert.Equal(t, OutcomeValidation, out.Kind)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, "abc123", string(out.Body))
}

func TestWebhookDeliverQueuesDeliveries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srcID, hookID := e.seedSource(t, "generic", "", `{"event_type_path":"kind"}`)
	e.subscribe(t, srcID, "order.created")
	e.subscribe(t, srcID, "") // matches every type

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{"kind":"order.created","order":7}`))
	require.Equal(t, OutcomeDeliver, out.Kind)
	assert.Equal(t, "order.created", out.EventType)
	assert.Equal(t, 2, out.Deliveries)
	require.NotEmpty(t, out.EventID)

	eventID := uuid.MustParse(out.EventID)
	ev, err := e.repo.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, bdb.EventProcessing, ev.Status)
	assert.JSONEq(t, `{"kind":"order.created","order":7}`, ev.Payload)

	deliveries, err := e.repo.ListDeliveries(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		assert.Equal(t, bdb.DeliveryQueued, d.Status)
		assert.NotNil(t, d.ExecutionID)
	}
	assert.Len(t, e.enqueuer.enqueued, 2)
}

func TestWebhookDeliverFiltersByType(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srcID, hookID := e.seedSource(t, "generic", "", `{"event_type_path":"kind"}`)
	e.subscribe(t, srcID, "order.created")
	e.subscribe(t, srcID, "order.deleted")

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{"kind":"order.deleted"}`))
	require.Equal(t, OutcomeDeliver, out.Kind)
	assert.Equal(t, 1, out.Deliveries)
}

func TestWebhookNoSubscriptionsCompletesEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, hookID := e.seedSource(t, "generic", "", "")

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{"x":1}`))
	require.Equal(t, OutcomeDeliver, out.Kind)
	assert.Zero(t, out.Deliveries)

	ev, err := e.repo.GetEvent(ctx, uuid.MustParse(out.EventID))
	require.NoError(t, err)
	assert.Equal(t, bdb.EventCompleted, ev.Status)
	assert.Empty(t, e.enqueuer.enqueued)
}

func TestWebhookEnqueueFailureFailsDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srcID, hookID := e.seedSource(t, "generic", "", "")
	e.subscribe(t, srcID, "")
	e.enqueuer.failWith = fmt.Errorf("broker unavailable")

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{"x":1}`))
	require.Equal(t, OutcomeDeliver, out.Kind)

	eventID := uuid.MustParse(out.EventID)
	deliveries, err := e.repo.ListDeliveries(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, bdb.DeliveryFailed, deliveries[0].Status)
	assert.Contains(t, deliveries[0].Error, "broker unavailable")

	ev, err := e.repo.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, bdb.EventFailed, ev.Status)
}

func TestWebhookGenericSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, hookID := e.seedSource(t, "generic", "hunter2", "")

	body := `{"x":1}`
	bad := jsonReq(body)
	bad.Headers["x-signature"] = "deadbeef"
	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), bad)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 401, out.Status)

	good := jsonReq(body)
	good.Headers["x-signature"] = "sha256=" + SignHMAC("hunter2", []byte(body))
	out = e.svc.ProcessWebhookRequest(ctx, hookID.String(), good)
	assert.Equal(t, OutcomeDeliver, out.Kind)
}

func TestStandardAdapter(t *testing.T) {
	secret := "topsecret"
	a := LookupAdapter("standard")
	require.NotNil(t, a)

	sign := func(ts string, body string) *Request {
		req := jsonReq(body)
		req.Headers[standardTimestampHeader] = ts
		req.Headers[standardSignatureHeader] = SignHMAC(secret, []byte(ts+"."+body))
		return req
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)

	out, _ := a.HandleRequest(sign(now, `{"event_type":"deploy","data":{"env":"prod"}}`), nil, secret, nil)
	require.Equal(t, OutcomeDeliver, out.Kind)
	assert.Equal(t, "deploy", out.EventType)
	assert.JSONEq(t, `{"env":"prod"}`, string(out.Data))

	// Stale timestamp.
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	out, _ = a.HandleRequest(sign(stale, `{"event_type":"deploy","data":{}}`), nil, secret, nil)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 400, out.Status)

	// Wrong signature.
	req := sign(now, `{"event_type":"deploy","data":{}}`)
	req.Headers[standardSignatureHeader] = "0000"
	out, _ = a.HandleRequest(req, nil, secret, nil)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 401, out.Status)

	// Envelope without event_type.
	out, _ = a.HandleRequest(sign(now, `{"data":{}}`), nil, secret, nil)
	assert.Equal(t, OutcomeRejected, out.Kind)

	// No secret configured at all.
	out, _ = a.HandleRequest(sign(now, `{"event_type":"x","data":{}}`), nil, "", nil)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 500, out.Status)
}

func TestUpdateDeliveryFromExecution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	srcID, hookID := e.seedSource(t, "generic", "", "")
	e.subscribe(t, srcID, "")
	e.subscribe(t, srcID, "")

	out := e.svc.ProcessWebhookRequest(ctx, hookID.String(), jsonReq(`{"x":1}`))
	require.Equal(t, OutcomeDeliver, out.Kind)
	eventID := uuid.MustParse(out.EventID)
	deliveries, err := e.repo.ListDeliveries(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	// First execution succeeds: one delivery Success, event still Processing.
	now := time.Now().UTC()
	ex1 := &bdb.Execution{Status: bdb.ExecutionSuccess, CompletedAt: &now}
	ex1.ID = *deliveries[0].ExecutionID
	require.NoError(t, e.svc.UpdateDeliveryFromExecution(ctx, ex1))

	ev, err := e.repo.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, bdb.EventProcessing, ev.Status)

	// Second fails: terminal mix, PartiallyFailed.
	ex2 := &bdb.Execution{Status: bdb.ExecutionTimeout, ErrorMessage: "took too long", CompletedAt: &now}
	ex2.ID = *deliveries[1].ExecutionID
	require.NoError(t, e.svc.UpdateDeliveryFromExecution(ctx, ex2))

	ev, err = e.repo.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, bdb.EventPartiallyFailed, ev.Status)

	got, err := e.repo.ListDeliveries(ctx, eventID)
	require.NoError(t, err)
	byExec := map[uuid.UUID]bdb.EventDelivery{}
	for _, d := range got {
		byExec[*d.ExecutionID] = d
	}
	assert.Equal(t, bdb.DeliverySuccess, byExec[ex1.ID].Status)
	failedRow := byExec[ex2.ID]
	assert.Equal(t, bdb.DeliveryFailed, failedRow.Status)
	assert.Equal(t, "took too long", failedRow.Error)
	assert.Equal(t, 1, failedRow.AttemptCount)
	assert.NotNil(t, failedRow.CompletedAt)
}

func TestUpdateDeliveryNonEventExecutionIsNoop(t *testing.T) {
	e := newEnv(t)
	ex := &bdb.Execution{Status: bdb.ExecutionSuccess}
	ex.ID = uuid.New()
	assert.NoError(t, e.svc.UpdateDeliveryFromExecution(context.Background(), ex))
}

func TestGenericAdapterRejectsInvalidJSON(t *testing.T) {
	e := newEnv(t)
	_, hookID := e.seedSource(t, "generic", "", "")

	out := e.svc.ProcessWebhookRequest(context.Background(), hookID.String(), jsonReq(`not json`))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, 400, out.Status)
}

func TestLookupPath(t *testing.T) {
	doc := []byte(`{"meta":{"event":{"kind":"build.finished"}}}`)
	assert.Equal(t, "build.finished", lookupPath(doc, "meta.event.kind"))
	assert.Equal(t, "", lookupPath(doc, "meta.missing.kind"))
	assert.Equal(t, "", lookupPath(doc, "meta"))
}
