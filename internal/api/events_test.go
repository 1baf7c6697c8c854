package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bdb "github.com/bifrost-io/bifrost/internal/db"
)

func TestCreateEventSource(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/event-sources", e.adminToken, map[string]any{
		"name":         "github",
		"adapter_name": "generic",
		"secret":       "hook-secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body createSourceResponse
	decodeData(t, resp, &body)
	assert.Equal(t, "github", body.Name)

	webhookID, err := uuid.Parse(body.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, "/api/hooks/"+body.WebhookID, body.WebhookPath)

	ws, err := e.eventsRepo.GetWebhookSource(context.Background(), webhookID)
	require.NoError(t, err)
	assert.Equal(t, "hook-secret", string(ws.Secret))
	assert.True(t, ws.IsActive)
}

func TestCreateEventSourceUnknownAdapter(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/event-sources", e.adminToken, map[string]any{
		"name":         "mystery",
		"adapter_name": "nonexistent",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/event-sources", e.adminToken, map[string]any{
		"adapter_name": "generic",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSubscription(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, "on_push", nil)

	src := &bdb.EventSource{Name: "src", AdapterName: "generic", IsActive: true}
	require.NoError(t, e.eventsRepo.CreateSource(context.Background(), src))

	resp := e.do(t, http.MethodPost, "/api/event-sources/"+src.ID.String()+"/subscriptions",
		e.adminToken, map[string]any{
			"workflow_id":       wf.ID,
			"event_type_filter": "push",
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body subscriptionResponse
	decodeData(t, resp, &body)
	assert.Equal(t, wf.ID.String(), body.WorkflowID)
	assert.Equal(t, "push", body.EventTypeFilter)

	subs, err := e.eventsRepo.ListSubscriptions(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	e := newEnv(t)
	wf := e.seedWorkflow(t, "on_push", nil)

	src := &bdb.EventSource{Name: "src", AdapterName: "generic", IsActive: true}
	require.NoError(t, e.eventsRepo.CreateSource(context.Background(), src))

	// Unknown source.
	resp := e.do(t, http.MethodPost, "/api/event-sources/"+uuid.NewString()+"/subscriptions",
		e.adminToken, map[string]any{"workflow_id": wf.ID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Unknown workflow.
	resp = e.do(t, http.MethodPost, "/api/event-sources/"+src.ID.String()+"/subscriptions",
		e.adminToken, map[string]any{"workflow_id": uuid.New()})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Missing workflow.
	resp = e.do(t, http.MethodPost, "/api/event-sources/"+src.ID.String()+"/subscriptions",
		e.adminToken, map[string]any{"event_type_filter": "push"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEventsAndDeliveries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := &bdb.EventSource{Name: "src", AdapterName: "generic", IsActive: true}
	require.NoError(t, e.eventsRepo.CreateSource(ctx, src))

	ev := &bdb.Event{
		EventSourceID: src.ID,
		EventType:     "push",
		ReceivedAt:    time.Now().UTC(),
		Payload:       `{"ref":"main"}`,
		Status:        bdb.EventProcessing,
	}
	require.NoError(t, e.eventsRepo.CreateEventWithDeliveries(ctx, ev, []bdb.EventDelivery{
		{SubscriptionID: uuid.New(), WorkflowID: uuid.New(), Status: bdb.DeliveryPending},
	}))

	resp := e.do(t, http.MethodGet, "/api/events", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list listEventsResponse
	decodeData(t, resp, &list)
	require.Equal(t, int64(1), list.Total)
	assert.Equal(t, "push", list.Items[0].EventType)

	resp = e.do(t, http.MethodGet, "/api/events?status=Completed", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &list)
	assert.Zero(t, list.Total)

	resp = e.do(t, http.MethodGet, "/api/events/"+ev.ID.String()+"/deliveries", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deliveries []deliveryResponse
	decodeData(t, resp, &deliveries)
	require.Len(t, deliveries, 1)
	assert.Equal(t, string(bdb.DeliveryPending), deliveries[0].Status)

	resp = e.do(t, http.MethodGet, "/api/events/"+uuid.NewString()+"/deliveries", e.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
