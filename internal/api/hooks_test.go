package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bdb "github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// seedHook creates an active generic event source with one webhook endpoint
// and a catch-all subscription to the named workflow.
func (e *env) seedHook(t *testing.T, workflow string, secret string) *bdb.WebhookSource {
	t.Helper()
	ctx := context.Background()

	wf := e.seedWorkflow(t, workflow, nil)
	src := &bdb.EventSource{Name: "hook-src", AdapterName: "generic", IsActive: true}
	require.NoError(t, e.eventsRepo.CreateSource(ctx, src))
	ws := &bdb.WebhookSource{
		EventSourceID: src.ID,
		Secret:        bdb.EncryptedString(secret),
		IsActive:      true,
	}
	require.NoError(t, e.eventsRepo.CreateWebhookSource(ctx, ws))
	require.NoError(t, e.eventsRepo.CreateSubscription(ctx, &bdb.Subscription{
		EventSourceID: src.ID,
		WorkflowID:    wf.ID,
		IsActive:      true,
	}))
	return ws
}

func TestHookDeliversEvent(t *testing.T) {
	e := newEnv(t)
	ws := e.seedHook(t, "on_push", "")

	resp := e.do(t, http.MethodPost, "/api/hooks/"+ws.ID.String(), "",
		map[string]string{"action": "opened"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body struct {
		EventID    string `json:"event_id"`
		Deliveries int    `json:"deliveries"`
	}
	decodeData(t, resp, &body)
	assert.Equal(t, 1, body.Deliveries)

	eventID, err := uuid.Parse(body.EventID)
	require.NoError(t, err)
	ev, err := e.eventsRepo.GetEvent(context.Background(), eventID)
	require.NoError(t, err)
	assert.Equal(t, "webhook", ev.EventType)
	assert.JSONEq(t, `{"action":"opened"}`, ev.Payload)

	// The delivery fanned out into one system execution claim message.
	assert.Len(t, e.pub.published, 1)
}

func TestHookUnknownEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/hooks/"+uuid.NewString(), "",
		map[string]string{"a": "b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/hooks/not-a-uuid", "",
		map[string]string{"a": "b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHookInactiveEndpoint(t *testing.T) {
	e := newEnv(t)
	ws := e.seedHook(t, "on_push", "")
	ws.IsActive = false
	require.NoError(t, e.eventsRepo.UpdateWebhookSource(context.Background(), ws))

	resp := e.do(t, http.MethodPost, "/api/hooks/"+ws.ID.String(), "",
		map[string]string{"a": "b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHookValidationEcho(t *testing.T) {
	e := newEnv(t)
	ws := e.seedHook(t, "on_push", "")

	resp := e.do(t, http.MethodPost, "/api/hooks/"+ws.ID.String()+"?validation_token=pong", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

func TestHookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	ws := e.seedHook(t, "on_push", "topsecret")

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/hooks/"+ws.ID.String(),
		bytes.NewReader([]byte(`{"a":"b"}`)))
	require.NoError(t, err)
	req.Header.Set("X-Signature", "deadbeef")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Nothing was persisted.
	_, total, err := e.eventsRepo.ListEvents(context.Background(), repositories.EventListOptions{
		ListOptions: repositories.ListOptions{Limit: 10},
	})
	require.NoError(t, err)
	assert.Zero(t, total)
}
