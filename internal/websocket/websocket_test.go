package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/notify"
)

type env struct {
	server  *httptest.Server
	rdb     *redis.Client
	manager *auth.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	manager, err := auth.NewManagerGenerated("bifrost-test")
	require.NoError(t, err)

	c := cache.NewFromClient(rdb, zap.NewNop())
	hub := NewHub(c.NewSubscriber(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	handler := NewHandler(hub, auth.NewService(manager, nil), zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/connect", handler.ServeConnect)
	mux.HandleFunc("/ws/execution/", func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.URL.Path, "/ws/execution/")
		id, err := uuid.Parse(raw)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		handler.ServeExecution(w, r, id)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &env{server: server, rdb: rdb, manager: manager}
}

func (e *env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *env) dial(t *testing.T, path string, identity auth.Identity) *gws.Conn {
	t.Helper()
	token, err := e.manager.GenerateToken(identity)
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := gws.DefaultDialer.Dial(e.wsURL(path), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *gws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// waitForChannel blocks until the server side holds a Redis subscription for
// the channel, so a following publish cannot race the subscribe.
func (e *env) waitForChannel(t *testing.T, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := e.rdb.PubSubNumSub(context.Background(), channel).Result()
		require.NoError(t, err)
		if counts[channel] > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s never subscribed", channel)
}

func TestConnectGreeting(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	conn := e.dial(t, "/ws/connect", auth.Identity{UserID: userID, Name: "ada"})

	msg := readJSON(t, conn)
	assert.Equal(t, "connected", msg["type"])
	assert.Equal(t, userID.String(), msg["userId"])
	channels, _ := msg["channels"].([]any)
	require.Len(t, channels, 1)
	assert.Equal(t, notify.UserChannel(userID), channels[0])
}

func TestConnectUnauthorized(t *testing.T) {
	e := newEnv(t)
	conn, _, err := gws.DefaultDialer.Dial(e.wsURL("/ws/connect"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *gws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnauthorized, closeErr.Code)
}

func TestPingPong(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/connect", auth.Identity{UserID: uuid.New(), Name: "ada"})
	readJSON(t, conn) // greeting

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestUserChannelDelivery(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	conn := e.dial(t, "/ws/connect", auth.Identity{UserID: userID, Name: "ada"})
	readJSON(t, conn) // greeting
	e.waitForChannel(t, notify.UserChannel(userID))

	payload := `{"type":"history_update","status":"Success"}`
	require.NoError(t, e.rdb.Publish(context.Background(), notify.UserChannel(userID), payload).Err())

	msg := readJSON(t, conn)
	assert.Equal(t, "history_update", msg["type"])
	assert.Equal(t, "Success", msg["status"])
}

func TestSubscribeUnsubscribe(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/connect", auth.Identity{UserID: uuid.New(), Name: "ada"})
	readJSON(t, conn) // greeting

	execID := uuid.New()
	channel := notify.ExecutionChannel(execID)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "subscribe", Channels: []string{channel}}))
	e.waitForChannel(t, channel)

	require.NoError(t, e.rdb.Publish(context.Background(), channel, `{"type":"execution_update","status":"Running"}`).Err())
	msg := readJSON(t, conn)
	assert.Equal(t, "execution_update", msg["type"])

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "unsubscribe", Channels: []string{channel}}))
	// The unsubscribe releases the only watcher, so the bridge drops the
	// Redis subscription too.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := e.rdb.PubSubNumSub(context.Background(), channel).Result()
		require.NoError(t, err)
		if counts[channel] == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %s still subscribed after unsubscribe", channel)
}

func TestMalformedAndUnknownMessagesIgnored(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/connect", auth.Identity{UserID: uuid.New(), Name: "ada"})
	readJSON(t, conn) // greeting

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery"}))

	// Session survives both: a ping still answers.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestExecutionEndpointPinsChannel(t *testing.T) {
	e := newEnv(t)
	execID := uuid.New()
	conn := e.dial(t, "/ws/execution/"+execID.String(), auth.Identity{UserID: uuid.New(), Name: "ada"})

	msg := readJSON(t, conn)
	assert.Equal(t, "connected", msg["type"])
	channels, _ := msg["channels"].([]any)
	require.Len(t, channels, 1)
	assert.Equal(t, notify.ExecutionChannel(execID), channels[0])

	channel := notify.ExecutionChannel(execID)
	e.waitForChannel(t, channel)
	update, _ := json.Marshal(map[string]string{"type": "execution_update", "status": "Success"})
	require.NoError(t, e.rdb.Publish(context.Background(), channel, string(update)).Err())
	got := readJSON(t, conn)
	assert.Equal(t, "Success", got["status"])

	// Locked session: subscribe requests are ignored.
	other := notify.ExecutionChannel(uuid.New())
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "subscribe", Channels: []string{other}}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	pong := readJSON(t, conn)
	assert.Equal(t, "pong", pong["type"])
	counts, err := e.rdb.PubSubNumSub(context.Background(), other).Result()
	require.NoError(t, err)
	assert.Zero(t, counts[other])
}
