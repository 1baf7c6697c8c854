package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/cache"
	bdb "github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/events"
	"github.com/bifrost-io/bifrost/internal/intake"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
	"github.com/bifrost-io/bifrost/internal/websocket"
)

func TestMain(m *testing.M) {
	if err := bdb.InitEncryption([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakePublisher captures broker traffic. onPublish, when set, fires for every
// queue publish so tests can play the worker's side of a rendezvous.
type fakePublisher struct {
	mu         sync.Mutex
	published  [][]byte
	broadcasts map[string][][]byte
	onPublish  func(body []byte)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{broadcasts: map[string][][]byte{}}
}

func (f *fakePublisher) Publish(_ context.Context, _ string, body []byte, _ uint8) error {
	f.mu.Lock()
	f.published = append(f.published, body)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(body)
	}
	return nil
}

func (f *fakePublisher) PublishBroadcast(_ context.Context, exchange string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts[exchange] = append(f.broadcasts[exchange], body)
	return nil
}

func (f *fakePublisher) broadcastsOn(exchange string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.broadcasts[exchange]...)
}

type env struct {
	srv        *httptest.Server
	gorm       *gorm.DB
	cache      *cache.Client
	pub        *fakePublisher
	intake     *intake.Service
	workflows  repositories.WorkflowRepository
	executions repositories.ExecutionRepository
	logs       repositories.ExecutionLogRepository
	eventsRepo repositories.EventRepository
	config     repositories.ConfigRepository

	adminToken string
	userToken  string
	userID     uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	database, err := bdb.New(bdb.Config{
		URL:      "file:" + t.TempDir() + "/api.db",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close(database) })

	e := &env{
		gorm:       database,
		cache:      cache.NewFromClient(rdb, zap.NewNop()),
		pub:        newFakePublisher(),
		workflows:  repositories.NewWorkflowRepository(database),
		executions: repositories.NewExecutionRepository(database),
		logs:       repositories.NewExecutionLogRepository(database),
		eventsRepo: repositories.NewEventRepository(database),
		config:     repositories.NewConfigRepository(database),
		userID:     uuid.New(),
	}

	notifier := notify.New(e.cache)
	e.intake = intake.New(e.workflows, e.executions, e.cache, e.pub, notifier, zap.NewNop())
	eventSvc := events.New(e.eventsRepo, e.intake, notifier, zap.NewNop())

	manager, err := auth.NewManagerGenerated("bifrost-test")
	require.NoError(t, err)
	authSvc := auth.NewService(manager, nil)

	e.adminToken, err = manager.GenerateToken(auth.Identity{UserID: uuid.New(), Name: "root", IsAdmin: true})
	require.NoError(t, err)
	e.userToken, err = manager.GenerateToken(auth.Identity{UserID: e.userID, Name: "alice"})
	require.NoError(t, err)

	hub := websocket.NewHub(e.cache.NewSubscriber(), zap.NewNop())
	wsHandler := websocket.NewHandler(hub, authSvc, zap.NewNop())

	router := NewRouter(RouterConfig{
		AuthService:   authSvc,
		Intake:        e.intake,
		Events:        eventSvc,
		WS:            wsHandler,
		Broadcaster:   e.pub,
		Cache:         e.cache,
		DB:            database,
		Logger:        zap.NewNop(),
		Workflows:     e.workflows,
		Executions:    e.executions,
		ExecutionLogs: e.logs,
		EventStore:    e.eventsRepo,
		Config:        e.config,
	})
	e.srv = httptest.NewServer(router)
	t.Cleanup(e.srv.Close)
	return e
}

// do performs a request against the test server. A non-empty token goes into
// the Authorization header.
func (e *env) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// decodeData unmarshals the "data" member of an envelope response into out.
func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	require.NoError(t, json.Unmarshal(wrapper.Data, out))
}

func (e *env) seedWorkflow(t *testing.T, name string, mutate func(*bdb.Workflow)) *bdb.Workflow {
	t.Helper()
	wf := &bdb.Workflow{
		Name:         name,
		FunctionName: name,
		IsActive:     true,
	}
	if mutate != nil {
		mutate(wf)
	}
	require.NoError(t, e.workflows.Upsert(context.Background(), wf))
	return wf
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/api/executions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/executions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/api/events", e.userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/admin/packages/install", e.userToken,
		map[string]string{"requirements": "left-pad==1.0"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "go_goroutines")
}
