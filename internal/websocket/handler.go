package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/auth"
	"github.com/bifrost-io/bifrost/internal/notify"
)

// closeUnauthorized is the close code sent when a connection fails
// authentication after the upgrade.
const closeUnauthorized = 4001

// Handler upgrades HTTP requests into hub sessions.
type Handler struct {
	hub      *Hub
	auth     *auth.Service
	upgrader gws.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a Handler. Origin checking is left to the deployment's
// reverse proxy; browser clients of other origins only reach authenticated
// channels.
func NewHandler(hub *Hub, authSvc *auth.Service, logger *zap.Logger) *Handler {
	return &Handler{
		hub:  hub,
		auth: authSvc,
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
}

// connected is the greeting sent once a session is established.
type connected struct {
	Type     string   `json:"type"`
	UserID   string   `json:"userId"`
	Channels []string `json:"channels"`
}

// ServeConnect is GET /ws/connect: the general-purpose session. The client
// starts on its own user channel and manages the rest with
// subscribe/unsubscribe messages.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	conn, identity, ok := h.accept(w, r)
	if !ok {
		return
	}

	c := newClient(h.hub, conn, identity, false, h.logger)
	h.hub.subscribe(r.Context(), c, notify.UserChannel(identity.UserID))
	c.enqueue(connected{
		Type:     "connected",
		UserID:   identity.UserID.String(),
		Channels: h.hub.channelList(c),
	})
	c.run(r.Context())
}

// ServeExecution is GET /ws/execution/{id}: a session pinned to exactly one
// execution channel, for clients that only follow a single run.
func (h *Handler) ServeExecution(w http.ResponseWriter, r *http.Request, executionID uuid.UUID) {
	conn, identity, ok := h.accept(w, r)
	if !ok {
		return
	}

	c := newClient(h.hub, conn, identity, true, h.logger)
	h.hub.subscribe(r.Context(), c, notify.ExecutionChannel(executionID))
	c.enqueue(connected{
		Type:     "connected",
		UserID:   identity.UserID.String(),
		Channels: h.hub.channelList(c),
	})
	c.run(r.Context())
}

// accept upgrades first and authenticates second, so auth failures can be
// reported in-band with close code 4001 instead of an HTTP status the
// browser WebSocket API cannot observe.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request) (*gws.Conn, *auth.Identity, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil, nil, false
	}

	identity, err := h.auth.Identify(r.Context(), bearerToken(r), r.Header.Get("X-API-Key"))
	if err != nil {
		h.logger.Debug("websocket auth failed", zap.Error(err))
		msg := gws.FormatCloseMessage(closeUnauthorized, "unauthorized")
		_ = conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return nil, nil, false
	}
	return conn, identity, true
}

// bearerToken extracts the raw token from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers on
// WebSocket requests.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return r.URL.Query().Get("token")
}
