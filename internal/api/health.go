package api

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/bifrost-io/bifrost/internal/cache"
)

// HealthHandler answers liveness probes by pinging the two stores the fabric
// cannot run without.
type HealthHandler struct {
	db    *gorm.DB
	cache *cache.Client
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(database *gorm.DB, c *cache.Client) *HealthHandler {
	return &HealthHandler{db: database, cache: c}
}

// Serve handles GET /healthz. Returns 200 when both the database and Redis
// answer, 503 naming the failing dependency otherwise.
func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded", "failing": "database"})
		return
	}

	if err := h.cache.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded", "failing": "redis"})
		return
	}

	JSON(w, http.StatusOK, envelope{"status": "ok"})
}
