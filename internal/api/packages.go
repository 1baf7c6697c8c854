package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/broker"
	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// PackageHandler installs shared dependencies: the requirements file is
// written through to the file index and the cache, then every worker is told
// to converge on it via the package-install broadcast. Progress streams back
// to the requesting admin over their user channel.
type PackageHandler struct {
	config      repositories.ConfigRepository
	cache       *cache.Client
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewPackageHandler creates a new PackageHandler.
func NewPackageHandler(
	config repositories.ConfigRepository,
	c *cache.Client,
	broadcaster Broadcaster,
	logger *zap.Logger,
) *PackageHandler {
	return &PackageHandler{
		config:      config,
		cache:       c,
		broadcaster: broadcaster,
		logger:      logger.Named("package_handler"),
	}
}

// installRequest is the JSON body expected by POST /api/admin/packages/install.
// Requirements is the full desired content of the requirements file, not a
// delta; workers reconcile against it.
type installRequest struct {
	Requirements string `json:"requirements"`
}

// Install handles POST /api/admin/packages/install.
// The install itself is asynchronous: 202 returns a job ID whose progress is
// streamed on the requesting user's channel.
func (h *PackageHandler) Install(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	var req installRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Requirements == "" {
		ErrBadRequest(w, "requirements is required")
		return
	}

	// Durable copy first, cache second; a worker that misses the broadcast
	// still converges from the file index on its next warm.
	if err := h.cache.SetRequirements(r.Context(), h.config, req.Requirements); err != nil {
		h.logger.Error("failed to write requirements", zap.Error(err))
		ErrInternal(w)
		return
	}

	sum := sha256.Sum256([]byte(req.Requirements))
	jobID := uuid.NewString()

	body, _ := json.Marshal(broker.PackageInstallMessage{
		JobID:           jobID,
		RequestedBy:     identity.UserID,
		RequirementsSHA: hex.EncodeToString(sum[:]),
	})
	if err := h.broadcaster.PublishBroadcast(r.Context(), broker.ExchangePackageInstall, body); err != nil {
		h.logger.Error("failed to broadcast package install", zap.String("job_id", jobID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("package install requested",
		zap.String("job_id", jobID),
		zap.String("requested_by", identity.UserID.String()),
	)
	Accepted(w, envelope{"job_id": jobID})
}
