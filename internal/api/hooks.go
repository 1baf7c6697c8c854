package api

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/events"
)

// HookHandler is the public webhook ingress. It carries no auth middleware:
// endpoints are addressable only by webhook UUID, and the adapter pipeline
// enforces active flags and signature checks.
type HookHandler struct {
	events *events.Service
	logger *zap.Logger
}

// NewHookHandler creates a new HookHandler.
func NewHookHandler(svc *events.Service, logger *zap.Logger) *HookHandler {
	return &HookHandler{
		events: svc,
		logger: logger.Named("hook_handler"),
	}
}

// Serve handles POST /api/hooks/{webhookID}.
// The response depends on the adapter's verdict: provider handshakes are
// echoed verbatim, rejections carry the adapter's status, and accepted
// payloads return 202 with the event ID and the number of deliveries fanned
// out.
func (h *HookHandler) Serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		ErrBadRequest(w, "request body too large or unreadable")
		return
	}

	// Header keys are lowercased once here; adapters and stored events both
	// rely on that normalization.
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	clientIP := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(clientIP); splitErr == nil {
		clientIP = host
	}

	out := h.events.ProcessWebhookRequest(r.Context(), chi.URLParam(r, "webhookID"), &events.Request{
		Method:   r.Method,
		Headers:  headers,
		Query:    r.URL.Query(),
		Body:     body,
		ClientIP: clientIP,
	})

	switch out.Kind {
	case events.OutcomeValidation:
		for k, v := range out.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(out.Status)
		_, _ = w.Write(out.Body)

	case events.OutcomeRejected:
		errJSON(w, out.Status, out.Message, "rejected")

	case events.OutcomeDeliver:
		Accepted(w, envelope{
			"event_id":   out.EventID,
			"deliveries": out.Deliveries,
		})

	default:
		h.logger.Error("unknown webhook outcome", zap.Int("kind", int(out.Kind)))
		ErrInternal(w)
	}
}
