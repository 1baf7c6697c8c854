package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/events"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// renewalWindow is how close to expiry a subscription gets before the job
// renews it. The job runs every six hours, so a day of headroom survives
// several missed passes.
const renewalWindow = 24 * time.Hour

// renewSubscriptions walks every adapter that knows how to renew and every
// active source bound to it, re-registering subscriptions whose stored state
// shows an expiry inside the window. A failed renewal leaves the old state
// in place for the next pass.
func (s *Scheduler) renewSubscriptions(ctx context.Context) error {
	var renewed int
	for _, name := range events.RegisteredAdapters() {
		renewer, ok := events.LookupAdapter(name).(events.Renewer)
		if !ok {
			continue
		}
		sources, err := s.deps.Events.ListSourcesByAdapter(ctx, name)
		if err != nil {
			return fmt.Errorf("scheduler: list sources for adapter %s: %w", name, err)
		}
		for i := range sources {
			src := &sources[i]
			if !src.IsActive {
				continue
			}
			ok, err := s.renewSource(ctx, renewer, src)
			if err != nil {
				s.logger.Warn("subscription renewal failed",
					zap.String("event_source_id", src.ID.String()),
					zap.String("adapter", name),
					zap.Error(err),
				)
				continue
			}
			if ok {
				renewed++
			}
		}
	}
	if renewed > 0 {
		s.logger.Info("webhook subscriptions renewed", zap.Int("renewed", renewed))
	}
	return nil
}

// renewSource renews one source if its state is due. Returns false when
// there was nothing to do: no state, state not renewal-shaped, or the
// subscription is not close enough to expiry.
func (s *Scheduler) renewSource(ctx context.Context, renewer events.Renewer, src *db.EventSource) (bool, error) {
	st, err := s.deps.Events.GetAdapterState(ctx, src.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var cur events.RenewalState
	if err := json.Unmarshal([]byte(st.State), &cur); err != nil || cur.ExpiresAt.IsZero() {
		return false, nil
	}
	if cur.ExpiresAt.After(time.Now().UTC().Add(renewalWindow)) {
		return false, nil
	}

	secret := ""
	ws, err := s.deps.Events.GetWebhookSourceByEventSource(ctx, src.ID)
	switch {
	case err == nil:
		secret = string(ws.Secret)
	case !errors.Is(err, repositories.ErrNotFound):
		return false, err
	}

	next, err := renewer.Renew(ctx, s.http, json.RawMessage(src.Config), secret, json.RawMessage(st.State))
	if err != nil {
		return false, err
	}
	if err := s.deps.Events.SaveAdapterState(ctx, &db.AdapterState{
		EventSourceID: src.ID,
		State:         string(next),
	}); err != nil {
		return false, err
	}
	return true, nil
}
