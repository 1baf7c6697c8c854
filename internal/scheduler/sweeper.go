package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// sweepStuck closes executions whose worker died without writing a terminal
// update. A row is stuck once it has been open longer than its workflow's
// timeout plus the sweep margin; the worker's own timeout enforcement would
// have fired long before, so an open row past that point is orphaned.
//
// Running rows fail with the stuck-execution tag; Cancelling rows settle as
// Cancelled, honoring the user's intent. No result is pushed to the sync
// rendezvous — any waiter's TTL lapsed before the row qualified as stuck.
func (s *Scheduler) sweepStuck(ctx context.Context) error {
	now := time.Now().UTC()
	rows, err := s.deps.Executions.ListUnfinished(ctx, now.Add(-sweepMargin))
	if err != nil {
		return fmt.Errorf("scheduler: list unfinished executions: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	timeouts, err := s.workflowTimeouts(ctx, rows)
	if err != nil {
		return err
	}

	var swept int
	for i := range rows {
		ex := &rows[i]

		limit := defaultStuckTimeout
		if secs, ok := timeouts[ex.WorkflowName]; ok && secs > 0 {
			limit = time.Duration(secs) * time.Second
		}
		started := ex.CreatedAt
		if ex.StartedAt != nil {
			started = *ex.StartedAt
		}
		if now.Sub(started) <= limit+sweepMargin {
			continue
		}

		upd := repositories.TerminalUpdate{
			CompletedAt: now,
			DurationMS:  now.Sub(started).Milliseconds(),
		}
		switch ex.Status {
		case db.ExecutionCancelling:
			upd.Status = db.ExecutionCancelled
			upd.ErrorMessage = "cancellation was requested but the worker never confirmed it"
		default:
			upd.Status = db.ExecutionFailed
			upd.ErrorType = db.ErrorTypeStuckExecution
			upd.ErrorMessage = fmt.Sprintf("execution exceeded its %s timeout without reporting a result", limit)
		}

		if err := s.deps.Executions.Finish(ctx, ex.ID, upd); err != nil {
			s.logger.Error("failed to close stuck execution",
				zap.String("execution_id", ex.ID.String()),
				zap.Error(err),
			)
			continue
		}
		swept++

		// The row is terminal now, so this delete never runs again. Pending
		// keys carry no TTL; a failed delete falls back to a safety-net
		// expiry so the key cannot leak forever.
		if err := s.deps.Cache.DeletePendingExecution(ctx, ex.ID); err != nil {
			s.logger.Warn("failed to delete pending record",
				zap.String("execution_id", ex.ID.String()),
				zap.Error(err),
			)
			if err := s.deps.Cache.ExpirePendingExecution(ctx, ex.ID, pendingLeakTTL); err != nil {
				s.logger.Error("pending record may be leaked",
					zap.String("execution_id", ex.ID.String()),
					zap.Error(err),
				)
			}
		}
		if err := s.deps.Cache.RemoveQueued(ctx, ex.ID); err != nil {
			s.logger.Warn("failed to remove queue marker",
				zap.String("execution_id", ex.ID.String()),
				zap.Error(err),
			)
		}

		s.deps.Notifier.ExecutionUpdate(ctx, ex.ID, string(upd.Status), nil)
		s.deps.Notifier.HistoryUpdate(ctx, notify.HistoryUpdate{
			ExecutionID:  ex.ID,
			WorkflowName: ex.WorkflowName,
			Status:       string(upd.Status),
			CompletedAt:  now.Format(time.RFC3339),
			DurationMS:   upd.DurationMS,
			UserID:       ex.ExecutedBy,
			FormID:       ex.FormID,
		})

		s.logger.Warn("stuck execution closed",
			zap.String("execution_id", ex.ID.String()),
			zap.String("workflow", ex.WorkflowName),
			zap.String("status", string(upd.Status)),
			zap.Duration("open_for", now.Sub(started)),
		)
	}

	if swept > 0 {
		s.logger.Info("stuck execution sweep finished", zap.Int("swept", swept))
	}
	return nil
}

func (s *Scheduler) workflowTimeouts(ctx context.Context, rows []db.Execution) (map[string]int, error) {
	seen := make(map[string]struct{}, len(rows))
	names := make([]string, 0, len(rows))
	for i := range rows {
		name := rows[i].WorkflowName
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	timeouts, err := s.deps.Workflows.TimeoutsByName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load workflow timeouts: %w", err)
	}
	return timeouts, nil
}
