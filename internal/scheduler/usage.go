package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/db"
)

const usageBatch = 500

// rollUpUsage folds raw AI usage rows from completed days into the daily
// rollup table and reseeds the used-models set from what remains known.
//
// The daily upsert is additive, so every raw row folded in must be deleted
// in the same pass; a row rolled twice would be counted twice. Each batch
// deletes exactly the IDs it aggregated, so a crash mid-job loses at most
// the window between one batch's upsert and its delete.
func (s *Scheduler) rollUpUsage(ctx context.Context) error {
	cutoff := startOfDay(time.Now().UTC())

	var rolled int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.deps.Pricing.ListUsageBefore(ctx, cutoff, usageBatch)
		if err != nil {
			return fmt.Errorf("scheduler: list usage rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		type bucket struct {
			day             time.Time
			provider, model string
			org             uuid.UUID
		}
		agg := make(map[bucket]*db.AIUsageDaily)
		ids := make([]uuid.UUID, 0, len(rows))
		for i := range rows {
			u := &rows[i]
			ids = append(ids, u.ID)

			org := uuid.Nil
			if u.OrganizationID != nil {
				org = *u.OrganizationID
			}
			k := bucket{startOfDay(u.CreatedAt.UTC()), u.Provider, u.Model, org}
			row := agg[k]
			if row == nil {
				row = &db.AIUsageDaily{
					Day:            k.day,
					Provider:       k.provider,
					Model:          k.model,
					OrganizationID: k.org,
				}
				agg[k] = row
			}
			row.InputTokens += u.InputTokens
			row.OutputTokens += u.OutputTokens
			row.Cost += u.Cost
		}

		for _, row := range agg {
			if err := s.deps.Pricing.UpsertUsageDaily(ctx, row); err != nil {
				return fmt.Errorf("scheduler: upsert daily usage: %w", err)
			}
		}
		if err := s.deps.Pricing.DeleteUsageByIDs(ctx, ids); err != nil {
			return fmt.Errorf("scheduler: delete rolled usage rows: %w", err)
		}

		rolled += len(rows)
		if len(rows) < usageBatch {
			break
		}
	}

	if err := s.reseedUsedModels(ctx); err != nil {
		return err
	}

	if rolled > 0 {
		if _, err := s.deps.Cache.InvalidateUsageTotals(ctx); err != nil {
			s.logger.Warn("failed to invalidate usage totals", zap.Error(err))
		}
		s.logger.Info("usage rows rolled up",
			zap.Int("rows", rolled),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// reseedUsedModels rebuilds the Redis used-models set from the database.
// Rolling up trims the raw log, so the set is re-derived rather than pruned.
func (s *Scheduler) reseedUsedModels(ctx context.Context) error {
	models, err := s.deps.Pricing.DistinctUsedModels(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list used models: %w", err)
	}
	pairs := make([]string, len(models))
	for i, m := range models {
		pairs[i] = m.Provider + ":" + m.Model
	}
	if err := s.deps.Cache.SeedUsedModels(ctx, pairs); err != nil {
		return fmt.Errorf("scheduler: reseed used models: %w", err)
	}
	return nil
}
