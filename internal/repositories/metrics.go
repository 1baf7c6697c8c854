package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bifrost-io/bifrost/internal/db"
)

type gormMetricsRepository struct {
	db *gorm.DB
}

// NewMetricsRepository creates a GORM-backed MetricsRepository.
func NewMetricsRepository(db *gorm.DB) MetricsRepository {
	return &gormMetricsRepository{db: db}
}

// dayKey normalizes a timestamp to its UTC day boundary so the unique
// (day, ...) indexes conflict reliably.
func dayKey(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func (r *gormMetricsRepository) IncrementWorkflowDay(ctx context.Context, day time.Time, workflowID uuid.UUID, organizationID *uuid.UUID, delta MetricsDelta) error {
	row := db.WorkflowMetricsDaily{
		Day:                   dayKey(day),
		WorkflowID:            workflowID,
		OrganizationID:        organizationID,
		Executions:            delta.Executions,
		Successes:             delta.Successes,
		Failures:              delta.Failures,
		DurationMSTotal:       delta.DurationMS,
		TimeSavedMinutesTotal: delta.TimeSavedMinutes,
		ValueTotal:            delta.Value,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "workflow_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"executions":               gorm.Expr("workflow_metrics_daily.executions + ?", delta.Executions),
			"successes":                gorm.Expr("workflow_metrics_daily.successes + ?", delta.Successes),
			"failures":                 gorm.Expr("workflow_metrics_daily.failures + ?", delta.Failures),
			"duration_ms_total":        gorm.Expr("workflow_metrics_daily.duration_ms_total + ?", delta.DurationMS),
			"time_saved_minutes_total": gorm.Expr("workflow_metrics_daily.time_saved_minutes_total + ?", delta.TimeSavedMinutes),
			"value_total":              gorm.Expr("workflow_metrics_daily.value_total + ?", delta.Value),
			"updated_at":               time.Now().UTC(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("metrics: increment workflow day: %w", err)
	}
	return nil
}

func (r *gormMetricsRepository) IncrementOrgDay(ctx context.Context, day time.Time, organizationID *uuid.UUID, delta MetricsDelta) error {
	org := uuid.Nil
	if organizationID != nil {
		org = *organizationID
	}
	row := db.OrgMetricsDaily{
		Day:                   dayKey(day),
		OrganizationID:        org,
		Executions:            delta.Executions,
		Successes:             delta.Successes,
		Failures:              delta.Failures,
		DurationMSTotal:       delta.DurationMS,
		TimeSavedMinutesTotal: delta.TimeSavedMinutes,
		ValueTotal:            delta.Value,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "organization_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"executions":               gorm.Expr("org_metrics_daily.executions + ?", delta.Executions),
			"successes":                gorm.Expr("org_metrics_daily.successes + ?", delta.Successes),
			"failures":                 gorm.Expr("org_metrics_daily.failures + ?", delta.Failures),
			"duration_ms_total":        gorm.Expr("org_metrics_daily.duration_ms_total + ?", delta.DurationMS),
			"time_saved_minutes_total": gorm.Expr("org_metrics_daily.time_saved_minutes_total + ?", delta.TimeSavedMinutes),
			"value_total":              gorm.Expr("org_metrics_daily.value_total + ?", delta.Value),
			"updated_at":               time.Now().UTC(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("metrics: increment org day: %w", err)
	}
	return nil
}

// RecomputeDay rebuilds both rollup tables for one day from the executions
// table. Incremented counters drift when a worker dies between the terminal
// update and the increment; the recompute overwrites with the truth.
func (r *gormMetricsRepository) RecomputeDay(ctx context.Context, day time.Time) error {
	from := dayKey(day)
	to := from.Add(24 * time.Hour)

	var execs []db.Execution
	err := r.db.WithContext(ctx).
		Where("completed_at >= ? AND completed_at < ?", from, to).
		Where("status IN ?", []db.ExecutionStatus{
			db.ExecutionSuccess, db.ExecutionFailed, db.ExecutionTimeout, db.ExecutionCancelled,
		}).
		Find(&execs).Error
	if err != nil {
		return fmt.Errorf("metrics: recompute day: load executions: %w", err)
	}

	// ROI defaults come from the workflow rows; runtime overrides are not
	// persisted per execution, so the recompute uses the configured values.
	names := make([]string, 0, len(execs))
	seen := make(map[string]bool, len(execs))
	for _, ex := range execs {
		if !seen[ex.WorkflowName] {
			seen[ex.WorkflowName] = true
			names = append(names, ex.WorkflowName)
		}
	}
	var workflows []db.Workflow
	if len(names) > 0 {
		if err := r.db.WithContext(ctx).Where("name IN ?", names).Find(&workflows).Error; err != nil {
			return fmt.Errorf("metrics: recompute day: load workflows: %w", err)
		}
	}
	roi := make(map[string]db.Workflow, len(workflows))
	for _, wf := range workflows {
		roi[wf.Name] = wf
	}

	type wfKey struct {
		workflowID uuid.UUID
		org        string
	}
	wfAgg := make(map[wfKey]*db.WorkflowMetricsDaily)
	orgAgg := make(map[uuid.UUID]*db.OrgMetricsDaily)

	for _, ex := range execs {
		wfID := db.WorkflowIDFromName(ex.WorkflowName)
		orgStr := ""
		org := uuid.Nil
		if ex.OrganizationID != nil {
			orgStr = ex.OrganizationID.String()
			org = *ex.OrganizationID
		}

		wk := wfKey{workflowID: wfID, org: orgStr}
		w := wfAgg[wk]
		if w == nil {
			w = &db.WorkflowMetricsDaily{Day: from, WorkflowID: wfID, OrganizationID: ex.OrganizationID}
			wfAgg[wk] = w
		}
		o := orgAgg[org]
		if o == nil {
			o = &db.OrgMetricsDaily{Day: from, OrganizationID: org}
			orgAgg[org] = o
		}

		wf := roi[ex.WorkflowName]
		foldExecution(&w.Executions, &w.Successes, &w.Failures, &w.DurationMSTotal, &w.TimeSavedMinutesTotal, &w.ValueTotal, ex, wf)
		foldExecution(&o.Executions, &o.Successes, &o.Failures, &o.DurationMSTotal, &o.TimeSavedMinutesTotal, &o.ValueTotal, ex, wf)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, w := range wfAgg {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "workflow_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"executions":               w.Executions,
					"successes":                w.Successes,
					"failures":                 w.Failures,
					"duration_ms_total":        w.DurationMSTotal,
					"time_saved_minutes_total": w.TimeSavedMinutesTotal,
					"value_total":              w.ValueTotal,
					"updated_at":               time.Now().UTC(),
				}),
			}).Create(w).Error
			if err != nil {
				return fmt.Errorf("metrics: recompute day: workflow upsert: %w", err)
			}
		}
		for _, o := range orgAgg {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "organization_id"}},
				DoUpdates: clause.Assignments(map[string]any{
					"executions":               o.Executions,
					"successes":                o.Successes,
					"failures":                 o.Failures,
					"duration_ms_total":        o.DurationMSTotal,
					"time_saved_minutes_total": o.TimeSavedMinutesTotal,
					"value_total":              o.ValueTotal,
					"updated_at":               time.Now().UTC(),
				}),
			}).Create(o).Error
			if err != nil {
				return fmt.Errorf("metrics: recompute day: org upsert: %w", err)
			}
		}
		return nil
	})
}

// foldExecution adds one terminal execution to a rollup row's counters.
func foldExecution(execs, successes, failures, durationMS, timeSaved *int64, value *float64, ex db.Execution, wf db.Workflow) {
	*execs++
	*durationMS += ex.DurationMS
	if ex.Status == db.ExecutionSuccess {
		*successes++
		*timeSaved += int64(wf.TimeSavedMinutes)
		*value += wf.ROIValue
	} else {
		*failures++
	}
}

func (r *gormMetricsRepository) ListWorkflowDays(ctx context.Context, workflowID uuid.UUID, from, to time.Time) ([]db.WorkflowMetricsDaily, error) {
	var rows []db.WorkflowMetricsDaily
	err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND day >= ? AND day <= ?", workflowID, dayKey(from), dayKey(to)).
		Order("day ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("metrics: list workflow days: %w", err)
	}
	return rows, nil
}

func (r *gormMetricsRepository) ListOrgDays(ctx context.Context, organizationID uuid.UUID, from, to time.Time) ([]db.OrgMetricsDaily, error) {
	var rows []db.OrgMetricsDaily
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND day >= ? AND day <= ?", organizationID, dayKey(from), dayKey(to)).
		Order("day ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("metrics: list org days: %w", err)
	}
	return rows, nil
}
