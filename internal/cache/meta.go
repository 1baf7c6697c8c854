package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// WorkflowMeta is the metadata-only projection the worker needs to resolve
// an execution message without touching the DB on the hot path.
type WorkflowMeta struct {
	Name             string
	FunctionName     string
	FilePath         string
	TimeoutSeconds   int
	TimeSavedMinutes int
	Value            float64
	ExecutionMode    string
	OrganizationID   *uuid.UUID
}

// GetWorkflowMeta returns the cached metadata for a workflow ID. The three
// outcomes are: a hit (meta != nil), a cached miss (missing == true, short
// negative TTL), or a cold entry (both zero) that sends the caller to the DB.
func (c *Client) GetWorkflowMeta(ctx context.Context, workflowID uuid.UUID) (meta *WorkflowMeta, missing bool, err error) {
	fields, err := c.rdb.HGetAll(ctx, WorkflowMetaKey(workflowID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache: get workflow meta: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	if fields["missing"] == "1" {
		return nil, true, nil
	}
	m := &WorkflowMeta{
		Name:             fields["name"],
		FunctionName:     fields["function_name"],
		FilePath:         fields["file_path"],
		TimeoutSeconds:   parseIntField(fields, "timeout_seconds"),
		TimeSavedMinutes: parseIntField(fields, "time_saved"),
		Value:            parseFloatField(fields, "value"),
		ExecutionMode:    fields["execution_mode"],
	}
	if raw := fields["organization_id"]; raw != "" {
		id, err := uuid.Parse(raw)
		if err == nil {
			m.OrganizationID = &id
		}
	}
	return m, false, nil
}

// SetWorkflowMeta caches the metadata projection with the standard TTL.
// Repeated writes for the same ID are idempotent.
func (c *Client) SetWorkflowMeta(ctx context.Context, workflowID uuid.UUID, meta *WorkflowMeta) error {
	org := ""
	if meta.OrganizationID != nil {
		org = meta.OrganizationID.String()
	}
	key := WorkflowMetaKey(workflowID)
	pipe := c.rdb.TxPipeline()
	// Delete first so a previous negative entry's "missing" field cannot
	// survive alongside real metadata.
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"name", meta.Name,
		"function_name", meta.FunctionName,
		"file_path", meta.FilePath,
		"timeout_seconds", strconv.Itoa(meta.TimeoutSeconds),
		"time_saved", strconv.Itoa(meta.TimeSavedMinutes),
		"value", strconv.FormatFloat(meta.Value, 'f', -1, 64),
		"execution_mode", meta.ExecutionMode,
		"organization_id", org,
	)
	pipe.Expire(ctx, key, workflowMetaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set workflow meta: %w", err)
	}
	return nil
}

// SetWorkflowMetaMissing records a negative entry so repeated lookups of an
// unknown workflow ID do not hammer the DB. The short TTL keeps a freshly
// indexed workflow from being invisible for long.
func (c *Client) SetWorkflowMetaMissing(ctx context.Context, workflowID uuid.UUID) error {
	key := WorkflowMetaKey(workflowID)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "missing", "1")
	pipe.Expire(ctx, key, workflowMetaMissingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set workflow meta missing: %w", err)
	}
	return nil
}

// InvalidateWorkflowMeta drops the cached entry, positive or negative.
// Called on workflow updates and on cache-invalidation broadcasts.
func (c *Client) InvalidateWorkflowMeta(ctx context.Context, workflowID uuid.UUID) error {
	if err := c.rdb.Del(ctx, WorkflowMetaKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate workflow meta: %w", err)
	}
	return nil
}
