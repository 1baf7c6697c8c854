// Package repositories provides data access interfaces and GORM-backed
// implementations for all persistent aggregates. Repositories accept a
// context for cancellation and return ErrNotFound / ErrConflict sentinels
// so callers never depend on gorm error types directly.
package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-io/bifrost/internal/db"
)

// ListOptions controls pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// --- Organizations ---

type OrganizationRepository interface {
	Create(ctx context.Context, org *db.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Organization, error)
	GetByName(ctx context.Context, name string) (*db.Organization, error)
	List(ctx context.Context, opts ListOptions) ([]db.Organization, int64, error)
}

// --- Workflows ---

// WorkflowListOptions filters workflow listings. Zero values mean "no filter".
type WorkflowListOptions struct {
	ListOptions
	OrganizationID *uuid.UUID
	Type           string
	ActiveOnly     bool
}

type WorkflowRepository interface {
	// Upsert inserts the workflow or, when a row with the same name exists,
	// updates its definition in place. The deterministic ID derived from the
	// name is preserved across upserts.
	Upsert(ctx context.Context, wf *db.Workflow) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Workflow, error)
	GetByName(ctx context.Context, name string) (*db.Workflow, error)
	List(ctx context.Context, opts WorkflowListOptions) ([]db.Workflow, int64, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdateSchedule(ctx context.Context, id uuid.UUID, schedule string, nextRunAt *time.Time) error
	// ListDue returns active workflows whose schedule is set and whose
	// next_run_at is unset or at/before now.
	ListDue(ctx context.Context, now time.Time) ([]db.Workflow, error)
	// MarkRun records a completed schedule tick and the next planned one.
	MarkRun(ctx context.Context, id uuid.UUID, lastRunAt time.Time, nextRunAt *time.Time) error
	// TimeoutsByName returns the configured timeout in seconds for each of
	// the named workflows. Names without a row are absent from the map.
	TimeoutsByName(ctx context.Context, names []string) (map[string]int, error)
}

// --- Executions ---

// ExecutionListOptions filters execution listings.
type ExecutionListOptions struct {
	ListOptions
	Status         db.ExecutionStatus
	WorkflowName   string
	OrganizationID *uuid.UUID
}

// TerminalUpdate carries every field written when an execution reaches a
// terminal status. All writes happen in a single UPDATE so observers never
// see a terminal row with partial results.
type TerminalUpdate struct {
	Status           db.ExecutionStatus
	Result           string
	ResultType       string
	ErrorMessage     string
	ErrorType        string
	CompletedAt      time.Time
	DurationMS       int64
	Variables        string
	PeakMemoryBytes  int64
	CPUUserSeconds   float64
	CPUSystemSeconds float64
	CPUTotalSeconds  float64
}

type ExecutionRepository interface {
	Create(ctx context.Context, ex *db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)
	List(ctx context.Context, opts ExecutionListOptions) ([]db.Execution, int64, error)
	// MarkCancelling transitions Running -> Cancelling. Returns ErrNotFound
	// when the row is missing or not Running.
	MarkCancelling(ctx context.Context, id uuid.UUID) error
	// Finish writes the terminal status and result fields in one UPDATE.
	Finish(ctx context.Context, id uuid.UUID, upd TerminalUpdate) error
	// ListUnfinished returns Running and Cancelling executions that started
	// before the given cutoff, oldest first. Used by the stuck sweeper,
	// which applies per-workflow timeouts on top.
	ListUnfinished(ctx context.Context, startedBefore time.Time) ([]db.Execution, error)
}

type ExecutionLogRepository interface {
	// BulkCreate inserts log rows in a single statement. A nil or empty
	// slice is a no-op.
	BulkCreate(ctx context.Context, logs []db.ExecutionLog) error
	// ListByExecution returns logs ordered by sequence. When includeAdmin is
	// false, debug and traceback lines are filtered out.
	ListByExecution(ctx context.Context, executionID uuid.UUID, includeAdmin bool) ([]db.ExecutionLog, error)
}

// --- Configuration and file index ---

type ConfigRepository interface {
	UpsertEntry(ctx context.Context, entry *db.ConfigEntry) error
	DeleteEntry(ctx context.Context, key string, organizationID *uuid.UUID) error
	// ResolveMap merges global entries with the organization's overrides,
	// org values winning per key.
	ResolveMap(ctx context.Context, organizationID *uuid.UUID) (map[string]json.RawMessage, error)
	ListEntries(ctx context.Context, organizationID *uuid.UUID) ([]db.ConfigEntry, error)

	GetFile(ctx context.Context, path string) (*db.FileIndexEntry, error)
	UpsertFile(ctx context.Context, entry *db.FileIndexEntry) error
	ListFiles(ctx context.Context, prefix string) ([]db.FileIndexEntry, error)
}

// --- API keys ---

type APIKeyRepository interface {
	Create(ctx context.Context, key *db.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error)
	List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// --- Events ---

// DeliveryCounts summarizes delivery outcomes for one event.
type DeliveryCounts struct {
	Total   int64
	Success int64
	Failed  int64
}

// EventListOptions filters event listings.
type EventListOptions struct {
	ListOptions
	EventSourceID *uuid.UUID
	Status        db.EventStatus
}

type EventRepository interface {
	CreateSource(ctx context.Context, src *db.EventSource) error
	GetSource(ctx context.Context, id uuid.UUID) (*db.EventSource, error)
	ListSources(ctx context.Context, opts ListOptions) ([]db.EventSource, int64, error)
	SetSourceActive(ctx context.Context, id uuid.UUID, active bool) error
	ListSourcesByAdapter(ctx context.Context, adapter string) ([]db.EventSource, error)

	CreateWebhookSource(ctx context.Context, ws *db.WebhookSource) error
	GetWebhookSource(ctx context.Context, id uuid.UUID) (*db.WebhookSource, error)
	// GetWebhookSourceByEventSource returns the webhook endpoint bound to an
	// event source. Used by the renewal job, which starts from the source.
	GetWebhookSourceByEventSource(ctx context.Context, eventSourceID uuid.UUID) (*db.WebhookSource, error)
	UpdateWebhookSource(ctx context.Context, ws *db.WebhookSource) error

	GetAdapterState(ctx context.Context, eventSourceID uuid.UUID) (*db.AdapterState, error)
	SaveAdapterState(ctx context.Context, st *db.AdapterState) error

	CreateSubscription(ctx context.Context, sub *db.Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	ListSubscriptions(ctx context.Context, eventSourceID uuid.UUID) ([]db.Subscription, error)
	// MatchSubscriptions returns active subscriptions for the source whose
	// event type filter is empty or equals eventType.
	MatchSubscriptions(ctx context.Context, eventSourceID uuid.UUID, eventType string) ([]db.Subscription, error)

	// CreateEventWithDeliveries persists the event and its delivery rows in
	// a single transaction.
	CreateEventWithDeliveries(ctx context.Context, ev *db.Event, deliveries []db.EventDelivery) error
	GetEvent(ctx context.Context, id uuid.UUID) (*db.Event, error)
	ListEvents(ctx context.Context, opts EventListOptions) ([]db.Event, int64, error)
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status db.EventStatus) error
	// DeleteEventsBefore removes at most batch events received before the
	// cutoff along with their deliveries, returning how many were deleted.
	DeleteEventsBefore(ctx context.Context, before time.Time, batch int) (int64, error)

	GetDelivery(ctx context.Context, id uuid.UUID) (*db.EventDelivery, error)
	ListDeliveries(ctx context.Context, eventID uuid.UUID) ([]db.EventDelivery, error)
	GetDeliveryByExecution(ctx context.Context, executionID uuid.UUID) (*db.EventDelivery, error)
	// MarkDeliveryQueued stamps the enqueued execution on the delivery row.
	MarkDeliveryQueued(ctx context.Context, id uuid.UUID, executionID uuid.UUID) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// FinishDelivery records the terminal outcome propagated back from the
	// execution row.
	FinishDelivery(ctx context.Context, id uuid.UUID, status db.DeliveryStatus, errMsg string, completedAt time.Time) error
	CountDeliveryOutcomes(ctx context.Context, eventID uuid.UUID) (DeliveryCounts, error)
	// ListStuckDeliveries returns Pending and Queued deliveries created
	// before the cutoff.
	ListStuckDeliveries(ctx context.Context, before time.Time) ([]db.EventDelivery, error)
}

// --- Integrations ---

type IntegrationRepository interface {
	UpsertMapping(ctx context.Context, m *db.IntegrationMapping) error
	DeleteMapping(ctx context.Context, id uuid.UUID) error
	// ListMappings returns global mappings merged with the organization's,
	// org rows winning per name.
	ListMappings(ctx context.Context, organizationID *uuid.UUID) ([]db.IntegrationMapping, error)

	CreateToken(ctx context.Context, tok *db.OAuthToken) error
	GetToken(ctx context.Context, id uuid.UUID) (*db.OAuthToken, error)
	UpdateToken(ctx context.Context, tok *db.OAuthToken) error
	// ListExpiringTokens returns tokens with a refresh token whose expiry
	// falls at or before the cutoff.
	ListExpiringTokens(ctx context.Context, before time.Time) ([]db.OAuthToken, error)
}

// --- AI pricing and usage ---

// ProviderModel identifies one priced model.
type ProviderModel struct {
	Provider string
	Model    string
}

type PricingRepository interface {
	GetPricing(ctx context.Context, provider, model string) (*db.ModelPricing, error)
	UpsertPricing(ctx context.Context, p *db.ModelPricing) error
	ListPricing(ctx context.Context) ([]db.ModelPricing, error)

	InsertUsage(ctx context.Context, u *db.AIUsageLog) error
	// DistinctUsedModels returns every provider/model pair present in the
	// usage log, used to reseed the Redis used-models set.
	DistinctUsedModels(ctx context.Context) ([]ProviderModel, error)
	// ListUsageBefore returns at most batch raw usage rows created before
	// the cutoff, oldest first.
	ListUsageBefore(ctx context.Context, before time.Time, batch int) ([]db.AIUsageLog, error)
	UpsertUsageDaily(ctx context.Context, row *db.AIUsageDaily) error
	DeleteUsageByIDs(ctx context.Context, ids []uuid.UUID) error
}

// --- Daily metrics rollups ---

// MetricsDelta carries the per-execution increments applied to a daily
// rollup row.
type MetricsDelta struct {
	Executions       int64
	Successes        int64
	Failures         int64
	DurationMS       int64
	TimeSavedMinutes int64
	Value            float64
}

type MetricsRepository interface {
	// IncrementWorkflowDay applies the delta to the workflow's rollup row
	// for the given day, creating it when absent.
	IncrementWorkflowDay(ctx context.Context, day time.Time, workflowID uuid.UUID, organizationID *uuid.UUID, delta MetricsDelta) error
	// IncrementOrgDay applies the delta to the organization's rollup row for
	// the given day, creating it when absent. A nil orgID rolls up under the
	// zero UUID bucket.
	IncrementOrgDay(ctx context.Context, day time.Time, organizationID *uuid.UUID, delta MetricsDelta) error
	// RecomputeDay rebuilds both rollup tables for the given day from the
	// executions table, replacing any increment drift.
	RecomputeDay(ctx context.Context, day time.Time) error
	ListWorkflowDays(ctx context.Context, workflowID uuid.UUID, from, to time.Time) ([]db.WorkflowMetricsDaily, error)
	ListOrgDays(ctx context.Context, organizationID uuid.UUID, from, to time.Time) ([]db.OrgMetricsDaily, error)
}
