package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// workflowNamespace is the fixed UUID namespace for deterministic workflow
// IDs. A workflow keeps the same ID across reindexing runs as long as its
// name does not change.
var workflowNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

// WorkflowIDFromName derives the deterministic UUID (v5) for a workflow name.
func WorkflowIDFromName(name string) uuid.UUID {
	return uuid.NewSHA1(workflowNamespace, []byte(name))
}

// ExecutionStatus is the lifecycle state of an execution. Transitions are
// monotonic toward a terminal state; a terminal row is never re-opened.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "Pending"
	ExecutionRunning    ExecutionStatus = "Running"
	ExecutionSuccess    ExecutionStatus = "Success"
	ExecutionFailed     ExecutionStatus = "Failed"
	ExecutionTimeout    ExecutionStatus = "Timeout"
	ExecutionCancelled  ExecutionStatus = "Cancelled"
	ExecutionCancelling ExecutionStatus = "Cancelling"
)

// Terminal reports whether the status is one of the four terminal states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionTimeout, ExecutionCancelled:
		return true
	}
	return false
}

// Error kinds persisted on the execution row. These are string tags, not Go
// error types: they cross process boundaries via the result document and the
// database.
const (
	ErrorTypeUser             = "UserError"
	ErrorTypeWorkflowNotFound = "WorkflowNotFound"
	ErrorTypeWorkflowLoad     = "WorkflowLoadError"
	ErrorTypeTimeout          = "TimeoutError"
	ErrorTypeInternal         = "InternalError"
	ErrorTypePendingNotFound  = "PendingNotFound"
	ErrorTypeStuckExecution   = "StuckExecution"
)

// RedactedErrorMessage replaces every non-UserError message for non-admin
// readers. The raw message always stays on the row.
const RedactedErrorMessage = "An error occurred during execution"

// Result content kinds.
const (
	ResultTypeJSON = "json"
	ResultTypeText = "text"
	ResultTypeHTML = "html"
)

// Execution log levels. Debug and Traceback are admin-only and are stripped
// before non-admin reads.
const (
	LogLevelDebug     = "debug"
	LogLevelInfo      = "info"
	LogLevelWarning   = "warning"
	LogLevelError     = "error"
	LogLevelTraceback = "traceback"
)

// AdminOnlyLogLevel reports whether a level is hidden from non-admin readers.
func AdminOnlyLogLevel(level string) bool {
	return level == LogLevelDebug || level == LogLevelTraceback
}

// -----------------------------------------------------------------------------
// Organizations
// -----------------------------------------------------------------------------

// Organization scopes workflows, config, integrations and executions.
// A null organization reference anywhere means "global".
type Organization struct {
	Base
	Name     string `gorm:"not null;uniqueIndex"`
	IsActive bool   `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Workflows
// -----------------------------------------------------------------------------

// Workflow execution modes and type tags.
const (
	ModeSync  = "sync"
	ModeAsync = "async"

	TypeWorkflow     = "workflow"
	TypeTool         = "tool"
	TypeDataProvider = "data_provider"
)

// Workflow is an addressable named code unit discovered from source by the
// file indexer. The ID is deterministic from the name (WorkflowIDFromName)
// so re-indexing is idempotent.
//
// Workflows are never hard-deleted: when the indexer stops seeing a
// decorator it flips IsActive off, preserving execution history and
// subscriptions that reference the row.
type Workflow struct {
	Base
	Name             string     `gorm:"not null;uniqueIndex"`
	FunctionName     string     `gorm:"not null"`
	FilePath         string     `gorm:"not null;default:''"`
	Description      string     `gorm:"type:text;default:''"`
	Category         string     `gorm:"default:''"`
	Tags             string     `gorm:"type:text;default:'[]'"`  // JSON array
	ParameterSchema  string     `gorm:"type:text;default:''"`    // JSON schema, empty = unvalidated
	ExecutionMode    string     `gorm:"not null;default:'async'"` // "sync" or "async"
	TimeoutSeconds   int        `gorm:"not null;default:300"`     // 1..7200
	RetryPolicy      string     `gorm:"type:text;default:'{}'"`  // JSON
	Schedule         string     `gorm:"default:''"` // cron expression, empty = unscheduled
	EndpointEnabled  bool       `gorm:"not null;default:false"`
	IsPublic         bool       `gorm:"not null;default:false"`
	Type             string     `gorm:"not null;default:'workflow'"`
	IsActive         bool       `gorm:"not null"`
	TimeSavedMinutes int        `gorm:"not null;default:0"`
	ROIValue         float64    `gorm:"not null;default:0"`
	OrganizationID   *uuid.UUID `gorm:"type:text;index"`
	Code             string     `gorm:"type:text;default:''"` // optional stored code blob
	NextRunAt        *time.Time `gorm:"index"`
	LastRunAt        *time.Time
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// Execution is the durable receipt of one run. The row is created by the
// worker that claimed the message (Running) or by the intake for rows that
// never reach a worker; only that worker writes the terminal update.
// Timestamps are stored as naive UTC.
//
// Parameters, Result and Variables hold JSON serialized as text. Variables
// is the admin-only runtime snapshot.
type Execution struct {
	Base
	OrganizationID   *uuid.UUID      `gorm:"type:text;index"`
	WorkflowName     string          `gorm:"not null;index"`
	Status           ExecutionStatus `gorm:"not null;default:'Pending';index"`
	Parameters       string          `gorm:"type:text;default:'{}'"`
	Result           string          `gorm:"type:text;default:''"`
	ResultType       string          `gorm:"default:''"`
	ErrorMessage     string          `gorm:"type:text;default:''"`
	ErrorType        string          `gorm:"default:''"`
	DurationMS       int64           `gorm:"not null;default:0"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Variables        string     `gorm:"type:text;default:''"`
	PeakMemoryBytes  int64      `gorm:"not null;default:0"`
	CPUUserSeconds   float64    `gorm:"not null;default:0"`
	CPUSystemSeconds float64    `gorm:"not null;default:0"`
	CPUTotalSeconds  float64    `gorm:"not null;default:0"`
	ExecutedBy       uuid.UUID  `gorm:"type:text;not null"`
	ExecutedByName   string     `gorm:"not null;default:''"`
	FormID           *uuid.UUID `gorm:"type:text"`
	APIKeyID         *uuid.UUID `gorm:"type:text"`
	IsLocalExecution bool       `gorm:"not null;default:false"`
	SessionID        *uuid.UUID `gorm:"type:text"`
}

// ExecutionLog is one flushed log line. The Redis stream written by the
// subprocess is the source of truth during the run; rows land here in bulk
// after the terminal update. Sequence numbers are dense from 0 per execution.
type ExecutionLog struct {
	Base
	ExecutionID uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_exec_seq"`
	Sequence    int       `gorm:"not null;uniqueIndex:idx_exec_seq"`
	Timestamp   time.Time `gorm:"not null"`
	Level       string    `gorm:"not null"`
	Message     string    `gorm:"type:text;not null"`
	Metadata    string    `gorm:"type:text;default:''"` // JSON, optional
}

// -----------------------------------------------------------------------------
// Configuration & files
// -----------------------------------------------------------------------------

// ConfigEntry is one key of the layered runtime configuration. Entries with
// a null OrganizationID are global; org entries overlay global ones when the
// worker resolves the config map for an execution.
type ConfigEntry struct {
	Base
	Key            string     `gorm:"not null;uniqueIndex:idx_config_key_org"`
	Value          string     `gorm:"type:text;not null;default:'null'"` // JSON
	OrganizationID *uuid.UUID `gorm:"type:text;uniqueIndex:idx_config_key_org"`
}

// FileIndexEntry mirrors one file managed by the indexing collaborator.
// The fabric reads it for the requirements cache warmer and writes it on
// package installs (write-through with the Redis copy).
type FileIndexEntry struct {
	Base
	Path        string `gorm:"not null;uniqueIndex"`
	Content     string `gorm:"type:text;not null;default:''"`
	ContentHash string `gorm:"not null;default:''"` // SHA-256 hex
}

// TableName overrides the default pluralization.
func (FileIndexEntry) TableName() string { return "file_index" }

// APIKey authenticates machine callers of the intake API. Only the bcrypt
// hash is stored; the raw key is shown once at creation time.
type APIKey struct {
	Base
	Name           string     `gorm:"not null"`
	KeyHash        string     `gorm:"not null"`
	OrganizationID *uuid.UUID `gorm:"type:text;index"`
	IsAdmin        bool       `gorm:"not null;default:false"`
	IsActive       bool       `gorm:"not null"`
	LastUsedAt     *time.Time
}

// -----------------------------------------------------------------------------
// Event ingress
// -----------------------------------------------------------------------------

// Event statuses.
type EventStatus string

const (
	EventReceived        EventStatus = "Received"
	EventProcessing      EventStatus = "Processing"
	EventCompleted       EventStatus = "Completed"
	EventPartiallyFailed EventStatus = "PartiallyFailed"
	EventFailed          EventStatus = "Failed"
)

// Delivery statuses.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "Pending"
	DeliveryQueued  DeliveryStatus = "Queued"
	DeliverySuccess DeliveryStatus = "Success"
	DeliveryFailed  DeliveryStatus = "Failed"
)

// EventSource binds an adapter to a configuration. Traffic arrives through
// one or more WebhookSources pointing at it.
type EventSource struct {
	Base
	Name           string     `gorm:"not null"`
	AdapterName    string     `gorm:"not null"`
	Config         string     `gorm:"type:text;default:'{}'"` // JSON, adapter-specific
	OrganizationID *uuid.UUID `gorm:"type:text;index"`
	IsActive       bool       `gorm:"not null"`
}

// WebhookSource is the externally addressable URL: POST /api/hooks/<ID>.
// The secret (if set) feeds adapter signature checks and is encrypted at rest.
type WebhookSource struct {
	Base
	EventSourceID uuid.UUID       `gorm:"type:text;not null;index"`
	Secret        EncryptedString `gorm:"type:text"`
	IsActive      bool            `gorm:"not null"`
}

// AdapterState is the adapter-managed mutable state for one event source:
// handshake tokens, dedup cursors, subscription expiry.
type AdapterState struct {
	EventSourceID uuid.UUID `gorm:"type:text;primaryKey"`
	State         string    `gorm:"type:text;not null;default:'{}'"` // JSON
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

// Subscription routes events of one type from one source to one workflow.
// Owned by the API; the ingress pipeline only reads it.
type Subscription struct {
	Base
	EventSourceID   uuid.UUID `gorm:"type:text;not null;index"`
	EventTypeFilter string    `gorm:"not null;default:''"` // empty = all types
	WorkflowID      uuid.UUID `gorm:"type:text;not null;index"`
	IsActive        bool      `gorm:"not null"`
}

// Event is one accepted external payload.
type Event struct {
	Base
	EventSourceID uuid.UUID   `gorm:"type:text;not null;index"`
	EventType     string      `gorm:"not null;index"`
	ReceivedAt    time.Time   `gorm:"not null;index"`
	Headers       string      `gorm:"type:text;default:'{}'"` // JSON, lowercased keys
	Payload       string      `gorm:"type:text;default:'{}'"` // JSON decoded body
	SourceIP      string      `gorm:"default:''"`
	Status        EventStatus `gorm:"not null;default:'Received';index"`
}

// EventDelivery binds one event to one subscription. The execution back-link
// is id-only: the worker finds the delivery by ExecutionID when the backing
// execution reaches a terminal state.
type EventDelivery struct {
	Base
	EventID        uuid.UUID      `gorm:"type:text;not null;index"`
	SubscriptionID uuid.UUID      `gorm:"type:text;not null;index"`
	WorkflowID     uuid.UUID      `gorm:"type:text;not null"`
	Status         DeliveryStatus `gorm:"not null;default:'Pending';index"`
	AttemptCount   int            `gorm:"not null;default:0"`
	ExecutionID    *uuid.UUID     `gorm:"type:text;index"`
	Error          string         `gorm:"type:text;default:''"`
	CompletedAt    *time.Time
}

// -----------------------------------------------------------------------------
// Integrations
// -----------------------------------------------------------------------------

// IntegrationMapping resolves (integration, organization) to the external
// entity and credentials the execution context is seeded with. The fabric
// reads mappings; mutation belongs to the integrations API.
type IntegrationMapping struct {
	Base
	IntegrationName string     `gorm:"not null;uniqueIndex:idx_integration_org"`
	OrganizationID  *uuid.UUID `gorm:"type:text;uniqueIndex:idx_integration_org"`
	EntityID        string     `gorm:"not null;default:''"`
	Config          string     `gorm:"type:text;default:'{}'"` // JSON
	OAuthTokenID    *uuid.UUID `gorm:"type:text"`
}

// OAuthToken stores a refreshable credential. Access and refresh tokens and
// the client secret are encrypted at rest; the scheduler's refresh job
// rewrites the row through the token endpoint.
type OAuthToken struct {
	Base
	Provider     string          `gorm:"not null"`
	AccessToken  EncryptedString `gorm:"type:text;not null"`
	RefreshToken EncryptedString `gorm:"type:text"`
	TokenType    string          `gorm:"not null;default:'Bearer'"`
	ExpiresAt    *time.Time      `gorm:"index"`
	Scope        string          `gorm:"default:''"`
	TokenURL     string          `gorm:"not null;default:''"`
	ClientID     string          `gorm:"not null;default:''"`
	ClientSecret EncryptedString `gorm:"type:text"`
}

// TableName overrides the default pluralization.
func (OAuthToken) TableName() string { return "oauth_tokens" }

// -----------------------------------------------------------------------------
// AI pricing & usage
// -----------------------------------------------------------------------------

// ModelPricing is the per-model unit pricing row behind the pricing cache.
type ModelPricing struct {
	Base
	Provider    string  `gorm:"not null;uniqueIndex:idx_provider_model"`
	Model       string  `gorm:"not null;uniqueIndex:idx_provider_model"`
	InputPrice  float64 `gorm:"not null;default:0"` // per 1M input tokens
	OutputPrice float64 `gorm:"not null;default:0"` // per 1M output tokens
	Currency    string  `gorm:"not null;default:'USD'"`
}

// TableName overrides the default pluralization.
func (ModelPricing) TableName() string { return "model_pricing" }

// AIUsageLog is one raw usage record. Rolled into AIUsageDaily by the
// nightly knowledge-storage job and trimmed after the retention window.
type AIUsageLog struct {
	Base
	ExecutionID    *uuid.UUID `gorm:"type:text;index"`
	ConversationID *uuid.UUID `gorm:"type:text;index"`
	OrganizationID *uuid.UUID `gorm:"type:text;index"`
	Provider       string     `gorm:"not null"`
	Model          string     `gorm:"not null"`
	InputTokens    int64      `gorm:"not null;default:0"`
	OutputTokens   int64      `gorm:"not null;default:0"`
	Cost           float64    `gorm:"not null;default:0"`
}

// AIUsageDaily is the per-day rollup keyed (day, provider, model, org).
// OrganizationID uses the zero UUID for the global bucket so the unique
// key never contains NULL and upserts conflict reliably.
type AIUsageDaily struct {
	Base
	Day            time.Time `gorm:"not null;uniqueIndex:idx_usage_day"`
	Provider       string    `gorm:"not null;uniqueIndex:idx_usage_day"`
	Model          string    `gorm:"not null;uniqueIndex:idx_usage_day"`
	OrganizationID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_usage_day"`
	InputTokens    int64     `gorm:"not null;default:0"`
	OutputTokens   int64     `gorm:"not null;default:0"`
	Cost           float64   `gorm:"not null;default:0"`
}

// TableName overrides the default pluralization.
func (AIUsageDaily) TableName() string { return "ai_usage_daily" }

// -----------------------------------------------------------------------------
// ROI metrics
// -----------------------------------------------------------------------------

// WorkflowMetricsDaily accumulates per-workflow outcomes for one UTC day.
// The worker increments it on success; the hourly snapshot job recomputes it
// from the executions table, which heals increments lost to crashes.
type WorkflowMetricsDaily struct {
	Base
	Day                   time.Time  `gorm:"not null;uniqueIndex:idx_wf_metrics_day"`
	WorkflowID            uuid.UUID  `gorm:"type:text;not null;uniqueIndex:idx_wf_metrics_day"`
	OrganizationID        *uuid.UUID `gorm:"type:text;index"`
	Executions            int64      `gorm:"not null;default:0"`
	Successes             int64      `gorm:"not null;default:0"`
	Failures              int64      `gorm:"not null;default:0"`
	DurationMSTotal       int64      `gorm:"not null;default:0"`
	TimeSavedMinutesTotal int64      `gorm:"not null;default:0"`
	ValueTotal            float64    `gorm:"not null;default:0"`
}

// TableName overrides the default pluralization.
func (WorkflowMetricsDaily) TableName() string { return "workflow_metrics_daily" }

// OrgMetricsDaily is the same rollup keyed by organization.
type OrgMetricsDaily struct {
	Base
	Day                   time.Time `gorm:"not null;uniqueIndex:idx_org_metrics_day"`
	OrganizationID        uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_org_metrics_day"`
	Executions            int64     `gorm:"not null;default:0"`
	Successes             int64     `gorm:"not null;default:0"`
	Failures              int64     `gorm:"not null;default:0"`
	DurationMSTotal       int64     `gorm:"not null;default:0"`
	TimeSavedMinutesTotal int64     `gorm:"not null;default:0"`
	ValueTotal            float64   `gorm:"not null;default:0"`
}

// TableName overrides the default pluralization.
func (OrgMetricsDaily) TableName() string { return "org_metrics_daily" }
