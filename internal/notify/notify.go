// Package notify owns the pub/sub channel catalogue and the Notifier that
// publishes lifecycle payloads on it. Every channel name in the fabric is
// built here and nowhere else; in particular the event-source channel uses
// the underscore form ("event_source:<id>") exclusively.
//
// Publishing never fails the caller. Lifecycle notifications are advisory:
// the execution and event rows in the database are the durable record, and a
// dropped publish only costs a live observer one update.
package notify

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/bifrost-io/bifrost/internal/cache"
)

// Payload types carried on the channels.
const (
	TypeExecutionUpdate        = "execution_update"
	TypeHistoryUpdate          = "history_update"
	TypeEventCreated           = "event_created"
	TypeEventUpdated           = "event_updated"
	TypeDeliveriesQueued       = "deliveries_queued"
	TypeGitProgress            = "git_progress"
	TypeGitComplete            = "git_complete"
	TypePackageInstallProgress = "package_install_progress"
)

// Scheduler request channels. Publishing a JSON job document here hands the
// work to whichever scheduler instance holds the subscription.
const (
	ChannelSchedulerReindex = "bifrost:scheduler:reindex"
	ChannelSchedulerGitOp   = "bifrost:scheduler:git-op"
)

// ExecutionChannel is the per-execution status channel.
func ExecutionChannel(executionID uuid.UUID) string {
	return "execution:" + executionID.String()
}

// UserChannel carries history updates and personal notifications; every
// WebSocket session is auto-subscribed to its own.
func UserChannel(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// EventSourceChannel carries event lifecycle broadcasts for one source.
func EventSourceChannel(eventSourceID uuid.UUID) string {
	return "event_source:" + eventSourceID.String()
}

// GitChannel carries progress and completion for one on-demand git job.
func GitChannel(jobID string) string {
	return "git:" + jobID
}

// ExecutionUpdate is published on ExecutionChannel at every status
// transition. Data carries the terminal result document when present.
type ExecutionUpdate struct {
	Type        string          `json:"type"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// HistoryUpdate is published on the invoker's UserChannel so execution lists
// refresh live.
type HistoryUpdate struct {
	Type         string     `json:"type"`
	ExecutionID  uuid.UUID  `json:"execution_id"`
	WorkflowName string     `json:"workflow_name"`
	Status       string     `json:"status"`
	StartedAt    string     `json:"started_at,omitempty"`
	CompletedAt  string     `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	UserID       uuid.UUID  `json:"user_id"`
	FormID       *uuid.UUID `json:"form_id,omitempty"`
}

// EventNotice covers event_created, event_updated, and deliveries_queued.
type EventNotice struct {
	Type          string    `json:"type"`
	EventID       uuid.UUID `json:"event_id"`
	EventSourceID uuid.UUID `json:"event_source_id"`
	EventType     string    `json:"event_type,omitempty"`
	Status        string    `json:"status,omitempty"`
	Deliveries    int64     `json:"deliveries,omitempty"`
	Queued        int64     `json:"queued,omitempty"`
	Succeeded     int64     `json:"succeeded,omitempty"`
	Failed        int64     `json:"failed,omitempty"`
}

// GitNotice covers git_progress and git_complete on a GitChannel.
type GitNotice struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id"`
	Operation string          `json:"operation"`
	Step      string          `json:"step,omitempty"`
	Progress  int             `json:"progress,omitempty"` // 0..100
	Status    string          `json:"status,omitempty"`   // success | conflict | failed
	Detail    json.RawMessage `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PackageNotice is relayed to the requesting admin's channel while a
// package install makes its way through the workers.
type PackageNotice struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Step   string `json:"step,omitempty"`
	Status string `json:"status"` // progress | done | error
	Error  string `json:"error,omitempty"`
}

// Notifier publishes lifecycle payloads over the cache's pub/sub. The zero
// value is unusable; create with New.
type Notifier struct {
	cache *cache.Client
}

// New creates a Notifier on the shared cache client.
func New(c *cache.Client) *Notifier {
	return &Notifier{cache: c}
}

// ExecutionUpdate publishes a status transition for one execution.
func (n *Notifier) ExecutionUpdate(ctx context.Context, executionID uuid.UUID, status string, data json.RawMessage) {
	n.cache.Publish(ctx, ExecutionChannel(executionID), ExecutionUpdate{
		Type:        TypeExecutionUpdate,
		ExecutionID: executionID,
		Status:      status,
		Data:        data,
	})
}

// HistoryUpdate publishes a history refresh to the invoker's channel.
func (n *Notifier) HistoryUpdate(ctx context.Context, upd HistoryUpdate) {
	upd.Type = TypeHistoryUpdate
	n.cache.Publish(ctx, UserChannel(upd.UserID), upd)
}

// EventNotice publishes an event lifecycle broadcast on the source channel.
func (n *Notifier) EventNotice(ctx context.Context, notice EventNotice) {
	n.cache.Publish(ctx, EventSourceChannel(notice.EventSourceID), notice)
}

// GitNotice publishes progress or completion for an on-demand git job.
func (n *Notifier) GitNotice(ctx context.Context, notice GitNotice) {
	n.cache.Publish(ctx, GitChannel(notice.JobID), notice)
}

// ToUser publishes an arbitrary payload on a user's channel. Used for
// package-install progress relays.
func (n *Notifier) ToUser(ctx context.Context, userID uuid.UUID, payload any) {
	n.cache.Publish(ctx, UserChannel(userID), payload)
}
