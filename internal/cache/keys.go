package cache

import (
	"time"

	"github.com/google/uuid"
)

// Key and channel naming conventions. Every Redis key the fabric touches is
// built by one of these helpers so that producers and consumers can never
// diverge on a key format.
const (
	// keyPrefix namespaces all Bifrost-owned keys. The ai_* keys predate the
	// prefix and are kept as-is for compatibility with the usage dashboards.
	keyPrefix = "bifrost:"

	// requirementsKey holds the cached requirements.txt content and hash.
	requirementsKey = keyPrefix + "requirements:content"

	// queuedSetKey is the observational set of execution IDs currently
	// sitting in the broker queue. Workers remove IDs on claim; absence is
	// not an error.
	queuedSetKey = keyPrefix + "queued"

	// usedModelsKey is the set of "provider:model" pairs seen by the AI
	// usage tracker since the last reseed.
	usedModelsKey = "ai_used_models"

	// ChannelSchedulerReindex and ChannelSchedulerGitOp are the pub/sub
	// channels the scheduler's on-demand listener subscribes to.
	ChannelSchedulerReindex = keyPrefix + "scheduler:reindex"
	ChannelSchedulerGitOp   = keyPrefix + "scheduler:git-op"
)

// TTLs. Durability-critical keys (pending executions) have no TTL at all;
// everything else is bounded so a cold cache self-heals.
const (
	workflowMetaTTL        = 6 * time.Hour
	workflowMetaMissingTTL = 60 * time.Second
	requirementsTTL        = 24 * time.Hour
	pricingTTL             = time.Hour
	authCodeTTL            = 5 * time.Minute
	logStreamTTL           = 24 * time.Hour

	// resultMargin is added to the workflow timeout when setting the TTL on
	// a sync rendezvous list, so the waiting caller always loses the race
	// against expiry.
	resultMargin = 30 * time.Second
)

// PendingKey returns the key of the pending execution hash.
func PendingKey(executionID uuid.UUID) string {
	return keyPrefix + "pending:" + executionID.String()
}

// ResultKey returns the key of the sync rendezvous list.
func ResultKey(executionID uuid.UUID) string {
	return keyPrefix + "result:" + executionID.String()
}

// WorkflowMetaKey returns the key of a workflow's metadata cache hash.
func WorkflowMetaKey(workflowID uuid.UUID) string {
	return keyPrefix + "wf:meta:" + workflowID.String()
}

// LogStreamKey returns the key of an execution's log stream. The runner
// subprocess is the only writer; the flusher drains it into the log table.
func LogStreamKey(executionID uuid.UUID) string {
	return keyPrefix + "logs:" + executionID.String()
}

// PricingKey returns the key of a model's pricing cache entry.
func PricingKey(provider, model string) string {
	return "ai_pricing:" + provider + ":" + model
}

// UsageTotalsKey returns the key of an execution's usage aggregate.
func UsageTotalsKey(executionID uuid.UUID) string {
	return "ai_usage_totals:" + executionID.String()
}

// ConversationTotalsKey returns the key of a conversation's usage aggregate.
func ConversationTotalsKey(conversationID uuid.UUID) string {
	return "ai_usage_totals:conv:" + conversationID.String()
}

// AuthCodeKey returns the key of a short-lived OAuth device code.
func AuthCodeKey(code string) string {
	return keyPrefix + "mcp:auth_code:" + code
}
