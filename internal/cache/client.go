// Package cache is the Redis-backed pending store, metadata cache, sync
// rendezvous, and cross-process pub/sub layer. The database remains the
// durable source of truth everywhere: any cache failure on a worker's write
// path is logged at Warn and swallowed rather than blocking the DB update.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PendingExecution is the full in-flight context written by the intake and
// claimed by the worker. It lives under bifrost:pending:<id> with no TTL —
// a pending record is deleted, never expired, so nothing in flight can
// silently vanish.
type PendingExecution struct {
	ExecutionID    uuid.UUID       `json:"execution_id"`
	WorkflowID     *uuid.UUID      `json:"workflow_id,omitempty"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	ScriptName     string          `json:"script_name,omitempty"`
	Code           string          `json:"code,omitempty"` // inline code, base64
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	UserID         uuid.UUID       `json:"user_id"`
	UserName       string          `json:"user_name"`
	IsAdmin        bool            `json:"is_admin"`
	OrganizationID *uuid.UUID      `json:"organization_id,omitempty"`
	FormID         *uuid.UUID      `json:"form_id,omitempty"`
	APIKeyID       *uuid.UUID      `json:"api_key_id,omitempty"`
	StartupData    json.RawMessage `json:"startup_data,omitempty"`
	Sync           bool            `json:"sync"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`

	// Cancelled is stored as a separate hash field so MarkCancelled can flip
	// it without rewriting the context document.
	Cancelled bool `json:"-"`
}

// ResultPayload is one entry on the sync rendezvous list. The worker pushes
// exactly one per terminal path; the intake blocks on the first.
type ResultPayload struct {
	ExecutionID  uuid.UUID       `json:"execution_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultType   string          `json:"result_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

// Client wraps the shared Redis connection with Bifrost's keying and
// serialization conventions. Safe for concurrent use.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return &Client{rdb: rdb, logger: logger.Named("cache")}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests (miniredis)
// and by processes that share one connection across components.
func NewFromClient(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger.Named("cache")}
}

// Redis exposes the underlying client for components that need raw access
// (the log stream sink, the WebSocket bridge subscriber).
func (c *Client) Redis() *redis.Client { return c.rdb }

// Ping verifies the connection is alive. Used by health endpoints.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// --- Pending executions ---

// SetPendingExecution writes the full execution context. Idempotent: a
// replayed write for the same ID overwrites with identical content.
func (c *Client) SetPendingExecution(ctx context.Context, p *PendingExecution) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache: marshal pending: %w", err)
	}
	cancelled := "0"
	if p.Cancelled {
		cancelled = "1"
	}
	err = c.rdb.HSet(ctx, PendingKey(p.ExecutionID),
		"context", doc,
		"cancelled", cancelled,
	).Err()
	if err != nil {
		return fmt.Errorf("cache: set pending: %w", err)
	}
	return nil
}

// GetPendingExecution returns the pending context, or nil when the key is
// absent (already claimed and reaped, or never written).
func (c *Client) GetPendingExecution(ctx context.Context, executionID uuid.UUID) (*PendingExecution, error) {
	fields, err := c.rdb.HGetAll(ctx, PendingKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get pending: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var p PendingExecution
	if err := json.Unmarshal([]byte(fields["context"]), &p); err != nil {
		return nil, fmt.Errorf("cache: decode pending %s: %w", executionID, err)
	}
	p.Cancelled = fields["cancelled"] == "1"
	return &p, nil
}

// DeletePendingExecution removes the pending record. Idempotent.
func (c *Client) DeletePendingExecution(ctx context.Context, executionID uuid.UUID) error {
	if err := c.rdb.Del(ctx, PendingKey(executionID)).Err(); err != nil {
		return fmt.Errorf("cache: delete pending: %w", err)
	}
	return nil
}

// ExpirePendingExecution puts a safety-net TTL on a pending record. Pending
// keys are normally deleted, never expired; the sweeper uses this as a
// fallback when the delete itself failed, so the key cannot leak forever.
func (c *Client) ExpirePendingExecution(ctx context.Context, executionID uuid.UUID, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, PendingKey(executionID), ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire pending: %w", err)
	}
	return nil
}

// MarkCancelled sets the cancelled bit on an existing pending record.
// A missing record is a no-op (the worker already claimed it); post-claim
// cancellation travels over the execution-control broadcast instead.
func (c *Client) MarkCancelled(ctx context.Context, executionID uuid.UUID) error {
	key := PendingKey(executionID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cache: mark cancelled: %w", err)
	}
	if exists == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, key, "cancelled", "1").Err(); err != nil {
		return fmt.Errorf("cache: mark cancelled: %w", err)
	}
	return nil
}

// --- Sync rendezvous ---

// PushResult appends the terminal payload to the rendezvous list and bounds
// its lifetime to the workflow timeout plus a margin. Only called for
// sync-mode executions.
func (c *Client) PushResult(ctx context.Context, executionID uuid.UUID, payload *ResultPayload, timeout time.Duration) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: marshal result: %w", err)
	}
	key := ResultKey(executionID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, doc)
	pipe.Expire(ctx, key, timeout+resultMargin)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: push result: %w", err)
	}
	return nil
}

// WaitForResult blocks on the rendezvous list until a payload arrives or the
// timeout lapses. A nil payload with a nil error means timeout; the caller
// surfaces a Timeout response while the execution keeps running.
func (c *Client) WaitForResult(ctx context.Context, executionID uuid.UUID, timeout time.Duration) (*ResultPayload, error) {
	vals, err := c.rdb.BLPop(ctx, timeout, ResultKey(executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: wait for result: %w", err)
	}
	// BLPOP returns [key, value].
	var payload ResultPayload
	if err := json.Unmarshal([]byte(vals[1]), &payload); err != nil {
		return nil, fmt.Errorf("cache: decode result %s: %w", executionID, err)
	}
	return &payload, nil
}

// --- Queue tracking set ---

// AddQueued records an execution ID as enqueued. Observational only.
func (c *Client) AddQueued(ctx context.Context, executionID uuid.UUID) error {
	if err := c.rdb.SAdd(ctx, queuedSetKey, executionID.String()).Err(); err != nil {
		return fmt.Errorf("cache: add queued: %w", err)
	}
	return nil
}

// RemoveQueued drops an execution ID from the queue-tracking set. Absence is
// not an error.
func (c *Client) RemoveQueued(ctx context.Context, executionID uuid.UUID) error {
	if err := c.rdb.SRem(ctx, queuedSetKey, executionID.String()).Err(); err != nil {
		return fmt.Errorf("cache: remove queued: %w", err)
	}
	return nil
}

// QueuedCount returns the size of the queue-tracking set. Metrics only.
func (c *Client) QueuedCount(ctx context.Context) (int64, error) {
	n, err := c.rdb.SCard(ctx, queuedSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: queued count: %w", err)
	}
	return n, nil
}

// --- Auth codes ---

// SetAuthCode stores a short-lived OAuth device code with its payload.
func (c *Client) SetAuthCode(ctx context.Context, code string, payload []byte) error {
	if err := c.rdb.Set(ctx, AuthCodeKey(code), payload, authCodeTTL).Err(); err != nil {
		return fmt.Errorf("cache: set auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode atomically fetches and deletes a device code, returning
// nil when the code is unknown or expired. Single-use by construction.
func (c *Client) ConsumeAuthCode(ctx context.Context, code string) ([]byte, error) {
	val, err := c.rdb.GetDel(ctx, AuthCodeKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: consume auth code: %w", err)
	}
	return val, nil
}

// --- Pub/sub publish ---

// Publish JSON-encodes the payload onto a channel. Failures are logged and
// swallowed: pub/sub is a best-effort notification path and must never block
// or fail a write path.
func (c *Client) Publish(ctx context.Context, channel string, payload any) {
	doc, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("publish marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := c.rdb.Publish(ctx, channel, doc).Err(); err != nil {
		c.logger.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// parseIntField is a small helper for hash fields stored as decimal strings.
func parseIntField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}

func parseFloatField(fields map[string]string, name string) float64 {
	f, _ := strconv.ParseFloat(fields[name], 64)
	return f
}
