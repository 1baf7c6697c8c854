// Package logstream moves execution logs from the runner subprocess to the
// durable log table. The Redis stream bifrost:logs:<exec_id> is the single
// source of truth while an execution runs: the subprocess is its only
// writer, appending entries with a client-side dense sequence from 0. After
// the execution reaches a terminal state the flusher copies the stream into
// the execution_logs table and deletes it. Nothing else writes log rows.
package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// streamTTL is a safety net: a stream whose execution never flushed (worker
// crashed before the terminal path) expires instead of leaking forever. The
// stuck sweeper fires well inside this window.
const streamTTL = 24 * time.Hour

// Entry is one log line in flight.
type Entry struct {
	Sequence  int             `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Sink appends entries for one execution. It assigns the dense sequence
// itself, which is sound because the runner subprocess is the stream's only
// writer. Not safe for concurrent use; the runner logs from one goroutine.
type Sink struct {
	rdb    *redis.Client
	execID uuid.UUID
	seq    int
}

// NewSink creates a sink for an execution's stream.
func NewSink(rdb *redis.Client, executionID uuid.UUID) *Sink {
	return &Sink{rdb: rdb, execID: executionID}
}

// Append writes one entry to the stream and advances the sequence.
func (s *Sink) Append(ctx context.Context, level, message string, metadata json.RawMessage) error {
	key := cache.LogStreamKey(s.execID)
	values := map[string]any{
		"sequence":  strconv.Itoa(s.seq),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   message,
	}
	if len(metadata) > 0 {
		values["metadata"] = string(metadata)
	}

	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("logstream: append: %w", err)
	}
	s.seq++
	return nil
}

// Sequence returns the next sequence number to be assigned. The degraded
// no-Redis path uses it to continue numbering in its memory buffer.
func (s *Sink) Sequence() int { return s.seq }

// Flusher copies a finished execution's stream into the log table.
type Flusher struct {
	rdb    *redis.Client
	logs   repositories.ExecutionLogRepository
	logger *zap.Logger
}

// NewFlusher creates a flusher over the shared Redis client and log
// repository.
func NewFlusher(rdb *redis.Client, logs repositories.ExecutionLogRepository, logger *zap.Logger) *Flusher {
	return &Flusher{rdb: rdb, logs: logs, logger: logger.Named("logstream")}
}

// Flush drains the execution's stream into the table and deletes the key.
// extra carries entries that rode back on the result document because the
// subprocess could not reach Redis; they are appended after the stream's
// entries, renumbered to keep the sequence dense. Idempotent on replay: the
// unique (execution_id, sequence) index rejects duplicate rows and the
// conflict is ignored.
func (f *Flusher) Flush(ctx context.Context, executionID uuid.UUID, extra []Entry) error {
	key := cache.LogStreamKey(executionID)

	msgs, err := f.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return fmt.Errorf("logstream: read stream: %w", err)
	}

	entries := make([]Entry, 0, len(msgs)+len(extra))
	for _, m := range msgs {
		entries = append(entries, entryFromStream(m.Values))
	}
	// Renumber so stream entries and degraded-path entries form one dense
	// sequence regardless of where each was buffered.
	for i := range entries {
		entries[i].Sequence = i
	}
	for _, e := range extra {
		e.Sequence = len(entries)
		entries = append(entries, e)
	}

	if len(entries) > 0 {
		rows := make([]db.ExecutionLog, len(entries))
		for i, e := range entries {
			rows[i] = db.ExecutionLog{
				ExecutionID: executionID,
				Sequence:    e.Sequence,
				Timestamp:   e.Timestamp,
				Level:       e.Level,
				Message:     e.Message,
				Metadata:    string(e.Metadata),
			}
		}
		if err := f.logs.BulkCreate(ctx, rows); err != nil {
			return fmt.Errorf("logstream: persist: %w", err)
		}
	}

	if err := f.rdb.Del(ctx, key).Err(); err != nil {
		// The rows are durable; a leaked stream key expires via its TTL.
		f.logger.Warn("failed to delete flushed stream",
			zap.String("execution_id", executionID.String()),
			zap.Error(err),
		)
	}
	return nil
}

func entryFromStream(values map[string]any) Entry {
	str := func(name string) string {
		s, _ := values[name].(string)
		return s
	}
	seq, _ := strconv.Atoi(str("sequence"))
	ts, err := time.Parse(time.RFC3339Nano, str("timestamp"))
	if err != nil {
		ts = time.Now().UTC()
	}
	e := Entry{
		Sequence:  seq,
		Timestamp: ts,
		Level:     str("level"),
		Message:   str("message"),
	}
	if meta := str("metadata"); meta != "" {
		e.Metadata = json.RawMessage(meta)
	}
	return e
}
