package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/gitops"
	"github.com/bifrost-io/bifrost/internal/notify"
)

// Reindexer rebuilds the workflow search index. The indexer itself runs
// elsewhere; the listener only dispatches and relays the outcome.
type Reindexer interface {
	Reindex(ctx context.Context, jobID string) error
}

// Listener serves on-demand jobs published by the API: git operations on the
// workflow repository and reindex requests. Jobs run one at a time on
// purpose — every git op touches the same checkout, and serializing here is
// what makes that safe.
type Listener struct {
	cache     *cache.Client
	git       *gitops.Service
	reindexer Reindexer
	notifier  *notify.Notifier
	logger    *zap.Logger
}

// NewListener creates the on-demand job listener. reindexer may be nil, in
// which case reindex requests complete as failed.
func NewListener(c *cache.Client, git *gitops.Service, reindexer Reindexer, notifier *notify.Notifier, logger *zap.Logger) *Listener {
	return &Listener{
		cache:     c,
		git:       git,
		reindexer: reindexer,
		notifier:  notifier,
		logger:    logger.Named("listener"),
	}
}

// Run consumes job requests until the context is cancelled. Errors from
// individual jobs are published on the job channel and logged; the loop
// never stops for them.
func (l *Listener) Run(ctx context.Context) {
	sub := l.cache.NewSubscriber(notify.ChannelSchedulerGitOp, notify.ChannelSchedulerReindex)
	go sub.Run(ctx)

	l.logger.Info("on-demand listener started")
	for msg := range sub.Messages() {
		switch msg.Channel {
		case notify.ChannelSchedulerGitOp:
			l.handleGitOp(ctx, msg.Payload)
		case notify.ChannelSchedulerReindex:
			l.handleReindex(ctx, msg.Payload)
		}
	}
	l.logger.Info("on-demand listener stopped")
}

func (l *Listener) handleGitOp(ctx context.Context, payload []byte) {
	var req gitops.Request
	if err := json.Unmarshal(payload, &req); err != nil || req.JobID == "" {
		l.logger.Warn("dropping malformed git op request", zap.ByteString("payload", payload))
		return
	}
	// Execute publishes completion (including failures) on the job channel;
	// nothing further to do with the error here.
	_ = l.git.Execute(ctx, req)
}

func (l *Listener) handleReindex(ctx context.Context, payload []byte) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.JobID == "" {
		l.logger.Warn("dropping malformed reindex request", zap.ByteString("payload", payload))
		return
	}

	l.notifier.GitNotice(ctx, notify.GitNotice{
		Type:      notify.TypeGitProgress,
		JobID:     req.JobID,
		Operation: "reindex",
		Step:      "index",
		Progress:  10,
	})

	err := l.reindex(ctx, req.JobID)
	notice := notify.GitNotice{
		Type:      notify.TypeGitComplete,
		JobID:     req.JobID,
		Operation: "reindex",
		Status:    "success",
	}
	if err != nil {
		notice.Status = "failed"
		notice.Error = err.Error()
		l.logger.Warn("reindex failed", zap.String("job_id", req.JobID), zap.Error(err))
	}
	l.notifier.GitNotice(ctx, notice)
}

func (l *Listener) reindex(ctx context.Context, jobID string) error {
	if l.reindexer == nil {
		return fmt.Errorf("scheduler: no indexer configured")
	}
	return l.reindexer.Reindex(ctx, jobID)
}
