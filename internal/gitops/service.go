package gitops

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/notify"
)

// Operations is the git surface the dispatcher drives. Implemented by
// *Runner; faked in tests.
type Operations interface {
	Fetch(ctx context.Context) error
	Status(ctx context.Context) (StatusResult, error)
	Commit(ctx context.Context, message string) (CommitResult, error)
	Pull(ctx context.Context) (PullResult, error)
	Push(ctx context.Context) error
	Resolve(ctx context.Context, strategy ResolveStrategy, paths []string) error
	CommitMerge(ctx context.Context, message string) error
	Diff(ctx context.Context) ([]DiffEntry, error)
}

// Request is one on-demand git job, decoded from the
// bifrost:scheduler:git-op channel.
type Request struct {
	JobID    string          `json:"job_id"`
	Type     string          `json:"type"`
	Message  string          `json:"message,omitempty"`
	Strategy ResolveStrategy `json:"strategy,omitempty"`
	Paths    []string        `json:"paths,omitempty"`
}

// Service executes git jobs and reports progress and completion on the
// per-job channel. invalidate, when set, is called after a successful
// sync_execute so workers drop stale workflow metadata.
type Service struct {
	ops        Operations
	notifier   *notify.Notifier
	invalidate func(ctx context.Context)
	logger     *zap.Logger
}

// NewService creates the dispatcher. invalidate may be nil.
func NewService(ops Operations, notifier *notify.Notifier, invalidate func(ctx context.Context), logger *zap.Logger) *Service {
	return &Service{
		ops:        ops,
		notifier:   notifier,
		invalidate: invalidate,
		logger:     logger.Named("gitops"),
	}
}

// Execute runs one job to completion. The returned error mirrors the failure
// already published on the job channel; callers log it and move on.
func (s *Service) Execute(ctx context.Context, req Request) error {
	s.logger.Info("git op dispatched",
		zap.String("job_id", req.JobID),
		zap.String("type", req.Type),
	)

	var (
		status string
		detail any
		err    error
	)
	switch req.Type {
	case "fetch":
		err = s.ops.Fetch(ctx)
		status = statusOf(err)
	case "status":
		detail, err = s.ops.Status(ctx)
		status = statusOf(err)
	case "commit":
		detail, err = s.ops.Commit(ctx, commitMessage(req))
		status = statusOf(err)
	case "pull":
		status, detail, err = s.pull(ctx)
	case "push":
		err = s.ops.Push(ctx)
		status = statusOf(err)
	case "resolve":
		err = s.resolve(ctx, req)
		status = statusOf(err)
	case "diff":
		detail, err = s.ops.Diff(ctx)
		status = statusOf(err)
	case "sync_preview":
		status, detail, err = s.syncPreview(ctx, req)
	case "sync_execute":
		status, detail, err = s.syncExecute(ctx, req)
	default:
		err = fmt.Errorf("gitops: unknown operation %q", req.Type)
		status = "failed"
	}

	s.complete(ctx, req, status, detail, err)
	return err
}

// pull classifies the merge result; a conflict is a job outcome, not an
// error.
func (s *Service) pull(ctx context.Context) (string, any, error) {
	res, err := s.ops.Pull(ctx)
	if err != nil {
		return "failed", nil, err
	}
	return string(res.Outcome), res, nil
}

func (s *Service) resolve(ctx context.Context, req Request) error {
	if err := s.ops.Resolve(ctx, req.Strategy, req.Paths); err != nil {
		return err
	}
	return s.ops.CommitMerge(ctx, commitMessage(req))
}

// syncPreview is fetch + status: what would a sync touch.
func (s *Service) syncPreview(ctx context.Context, req Request) (string, any, error) {
	s.progress(ctx, req, "fetch", 30)
	if err := s.ops.Fetch(ctx); err != nil {
		return "failed", nil, err
	}
	s.progress(ctx, req, "status", 70)
	status, err := s.ops.Status(ctx)
	if err != nil {
		return "failed", nil, err
	}
	return "success", map[string]any{
		"status":      status,
		"pull_needed": status.Behind > 0,
		"push_needed": status.Ahead > 0 || !status.Clean(),
	}, nil
}

// syncExecute is the composite commit + pull + optional resolve + push. Any
// leg hitting conflicts publishes the conflict set and stops; nothing is
// pushed past a conflict.
func (s *Service) syncExecute(ctx context.Context, req Request) (string, any, error) {
	s.progress(ctx, req, "commit", 20)
	commit, err := s.ops.Commit(ctx, commitMessage(req))
	if err != nil {
		return "failed", nil, err
	}

	s.progress(ctx, req, "pull", 50)
	pull, err := s.ops.Pull(ctx)
	if err != nil {
		return "failed", nil, err
	}
	if pull.Outcome == PullConflict {
		if req.Strategy == "" {
			return string(PullConflict), pull, nil
		}
		s.progress(ctx, req, "resolve", 65)
		if err := s.resolve(ctx, req); err != nil {
			return "failed", pull, err
		}
	}
	if pull.Outcome == PullFailed {
		return string(PullFailed), pull, nil
	}

	s.progress(ctx, req, "push", 80)
	if err := s.ops.Push(ctx); err != nil {
		return "failed", nil, err
	}

	if s.invalidate != nil {
		s.invalidate(ctx)
	}
	return "success", map[string]any{"commit": commit, "pull": pull}, nil
}

func (s *Service) progress(ctx context.Context, req Request, step string, pct int) {
	s.notifier.GitNotice(ctx, notify.GitNotice{
		Type:      notify.TypeGitProgress,
		JobID:     req.JobID,
		Operation: req.Type,
		Step:      step,
		Progress:  pct,
	})
}

func (s *Service) complete(ctx context.Context, req Request, status string, detail any, err error) {
	notice := notify.GitNotice{
		Type:      notify.TypeGitComplete,
		JobID:     req.JobID,
		Operation: req.Type,
		Status:    status,
	}
	if err != nil {
		notice.Error = err.Error()
		s.logger.Warn("git op failed",
			zap.String("job_id", req.JobID),
			zap.String("type", req.Type),
			zap.Error(err),
		)
	}
	if detail != nil {
		if raw, merr := json.Marshal(detail); merr == nil {
			notice.Detail = raw
		}
	}
	s.notifier.GitNotice(ctx, notice)
}

func statusOf(err error) string {
	if err != nil {
		return "failed"
	}
	return "success"
}

// commitMessage falls back to a recognizable default so empty messages never
// abort a commit.
func commitMessage(req Request) string {
	if req.Message != "" {
		return req.Message
	}
	return "bifrost sync"
}
