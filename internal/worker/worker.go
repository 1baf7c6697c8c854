// Package worker claims execution messages, drives each one through the
// subprocess pool, and owns every terminal write for the executions it
// claimed. All terminal paths for one execution run on the single goroutine
// that claimed its message, so the order DB update -> publish -> release
// pending -> sync push is total per execution.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/broker"
	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/logstream"
	"github.com/bifrost-io/bifrost/internal/metrics"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/pool"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

const defaultTimeout = 300 * time.Second

// Executor is the pool surface the worker drives. *pool.Pool satisfies it.
type Executor interface {
	Execute(ctx context.Context, req pool.Request) (pool.Result, error)
	Cancel(executionID uuid.UUID) bool
}

// DeliveryUpdater propagates a terminal execution back onto the event
// delivery that spawned it. Implemented by the events service; nil disables
// back-propagation.
type DeliveryUpdater interface {
	UpdateDeliveryFromExecution(ctx context.Context, ex *db.Execution) error
}

// StreamPublisher is the broker surface for progress streams.
type StreamPublisher interface {
	PublishStream(ctx context.Context, exchange string, body []byte) error
}

// Deps bundles the service's collaborators.
type Deps struct {
	Cache        *cache.Client
	Workflows    repositories.WorkflowRepository
	Executions   repositories.ExecutionRepository
	Configs      repositories.ConfigRepository
	Integrations repositories.IntegrationRepository
	Orgs         repositories.OrganizationRepository
	Rollups      repositories.MetricsRepository
	Executor     Executor
	Flusher      *logstream.Flusher
	Notifier     *notify.Notifier
	Deliveries   DeliveryUpdater // optional
	Streams      StreamPublisher // optional, package-install progress
}

// Service processes execution messages.
type Service struct {
	deps   Deps
	logger *zap.Logger
}

// New creates the worker service.
func New(deps Deps, logger *zap.Logger) *Service {
	return &Service{deps: deps, logger: logger.Named("worker")}
}

// Process handles one delivery from the workflow-executions queue. A nil
// return ACKs the message; an error return NACKs it without requeue, which
// dead-letters it to the poison queue.
func (s *Service) Process(ctx context.Context, body []byte) error {
	msg, err := broker.DecodeExecutionMessage(body)
	if err != nil {
		return err
	}
	return s.process(ctx, msg)
}

func (s *Service) process(ctx context.Context, msg broker.ExecutionMessage) error {
	execID := msg.ExecutionID
	logger := s.logger.With(zap.String("execution_id", execID.String()))
	start := time.Now().UTC()

	if err := s.deps.Cache.RemoveQueued(ctx, execID); err != nil {
		logger.Warn("queued-set remove failed", zap.Error(err))
	}

	pending, err := s.deps.Cache.GetPendingExecution(ctx, execID)
	if err != nil {
		return err
	}
	if pending == nil {
		// Claimed a message whose context is gone: redelivery after a crash
		// that already finished, or a reaped record. No DB row to write.
		logger.Warn("pending record not found")
		if msg.Sync {
			s.pushResult(ctx, execID, &cache.ResultPayload{
				ExecutionID:  execID,
				Status:       string(db.ExecutionFailed),
				ErrorMessage: "execution context not found",
				ErrorType:    db.ErrorTypePendingNotFound,
			}, defaultTimeout)
		}
		return nil
	}

	if pending.Cancelled {
		row := s.newRow(pending)
		row.Status = db.ExecutionCancelled
		now := time.Now().UTC()
		row.CompletedAt = &now
		if err := s.deps.Executions.Create(ctx, row); err != nil {
			return err
		}
		s.afterTerminal(ctx, row, pending, nil, defaultTimeout)
		return nil
	}

	// Workflow resolution. Inline code carries everything it needs.
	var meta *cache.WorkflowMeta
	if pending.Code == "" {
		wfID := resolveWorkflowID(msg, pending)
		var notFound bool
		meta, notFound, err = s.resolveMeta(ctx, wfID)
		if err != nil {
			return err
		}
		if notFound {
			row := s.newRow(pending)
			row.Status = db.ExecutionFailed
			row.ErrorType = db.ErrorTypeWorkflowNotFound
			row.ErrorMessage = fmt.Sprintf("workflow %q not found", pending.WorkflowName)
			now := time.Now().UTC()
			row.CompletedAt = &now
			if err := s.deps.Executions.Create(ctx, row); err != nil {
				return err
			}
			s.afterTerminal(ctx, row, pending, nil, defaultTimeout)
			return nil
		}
	}

	orgID := pending.OrganizationID
	if orgID == nil && meta != nil {
		// System and event triggers carry no invoker org; the workflow's own
		// organization scopes the run.
		orgID = meta.OrganizationID
	}
	timeout := defaultTimeout
	if meta != nil && meta.TimeoutSeconds > 0 {
		timeout = time.Duration(meta.TimeoutSeconds) * time.Second
	}

	row := s.newRow(pending)
	row.OrganizationID = orgID
	if meta != nil {
		row.WorkflowName = meta.Name
	}
	row.Status = db.ExecutionRunning
	row.StartedAt = &start
	if err := s.deps.Executions.Create(ctx, row); err != nil {
		return err
	}
	s.deps.Notifier.ExecutionUpdate(ctx, execID, string(db.ExecutionRunning), nil)
	s.publishHistory(ctx, row)

	// From here on the execution row exists; any failure must land on it as
	// an InternalError terminal before the message dead-letters.
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker: execution panicked: %v", r)
			}
		}()
		return s.run(ctx, pending, meta, row, orgID, start, timeout)
	}()
	if runErr != nil {
		logger.Error("execution failed internally", zap.Error(runErr))
		s.finish(ctx, row, pending, repositories.TerminalUpdate{
			Status:       db.ExecutionFailed,
			ErrorMessage: runErr.Error(),
			ErrorType:    db.ErrorTypeInternal,
			CompletedAt:  time.Now().UTC(),
			DurationMS:   time.Since(start).Milliseconds(),
		}, nil, timeout)
		return runErr
	}
	return nil
}

// run executes the context and writes the terminal outcome. Returned errors
// are internal failures; workflow outcomes (including Timeout and Cancelled)
// return nil after their terminal path.
func (s *Service) run(
	ctx context.Context,
	pending *cache.PendingExecution,
	meta *cache.WorkflowMeta,
	row *db.Execution,
	orgID *uuid.UUID,
	start time.Time,
	timeout time.Duration,
) error {
	req := pool.Request{
		ExecutionID:  row.ID,
		WorkflowName: row.WorkflowName,
		Code:         pending.Code,
		Parameters:   pending.Parameters,
		UserID:       pending.UserID,
		UserName:     pending.UserName,
		IsAdmin:      pending.IsAdmin,
		StartupData:  pending.StartupData,
		Transient:    pending.Code != "",
		TimeoutSeconds: int(timeout / time.Second),
	}
	if meta != nil {
		req.FunctionName = meta.FunctionName
		req.FilePath = meta.FilePath
		req.TimeSavedMinutes = meta.TimeSavedMinutes
		req.ROIValue = meta.Value
	}

	if orgID != nil {
		org, err := s.deps.Orgs.GetByID(ctx, *orgID)
		switch {
		case err == nil:
			req.Organization = &pool.OrgInfo{ID: org.ID, Name: org.Name}
		case errors.Is(err, repositories.ErrNotFound):
			// Stale org reference; run unscoped rather than fail.
		default:
			return err
		}
	}

	cfg, err := s.deps.Configs.ResolveMap(ctx, orgID)
	if err != nil {
		return err
	}
	req.Config = cfg
	req.Integrations = s.loadIntegrations(ctx, orgID)

	res, err := s.deps.Executor.Execute(ctx, req)
	if err != nil {
		return err
	}

	upd := s.terminalFromResult(res, meta, start)
	s.finish(ctx, row, pending, upd, res.Logs, timeout)

	if upd.Status == db.ExecutionSuccess {
		s.recordRollups(ctx, row, meta, res, upd)
	}
	if s.deps.Deliveries != nil {
		finished := *row
		finished.Status = upd.Status
		finished.ErrorMessage = upd.ErrorMessage
		finished.ErrorType = upd.ErrorType
		finished.CompletedAt = &upd.CompletedAt
		if err := s.deps.Deliveries.UpdateDeliveryFromExecution(ctx, &finished); err != nil {
			s.logger.Warn("delivery back-propagation failed",
				zap.String("execution_id", row.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// terminalFromResult maps a pool result onto the terminal row update.
func (s *Service) terminalFromResult(res pool.Result, meta *cache.WorkflowMeta, start time.Time) repositories.TerminalUpdate {
	status := db.ExecutionStatus(res.Status)
	switch status {
	case db.ExecutionSuccess, db.ExecutionFailed, db.ExecutionTimeout, db.ExecutionCancelled:
	default:
		status = db.ExecutionFailed
	}

	duration := res.DurationMS
	if duration <= 0 {
		duration = time.Since(start).Milliseconds()
	}
	upd := repositories.TerminalUpdate{
		Status:       status,
		Result:       string(res.Result),
		ResultType:   detectResultKind(res.Result),
		ErrorMessage: res.ErrorMessage,
		ErrorType:    res.ErrorType,
		CompletedAt:  time.Now().UTC(),
		DurationMS:   duration,
		Variables:    string(res.Variables),
	}
	if res.Metrics != nil {
		upd.PeakMemoryBytes = res.Metrics.PeakMemoryBytes
		upd.CPUUserSeconds = res.Metrics.CPUUserSeconds
		upd.CPUSystemSeconds = res.Metrics.CPUSystemSeconds
		upd.CPUTotalSeconds = res.Metrics.CPUTotalSeconds
	}
	return upd
}

// finish is the single terminal path: one UPDATE, then notifications, log
// flush, pending release, and the sync rendezvous push, in that order.
func (s *Service) finish(
	ctx context.Context,
	row *db.Execution,
	pending *cache.PendingExecution,
	upd repositories.TerminalUpdate,
	extraLogs []logstream.Entry,
	timeout time.Duration,
) {
	if err := s.deps.Executions.Finish(ctx, row.ID, upd); err != nil {
		s.logger.Error("terminal update failed",
			zap.String("execution_id", row.ID.String()), zap.Error(err))
	}

	payload := &cache.ResultPayload{
		ExecutionID:  row.ID,
		Status:       string(upd.Status),
		Result:       json.RawMessage(upd.Result),
		ResultType:   upd.ResultType,
		ErrorMessage: upd.ErrorMessage,
		ErrorType:    upd.ErrorType,
		DurationMS:   upd.DurationMS,
	}
	data, _ := json.Marshal(payload)
	s.deps.Notifier.ExecutionUpdate(ctx, row.ID, string(upd.Status), data)

	terminal := *row
	terminal.Status = upd.Status
	terminal.CompletedAt = &upd.CompletedAt
	terminal.DurationMS = upd.DurationMS
	s.publishHistory(ctx, &terminal)

	if err := s.deps.Flusher.Flush(ctx, row.ID, extraLogs); err != nil {
		s.logger.Warn("log flush failed",
			zap.String("execution_id", row.ID.String()), zap.Error(err))
	}
	if err := s.deps.Cache.DeletePendingExecution(ctx, row.ID); err != nil {
		s.logger.Warn("pending release failed",
			zap.String("execution_id", row.ID.String()), zap.Error(err))
	}
	if pending.Sync {
		s.pushResult(ctx, row.ID, payload, timeout)
	}

	metrics.ExecutionsTotal.WithLabelValues(string(upd.Status)).Inc()
	metrics.ExecutionDuration.Observe(float64(upd.DurationMS) / 1000)
}

// afterTerminal covers rows created directly in a terminal state (cancelled
// before start, workflow not found).
func (s *Service) afterTerminal(ctx context.Context, row *db.Execution, pending *cache.PendingExecution, extraLogs []logstream.Entry, timeout time.Duration) {
	payload := &cache.ResultPayload{
		ExecutionID:  row.ID,
		Status:       string(row.Status),
		ErrorMessage: row.ErrorMessage,
		ErrorType:    row.ErrorType,
	}
	data, _ := json.Marshal(payload)
	s.deps.Notifier.ExecutionUpdate(ctx, row.ID, string(row.Status), data)
	s.publishHistory(ctx, row)

	if err := s.deps.Flusher.Flush(ctx, row.ID, extraLogs); err != nil {
		s.logger.Warn("log flush failed",
			zap.String("execution_id", row.ID.String()), zap.Error(err))
	}
	if err := s.deps.Cache.DeletePendingExecution(ctx, row.ID); err != nil {
		s.logger.Warn("pending release failed",
			zap.String("execution_id", row.ID.String()), zap.Error(err))
	}
	if pending.Sync {
		s.pushResult(ctx, row.ID, payload, timeout)
	}

	metrics.ExecutionsTotal.WithLabelValues(string(row.Status)).Inc()
	metrics.ExecutionDuration.Observe(float64(row.DurationMS) / 1000)
}

func (s *Service) newRow(pending *cache.PendingExecution) *db.Execution {
	name := pending.WorkflowName
	if name == "" {
		name = pending.ScriptName
	}
	params := "{}"
	if len(pending.Parameters) > 0 {
		params = string(pending.Parameters)
	}
	row := &db.Execution{
		OrganizationID: pending.OrganizationID,
		WorkflowName:   name,
		Status:         db.ExecutionPending,
		Parameters:     params,
		ExecutedBy:     pending.UserID,
		ExecutedByName: pending.UserName,
		FormID:         pending.FormID,
		APIKeyID:       pending.APIKeyID,
	}
	row.ID = pending.ExecutionID
	return row
}

func (s *Service) publishHistory(ctx context.Context, row *db.Execution) {
	upd := notify.HistoryUpdate{
		ExecutionID:  row.ID,
		WorkflowName: row.WorkflowName,
		Status:       string(row.Status),
		DurationMS:   row.DurationMS,
		UserID:       row.ExecutedBy,
		FormID:       row.FormID,
	}
	if row.StartedAt != nil {
		upd.StartedAt = row.StartedAt.Format(time.RFC3339Nano)
	}
	if row.CompletedAt != nil {
		upd.CompletedAt = row.CompletedAt.Format(time.RFC3339Nano)
	}
	s.deps.Notifier.HistoryUpdate(ctx, upd)
}

func (s *Service) pushResult(ctx context.Context, execID uuid.UUID, payload *cache.ResultPayload, timeout time.Duration) {
	if err := s.deps.Cache.PushResult(ctx, execID, payload, timeout); err != nil {
		s.logger.Warn("rendezvous push failed",
			zap.String("execution_id", execID.String()), zap.Error(err))
	}
}

// resolveMeta answers from the metadata cache, falling back to the DB on a
// cold entry and caching the outcome either way.
func (s *Service) resolveMeta(ctx context.Context, workflowID uuid.UUID) (*cache.WorkflowMeta, bool, error) {
	meta, missing, err := s.deps.Cache.GetWorkflowMeta(ctx, workflowID)
	if err != nil {
		// Redis trouble must not block execution; the DB answers instead.
		s.logger.Warn("meta cache read failed",
			zap.String("workflow_id", workflowID.String()), zap.Error(err))
	}
	if meta != nil {
		return meta, false, nil
	}
	if missing {
		return nil, true, nil
	}

	wf, err := s.deps.Workflows.GetByID(ctx, workflowID)
	if errors.Is(err, repositories.ErrNotFound) {
		if cerr := s.deps.Cache.SetWorkflowMetaMissing(ctx, workflowID); cerr != nil {
			s.logger.Warn("negative meta write failed", zap.Error(cerr))
		}
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	meta = &cache.WorkflowMeta{
		Name:             wf.Name,
		FunctionName:     wf.FunctionName,
		FilePath:         wf.FilePath,
		TimeoutSeconds:   wf.TimeoutSeconds,
		TimeSavedMinutes: wf.TimeSavedMinutes,
		Value:            wf.ROIValue,
		ExecutionMode:    wf.ExecutionMode,
		OrganizationID:   wf.OrganizationID,
	}
	if cerr := s.deps.Cache.SetWorkflowMeta(ctx, workflowID, meta); cerr != nil {
		s.logger.Warn("meta cache write failed", zap.Error(cerr))
	}
	return meta, false, nil
}

func (s *Service) loadIntegrations(ctx context.Context, orgID *uuid.UUID) []pool.Integration {
	mappings, err := s.deps.Integrations.ListMappings(ctx, orgID)
	if err != nil {
		s.logger.Warn("integration mappings load failed", zap.Error(err))
		return nil
	}
	out := make([]pool.Integration, 0, len(mappings))
	for _, m := range mappings {
		integ := pool.Integration{
			Name:     m.IntegrationName,
			EntityID: m.EntityID,
			Config:   json.RawMessage(m.Config),
		}
		if m.OAuthTokenID != nil {
			tok, err := s.deps.Integrations.GetToken(ctx, *m.OAuthTokenID)
			if err != nil {
				s.logger.Warn("integration token load failed",
					zap.String("integration", m.IntegrationName), zap.Error(err))
			} else {
				integ.AccessToken = string(tok.AccessToken)
			}
		}
		out = append(out, integ)
	}
	return out
}

func (s *Service) recordRollups(ctx context.Context, row *db.Execution, meta *cache.WorkflowMeta, res pool.Result, upd repositories.TerminalUpdate) {
	timeSaved := 0
	value := 0.0
	if meta != nil {
		timeSaved = meta.TimeSavedMinutes
		value = meta.Value
	}
	if res.TimeSavedMinutes != nil {
		timeSaved = *res.TimeSavedMinutes
	}
	if res.ROIValue != nil {
		value = *res.ROIValue
	}

	day := upd.CompletedAt.Truncate(24 * time.Hour)
	delta := repositories.MetricsDelta{
		Executions:       1,
		Successes:        1,
		DurationMS:       upd.DurationMS,
		TimeSavedMinutes: int64(timeSaved),
		Value:            value,
	}
	if meta != nil {
		wfID := db.WorkflowIDFromName(meta.Name)
		if err := s.deps.Rollups.IncrementWorkflowDay(ctx, day, wfID, row.OrganizationID, delta); err != nil {
			s.logger.Warn("workflow rollup failed", zap.Error(err))
		}
	}
	if err := s.deps.Rollups.IncrementOrgDay(ctx, day, row.OrganizationID, delta); err != nil {
		s.logger.Warn("org rollup failed", zap.Error(err))
	}
}

// resolveWorkflowID picks the workflow identity from the message first, the
// pending context second, and the deterministic name hash last.
func resolveWorkflowID(msg broker.ExecutionMessage, pending *cache.PendingExecution) uuid.UUID {
	if msg.WorkflowID != nil {
		return *msg.WorkflowID
	}
	if pending.WorkflowID != nil {
		return *pending.WorkflowID
	}
	name := pending.WorkflowName
	if name == "" {
		name = pending.ScriptName
	}
	return db.WorkflowIDFromName(name)
}

// detectResultKind classifies the result document for the row: objects and
// arrays are json, strings are html when they open with a tag and text
// otherwise, remaining scalars stay json.
func detectResultKind(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '{', '[':
		return db.ResultTypeJSON
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return db.ResultTypeJSON
		}
		if strings.HasPrefix(strings.TrimSpace(s), "<") {
			return db.ResultTypeHTML
		}
		return db.ResultTypeText
	default:
		return db.ResultTypeJSON
	}
}

// HandleControl processes an execution-control broadcast. Only the worker
// whose pool holds the subprocess acts on a cancel; everyone else finds
// nothing to interrupt.
func (s *Service) HandleControl(ctx context.Context, body []byte) error {
	var msg broker.ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("worker: decode control message: %w", err)
	}
	if msg.Type != "cancel" {
		return nil
	}
	if s.deps.Executor.Cancel(msg.ExecutionID) {
		s.logger.Info("cancelled running subprocess",
			zap.String("execution_id", msg.ExecutionID.String()))
	}
	return nil
}

// HandleInvalidation drops the cached metadata for a changed workflow.
func (s *Service) HandleInvalidation(ctx context.Context, body []byte) error {
	var msg broker.InvalidationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("worker: decode invalidation message: %w", err)
	}
	return s.deps.Cache.InvalidateWorkflowMeta(ctx, msg.WorkflowID)
}

// HandlePackageInstall refreshes the requirements cache from the durable
// copy and reports progress on the streaming fanout.
func (s *Service) HandlePackageInstall(ctx context.Context, body []byte) error {
	var msg broker.PackageInstallMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("worker: decode package-install message: %w", err)
	}

	// requested_by rides on every frame so the server can relay progress to
	// the requesting admin's channel without tracking job state.
	frame := func(step string) json.RawMessage {
		return mustJSON(map[string]string{
			"job_id":       msg.JobID,
			"requested_by": msg.RequestedBy.String(),
			"step":         step,
		})
	}

	s.streamProgress(ctx, broker.StreamMessage{Type: "progress", Data: frame("refreshing requirements")})

	if _, err := s.deps.Cache.WarmRequirements(ctx, s.deps.Configs); err != nil {
		s.streamProgress(ctx, broker.StreamMessage{Type: "error", Data: frame(""), Err: err.Error()})
		return err
	}

	s.streamProgress(ctx, broker.StreamMessage{Type: "done", Data: frame("")})
	return nil
}

func (s *Service) streamProgress(ctx context.Context, msg broker.StreamMessage) {
	if s.deps.Streams == nil {
		return
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.deps.Streams.PublishStream(ctx, broker.ExchangePackageInstallProgress, body); err != nil {
		s.logger.Warn("progress stream publish failed", zap.Error(err))
	}
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
