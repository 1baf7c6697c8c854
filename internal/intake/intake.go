// Package intake accepts execution requests and hands them to the fabric:
// resolve the workflow, validate parameters, write the pending context to
// Redis, then publish the thin claim message. The Redis write always precedes
// the publish so a consumer can never claim a message whose context does not
// exist yet.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bifrost-io/bifrost/internal/broker"
	"github.com/bifrost-io/bifrost/internal/cache"
	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/notify"
	"github.com/bifrost-io/bifrost/internal/repositories"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrWorkflowNotFound  = errors.New("intake: workflow not found")
	ErrWorkflowInactive  = errors.New("intake: workflow is inactive")
	ErrInvalidParameters = errors.New("intake: parameters failed schema validation")
)

const (
	// DefaultPriority applies when a request does not set one.
	DefaultPriority = 5

	// SystemUserName identifies internally triggered executions (schedules,
	// event deliveries).
	SystemUserName = "system"

	defaultTimeout = 300 * time.Second
	waitMargin     = 5 * time.Second
)

// Publisher is the broker surface the intake needs. *broker.Pool satisfies it.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte, priority uint8) error
	PublishBroadcast(ctx context.Context, exchange string, body []byte) error
}

// Identity describes who is asking.
type Identity struct {
	UserID         uuid.UUID
	UserName       string
	IsAdmin        bool
	OrganizationID *uuid.UUID
	APIKeyID       *uuid.UUID
}

// Request is one execution request. Exactly one of WorkflowID, WorkflowName,
// or ScriptName+Code selects what runs.
type Request struct {
	WorkflowID   *uuid.UUID
	WorkflowName string
	ScriptName   string
	Code         string // inline code, base64; bypasses workflow resolution
	Parameters   json.RawMessage
	Identity     Identity
	FormID       *uuid.UUID
	StartupData  json.RawMessage
	Sync         bool
	Priority     int // 0..9, DefaultPriority when unset (negative)
}

// Service is the intake front of the fabric.
type Service struct {
	workflows  repositories.WorkflowRepository
	executions repositories.ExecutionRepository
	cache      *cache.Client
	publisher  Publisher
	notifier   *notify.Notifier
	logger     *zap.Logger

	// waitMargin is added to the workflow timeout for the sync rendezvous.
	waitMargin time.Duration
}

// New creates the intake service.
func New(
	workflows repositories.WorkflowRepository,
	executions repositories.ExecutionRepository,
	c *cache.Client,
	publisher Publisher,
	notifier *notify.Notifier,
	logger *zap.Logger,
) *Service {
	return &Service{
		workflows:  workflows,
		executions: executions,
		cache:      c,
		publisher:  publisher,
		notifier:   notifier,
		logger:     logger.Named("intake"),
		waitMargin: waitMargin,
	}
}

// Enqueue accepts one request and returns the assigned execution ID. The
// execution row does not exist yet; the claiming worker creates it.
func (s *Service) Enqueue(ctx context.Context, req Request) (uuid.UUID, error) {
	id, _, err := s.enqueue(ctx, req)
	return id, err
}

// EnqueueAndWait enqueues and then blocks on the sync rendezvous until the
// worker pushes the terminal payload or the workflow timeout (plus margin)
// lapses. A Timeout payload means the caller stopped waiting, not that the
// execution stopped running.
func (s *Service) EnqueueAndWait(ctx context.Context, req Request) (*cache.ResultPayload, error) {
	req.Sync = true
	execID, timeout, err := s.enqueue(ctx, req)
	if err != nil {
		return nil, err
	}

	payload, err := s.cache.WaitForResult(ctx, execID, timeout+s.waitMargin)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return &cache.ResultPayload{
			ExecutionID: execID,
			Status:      string(db.ExecutionTimeout),
		}, nil
	}
	return payload, nil
}

// EnqueueSystem enqueues on behalf of the fabric itself: schedule ticks and
// event deliveries. The identity is the system user and the organization
// comes from the workflow.
func (s *Service) EnqueueSystem(ctx context.Context, workflowID uuid.UUID, params json.RawMessage, startupData json.RawMessage) (uuid.UUID, error) {
	return s.Enqueue(ctx, Request{
		WorkflowID: &workflowID,
		Parameters: params,
		Identity: Identity{
			UserID:   uuid.Nil,
			UserName: SystemUserName,
			IsAdmin:  true,
		},
		StartupData: startupData,
	})
}

// Cancel requests cancellation of an execution at whatever stage it is in.
// The pending record's cancelled bit covers the pre-claim window; a Running
// row additionally flips to Cancelling and the execution-control broadcast
// tells the owning worker to interrupt the subprocess.
func (s *Service) Cancel(ctx context.Context, executionID uuid.UUID) error {
	if err := s.cache.MarkCancelled(ctx, executionID); err != nil {
		return err
	}

	ex, err := s.executions.GetByID(ctx, executionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ex.Status != db.ExecutionRunning {
		return nil
	}

	if err := s.executions.MarkCancelling(ctx, executionID); err != nil {
		// Lost the race against the terminal update; nothing left to cancel.
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	s.notifier.ExecutionUpdate(ctx, executionID, string(db.ExecutionCancelling), nil)

	body, err := json.Marshal(broker.ControlMessage{Type: "cancel", ExecutionID: executionID})
	if err != nil {
		return fmt.Errorf("intake: encode control message: %w", err)
	}
	if err := s.publisher.PublishBroadcast(ctx, broker.ExchangeExecutionControl, body); err != nil {
		return fmt.Errorf("intake: publish cancel: %w", err)
	}
	return nil
}

// enqueue does the shared work and also returns the effective timeout so the
// sync path knows how long to wait.
func (s *Service) enqueue(ctx context.Context, req Request) (uuid.UUID, time.Duration, error) {
	var (
		wf      *db.Workflow
		err     error
		timeout = defaultTimeout
	)

	// Inline code runs without a workflow row; everything else resolves one.
	if req.Code == "" {
		wf, err = s.resolveWorkflow(ctx, req)
		if err != nil {
			return uuid.Nil, 0, err
		}
		if wf.TimeoutSeconds > 0 {
			timeout = time.Duration(wf.TimeoutSeconds) * time.Second
		}
		if err := validateParameters(wf.ParameterSchema, req.Parameters); err != nil {
			return uuid.Nil, 0, err
		}
	}

	execID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("intake: new execution id: %w", err)
	}

	pending := &cache.PendingExecution{
		ExecutionID:    execID,
		WorkflowName:   req.WorkflowName,
		ScriptName:     req.ScriptName,
		Code:           req.Code,
		Parameters:     req.Parameters,
		UserID:         req.Identity.UserID,
		UserName:       req.Identity.UserName,
		IsAdmin:        req.Identity.IsAdmin,
		OrganizationID: req.Identity.OrganizationID,
		FormID:         req.FormID,
		APIKeyID:       req.Identity.APIKeyID,
		StartupData:    req.StartupData,
		Sync:           req.Sync,
		EnqueuedAt:     time.Now().UTC(),
	}
	msg := broker.ExecutionMessage{
		ExecutionID: execID,
		Code:        req.Code,
		ScriptName:  req.ScriptName,
		Sync:        req.Sync,
	}
	if wf != nil {
		pending.WorkflowID = &wf.ID
		pending.WorkflowName = wf.Name
		msg.WorkflowID = &wf.ID
		// Requests without an organization inherit the workflow's.
		if pending.OrganizationID == nil {
			pending.OrganizationID = wf.OrganizationID
		}
		if wf.ExecutionMode == db.ModeSync {
			pending.Sync = true
			msg.Sync = true
		}
	}

	if err := s.cache.AddQueued(ctx, execID); err != nil {
		s.logger.Warn("queued-set add failed", zap.String("execution_id", execID.String()), zap.Error(err))
	}
	if err := s.cache.SetPendingExecution(ctx, pending); err != nil {
		return uuid.Nil, 0, err
	}

	body, err := msg.Encode()
	if err != nil {
		return uuid.Nil, 0, err
	}
	if err := s.publisher.Publish(ctx, broker.QueueWorkflowExecutions, body, clampPriority(req.Priority)); err != nil {
		return uuid.Nil, 0, fmt.Errorf("intake: publish execution: %w", err)
	}

	s.logger.Info("execution enqueued",
		zap.String("execution_id", execID.String()),
		zap.String("workflow", pending.WorkflowName),
		zap.Bool("sync", pending.Sync),
	)
	return execID, timeout, nil
}

func (s *Service) resolveWorkflow(ctx context.Context, req Request) (*db.Workflow, error) {
	var (
		wf  *db.Workflow
		err error
	)
	switch {
	case req.WorkflowID != nil:
		wf, err = s.workflows.GetByID(ctx, *req.WorkflowID)
	case req.WorkflowName != "":
		wf, err = s.workflows.GetByName(ctx, req.WorkflowName)
	case req.ScriptName != "":
		wf, err = s.workflows.GetByName(ctx, req.ScriptName)
	default:
		return nil, ErrWorkflowNotFound
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, ErrWorkflowInactive
	}
	return wf, nil
}

// validateParameters checks the request parameters against the workflow's
// JSON schema. An empty schema means unvalidated.
func validateParameters(schemaDoc string, params json.RawMessage) error {
	if schemaDoc == "" {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaDoc), &schema); err != nil {
		// A workflow with a corrupt schema must not become uninvokable.
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}

	var instance any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &instance); err != nil {
			return fmt.Errorf("%w: parameters are not valid JSON", ErrInvalidParameters)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

func clampPriority(p int) uint8 {
	if p <= 0 {
		return DefaultPriority
	}
	if p > 9 {
		return 9
	}
	return uint8(p)
}
