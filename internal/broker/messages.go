// Package broker bridges the fabric to RabbitMQ: queue topology with
// dead-letter routing, connection and channel pooling, persistent publishes,
// and the competing-consumer / broadcast / streaming consumption patterns.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue and exchange names. Durable queues get the dead-letter topology from
// DeclareWithDLX; broadcast exchanges are durable fanouts.
const (
	// QueueWorkflowExecutions carries execution messages to the workers.
	QueueWorkflowExecutions = "workflow-executions"

	// ExchangeCacheInvalidation broadcasts workflow metadata invalidations
	// to every live worker.
	ExchangeCacheInvalidation = "workflow-cache-invalidation"

	// ExchangePackageInstall broadcasts requirements changes so every worker
	// refreshes its package environment.
	ExchangePackageInstall = "package-install"

	// ExchangeExecutionControl broadcasts post-claim cancel requests; the
	// worker holding the subprocess interrupts it.
	ExchangeExecutionControl = "execution-control"

	// ExchangePackageInstallProgress is the transient streaming fanout the
	// installing worker publishes progress on.
	ExchangePackageInstallProgress = "package-install-progress"
)

// ExecutionMessage is the wire shape on the workflow-executions queue. It is
// deliberately thin: the full context lives in the Redis pending record
// keyed by ExecutionID, so a replayed or dead-lettered message leaks nothing
// and weighs nothing.
type ExecutionMessage struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	WorkflowID  *uuid.UUID `json:"workflow_id,omitempty"`
	Code        string     `json:"code,omitempty"` // inline code, base64
	ScriptName  string     `json:"script_name,omitempty"`
	Sync        bool       `json:"sync,omitempty"`
}

// Encode serializes the message for publishing.
func (m ExecutionMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("broker: encode execution message: %w", err)
	}
	return body, nil
}

// DecodeExecutionMessage parses a delivery body. A body that does not carry
// a valid execution ID is poison by definition.
func DecodeExecutionMessage(body []byte) (ExecutionMessage, error) {
	var m ExecutionMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("broker: decode execution message: %w", err)
	}
	if m.ExecutionID == (uuid.UUID{}) {
		return m, fmt.Errorf("broker: execution message without execution_id")
	}
	return m, nil
}

// ControlMessage is broadcast on the execution-control exchange.
type ControlMessage struct {
	Type        string    `json:"type"` // "cancel"
	ExecutionID uuid.UUID `json:"execution_id"`
}

// InvalidationMessage is broadcast on the cache-invalidation exchange.
type InvalidationMessage struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// PackageInstallMessage is broadcast on the package-install exchange.
type PackageInstallMessage struct {
	JobID           string    `json:"job_id"`
	RequestedBy     uuid.UUID `json:"requested_by"`
	RequirementsSHA string    `json:"requirements_sha"`
}

// StreamMessage is one frame on a streaming fanout. A frame with type
// "done" or "error" is the sentinel that terminates the stream.
type StreamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"error,omitempty"`
}

// Terminal reports whether the frame ends the stream.
func (m StreamMessage) Terminal() bool {
	return m.Type == "done" || m.Type == "error"
}
