// Package pool runs execution contexts in isolated runner subprocesses with
// wall-clock, concurrency, and observability limits. One slot per running
// subprocess; the context document goes in on stdin, exactly one result
// document comes back on stdout, and the child is always reaped before
// Execute returns. User code can panic, leak, or spin — none of it crosses
// the process boundary.
package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/logstream"
)

const (
	// killGrace is how long a signalled subprocess gets to flush and exit
	// before SIGKILL.
	killGrace = 5 * time.Second

	// maxResultLine bounds the result document read from the child's stdout.
	maxResultLine = 1 << 20
)

// OrgInfo is the organization snapshot passed into the execution context.
type OrgInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Integration seeds one integration mapping into the context. Tokens arrive
// already decrypted; they exist only in the child's memory for the run.
type Integration struct {
	Name        string          `json:"name"`
	EntityID    string          `json:"entity_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
}

// Request is the full context document written to the runner's stdin.
type Request struct {
	ExecutionID  uuid.UUID       `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	FunctionName string          `json:"function_name"`
	Code         string          `json:"code,omitempty"`      // inline code, base64
	CodeBlob     string          `json:"code_blob,omitempty"` // stored workflow code
	FilePath     string          `json:"file_path,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	UserID       uuid.UUID       `json:"user_id"`
	UserName     string          `json:"user_name,omitempty"`
	IsAdmin      bool            `json:"is_admin,omitempty"`
	Organization *OrgInfo        `json:"organization,omitempty"`
	Config       map[string]json.RawMessage `json:"config,omitempty"`
	Integrations []Integration   `json:"integrations,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
	Transient        bool            `json:"transient,omitempty"`
	StartupData      json.RawMessage `json:"startup_data,omitempty"`
	TimeSavedMinutes int             `json:"time_saved_minutes,omitempty"`
	ROIValue         float64         `json:"roi_value,omitempty"`
}

// ResourceMetrics reports what the child consumed.
type ResourceMetrics struct {
	PeakMemoryBytes  int64   `json:"peak_memory_bytes"`
	CPUUserSeconds   float64 `json:"cpu_user_seconds"`
	CPUSystemSeconds float64 `json:"cpu_system_seconds"`
	CPUTotalSeconds  float64 `json:"cpu_total_seconds"`
}

// Result is the structured outcome of one run. Status is one of the
// execution status strings (Success, Failed, Timeout, Cancelled); anything
// else maps to Failed upstream.
type Result struct {
	Status       string            `json:"status"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	Variables    json.RawMessage   `json:"variables,omitempty"`
	Logs         []logstream.Entry `json:"logs,omitempty"` // degraded no-Redis path only
	Metrics      *ResourceMetrics  `json:"metrics,omitempty"`
	TimeSavedMinutes *int     `json:"time_saved_minutes,omitempty"`
	ROIValue         *float64 `json:"roi_value,omitempty"`
}

// Pool bounds concurrent runner subprocesses and owns their lifecycle.
type Pool struct {
	runnerPath string
	redisURL   string
	slots      *semaphore.Weighted
	logger     *zap.Logger

	// newCommand builds the runner command. Tests substitute shell stubs.
	newCommand func(ctx context.Context) *exec.Cmd

	mu      sync.Mutex
	running map[uuid.UUID]chan struct{}
}

// New creates a pool of size slots over the runner binary at runnerPath.
// redisURL is handed to each child for its log stream.
func New(runnerPath, redisURL string, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		runnerPath: runnerPath,
		redisURL:   redisURL,
		slots:      semaphore.NewWeighted(int64(size)),
		logger:     logger.Named("pool"),
		running:    make(map[uuid.UUID]chan struct{}),
	}
	p.newCommand = func(ctx context.Context) *exec.Cmd {
		return exec.Command(p.runnerPath)
	}
	return p
}

// SetCommandBuilder overrides the runner command construction. Test hook.
func (p *Pool) SetCommandBuilder(fn func(ctx context.Context) *exec.Cmd) {
	p.newCommand = fn
}

// Cancel interrupts the running subprocess for an execution. Returns false
// when the execution is not running in this pool (already finished, or owned
// by another worker — the execution-control broadcast reaches them all).
func (p *Pool) Cancel(executionID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.running[executionID]
	if !ok {
		return false
	}
	// Closing an already-closed channel panics; delete first so a second
	// Cancel finds nothing.
	delete(p.running, executionID)
	close(ch)
	return true
}

// Execute runs one context in a fresh subprocess and returns its outcome.
// The error return covers pool-level failures only (spawn, slot acquire);
// timeouts, cancellations, and user-code failures arrive as Result statuses.
func (p *Pool) Execute(ctx context.Context, req Request) (Result, error) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.slots.Release(1)

	doc, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}

	cmd := p.newCommand(ctx)
	cmd.Env = append(os.Environ(),
		"REDIS_URL="+p.redisURL,
		"BIFROST_EXECUTION_ID="+req.ExecutionID.String(),
	)
	cmd.Stdin = bytes.NewReader(doc)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	cancelCh := make(chan struct{})
	p.mu.Lock()
	p.running[req.ExecutionID] = cancelCh
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, req.ExecutionID)
		p.mu.Unlock()
	}()

	// Sample peak RSS while the child runs. The final CPU numbers come from
	// the reaped ProcessState, which is exact.
	var peakRSS int64
	stopSample := make(chan struct{})
	sampleDone := make(chan struct{})
	go func() {
		defer close(sampleDone)
		proc, err := process.NewProcess(int32(cmd.Process.Pid))
		if err != nil {
			return
		}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopSample:
				return
			case <-ticker.C:
				info, err := proc.MemoryInfo()
				if err != nil {
					return
				}
				if rss := int64(info.RSS); rss > peakRSS {
					peakRSS = rss
				}
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr error
		outcome string
	)
	select {
	case waitErr = <-waitDone:
		outcome = "finished"
	case <-timer.C:
		waitErr = p.terminate(cmd, waitDone, req.ExecutionID, "timeout")
		outcome = "timeout"
	case <-cancelCh:
		waitErr = p.terminate(cmd, waitDone, req.ExecutionID, "cancel")
		outcome = "cancelled"
	case <-ctx.Done():
		waitErr = p.terminate(cmd, waitDone, req.ExecutionID, "shutdown")
		outcome = "cancelled"
	}
	close(stopSample)
	<-sampleDone
	duration := time.Since(start)

	metrics := &ResourceMetrics{PeakMemoryBytes: peakRSS}
	if state := cmd.ProcessState; state != nil {
		metrics.CPUUserSeconds = state.UserTime().Seconds()
		metrics.CPUSystemSeconds = state.SystemTime().Seconds()
		metrics.CPUTotalSeconds = metrics.CPUUserSeconds + metrics.CPUSystemSeconds
	}

	switch outcome {
	case "timeout":
		return Result{
			Status:       string(db.ExecutionTimeout),
			ErrorMessage: "execution exceeded its timeout",
			ErrorType:    db.ErrorTypeTimeout,
			DurationMS:   duration.Milliseconds(),
			Metrics:      metrics,
		}, nil
	case "cancelled":
		return Result{
			Status:     string(db.ExecutionCancelled),
			ErrorType:  "",
			DurationMS: duration.Milliseconds(),
			Metrics:    metrics,
		}, nil
	}

	res, ok := parseResultLine(&stdout)
	if !ok {
		// No parseable result document. The child either failed to load the
		// workflow or died before printing; stderr is the best evidence.
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "runner produced no result"
		}
		return Result{
			Status:       string(db.ExecutionFailed),
			ErrorMessage: msg,
			ErrorType:    db.ErrorTypeWorkflowLoad,
			DurationMS:   duration.Milliseconds(),
			Metrics:      metrics,
		}, nil
	}

	if res.DurationMS <= 0 {
		res.DurationMS = duration.Milliseconds()
	}
	res.Metrics = metrics
	return res, nil
}

// terminate delivers an interrupt, waits out the grace period, then kills.
// Always reaps the child before returning.
func (p *Pool) terminate(cmd *exec.Cmd, waitDone <-chan error, executionID uuid.UUID, reason string) error {
	p.logger.Info("terminating subprocess",
		zap.String("execution_id", executionID.String()),
		zap.String("reason", reason),
	)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return <-waitDone
	}
	select {
	case err := <-waitDone:
		return err
	case <-time.After(killGrace):
		_ = cmd.Process.Kill()
		return <-waitDone
	}
}

// parseResultLine scans stdout for the first line that decodes as a result
// document. The runner prints exactly one; anything a misbehaving workflow
// printed around it is skipped.
func parseResultLine(stdout *bytes.Buffer) (Result, bool) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResultLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var res Result
		if err := json.Unmarshal(line, &res); err == nil && res.Status != "" {
			return res, true
		}
	}
	return Result{}, false
}
