// Package runner is the in-process core of the bifrost-runner binary: the
// isolated subprocess that evaluates one workflow in a goja VM. It reads the
// context document from stdin, streams logs to the execution's Redis stream,
// and prints exactly one result document to stdout. The exit code carries no
// semantics — the document does.
package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/redis/go-redis/v9"

	"github.com/bifrost-io/bifrost/internal/db"
	"github.com/bifrost-io/bifrost/internal/logstream"
	"github.com/bifrost-io/bifrost/internal/pool"
)

// userErrorPrelude defines the UserError class user code throws to surface
// a message to non-admin callers. Anything else is redacted for them.
const userErrorPrelude = `
function UserError(message) {
	this.name = "UserError";
	this.message = message === undefined ? "" : String(message);
	this.stack = (new Error()).stack;
}
UserError.prototype = Object.create(Error.prototype);
UserError.prototype.constructor = UserError;
`

// logFunc appends one log entry wherever logs currently go (stream or the
// degraded in-memory buffer).
type logFunc func(level, message string, metadata json.RawMessage)

// Harness runs one execution context. Create with New; Run consumes stdin
// and produces the result document on stdout.
type Harness struct {
	stdin  io.Reader
	stdout io.Writer
	rdb    *redis.Client // nil in the degraded no-Redis path
}

// New creates a harness over the given streams. rdb may be nil; logs then
// buffer in memory and ride back on the result document.
func New(stdin io.Reader, stdout io.Writer, rdb *redis.Client) *Harness {
	return &Harness{stdin: stdin, stdout: stdout, rdb: rdb}
}

// Run executes the context document from stdin and writes the result
// document. The returned error covers harness-level failures only (bad
// stdin, unwritable stdout); workflow failures land in the document.
func (h *Harness) Run(ctx context.Context) error {
	raw, err := io.ReadAll(h.stdin)
	if err != nil {
		return fmt.Errorf("runner: read context: %w", err)
	}
	var req pool.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("runner: decode context: %w", err)
	}

	var (
		sink     *logstream.Sink
		buffered []logstream.Entry
	)
	if h.rdb != nil {
		sink = logstream.NewSink(h.rdb, req.ExecutionID)
	}
	log := func(level, message string, metadata json.RawMessage) {
		if sink != nil {
			if err := sink.Append(ctx, level, message, metadata); err == nil {
				return
			}
			// Redis went away mid-run: degrade to the buffer, continuing
			// the sequence so the flusher keeps it dense.
			buffered = append(buffered, logstream.Entry{
				Sequence:  sink.Sequence(),
				Timestamp: time.Now().UTC(),
				Level:     level,
				Message:   message,
				Metadata:  metadata,
			})
			sink = nil
			return
		}
		seq := len(buffered)
		buffered = append(buffered, logstream.Entry{
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   message,
			Metadata:  metadata,
		})
	}

	res := h.evaluate(ctx, &req, log)
	res.Logs = buffered

	doc, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("runner: encode result: %w", err)
	}
	if _, err := fmt.Fprintf(h.stdout, "%s\n", doc); err != nil {
		return fmt.Errorf("runner: write result: %w", err)
	}
	return nil
}

// evaluate resolves the code, builds the VM, and invokes the workflow
// function. Every failure mode maps to a result document.
func (h *Harness) evaluate(ctx context.Context, req *pool.Request, log logFunc) pool.Result {
	start := time.Now()
	fail := func(errType, msg string) pool.Result {
		return pool.Result{
			Status:       string(db.ExecutionFailed),
			ErrorMessage: msg,
			ErrorType:    errType,
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}

	code, err := resolveCode(req)
	if err != nil {
		return fail(db.ErrorTypeWorkflowLoad, err.Error())
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	// Interrupt the VM when the pool signals us or the context ends, so a
	// spinning workflow still honours cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
		case <-stop:
		}
	}()

	if err := bindGlobals(vm, req, log); err != nil {
		return fail(db.ErrorTypeWorkflowLoad, err.Error())
	}

	if _, err := vm.RunString(userErrorPrelude); err != nil {
		return fail(db.ErrorTypeInternal, "runner prelude failed: "+err.Error())
	}

	// Top-level evaluation: parse and import failures are load errors, not
	// user errors.
	if _, err := vm.RunScript(req.WorkflowName, code); err != nil {
		return fail(db.ErrorTypeWorkflowLoad, err.Error())
	}

	fnName := req.FunctionName
	if fnName == "" {
		fnName = "main"
	}
	fn, ok := goja.AssertFunction(vm.Get(fnName))
	if !ok {
		return fail(db.ErrorTypeWorkflowLoad, fmt.Sprintf("function %q is not defined", fnName))
	}

	var params any
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return fail(db.ErrorTypeWorkflowLoad, "invalid parameters: "+err.Error())
		}
	}

	value, err := fn(goja.Undefined(), vm.ToValue(params))
	duration := time.Since(start).Milliseconds()
	if err != nil {
		errType, msg := classifyThrow(err)
		log(db.LogLevelTraceback, msg, nil)
		return pool.Result{
			Status:       string(db.ExecutionFailed),
			ErrorMessage: msg,
			ErrorType:    errType,
			DurationMS:   duration,
		}
	}

	res := pool.Result{
		Status:     string(db.ExecutionSuccess),
		DurationMS: duration,
	}
	if exported := exportJSON(value); exported != nil {
		res.Result = exported
	}
	if vars := exportJSON(vm.Get("variables")); vars != nil {
		res.Variables = vars
	}
	if roi := exportROI(vm); roi != nil {
		res.TimeSavedMinutes = roi.timeSaved
		res.ROIValue = roi.value
	}
	return res
}

// resolveCode picks the code source in priority order: inline base64 code,
// the stored code blob, then the workflow's file on disk.
func resolveCode(req *pool.Request) (string, error) {
	if req.Code != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Code)
		if err != nil {
			return "", fmt.Errorf("invalid inline code: %w", err)
		}
		return string(decoded), nil
	}
	if req.CodeBlob != "" {
		return req.CodeBlob, nil
	}
	if req.FilePath != "" {
		raw, err := os.ReadFile(req.FilePath)
		if err != nil {
			return "", fmt.Errorf("cannot read workflow file: %w", err)
		}
		return string(raw), nil
	}
	return "", errors.New("no code source: inline code, code blob and file path are all empty")
}

// bindGlobals installs the console and bifrost objects plus __filename.
func bindGlobals(vm *goja.Runtime, req *pool.Request, log logFunc) error {
	if err := vm.Set("__filename", req.FilePath); err != nil {
		return err
	}

	consoleLog := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = stringify(arg)
			}
			log(level, strings.Join(parts, " "), nil)
			return goja.Undefined()
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", consoleLog(db.LogLevelInfo))
	_ = console.Set("info", consoleLog(db.LogLevelInfo))
	_ = console.Set("warn", consoleLog(db.LogLevelWarning))
	_ = console.Set("error", consoleLog(db.LogLevelError))
	_ = console.Set("debug", consoleLog(db.LogLevelDebug))
	if err := vm.Set("console", console); err != nil {
		return err
	}

	var params, config, startup any
	if len(req.Parameters) > 0 {
		_ = json.Unmarshal(req.Parameters, &params)
	}
	if req.Config != nil {
		cfg := make(map[string]any, len(req.Config))
		for k, v := range req.Config {
			var decoded any
			_ = json.Unmarshal(v, &decoded)
			cfg[k] = decoded
		}
		config = cfg
	}
	if len(req.StartupData) > 0 {
		_ = json.Unmarshal(req.StartupData, &startup)
	}

	bifrost := vm.NewObject()
	_ = bifrost.Set("params", params)
	_ = bifrost.Set("config", config)
	_ = bifrost.Set("startupData", startup)
	_ = bifrost.Set("executionId", req.ExecutionID.String())
	_ = bifrost.Set("tags", req.Tags)
	_ = bifrost.Set("log", func(level, message string, meta goja.Value) {
		switch level {
		case db.LogLevelDebug, db.LogLevelInfo, db.LogLevelWarning, db.LogLevelError, db.LogLevelTraceback:
		default:
			level = db.LogLevelInfo
		}
		log(level, message, exportJSON(meta))
	})
	return vm.Set("bifrost", bifrost)
}

// classifyThrow maps a goja invocation error to an error type and message.
func classifyThrow(err error) (errType, msg string) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if obj, ok := exc.Value().(*goja.Object); ok {
			// Get returns nil for absent properties; a thrown plain object
			// need not carry either field.
			var name, message string
			if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
				name, _ = v.Export().(string)
			}
			if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
				message, _ = v.Export().(string)
			}
			if message == "" {
				message = exc.String()
			}
			if name == "UserError" {
				return db.ErrorTypeUser, message
			}
			return "", message
		}
		return "", exc.String()
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return "", "execution cancelled"
	}
	return "", err.Error()
}

// exportJSON converts a goja value to raw JSON, or nil when the value is
// absent or unserializable.
func exportJSON(v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil
	}
	return raw
}

// roiOverride carries ROI values the workflow set at runtime via the
// bifrost.roi object ({ timeSavedMinutes, value }).
type roiOverride struct {
	timeSaved *int
	value     *float64
}

func exportROI(vm *goja.Runtime) *roiOverride {
	bifrost, ok := vm.Get("bifrost").(*goja.Object)
	if !ok {
		return nil
	}
	roi, ok := bifrost.Get("roi").(*goja.Object)
	if !ok {
		return nil
	}
	var out roiOverride
	if v := roi.Get("timeSavedMinutes"); v != nil && !goja.IsUndefined(v) {
		n := int(v.ToInteger())
		out.timeSaved = &n
	}
	if v := roi.Get("value"); v != nil && !goja.IsUndefined(v) {
		f := v.ToFloat()
		out.value = &f
	}
	if out.timeSaved == nil && out.value == nil {
		return nil
	}
	return &out
}

func stringify(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if raw, err := json.Marshal(obj.Export()); err == nil {
			return string(raw)
		}
	}
	return v.String()
}
