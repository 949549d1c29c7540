package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// instance is one pooled wrapper. Its underlying goja.Runtime is rebuilt on
// every execution (see DESIGN.md): goja has no supported "reset" primitive,
// so per-call isolation is achieved structurally instead of by clearing
// globals on a long-lived VM.
type instance struct {
	id        int64
	createdAt time.Time
	lastUsed  time.Time
	burst     bool
}

// execute runs req against a fresh goja.Runtime and enforces §4.1's bounds.
// It never panics: goja runtime panics (stack overflow, interrupt) are
// recovered and reported as a runtime_error diagnostic.
func execute(ctx context.Context, bounds Bounds, req ExecuteRequest) (res *ExecuteResult, err error) {
	start := time.Now()

	if int64(len(req.Script)) > bounds.MaxScriptSize {
		return &ExecuteResult{
			OK:          false,
			Diagnostics: []Diagnostic{{Code: DiagScriptTooLarge, Message: fmt.Sprintf("script is %d bytes, limit is %d", len(req.Script), bounds.MaxScriptSize)}},
			Duration:    time.Since(start),
		}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	type outcome struct {
		res *ExecuteResult
		err error
	}
	done := make(chan outcome, 1)

	vm := goja.New()
	go func() {
		r, e := runInVM(vm, execCtx, req, start)
		done <- outcome{r, e}
	}()

	select {
	case o := <-done:
		if o.err != nil && !req.ThrowOnError {
			return &ExecuteResult{
				OK:          false,
				Diagnostics: []Diagnostic{{Code: DiagRuntimeError, Message: o.err.Error()}},
				Duration:    time.Since(start),
			}, nil
		}
		return o.res, o.err
	case <-execCtx.Done():
		vm.Interrupt("execution_timeout")
		<-done // wait for the goroutine to unwind after interrupt
		if req.ThrowOnError {
			return nil, fmt.Errorf("%s", DiagExecutionTimeout)
		}
		return &ExecuteResult{
			OK:          false,
			Diagnostics: []Diagnostic{{Code: DiagExecutionTimeout, Message: "execution exceeded timeout"}},
			Duration:    time.Since(start),
		}, nil
	}
}

func runInVM(vm *goja.Runtime, ctx context.Context, req ExecuteRequest, start time.Time) (res *ExecuteResult, err error) {
	defer func() {
		// A panic escaping goja is turned into an error, which execute
		// reports as a runtime_error diagnostic (or returns, with
		// ThrowOnError) instead of a nil result.
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("script panicked: %v", r)
		}
	}()

	logs := make([]string, 0, 4)
	installConsole(vm, &logs)
	installHelpers(vm, ctx, req.Helpers)

	contextObj := vm.ToValue(req.Context)
	_ = vm.Set("context", contextObj)

	if _, err := vm.RunString(awaitPrelude); err != nil {
		return nil, fmt.Errorf("load prelude: %w", err)
	}

	if _, err := vm.RunString(req.Script); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(req.EntryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", req.EntryPoint)
	}

	ret, err := entry(goja.Undefined(), contextObj)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", req.EntryPoint, err)
	}

	value := exportValue(ret)
	return &ExecuteResult{OK: true, Value: value, Duration: time.Since(start), Logs: logs}, nil
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	switch exported.(type) {
	case map[string]any, bool, string, float64, int64, nil:
		return exported
	default:
		raw, err := json.Marshal(exported)
		if err != nil {
			return exported
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return exported
		}
		return out
	}
}

func installConsole(vm *goja.Runtime, logs *[]string) {
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		*logs = append(*logs, fmt.Sprint(parts))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
}

// ValidateScript compiles a script without executing it, enforcing I6's
// syntactic-validity invariant for stored ABAC conditions/policies.
func ValidateScript(script string) error {
	_, err := goja.Compile("condition.js", script, false)
	return err
}

