package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
	"github.com/corehook/authplatform/internal/sandbox"
)

// Verdict is the outer-facing outcome of one hook dispatch.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictError Verdict = "error"
)

// ScriptLoader resolves a stored script by ID.
type ScriptLoader interface {
	GetScript(ctx context.Context, id string) (*Script, error)
}

// PlanProvider resolves the persisted ExecutionPlan for a hook.
type PlanProvider interface {
	GetPlan(ctx context.Context, hook HookName) (*ExecutionPlan, error)
}

// Executor runs one script through the Sandbox Runtime. sandbox.Pool
// satisfies this directly.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (*sandbox.ExecuteResult, error)
}

// HelperFactory builds the per-execution helpers surface (fetch/secret/trace)
// for one script running within one trace/span.
type HelperFactory func(traceID, scriptID string, layerIndex, parallelIndex int) sandbox.Helpers

// DispatchResult is the outcome handed back to the hook's caller.
type DispatchResult struct {
	Verdict Verdict
	Context map[string]any
	Trace   *Trace
}

// Dispatcher implements §4.2's dispatch algorithm.
type Dispatcher struct {
	Scripts ScriptLoader
	Plans   PlanProvider
	Sandbox Executor
	Store   Store // may be nil; trace/span persistence then degrades to no-op
	Helpers HelperFactory
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// Dispatch fires hook H with context C (§4.2 steps 1-3).
func (d *Dispatcher) Dispatch(ctx context.Context, hook HookName, userID string, initialContext map[string]any) (*DispatchResult, error) {
	start := time.Now()
	plan, err := d.Plans.GetPlan(ctx, hook)
	if err != nil {
		return nil, err
	}

	trace := &Trace{
		ID:              uuid.NewString(),
		TriggerEvent:    hook,
		Status:          TraceRunning,
		StartedAt:       start,
		UserID:          userID,
		ContextSnapshot: cloneContext(initialContext),
	}
	d.saveTrace(trace)

	switch plan.Mode {
	case ModeAsync:
		// The hook returns immediately after scheduling; the layer run
		// continues in the background and is responsible for closing its
		// own trace with a terminal status.
		go d.runPlan(context.WithoutCancel(ctx), plan, trace, cloneContext(initialContext))
		d.recordDispatch(hook, "scheduled", time.Since(start))
		return &DispatchResult{Verdict: VerdictAllow, Context: initialContext, Trace: trace}, nil
	default:
		finalContext, verdict := d.runPlan(ctx, plan, trace, cloneContext(initialContext))
		d.recordDispatch(hook, string(trace.Status), time.Since(start))
		return &DispatchResult{Verdict: verdict, Context: finalContext, Trace: trace}, nil
	}
}

// runPlan executes every layer of plan in order, applying the mode-specific
// merge/short-circuit/error semantics of §4.2, and closes trace with its
// terminal status before returning.
func (d *Dispatcher) runPlan(ctx context.Context, plan *ExecutionPlan, trace *Trace, working map[string]any) (map[string]any, Verdict) {
	verdict := VerdictAllow
	status := TraceSucceeded

layers:
	for layerIndex, layer := range plan.Layers {
		if d.Metrics != nil {
			d.Metrics.PipelineLayerWidth.Observe(float64(len(layer)))
		}

		type outcome struct {
			parallelIndex int
			scriptID      string
			res           *sandbox.ExecuteResult
			err           error
		}
		results := make([]outcome, len(layer))
		var wg sync.WaitGroup
		var mergeMu sync.Mutex

		for i, scriptID := range layer {
			wg.Add(1)
			go func(i int, scriptID string) {
				defer wg.Done()
				res, err := d.runScript(ctx, trace, layerIndex, i, scriptID, working, &mergeMu, plan.Mode)
				results[i] = outcome{parallelIndex: i, scriptID: scriptID, res: res, err: err}
			}(i, scriptID)
		}
		wg.Wait()

		for _, o := range results {
			switch plan.Mode {
			case ModeBlocking:
				if o.err != nil {
					status, verdict = TraceErrored, VerdictError
					break layers
				}
				if denied, ok := isDenied(o.res); ok && denied {
					status, verdict = TraceDenied, VerdictDeny
					break layers
				}
			case ModeAsync:
				// Errors are recorded to the span only; already handled in runScript.
			case ModeEnrichment:
				// Successful merges already applied in runScript; erroring
				// script output already discarded there.
			}
		}
	}

	trace.Status = status
	trace.EndedAt = time.Now()
	trace.DurationMs = trace.EndedAt.Sub(trace.StartedAt).Milliseconds()
	trace.ResultData = working
	d.saveTrace(trace)

	return working, verdict
}

// runScript executes one script within one layer and applies the mode's
// per-script effect (context merge for enrichment), returning the raw
// sandbox result for the caller's layer-level decision.
func (d *Dispatcher) runScript(ctx context.Context, trace *Trace, layerIndex, parallelIndex int, scriptID string, working map[string]any, mergeMu *sync.Mutex, mode HookMode) (*sandbox.ExecuteResult, error) {
	span := &Span{
		TraceID: trace.ID, ScriptID: scriptID, LayerIndex: layerIndex,
		ParallelIndex: parallelIndex, Status: SpanRunning, StartedAt: time.Now(),
	}
	d.saveSpan(span)

	script, err := d.Scripts.GetScript(ctx, scriptID)
	if err != nil {
		span.Status = SpanErrored
		span.EndedAt = time.Now()
		d.saveSpan(span)
		return nil, err
	}

	var snapshot map[string]any
	if mode == ModeEnrichment {
		mergeMu.Lock()
		snapshot = cloneContext(working)
		mergeMu.Unlock()
	} else {
		snapshot = working
	}

	var helpers sandbox.Helpers
	if d.Helpers != nil {
		helpers = d.Helpers(trace.ID, scriptID, layerIndex, parallelIndex)
	}

	res, err := d.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
		Script:     script.Code,
		EntryPoint: "run",
		Context:    snapshot,
		Helpers:    helpers,
	})

	span.EndedAt = time.Now()
	switch {
	case err != nil || (res != nil && !res.OK):
		span.Status = SpanErrored
		if res != nil {
			span.Attributes = map[string]any{"diagnostics": res.Diagnostics}
		}
	default:
		span.Status = SpanSucceeded
		if mode == ModeEnrichment {
			if out, ok := res.Value.(map[string]any); ok {
				mergeMu.Lock()
				for k, v := range out {
					working[k] = v
				}
				mergeMu.Unlock()
			}
		}
	}
	d.saveSpan(span)
	return res, err
}

// isDenied reports whether a blocking-mode script's return value is
// {allowed: false, ...}.
func isDenied(res *sandbox.ExecuteResult) (bool, bool) {
	if res == nil || !res.OK {
		return false, false
	}
	out, ok := res.Value.(map[string]any)
	if !ok {
		return false, false
	}
	allowed, present := out["allowed"]
	if !present {
		return false, false
	}
	b, ok := allowed.(bool)
	return !b, ok
}

func cloneContext(c map[string]any) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) saveTrace(t *Trace) {
	if d.Store == nil {
		return
	}
	_ = d.Store.SaveTrace(t)
}

func (d *Dispatcher) saveSpan(s *Span) {
	if d.Store == nil {
		return
	}
	_ = d.Store.SaveSpan(s)
}

func (d *Dispatcher) recordDispatch(hook HookName, status string, dur time.Duration) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.PipelineDispatchTotal.WithLabelValues(string(hook), status).Inc()
	d.Metrics.PipelineDispatchDuration.WithLabelValues(string(hook)).Observe(float64(dur.Milliseconds()))
}
