// Package sandbox implements the pooled, bounded script execution environment
// described in §4.1: a process-wide pool of embedded JavaScript runtimes
// (grounded on dop251/goja, the same engine the reference platform uses for
// its simulation-mode script execution) exposing exactly one operation,
// Execute, to the Pipeline Engine and the Authorization Engine's ABAC policy
// evaluator.
package sandbox

import (
	"context"
	"time"
)

// Defaults mirror §4.1's named constants.
const (
	DefaultMaxScriptSize = 10 * 1024       // MAX_SCRIPT_SIZE
	DefaultTimeout       = 1 * time.Second // TIMEOUT_MS
	DefaultMaxPoolSize   = 20
	DefaultMaxConcurrent = 40
	DefaultTTL           = 5 * time.Minute

	// MaxTraceDepth bounds helpers.trace nesting (§9 "bounded depth").
	MaxTraceDepth = 2
)

// DiagnosticCode names a typed failure reported back to the caller instead
// of a Go error, per §4.1's failure semantics.
type DiagnosticCode string

const (
	DiagScriptTooLarge   DiagnosticCode = "script_too_large"
	DiagExecutionTimeout DiagnosticCode = "execution_timeout"
	DiagRuntimeError     DiagnosticCode = "runtime_error"
	DiagEntryPointError  DiagnosticCode = "entry_point_error"
	DiagPoolUnavailable  DiagnosticCode = "pool_unavailable"
)

// Diagnostic is a single structured failure detail.
type Diagnostic struct {
	Code    DiagnosticCode `json:"code"`
	Message string         `json:"message"`
}

// FetchFunc backs helpers.fetch. It is a synchronous Go call: the "await"
// contract scripts see is a thenable wrapper around this call (§9 "explicit
// suspension contract" — there is no true coroutine scheduler inside goja,
// so suspension is modeled by running the host call inline and handing the
// script a resolved/rejected promise-like value).
type FetchFunc func(ctx context.Context, url string, opts map[string]any) (map[string]any, error)

// SecretFunc backs helpers.secret, resolving a secret by name via §4.7.
type SecretFunc func(ctx context.Context, name string) (string, error)

// SpanStarter backs helpers.trace. It must enforce MaxTraceDepth and return
// an end() func invoked when the traced callback returns.
type SpanStarter func(ctx context.Context, name string) (end func(), err error)

// Helpers bundles the host-provided implementations of the `helpers` surface
// exposed to scripts. A nil Fetch or ResolveSecret degrades to a stub that
// returns an error to the script; a nil StartSpan runs the traced callback
// without a span. None of them panics the host.
type Helpers struct {
	Fetch         FetchFunc
	ResolveSecret SecretFunc
	StartSpan     SpanStarter
}

// ExecuteRequest is one invocation of Execute.
type ExecuteRequest struct {
	// Script is the user-authored source. Must be <= bounds.MaxScriptSize.
	Script string
	// EntryPoint is the global function invoked with Context as its sole argument.
	EntryPoint string
	// Context is set as the `context` global for the duration of the call and
	// is logically cleared on return (bound (c) of §4.1): the VM backing this
	// execution is discarded after the call, never reused across executions.
	Context map[string]any
	// Helpers supplies the host implementations behind helpers.fetch,
	// helpers.secret and helpers.trace for this execution.
	Helpers Helpers
	// ThrowOnError, when true, makes a runtime/timeout failure surface as a
	// Go error instead of a (false, diagnostic) result.
	ThrowOnError bool
}

// ExecuteResult is the outcome of one Execute call.
type ExecuteResult struct {
	// OK is false for any timeout, size violation, or runtime error.
	OK bool
	// Value is the exported return value of EntryPoint when OK.
	Value any
	Diagnostics []Diagnostic
	Duration    time.Duration
	Logs        []string
}

// Bounds configures the per-execution limits of §4.1.
type Bounds struct {
	MaxScriptSize int64
	Timeout       time.Duration
}

// DefaultBounds returns the spec's default bounds.
func DefaultBounds() Bounds {
	return Bounds{MaxScriptSize: DefaultMaxScriptSize, Timeout: DefaultTimeout}
}
