package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/dop251/goja"
)

// installHelpers wires the `helpers` surface (§4.1) into vm. Every entry
// point is defensive: a nil fetch or secret implementation throws a
// catchable JS error rather than a Go panic, a nil span starter runs the
// traced callback untraced, and native calls never reach outside this VM.
func installHelpers(vm *goja.Runtime, ctx context.Context, h Helpers) {
	helpers := vm.NewObject()

	_ = helpers.Set("matches", func(call goja.FunctionCall) goja.Value {
		str := call.Argument(0).String()
		pattern := call.Argument(1).String()
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("matches: invalid pattern: %w", err)))
		}
		return vm.ToValue(re.MatchString(str))
	})

	_ = helpers.Set("hash", func(call goja.FunctionCall) goja.Value {
		sum := sha256.Sum256([]byte(call.Argument(0).String()))
		return vm.ToValue(hex.EncodeToString(sum[:]))
	})

	_ = helpers.Set("__nativeFetch", func(call goja.FunctionCall) goja.Value {
		if h.Fetch == nil {
			return thenableError(vm, "fetch is not available in this execution context")
		}
		url := call.Argument(0).String()
		var opts map[string]any
		if o := call.Argument(1); o != nil && !goja.IsUndefined(o) {
			if m, ok := o.Export().(map[string]any); ok {
				opts = m
			}
		}
		result, err := h.Fetch(ctx, url, opts)
		if err != nil {
			return thenableError(vm, err.Error())
		}
		return thenableValue(vm, result)
	})

	_ = helpers.Set("__nativeSecret", func(call goja.FunctionCall) goja.Value {
		if h.ResolveSecret == nil {
			return thenableError(vm, "secret resolution is not available in this execution context")
		}
		name := call.Argument(0).String()
		value, err := h.ResolveSecret(ctx, name)
		if err != nil {
			return thenableError(vm, err.Error())
		}
		return thenableValue(vm, value)
	})

	_ = helpers.Set("trace", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("helpers.trace: second argument must be a function"))
		}
		if h.StartSpan == nil {
			ret, err := fn(goja.Undefined())
			if err != nil {
				panic(err)
			}
			return ret
		}
		end, err := h.StartSpan(ctx, name)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		defer end()
		ret, err := fn(goja.Undefined())
		if err != nil {
			panic(err)
		}
		return ret
	})

	_ = vm.Set("helpers", helpers)
}

// thenableValue builds a JS object whose .then synchronously resolves with value.
func thenableValue(vm *goja.Runtime, value any) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("then", func(call goja.FunctionCall) goja.Value {
		resolve, ok := goja.AssertFunction(call.Argument(0))
		if ok {
			_, _ = resolve(goja.Undefined(), vm.ToValue(value))
		}
		return goja.Undefined()
	})
	return obj
}

// thenableError builds a JS object whose .then synchronously rejects with message.
func thenableError(vm *goja.Runtime, message string) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("then", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 1 {
			if reject, ok := goja.AssertFunction(call.Argument(1)); ok {
				_, _ = reject(goja.Undefined(), vm.ToValue(message))
			}
		}
		return goja.Undefined()
	})
	return obj
}

// awaitPrelude defines the global `await` and promise-returning `fetch`/
// `secret` wrappers scripts call per §4.1's "MUST be used inside await(...)"
// contract. Suspension is modeled, not real: .then callbacks above run
// synchronously, so await returns (or throws) immediately.
const awaitPrelude = `
function await(thenable) {
	var __result, __error, __hasError = false;
	thenable.then(function(v) { __result = v; }, function(e) { __error = e; __hasError = true; });
	if (__hasError) { throw __error; }
	return __result;
}
var fetch = function(url, opts) {
	return { then: function(resolve, reject) {
		var r = helpers.__nativeFetch(url, opts);
		r.then(resolve, reject);
	} };
};
var secret = function(name) {
	return { then: function(resolve, reject) {
		var r = helpers.__nativeSecret(name);
		r.then(resolve, reject);
	} };
};
`
