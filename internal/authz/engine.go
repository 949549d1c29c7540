package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
	"github.com/corehook/authplatform/internal/sandbox"
)

// AdminChecker reports whether a subject holds the platform admin role,
// short-circuiting checkPermission's step 1.
type AdminChecker interface {
	IsPlatformAdmin(ctx context.Context, subjectType, subjectID string) (bool, error)
}

// PolicyExecutor runs an ABAC condition/policy script. sandbox.Pool
// satisfies this directly.
type PolicyExecutor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (*sandbox.ExecuteResult, error)
}

// HookDispatcher fires a pipeline hook and returns its dispatch result,
// satisfied by *pipeline.Dispatcher.
type HookDispatcher interface {
	Dispatch(ctx context.Context, hook pipeline.HookName, userID string, initialContext map[string]any) (*pipeline.DispatchResult, error)
}

// Engine implements the single public operation of §4.4: checkPermission.
type Engine struct {
	Tuples   TupleStore
	Registry *Registry
	Sandbox  PolicyExecutor
	Admin    AdminChecker
	Pipeline HookDispatcher // may be nil; before_check enrichment is then skipped
	Metrics  *metrics.Metrics
	Log      *logging.Logger
}

// maxExpansionDepth bounds subject expansion BFS against pathological
// membership graphs (§9 "visited sets").
const maxExpansionDepth = 32

// CheckPermission implements §4.4 steps 1-8. Any internal error denies and
// increments an error counter; it never returns an error to the caller.
func (e *Engine) CheckPermission(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, reqContext map[string]any) bool {
	start := time.Now()
	allowed := e.checkPermission(ctx, subjectType, subjectID, entityType, entityID, permission, reqContext)
	if e.Metrics != nil {
		outcome := "deny"
		if allowed {
			outcome = "allow"
		}
		e.Metrics.AuthzCheckTotal.WithLabelValues(outcome).Inc()
		e.Metrics.AuthzCheckDuration.Observe(float64(time.Since(start).Milliseconds()))
	}
	return allowed
}

func (e *Engine) checkPermission(ctx context.Context, subjectType, subjectID, entityType, entityID, permission string, reqContext map[string]any) bool {
	// Step 1: admin bypass.
	if subjectType == "user" && e.Admin != nil {
		isAdmin, err := e.Admin.IsPlatformAdmin(ctx, subjectType, subjectID)
		if err != nil {
			e.denyOnError("admin check", err)
			return false
		}
		if isAdmin {
			return true
		}
	}

	// before_check enrichment: user scripts may add context the policy
	// evaluated in step 7 then sees, e.g. resource attributes fetched at
	// check time rather than supplied by the caller.
	if subjectType == "user" && e.Pipeline != nil {
		reqContext = e.enrichBeforeCheck(ctx, subjectID, entityType, entityID, permission, reqContext)
	}

	// Step 2: model lookup.
	model, err := e.Registry.GetModel(ctx, entityType)
	if err != nil {
		if err == ErrModelNotFound {
			return false
		}
		e.denyOnError("model lookup", err)
		return false
	}

	// Step 3: permission lookup.
	permDef, ok := model.Definition.Permissions[permission]
	if !ok {
		return false
	}

	// Step 4: subject expansion.
	subjects, err := e.expandSubjects(ctx, Subject{Type: subjectType, ID: subjectID})
	if err != nil {
		e.denyOnError("subject expansion", err)
		return false
	}

	// Step 5: relation transitivity.
	impliedRelations := impliedBy(model.Definition, permDef.Relation)

	// Step 6: tuple check (exact then wildcard), first hit wins.
	for _, s := range subjects {
		for r := range impliedRelations {
			tuple, hit, err := e.findTuple(ctx, entityType, entityID, r, s)
			if err != nil {
				e.denyOnError("tuple lookup", err)
				return false
			}
			if !hit {
				continue
			}
			// Step 7: policy evaluation, tuple condition takes priority.
			return e.evaluatePolicy(ctx, tuple, permDef, reqContext)
		}
	}

	// Step 8: no hit.
	return false
}

// enrichBeforeCheck fires the before_check hook (enrichment mode), merging
// its output over the caller-supplied context. A dispatch error is logged
// and ignored, and a deny verdict is ignored: before_check augments the
// check, it never gates
// it (gating belongs to step 7's policy evaluation).
func (e *Engine) enrichBeforeCheck(ctx context.Context, subjectID, entityType, entityID, permission string, reqContext map[string]any) map[string]any {
	initial := make(map[string]any, len(reqContext)+3)
	for k, v := range reqContext {
		initial[k] = v
	}
	initial["entityType"] = entityType
	initial["entityId"] = entityID
	initial["permission"] = permission

	result, err := e.Pipeline.Dispatch(ctx, pipeline.HookBeforeCheck, subjectID, initial)
	if err != nil {
		if e.Log != nil {
			e.Log.Component("authz").WithField("error", err.Error()).Warn("before_check hook dispatch failed")
		}
		return reqContext
	}
	if result == nil {
		return reqContext
	}
	return result.Context
}

func (e *Engine) findTuple(ctx context.Context, entityType, entityID, relation string, s Subject) (Tuple, bool, error) {
	t, err := e.Tuples.FindExact(ctx, entityType, entityID, relation, s.Type, s.ID)
	if err == nil {
		return t, true, nil
	}
	if err != ErrTupleNotFound {
		return Tuple{}, false, err
	}
	t, err = e.Tuples.FindExact(ctx, entityType, "*", relation, s.Type, s.ID)
	if err == nil {
		return t, true, nil
	}
	if err != ErrTupleNotFound {
		return Tuple{}, false, err
	}
	return Tuple{}, false, nil
}

// expandSubjects computes the set of (type, id) the principal "is", per
// step 4: BFS over hierarchical relations with a visited-set guard.
func (e *Engine) expandSubjects(ctx context.Context, principal Subject) ([]Subject, error) {
	visited := map[Subject]bool{principal: true}
	set := []Subject{principal}
	queue := []Subject{principal}
	depth := 0

	for len(queue) > 0 && depth < maxExpansionDepth {
		depth++
		var next []Subject
		for _, cur := range queue {
			tuples, err := e.Tuples.FindBySubject(ctx, cur.Type, cur.ID)
			if err != nil {
				return nil, err
			}
			for _, t := range tuples {
				if !e.isHierarchical(ctx, t) {
					continue
				}
				candidate := Subject{Type: t.EntityType, ID: t.EntityID}
				if visited[candidate] {
					continue
				}
				visited[candidate] = true
				set = append(set, candidate)
				next = append(next, candidate)
			}
		}
		queue = next
	}

	if e.Metrics != nil {
		e.Metrics.AuthzTraversalDepth.Observe(float64(depth))
		e.Metrics.AuthzTraversalFanout.Observe(float64(len(set)))
	}
	return set, nil
}

// isHierarchical reports whether tuple's relation is marked
// subjectParams.hierarchy = true on its entity's model, falling back to the
// legacy group:member convention when the model lacks the flag.
func (e *Engine) isHierarchical(ctx context.Context, t Tuple) bool {
	model, err := e.Registry.GetModel(ctx, t.EntityType)
	if err == nil {
		if rd, ok := model.Definition.Relations[t.Relation]; ok {
			return rd.Hierarchy
		}
	}
	return t.EntityType == "group" && t.Relation == "member"
}

// impliedBy computes the transitive closure of relations that imply
// required (step 5); a relation implies itself.
func impliedBy(def ModelDefinition, required string) map[string]bool {
	result := map[string]bool{required: true}
	queue := []string{required}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		rd, ok := def.Relations[cur]
		if !ok {
			continue
		}
		for _, implying := range rd.Union {
			if !result[implying] {
				result[implying] = true
				queue = append(queue, implying)
			}
		}
	}
	return result
}

// evaluatePolicy implements step 7: the matched tuple's condition takes
// priority over the permission's policy; absent both, allow.
func (e *Engine) evaluatePolicy(ctx context.Context, tuple Tuple, perm PermissionDef, reqContext map[string]any) bool {
	script, source := "", ""
	switch {
	case tuple.Condition != "":
		script, source = tuple.Condition, "tuple"
	case perm.Policy != "" && (perm.PolicyEngine == "" || perm.PolicyEngine == "script"):
		script, source = perm.Policy, "permission"
	default:
		return true
	}

	start := time.Now()
	allowed, err := e.runPolicyScript(ctx, script, reqContext)
	duration := time.Since(start)
	e.auditPolicy(source, script, reqContext, allowed, duration, err)
	if err != nil {
		if e.Metrics != nil && err == errPolicyTimeout {
			e.Metrics.PolicyTimeoutsTotal.Inc()
		}
		return false
	}
	return allowed
}

var errPolicyTimeout = fmt.Errorf("authz: policy evaluation timed out")

// wrapPolicyScript turns a stored policy body (e.g. "return
// context.resource.amount < 1000") into a standalone script defining the
// evaluate(context) entry point the sandbox invokes.
func wrapPolicyScript(policy string) string {
	return "function evaluate(context) {\n" + policy + "\n}"
}

func (e *Engine) runPolicyScript(ctx context.Context, script string, reqContext map[string]any) (bool, error) {
	res, err := e.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
		Script:     wrapPolicyScript(script),
		EntryPoint: "evaluate",
		Context:    reqContext,
	})
	if err != nil {
		return false, err
	}
	if !res.OK {
		for _, d := range res.Diagnostics {
			if d.Code == sandbox.DiagExecutionTimeout {
				return false, errPolicyTimeout
			}
		}
		return false, fmt.Errorf("authz: policy runtime error")
	}
	value, ok := res.Value.(bool)
	return ok && value, nil
}

func (e *Engine) auditPolicy(source, script string, reqContext map[string]any, allowed bool, d time.Duration, err error) {
	if e.Log == nil {
		return
	}
	entry := e.Log.Component("authz").WithField("policy_source", source).
		WithField("duration_ms", d.Milliseconds()).
		WithField("allowed", allowed)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("policy evaluation failed")
		return
	}
	entry.Debug("policy evaluation")
}

func (e *Engine) denyOnError(stage string, err error) {
	if e.Metrics != nil {
		e.Metrics.AuthzErrorsTotal.Inc()
	}
	if e.Log != nil {
		e.Log.Component("authz").WithField("stage", stage).WithField("error", err.Error()).Error("checkPermission internal error, denying")
	}
}

// ResolveAllPermissionsWithABACInfo implements the JWT permission resolver:
// every permission the subject holds under any matching relation, and the
// subset requiring a runtime re-check with resource context.
func (e *Engine) ResolveAllPermissionsWithABACInfo(ctx context.Context, subjectType, subjectID string) (PermissionSet, error) {
	out := PermissionSet{Permissions: map[string][]string{}, ABACRequired: map[string][]string{}}

	subjects, err := e.expandSubjects(ctx, Subject{Type: subjectType, ID: subjectID})
	if err != nil {
		return out, err
	}
	tuples, err := e.Tuples.FindBySubjects(ctx, subjects)
	if err != nil {
		return out, err
	}
	models, err := e.Registry.models.ListModels(ctx)
	if err != nil {
		return out, err
	}
	byType := make(map[string]AuthorizationModel, len(models))
	for _, m := range models {
		byType[m.EntityType] = m
	}

	for _, t := range tuples {
		model, ok := byType[t.EntityType]
		if !ok {
			continue
		}
		key := t.EntityType
		if !t.IsWildcard() {
			key = t.EntityType + ":" + t.EntityID
		}
		for name, perm := range model.Definition.Permissions {
			if !impliedBy(model.Definition, perm.Relation)[t.Relation] {
				continue
			}
			out.Permissions[key] = appendUnique(out.Permissions[key], name)
			if t.Condition != "" || perm.Policy != "" {
				out.ABACRequired[key] = appendUnique(out.ABACRequired[key], name)
			}
		}
	}
	return out, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
