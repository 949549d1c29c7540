package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/sandbox"
)

type memTupleStore struct {
	tuples []Tuple
}

func (m *memTupleStore) FindExact(_ context.Context, entityType, entityID, relation, subjectType, subjectID string) (Tuple, error) {
	for _, t := range m.tuples {
		if t.EntityType == entityType && t.EntityID == entityID && t.Relation == relation &&
			t.SubjectType == subjectType && t.SubjectID == subjectID {
			return t, nil
		}
	}
	return Tuple{}, ErrTupleNotFound
}

func (m *memTupleStore) FindBySubject(_ context.Context, subjectType, subjectID string) ([]Tuple, error) {
	var out []Tuple
	for _, t := range m.tuples {
		if t.SubjectType == subjectType && t.SubjectID == subjectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTupleStore) FindBySubjects(ctx context.Context, subjects []Subject) ([]Tuple, error) {
	var out []Tuple
	for _, s := range subjects {
		ts, _ := m.FindBySubject(ctx, s.Type, s.ID)
		out = append(out, ts...)
	}
	return out, nil
}

func (m *memTupleStore) FindByEntity(_ context.Context, entityType, entityID string) ([]Tuple, error) {
	var out []Tuple
	for _, t := range m.tuples {
		if t.EntityType == entityType && t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTupleStore) CountByRelation(_ context.Context, entityType, relation string) (int, error) {
	n := 0
	for _, t := range m.tuples {
		if t.EntityType == entityType && t.Relation == relation {
			n++
		}
	}
	return n, nil
}

func (m *memTupleStore) UpsertTuple(_ context.Context, t Tuple) error {
	m.tuples = append(m.tuples, t)
	return nil
}

func (m *memTupleStore) DeleteTuple(_ context.Context, entityType, entityID, relation, subjectType, subjectID string) error {
	out := m.tuples[:0]
	for _, t := range m.tuples {
		if t.EntityType == entityType && t.EntityID == entityID && t.Relation == relation &&
			t.SubjectType == subjectType && t.SubjectID == subjectID {
			continue
		}
		out = append(out, t)
	}
	m.tuples = out
	return nil
}

func docModel() AuthorizationModel {
	return AuthorizationModel{
		EntityType: "doc",
		Definition: ModelDefinition{
			Relations: map[string]RelationDef{
				"owner":  {},
				"editor": {Union: []string{"owner"}},
				"viewer": {Union: []string{"editor"}},
			},
			Permissions: map[string]PermissionDef{
				"read": {Relation: "viewer"},
			},
		},
	}
}

func newEngine(t *testing.T, tuples *memTupleStore, models ModelStore, sb PolicyExecutor) *Engine {
	t.Helper()
	return &Engine{
		Tuples:   tuples,
		Registry: NewRegistry(tuples, models),
		Sandbox:  sb,
	}
}

// Scenario 1: transitive allow.
func TestCheckPermission_TransitiveAllow(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), docModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "doc", EntityID: "D1", Relation: "owner", SubjectType: "user", SubjectID: "U"},
	}}
	e := newEngine(t, tuples, models, nil)

	require.True(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D1", "read", nil))
	require.False(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D2", "read", nil))
}

// Scenario 2: group hierarchy.
func TestCheckPermission_GroupHierarchy(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), docModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "group", EntityID: "G1", Relation: "member", SubjectType: "user", SubjectID: "U"},
		{EntityType: "doc", EntityID: "D1", Relation: "viewer", SubjectType: "group", SubjectID: "G1"},
	}}
	e := newEngine(t, tuples, models, nil)

	require.True(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D1", "read", nil))

	tuples.tuples = tuples.tuples[1:] // remove the membership tuple
	require.False(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D1", "read", nil))
}

// fakePolicySandbox ignores the script and returns its configured error,
// diagnostics, or boolean result, so tests don't need a real JS VM.
type fakePolicySandbox struct {
	result      bool
	err         error
	diagnostics []sandbox.Diagnostic
}

func (f *fakePolicySandbox) Execute(_ context.Context, _ sandbox.ExecuteRequest) (*sandbox.ExecuteResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.diagnostics) > 0 {
		return &sandbox.ExecuteResult{OK: false, Diagnostics: f.diagnostics}, nil
	}
	return &sandbox.ExecuteResult{OK: true, Value: f.result}, nil
}

func refundModel() AuthorizationModel {
	return AuthorizationModel{
		EntityType: "account",
		Definition: ModelDefinition{
			Relations: map[string]RelationDef{"admin": {}},
			Permissions: map[string]PermissionDef{
				"refund": {Relation: "admin", PolicyEngine: "script", Policy: "return context.resource.amount < 1000"},
			},
		},
	}
}

// Scenario 3: ABAC deny.
func TestCheckPermission_ABACEvaluatesPolicy(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), refundModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "account", EntityID: "A1", Relation: "admin", SubjectType: "user", SubjectID: "U"},
	}}

	allow := newEngine(t, tuples, models, &fakePolicySandbox{result: true})
	require.True(t, allow.CheckPermission(context.Background(), "user", "U", "account", "A1", "refund",
		map[string]any{"resource": map[string]any{"amount": 500}}))

	deny := newEngine(t, tuples, models, &fakePolicySandbox{result: false})
	require.False(t, deny.CheckPermission(context.Background(), "user", "U", "account", "A1", "refund",
		map[string]any{"resource": map[string]any{"amount": 1500}}))
}

func TestCheckPermission_ABACPolicyTimeoutDenies(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), refundModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "account", EntityID: "A1", Relation: "admin", SubjectType: "user", SubjectID: "U"},
	}}
	metricsOnly := newEngine(t, tuples, models, &fakePolicySandbox{diagnostics: []sandbox.Diagnostic{
		{Code: sandbox.DiagExecutionTimeout, Message: "execution_timeout"},
	}})

	require.False(t, metricsOnly.CheckPermission(context.Background(), "user", "U", "account", "A1", "refund", nil))
}

func TestCheckPermission_TupleConditionTakesPriorityOverPermissionPolicy(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), refundModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "account", EntityID: "A1", Relation: "admin", SubjectType: "user", SubjectID: "U",
			Condition: "return true"},
	}}
	// The permission's policy would deny; the tuple's own condition wins.
	e := newEngine(t, tuples, models, &fakePolicySandbox{result: true})
	require.True(t, e.CheckPermission(context.Background(), "user", "U", "account", "A1", "refund", nil))
}

func TestCheckPermission_UnknownModelDenies(t *testing.T) {
	models := NewInMemoryModelStore()
	tuples := &memTupleStore{}
	e := newEngine(t, tuples, models, nil)
	require.False(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D1", "read", nil))
}

func TestResolveAllPermissionsWithABACInfo(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), docModel()))
	require.NoError(t, models.PutModel(context.Background(), refundModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "doc", EntityID: "D1", Relation: "owner", SubjectType: "user", SubjectID: "U"},
		{EntityType: "account", EntityID: "A1", Relation: "admin", SubjectType: "user", SubjectID: "U"},
	}}
	e := newEngine(t, tuples, models, nil)

	set, err := e.ResolveAllPermissionsWithABACInfo(context.Background(), "user", "U")
	require.NoError(t, err)
	require.Contains(t, set.Permissions["doc:D1"], "read")
	require.Contains(t, set.Permissions["account:A1"], "refund")
	require.Contains(t, set.ABACRequired["account:A1"], "refund")
	require.NotContains(t, set.ABACRequired, "doc:D1")
}

type fakeHookDispatcher struct {
	result *pipeline.DispatchResult
	err    error
	seen   map[string]any
}

func (f *fakeHookDispatcher) Dispatch(_ context.Context, _ pipeline.HookName, _ string, initialContext map[string]any) (*pipeline.DispatchResult, error) {
	f.seen = initialContext
	return f.result, f.err
}

// Scenario: before_check enrichment merges hook output into the context the
// policy sees, without gating the check itself.
func TestCheckPermission_BeforeCheckEnrichmentReachesPolicy(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), refundModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "account", EntityID: "A1", Relation: "admin", SubjectType: "user", SubjectID: "U"},
	}}

	hook := &fakeHookDispatcher{result: &pipeline.DispatchResult{
		Verdict: pipeline.VerdictAllow,
		Context: map[string]any{"resource": map[string]any{"amount": 500}},
	}}
	e := newEngine(t, tuples, models, &fakePolicySandbox{result: true})
	e.Pipeline = hook

	allowed := e.CheckPermission(context.Background(), "user", "U", "account", "A1", "refund", nil)
	require.True(t, allowed)
	require.Equal(t, "refund", hook.seen["permission"])
	require.Equal(t, "account", hook.seen["entityType"])
}

// A hook dispatch error must not deny the check: before_check augments,
// it never gates.
func TestCheckPermission_BeforeCheckDispatchErrorDoesNotDeny(t *testing.T) {
	models := NewInMemoryModelStore()
	require.NoError(t, models.PutModel(context.Background(), docModel()))
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "doc", EntityID: "D1", Relation: "owner", SubjectType: "user", SubjectID: "U"},
	}}

	hook := &fakeHookDispatcher{err: errors.New("sandbox unavailable")}
	e := newEngine(t, tuples, models, nil)
	e.Pipeline = hook

	require.True(t, e.CheckPermission(context.Background(), "user", "U", "doc", "D1", "read", nil))
}
