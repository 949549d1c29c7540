package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertModel_RejectsUndefinedRelationReference(t *testing.T) {
	r := NewRegistry(&memTupleStore{}, NewInMemoryModelStore())
	err := r.UpsertModel(context.Background(), AuthorizationModel{
		EntityType: "doc",
		Definition: ModelDefinition{
			Relations:   map[string]RelationDef{"viewer": {}},
			Permissions: map[string]PermissionDef{"read": {Relation: "editor"}},
		},
	})
	require.Error(t, err)
}

func TestUpsertModel_RejectsMalformedPolicyContextReference(t *testing.T) {
	r := NewRegistry(&memTupleStore{}, NewInMemoryModelStore())
	err := r.UpsertModel(context.Background(), AuthorizationModel{
		EntityType: "account",
		Definition: ModelDefinition{
			Relations: map[string]RelationDef{"admin": {}},
			Permissions: map[string]PermissionDef{
				"refund": {Relation: "admin", Policy: "return context..amount < 1000"},
			},
		},
	})
	require.Error(t, err)
}

func TestUpsertModel_I5BlocksRemovingRelationStillInUse(t *testing.T) {
	tuples := &memTupleStore{tuples: []Tuple{
		{EntityType: "doc", EntityID: "D1", Relation: "owner", SubjectType: "user", SubjectID: "U"},
	}}
	models := NewInMemoryModelStore()
	r := NewRegistry(tuples, models)
	require.NoError(t, r.UpsertModel(context.Background(), docModel()))

	withoutOwner := docModel()
	delete(withoutOwner.Definition.Relations, "owner")
	withoutOwner.Definition.Relations["editor"] = RelationDef{} // drop the union referencing owner too

	err := r.UpsertModel(context.Background(), withoutOwner)
	require.ErrorIs(t, err, ErrModelInUse)
}

func TestUpsertModel_AllowsRemovingUnusedRelation(t *testing.T) {
	models := NewInMemoryModelStore()
	r := NewRegistry(&memTupleStore{}, models)
	require.NoError(t, r.UpsertModel(context.Background(), docModel()))

	reduced := docModel()
	delete(reduced.Definition.Relations, "owner")
	reduced.Definition.Relations["editor"] = RelationDef{}

	require.NoError(t, r.UpsertModel(context.Background(), reduced))
}

func TestGetModel_SystemFallback(t *testing.T) {
	r := NewRegistry(&memTupleStore{}, NewInMemoryModelStore())
	m, err := r.GetModel(context.Background(), SystemEntityType)
	require.NoError(t, err)
	require.Equal(t, SystemEntityType, m.EntityType)
}

func TestGetModel_UnknownEntityTypeNotFound(t *testing.T) {
	r := NewRegistry(&memTupleStore{}, NewInMemoryModelStore())
	_, err := r.GetModel(context.Background(), "nope")
	require.ErrorIs(t, err, ErrModelNotFound)
}
