// Package authz implements the Tuple Store, Model Registry, and
// Authorization Engine: Zanzibar-style relation checks combined with
// sandbox-evaluated ABAC policies.
package authz

import "time"

// Tuple is a single (entity, relation, subject) ReBAC record, optionally
// carrying an ABAC condition evaluated at check time.
type Tuple struct {
	EntityType     string
	EntityID       string // "*" denotes a wildcard grant
	Relation       string
	SubjectType    string
	SubjectID      string
	SubjectRelation string // optional, e.g. "group:G1#member"
	Condition      string // optional sandbox script; empty if unset
	CreatedBy      string
	CreatedAt      time.Time
}

// IsWildcard reports whether this tuple grants on every entity of its type.
func (t Tuple) IsWildcard() bool { return t.EntityID == "*" }

// RelationDef defines one relation of an authorization model: the set of
// other relations that imply it, and whether it is traversable during
// subject expansion (group/hierarchy membership).
type RelationDef struct {
	Union     []string
	Hierarchy bool
}

// PermissionDef defines one permission: satisfied when the subject holds
// Relation, AND (if Policy is set) Policy evaluates to true.
type PermissionDef struct {
	Relation     string
	PolicyEngine string // "script" is the only engine implemented
	Policy       string
}

// ModelDefinition is one entity type's relations and permissions.
type ModelDefinition struct {
	Relations   map[string]RelationDef
	Permissions map[string]PermissionDef
}

// AuthorizationModel maps an entity type to its definition.
type AuthorizationModel struct {
	EntityType string
	Definition ModelDefinition
	UpdatedAt  time.Time
}

// Subject identifies a principal or group by (type, id).
type Subject struct {
	Type string
	ID   string
}

// PermissionSet is the result of resolveAllPermissionsWithABACInfo: every
// permission the subject holds, keyed by entityType or entityType:entityId,
// plus the subset requiring a runtime re-check with resource context.
type PermissionSet struct {
	Permissions   map[string][]string
	ABACRequired  map[string][]string
}
