package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/corehook/authplatform/internal/sandbox"
)

// SystemEntityType names the built-in entity type available even when no
// model has ever been registered, used to bootstrap platform-level grants
// before any tenant model exists.
const SystemEntityType = "system"

var systemModel = AuthorizationModel{
	EntityType: SystemEntityType,
	Definition: ModelDefinition{
		Relations: map[string]RelationDef{
			"admin": {},
		},
		Permissions: map[string]PermissionDef{
			"manage": {Relation: "admin"},
		},
	},
}

// ErrModelNotFound is returned by GetModel when entityType has no registered
// model and is not the built-in system fallback.
var ErrModelNotFound = errors.New("authz: model not found")

// ErrModelInUse is returned by UpsertModel when a relation or permission
// being removed is still referenced by tuples or registration grants (I5).
var ErrModelInUse = errors.New("authz: relation or permission still in use")

// ModelStore persists AuthorizationModels.
type ModelStore interface {
	GetModel(ctx context.Context, entityType string) (AuthorizationModel, bool, error)
	PutModel(ctx context.Context, m AuthorizationModel) error
	ListModels(ctx context.Context) ([]AuthorizationModel, error)
}

// Registry is the Model Registry of §4.3: getModel with system-model
// fallback, upsertModel with schema validation and I5 enforcement.
type Registry struct {
	tuples TupleStore
	models ModelStore
}

// NewRegistry constructs a Registry over a tuple store (for I5 reference
// counting) and a model store.
func NewRegistry(tuples TupleStore, models ModelStore) *Registry {
	return &Registry{tuples: tuples, models: models}
}

// GetModel returns the model for entityType, falling back to the built-in
// system model when entityType == SystemEntityType and none was registered.
func (r *Registry) GetModel(ctx context.Context, entityType string) (AuthorizationModel, error) {
	m, ok, err := r.models.GetModel(ctx, entityType)
	if err != nil {
		return AuthorizationModel{}, err
	}
	if ok {
		return m, nil
	}
	if entityType == SystemEntityType {
		return systemModel, nil
	}
	return AuthorizationModel{}, ErrModelNotFound
}

// UpsertModel validates m's schema (relation/permission references resolve,
// ABAC policies are syntactically valid sandbox scripts with well-formed
// context references) and enforces invariant I5 against the previous
// version, if any, before persisting.
func (r *Registry) UpsertModel(ctx context.Context, m AuthorizationModel) error {
	if err := validateSchema(m.Definition); err != nil {
		return fmt.Errorf("authz: invalid model schema: %w", err)
	}
	for name, perm := range m.Definition.Permissions {
		if perm.Policy == "" {
			continue
		}
		if err := sandbox.ValidateScript(wrapPolicyScript(perm.Policy)); err != nil {
			return fmt.Errorf("authz: permission %q policy does not compile: %w", name, err)
		}
		if err := validatePolicyContextShape(perm.Policy); err != nil {
			return fmt.Errorf("authz: permission %q policy: %w", name, err)
		}
	}

	previous, existed, err := r.models.GetModel(ctx, m.EntityType)
	if err != nil {
		return err
	}
	if existed {
		if err := r.enforceI5(ctx, previous, m); err != nil {
			return err
		}
	}

	m.UpdatedAt = time.Now().UTC()
	return r.models.PutModel(ctx, m)
}

// enforceI5 rejects removing a relation/permission still referenced by
// tuples (for relations) or still required by other permissions (for
// relations referenced in a union, or as a permission's base relation).
func (r *Registry) enforceI5(ctx context.Context, previous, next AuthorizationModel) error {
	for name := range previous.Definition.Relations {
		if _, kept := next.Definition.Relations[name]; kept {
			continue
		}
		n, err := r.tuples.CountByRelation(ctx, previous.EntityType, name)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: relation %q still has %d tuple(s)", ErrModelInUse, name, n)
		}
	}
	for name := range previous.Definition.Permissions {
		if _, kept := next.Definition.Permissions[name]; kept {
			continue
		}
		// A removed permission's grants are the tuples referencing the
		// permission's relation directly; if the relation survives under
		// the new model it may still be legitimately in use by other
		// permissions, so only the bare existence of tuples on the
		// permission's own relation counts as a grant.
		n, err := r.tuples.CountByRelation(ctx, previous.EntityType, previous.Definition.Permissions[name].Relation)
		if err != nil {
			return err
		}
		if n > 0 {
			if _, relationSurvives := next.Definition.Relations[previous.Definition.Permissions[name].Relation]; relationSurvives {
				continue
			}
			return fmt.Errorf("%w: permission %q still has %d registration grant(s)", ErrModelInUse, name, n)
		}
	}
	return nil
}

// validateSchema checks that every permission's relation and every
// relation's union entries reference relations defined in the same model.
func validateSchema(def ModelDefinition) error {
	for name, perm := range def.Permissions {
		if _, ok := def.Relations[perm.Relation]; !ok {
			return fmt.Errorf("permission %q references undefined relation %q", name, perm.Relation)
		}
		if perm.Policy != "" && perm.PolicyEngine != "" && perm.PolicyEngine != "script" {
			return fmt.Errorf("permission %q: unsupported policyEngine %q", name, perm.PolicyEngine)
		}
	}
	for name, rel := range def.Relations {
		for _, implied := range rel.Union {
			if implied == name {
				continue // a relation implies itself trivially
			}
			if _, ok := def.Relations[implied]; !ok {
				return fmt.Errorf("relation %q unions undefined relation %q", name, implied)
			}
		}
	}
	return nil
}

var contextPathPattern = regexp.MustCompile(`context(\.[A-Za-z_][A-Za-z0-9_]*)+`)

// validatePolicyContextShape statically checks every `context.a.b.c`
// reference in policy by compiling the equivalent JSONPath expression,
// catching malformed paths (e.g. trailing dots, bad segment names) before
// the policy ever reaches the sandbox at check time.
func validatePolicyContextShape(policy string) error {
	for _, match := range contextPathPattern.FindAllString(policy, -1) {
		path := "$" + match[len("context"):]
		if _, err := jsonpath.New(path); err != nil {
			return fmt.Errorf("malformed context reference %q: %w", match, err)
		}
	}
	return nil
}

// InMemoryModelStore is a ModelStore useful for tests and bootstrapping.
type InMemoryModelStore struct {
	models map[string]AuthorizationModel
}

// NewInMemoryModelStore constructs an empty InMemoryModelStore.
func NewInMemoryModelStore() *InMemoryModelStore {
	return &InMemoryModelStore{models: make(map[string]AuthorizationModel)}
}

func (s *InMemoryModelStore) GetModel(_ context.Context, entityType string) (AuthorizationModel, bool, error) {
	m, ok := s.models[entityType]
	return m, ok, nil
}

func (s *InMemoryModelStore) PutModel(_ context.Context, m AuthorizationModel) error {
	s.models[m.EntityType] = m
	return nil
}

func (s *InMemoryModelStore) ListModels(_ context.Context) ([]AuthorizationModel, error) {
	out := make([]AuthorizationModel, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

// PostgresModelStore persists models as a JSON-encoded definition column, upserted
// by entity_type with a single INSERT ... ON CONFLICT DO UPDATE.
type PostgresModelStore struct {
	db *sql.DB
}

// NewPostgresModelStore constructs a PostgresModelStore.
func NewPostgresModelStore(db *sql.DB) *PostgresModelStore {
	return &PostgresModelStore{db: db}
}

func (s *PostgresModelStore) GetModel(ctx context.Context, entityType string) (AuthorizationModel, bool, error) {
	var raw []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT definition, updated_at FROM authorization_models WHERE entity_type = $1
	`, entityType).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthorizationModel{}, false, nil
	}
	if err != nil {
		return AuthorizationModel{}, false, err
	}
	var def ModelDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return AuthorizationModel{}, false, fmt.Errorf("authz: decode model definition: %w", err)
	}
	return AuthorizationModel{EntityType: entityType, Definition: def, UpdatedAt: updatedAt}, true, nil
}

func (s *PostgresModelStore) PutModel(ctx context.Context, m AuthorizationModel) error {
	raw, err := json.Marshal(m.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_models (entity_type, definition, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_type) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
	`, m.EntityType, raw, m.UpdatedAt)
	return err
}

func (s *PostgresModelStore) ListModels(ctx context.Context) ([]AuthorizationModel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_type, definition, updated_at FROM authorization_models`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuthorizationModel
	for rows.Next() {
		var entityType string
		var raw []byte
		var updatedAt time.Time
		if err := rows.Scan(&entityType, &raw, &updatedAt); err != nil {
			return nil, err
		}
		var def ModelDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("authz: decode model definition: %w", err)
		}
		out = append(out, AuthorizationModel{EntityType: entityType, Definition: def, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}
