package vault

import (
	"context"
	"database/sql"
	"errors"
)

// InMemoryStore is a Store for tests and bootstrapping.
type InMemoryStore struct {
	secrets map[string]Secret
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{secrets: make(map[string]Secret)}
}

func (s *InMemoryStore) Get(_ context.Context, name string) (Secret, bool, error) {
	sec, ok := s.secrets[name]
	return sec, ok, nil
}

func (s *InMemoryStore) Put(_ context.Context, sec Secret) error {
	s.secrets[sec.Name] = sec
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, name string) error {
	delete(s.secrets, name)
	return nil
}

// PostgresStore persists sealed secrets via database/sql + lib/pq with the
// same $N-parameterized INSERT ... ON CONFLICT DO UPDATE upsert as authz's
// PostgresModelStore.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, name string) (Secret, bool, error) {
	var sec Secret
	err := s.db.QueryRowContext(ctx, `
		SELECT name, sealed_value, created_at, updated_at FROM vault_secrets WHERE name = $1
	`, name).Scan(&sec.Name, &sec.Sealed, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Secret{}, false, nil
	}
	if err != nil {
		return Secret{}, false, err
	}
	return sec, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, sec Secret) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_secrets (name, sealed_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET sealed_value = EXCLUDED.sealed_value, updated_at = EXCLUDED.updated_at
	`, sec.Name, sec.Sealed, sec.CreatedAt, sec.UpdatedAt)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vault_secrets WHERE name = $1`, name)
	return err
}
