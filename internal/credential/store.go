package credential

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrAPIKeyNotFound is returned when no API key matches.
var ErrAPIKeyNotFound = errors.New("credential: api key not found")

// JWKSStore persists signing key entries.
type JWKSStore interface {
	Latest(ctx context.Context) (JWKSEntry, bool, error)
	Insert(ctx context.Context, e JWKSEntry) error
	// DeleteOlderThan removes entries with createdAt <= cutoff, excluding
	// excludeID (the current latest, never pruned even if stale).
	DeleteOlderThan(ctx context.Context, cutoff time.Time, excludeID string) (int, error)
	All(ctx context.Context) ([]JWKSEntry, error)
	Get(ctx context.Context, id string) (JWKSEntry, bool, error)
}

// APIKeyStore persists bcrypt-hashed API keys.
type APIKeyStore interface {
	FindByID(ctx context.Context, id string) (APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// InMemoryJWKSStore is a JWKSStore for tests and bootstrapping.
type InMemoryJWKSStore struct {
	entries map[string]JWKSEntry
}

// NewInMemoryJWKSStore constructs an empty InMemoryJWKSStore.
func NewInMemoryJWKSStore() *InMemoryJWKSStore {
	return &InMemoryJWKSStore{entries: make(map[string]JWKSEntry)}
}

func (s *InMemoryJWKSStore) Latest(_ context.Context) (JWKSEntry, bool, error) {
	var latest JWKSEntry
	found := false
	for _, e := range s.entries {
		if !found || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
			found = true
		}
	}
	return latest, found, nil
}

func (s *InMemoryJWKSStore) Insert(_ context.Context, e JWKSEntry) error {
	s.entries[e.ID] = e
	return nil
}

func (s *InMemoryJWKSStore) DeleteOlderThan(_ context.Context, cutoff time.Time, excludeID string) (int, error) {
	pruned := 0
	for id, e := range s.entries {
		if id == excludeID {
			continue
		}
		if !e.CreatedAt.After(cutoff) {
			delete(s.entries, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *InMemoryJWKSStore) All(_ context.Context) ([]JWKSEntry, error) {
	out := make([]JWKSEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryJWKSStore) Get(_ context.Context, id string) (JWKSEntry, bool, error) {
	e, ok := s.entries[id]
	return e, ok, nil
}

// PostgresJWKSStore persists entries via database/sql + lib/pq, grounded on
// the teacher's $N-parameterized store pattern.
type PostgresJWKSStore struct {
	db *sql.DB
}

// NewPostgresJWKSStore constructs a PostgresJWKSStore.
func NewPostgresJWKSStore(db *sql.DB) *PostgresJWKSStore {
	return &PostgresJWKSStore{db: db}
}

func (s *PostgresJWKSStore) Latest(ctx context.Context) (JWKSEntry, bool, error) {
	var e JWKSEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key_pem, private_key_encrypted, created_at
		FROM jwks_entries ORDER BY created_at DESC LIMIT 1
	`).Scan(&e.ID, &e.PublicKeyPEM, &e.PrivateKeyEncrypted, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JWKSEntry{}, false, nil
	}
	if err != nil {
		return JWKSEntry{}, false, err
	}
	return e, true, nil
}

func (s *PostgresJWKSStore) Insert(ctx context.Context, e JWKSEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jwks_entries (id, public_key_pem, private_key_encrypted, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.ID, e.PublicKeyPEM, e.PrivateKeyEncrypted, e.CreatedAt)
	return err
}

func (s *PostgresJWKSStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, excludeID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jwks_entries WHERE created_at <= $1 AND id != $2
	`, cutoff, excludeID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresJWKSStore) All(ctx context.Context) ([]JWKSEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, public_key_pem, private_key_encrypted, created_at FROM jwks_entries
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JWKSEntry
	for rows.Next() {
		var e JWKSEntry
		if err := rows.Scan(&e.ID, &e.PublicKeyPEM, &e.PrivateKeyEncrypted, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresJWKSStore) Get(ctx context.Context, id string) (JWKSEntry, bool, error) {
	var e JWKSEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, public_key_pem, private_key_encrypted, created_at FROM jwks_entries WHERE id = $1
	`, id).Scan(&e.ID, &e.PublicKeyPEM, &e.PrivateKeyEncrypted, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JWKSEntry{}, false, nil
	}
	if err != nil {
		return JWKSEntry{}, false, err
	}
	return e, true, nil
}

// PostgresAPIKeyStore persists API keys.
type PostgresAPIKeyStore struct {
	db *sql.DB
}

// NewPostgresAPIKeyStore constructs a PostgresAPIKeyStore.
func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

func (s *PostgresAPIKeyStore) FindByID(ctx context.Context, id string) (APIKey, error) {
	var k APIKey
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, hashed_key, active, expires_at, created_at, last_used_at
		FROM api_keys WHERE id = $1
	`, id).Scan(&k.ID, &k.UserID, &k.HashedKey, &k.Active, &expiresAt, &k.CreatedAt, &k.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrAPIKeyNotFound
	}
	if err != nil {
		return APIKey{}, err
	}
	k.ExpiresAt = expiresAt.Time
	return k, nil
}

func (s *PostgresAPIKeyStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	return err
}
