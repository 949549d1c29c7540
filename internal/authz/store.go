package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTupleNotFound is returned by FindExact when no tuple matches.
var ErrTupleNotFound = errors.New("authz: tuple not found")

// TupleStore persists Zanzibar tuples (§4.3).
type TupleStore interface {
	FindExact(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) (Tuple, error)
	FindBySubject(ctx context.Context, subjectType, subjectID string) ([]Tuple, error)
	FindBySubjects(ctx context.Context, subjects []Subject) ([]Tuple, error)
	FindByEntity(ctx context.Context, entityType, entityID string) ([]Tuple, error)
	CountByRelation(ctx context.Context, entityType, relation string) (int, error)
	UpsertTuple(ctx context.Context, t Tuple) error
	DeleteTuple(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) error
}

// PostgresTupleStore implements TupleStore against the composite index
// (entity_type, entity_id, relation, subject_type, subject_id) of §6.
type PostgresTupleStore struct {
	db *sql.DB
}

// NewPostgresTupleStore constructs a PostgresTupleStore over an open *sql.DB
// (opened by the caller with the "postgres" driver registered by lib/pq).
func NewPostgresTupleStore(db *sql.DB) *PostgresTupleStore {
	return &PostgresTupleStore{db: db}
}

func (s *PostgresTupleStore) FindExact(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) (Tuple, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, relation, subject_type, subject_id,
		       COALESCE(subject_relation, ''), COALESCE(condition, ''), COALESCE(created_by, ''), created_at
		FROM tuples
		WHERE entity_type = $1 AND entity_id = $2 AND relation = $3 AND subject_type = $4 AND subject_id = $5
	`, entityType, entityID, relation, subjectType, subjectID)
	t, err := scanTuple(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tuple{}, ErrTupleNotFound
		}
		return Tuple{}, err
	}
	return t, nil
}

func (s *PostgresTupleStore) FindBySubject(ctx context.Context, subjectType, subjectID string) ([]Tuple, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, relation, subject_type, subject_id,
		       COALESCE(subject_relation, ''), COALESCE(condition, ''), COALESCE(created_by, ''), created_at
		FROM tuples
		WHERE subject_type = $1 AND subject_id = $2
	`, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	return scanTuples(rows)
}

func (s *PostgresTupleStore) FindBySubjects(ctx context.Context, subjects []Subject) ([]Tuple, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	var out []Tuple
	for _, subj := range subjects {
		tuples, err := s.FindBySubject(ctx, subj.Type, subj.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, tuples...)
	}
	return out, nil
}

func (s *PostgresTupleStore) FindByEntity(ctx context.Context, entityType, entityID string) ([]Tuple, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, relation, subject_type, subject_id,
		       COALESCE(subject_relation, ''), COALESCE(condition, ''), COALESCE(created_by, ''), created_at
		FROM tuples
		WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return scanTuples(rows)
}

func (s *PostgresTupleStore) CountByRelation(ctx context.Context, entityType, relation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM tuples WHERE entity_type = $1 AND relation = $2
	`, entityType, relation).Scan(&n)
	return n, err
}

func (s *PostgresTupleStore) UpsertTuple(ctx context.Context, t Tuple) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tuples (entity_type, entity_id, relation, subject_type, subject_id, subject_relation, condition, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (entity_type, entity_id, relation, subject_type, subject_id)
		DO UPDATE SET subject_relation = EXCLUDED.subject_relation, condition = EXCLUDED.condition
	`, t.EntityType, t.EntityID, t.Relation, t.SubjectType, t.SubjectID, t.SubjectRelation, t.Condition, t.CreatedBy, t.CreatedAt)
	return err
}

func (s *PostgresTupleStore) DeleteTuple(ctx context.Context, entityType, entityID, relation, subjectType, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tuples
		WHERE entity_type = $1 AND entity_id = $2 AND relation = $3 AND subject_type = $4 AND subject_id = $5
	`, entityType, entityID, relation, subjectType, subjectID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTuple(row rowScanner) (Tuple, error) {
	var t Tuple
	err := row.Scan(&t.EntityType, &t.EntityID, &t.Relation, &t.SubjectType, &t.SubjectID,
		&t.SubjectRelation, &t.Condition, &t.CreatedBy, &t.CreatedAt)
	return t, err
}

func scanTuples(rows *sql.Rows) ([]Tuple, error) {
	defer rows.Close()
	var out []Tuple
	for rows.Next() {
		t, err := scanTuple(rows)
		if err != nil {
			return nil, fmt.Errorf("authz: scan tuple: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
