package webhook

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrEventNotFound, ErrEndpointNotFound are returned by the respective
// stores' Get when no row matches.
var (
	ErrEventNotFound    = errors.New("webhook: event not found")
	ErrEndpointNotFound = errors.New("webhook: endpoint not found")
)

// EventStore persists immutable Events.
type EventStore interface {
	Insert(ctx context.Context, e Event) error
	Get(ctx context.Context, id string) (Event, error)
}

// EndpointStore reads Endpoints and the user+eventType subscriptions that
// route an Event to them.
type EndpointStore interface {
	Get(ctx context.Context, id string) (Endpoint, error)
	FindSubscribed(ctx context.Context, userID, eventType string) ([]Endpoint, error)
}

// DeliveryStore persists Delivery rows.
type DeliveryStore interface {
	Insert(ctx context.Context, d Delivery) error
	Get(ctx context.Context, id string) (Delivery, error)
	FindByEventAndEndpoint(ctx context.Context, eventID, endpointID string) (Delivery, bool, error)
	Update(ctx context.Context, d Delivery) error
}

// InMemoryEventStore is an EventStore for tests and bootstrapping.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]Event
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string]Event)}
}

func (s *InMemoryEventStore) Insert(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return nil
}

func (s *InMemoryEventStore) Get(_ context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return e, nil
}

// InMemoryEndpointStore is an EndpointStore for tests and bootstrapping.
type InMemoryEndpointStore struct {
	mu            sync.RWMutex
	endpoints     map[string]Endpoint
	subscriptions []Subscription
}

func NewInMemoryEndpointStore() *InMemoryEndpointStore {
	return &InMemoryEndpointStore{endpoints: make(map[string]Endpoint)}
}

func (s *InMemoryEndpointStore) Put(e Endpoint, eventTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[e.ID] = e
	for _, t := range eventTypes {
		s.subscriptions = append(s.subscriptions, Subscription{EndpointID: e.ID, EventType: t})
	}
}

func (s *InMemoryEndpointStore) Get(_ context.Context, id string) (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return e, nil
}

func (s *InMemoryEndpointStore) FindSubscribed(_ context.Context, userID, eventType string) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Endpoint
	for _, sub := range s.subscriptions {
		if sub.EventType != eventType {
			continue
		}
		e, ok := s.endpoints[sub.EndpointID]
		if !ok || !e.Active || e.UserID != userID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// InMemoryDeliveryStore is a DeliveryStore for tests and bootstrapping.
type InMemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[string]Delivery
}

func NewInMemoryDeliveryStore() *InMemoryDeliveryStore {
	return &InMemoryDeliveryStore{deliveries: make(map[string]Delivery)}
}

func (s *InMemoryDeliveryStore) Insert(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *InMemoryDeliveryStore) Get(_ context.Context, id string) (Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return Delivery{}, errors.New("webhook: delivery not found")
	}
	return d, nil
}

func (s *InMemoryDeliveryStore) FindByEventAndEndpoint(_ context.Context, eventID, endpointID string) (Delivery, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deliveries {
		if d.EventID == eventID && d.EndpointID == endpointID {
			return d, true, nil
		}
	}
	return Delivery{}, false, nil
}

func (s *InMemoryDeliveryStore) Update(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

// PostgresEventStore persists Events via database/sql + lib/pq.
type PostgresEventStore struct{ db *sql.DB }

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore { return &PostgresEventStore{db: db} }

func (s *PostgresEventStore) Insert(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, user_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.UserID, e.Type, jsonOrNull(e.Payload), e.CreatedAt)
	return err
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (Event, error) {
	var e Event
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, payload, created_at FROM webhook_events WHERE id = $1
	`, id).Scan(&e.ID, &e.UserID, &e.Type, &raw, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Payload, err = unmarshalPayload(raw)
	return e, err
}

// PostgresEndpointStore reads Endpoints and their event-type subscriptions
// via database/sql + lib/pq.
type PostgresEndpointStore struct{ db *sql.DB }

func NewPostgresEndpointStore(db *sql.DB) *PostgresEndpointStore {
	return &PostgresEndpointStore{db: db}
}

func (s *PostgresEndpointStore) Get(ctx context.Context, id string) (Endpoint, error) {
	var e Endpoint
	var format sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, encrypted_secret, active, retry_kind, retry_max_attempts, delivery_format, method, created_at, updated_at
		FROM webhook_endpoints WHERE id = $1
	`, id).Scan(&e.ID, &e.UserID, &e.URL, &e.EncryptedSecret, &e.Active, &e.RetryPolicy.Kind, &e.RetryPolicy.MaxAttempts, &format, &e.Method, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, ErrEndpointNotFound
	}
	if err != nil {
		return Endpoint{}, err
	}
	e.DeliveryFormat = format.String
	return e, nil
}

func (s *PostgresEndpointStore) FindSubscribed(ctx context.Context, userID, eventType string) ([]Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.user_id, e.url, e.encrypted_secret, e.active, e.retry_kind, e.retry_max_attempts, e.delivery_format, e.method, e.created_at, e.updated_at
		FROM webhook_endpoints e
		JOIN webhook_subscriptions s ON s.endpoint_id = e.id
		WHERE e.user_id = $1 AND s.event_type = $2 AND e.active = true
	`, userID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var format sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.URL, &e.EncryptedSecret, &e.Active, &e.RetryPolicy.Kind, &e.RetryPolicy.MaxAttempts, &format, &e.Method, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.DeliveryFormat = format.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresDeliveryStore persists Delivery rows via database/sql + lib/pq.
type PostgresDeliveryStore struct{ db *sql.DB }

func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

func (s *PostgresDeliveryStore) Insert(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, event_id, endpoint_id, status, attempt_count, response_code, response_body, duration_ms, last_attempt_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.EventID, d.EndpointID, string(d.Status), d.AttemptCount, d.ResponseCode, d.ResponseBody, d.DurationMs, d.LastAttemptAt, d.NextAttemptAt)
	return err
}

func (s *PostgresDeliveryStore) Get(ctx context.Context, id string) (Delivery, error) {
	return s.scanOne(ctx, `SELECT id, event_id, endpoint_id, status, attempt_count, response_code, response_body, duration_ms, last_attempt_at, next_attempt_at FROM webhook_deliveries WHERE id = $1`, id)
}

func (s *PostgresDeliveryStore) FindByEventAndEndpoint(ctx context.Context, eventID, endpointID string) (Delivery, bool, error) {
	d, err := s.scanOne(ctx, `SELECT id, event_id, endpoint_id, status, attempt_count, response_code, response_body, duration_ms, last_attempt_at, next_attempt_at FROM webhook_deliveries WHERE event_id = $1 AND endpoint_id = $2`, eventID, endpointID)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (s *PostgresDeliveryStore) Update(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, attempt_count = $2, response_code = $3,
			response_body = $4, duration_ms = $5, last_attempt_at = $6, next_attempt_at = $7
		WHERE id = $8
	`, string(d.Status), d.AttemptCount, d.ResponseCode, d.ResponseBody, d.DurationMs, d.LastAttemptAt, d.NextAttemptAt, d.ID)
	return err
}

func (s *PostgresDeliveryStore) scanOne(ctx context.Context, query string, args ...any) (Delivery, error) {
	var d Delivery
	var status string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&d.ID, &d.EventID, &d.EndpointID, &status, &d.AttemptCount, &d.ResponseCode,
		&d.ResponseBody, &d.DurationMs, &d.LastAttemptAt, &d.NextAttemptAt,
	)
	d.Status = DeliveryStatus(status)
	return d, err
}
