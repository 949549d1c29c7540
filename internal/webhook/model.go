// Package webhook implements the Webhook Fabric of §4.6: event emission,
// a queue consumer with signature verification, idempotency and retry
// classification, and a periodic Trace/Span cleanup sweep.
package webhook

import "time"

// DeliveryStatus is a Delivery's state machine position.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliveryDead     DeliveryStatus = "dead"
)

// RetryPolicy bounds how many attempts a transient failure gets before the
// delivery is marked dead. Kind "none" means MaxAttempts is always 0.
type RetryPolicy struct {
	Kind        string
	MaxAttempts int
}

// NoRetry is the zero-retry policy ("none" -> 0 retries).
var NoRetry = RetryPolicy{Kind: "none", MaxAttempts: 0}

// Endpoint is a user-owned webhook destination (§3 Webhook Endpoint).
type Endpoint struct {
	ID              string
	UserID          string
	URL             string
	EncryptedSecret string
	Active          bool
	RetryPolicy     RetryPolicy
	DeliveryFormat  string // e.g. "json"
	Method          string // e.g. "POST"
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subscription links an endpoint to one event type it wants to receive.
type Subscription struct {
	EndpointID string
	EventType  string
}

// Event is an immutable audit record of something that happened (§3 Event).
type Event struct {
	ID        string
	UserID    string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Delivery tracks one attempt sequence of delivering Event to Endpoint
// (§3 Delivery). NextAttemptAt is a [SUPPLEMENT] field (not in spec.md's
// invariant set) set on a `retrying` delivery to the last attempt plus a
// linear backoff (30 s per attempt, capped at 10 minutes) that does not
// depend on the endpoint's retry policy. It is stored only: the consumer
// re-enqueues a retrying job at once and nothing reads NextAttemptAt.
type Delivery struct {
	ID            string
	EventID       string
	EndpointID    string
	Status        DeliveryStatus
	AttemptCount  int
	ResponseCode  int
	ResponseBody  string
	DurationMs    int64
	LastAttemptAt time.Time
	NextAttemptAt time.Time
}

// Job is the unit of work enqueued per (event, endpoint) pair.
type Job struct {
	EventID    string
	EndpointID string
}

const (
	maxResponseBodyBytes = 1024
	idempotencyTTL       = 48 * time.Hour
)
