package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

// Enqueuer publishes a Job to the external queue (modeled in-process by
// Queue for the reference implementation).
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Emitter implements §4.6's Emission operation.
type Emitter struct {
	Events     EventStore
	Endpoints  EndpointStore
	Deliveries DeliveryStore
	Queue      Enqueuer
	Metrics    *metrics.Metrics
	Log        *logging.Logger
}

// Emit persists an immutable Event, fans it out to every active endpoint
// subscribed to eventType for userID, and enqueues one delivery job per
// endpoint.
func (e *Emitter) Emit(ctx context.Context, userID, eventType string, data map[string]any) (Event, error) {
	event := Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.Events.Insert(ctx, event); err != nil {
		return Event{}, fmt.Errorf("webhook: persist event: %w", err)
	}
	if e.Metrics != nil {
		e.Metrics.WebhookEmittedTotal.WithLabelValues(eventType).Inc()
	}

	endpoints, err := e.Endpoints.FindSubscribed(ctx, userID, eventType)
	if err != nil {
		return event, fmt.Errorf("webhook: find subscribed endpoints: %w", err)
	}

	for _, ep := range endpoints {
		delivery := Delivery{
			ID:         uuid.NewString(),
			EventID:    event.ID,
			EndpointID: ep.ID,
			Status:     DeliveryPending,
		}
		if err := e.Deliveries.Insert(ctx, delivery); err != nil {
			return event, fmt.Errorf("webhook: persist delivery for endpoint %s: %w", ep.ID, err)
		}
		job := Job{EventID: event.ID, EndpointID: ep.ID}
		if err := e.Queue.Enqueue(ctx, job); err != nil {
			if e.Log != nil {
				e.Log.Component("webhook").WithField("endpoint_id", ep.ID).WithField("error", err.Error()).Error("failed to enqueue delivery job")
			}
			return event, fmt.Errorf("webhook: enqueue job for endpoint %s: %w", ep.ID, err)
		}
	}
	return event, nil
}
