package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/platform/metrics"
)

type recordingQueue struct {
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func TestEmit_PersistsEventAndFansOutToSubscribedActiveEndpoints(t *testing.T) {
	events := NewInMemoryEventStore()
	endpoints := NewInMemoryEndpointStore()
	deliveries := NewInMemoryDeliveryStore()
	queue := &recordingQueue{}

	endpoints.Put(Endpoint{ID: "ep-active", UserID: "U1", URL: "https://a.example", Active: true}, "user.created")
	endpoints.Put(Endpoint{ID: "ep-inactive", UserID: "U1", URL: "https://b.example", Active: false}, "user.created")
	endpoints.Put(Endpoint{ID: "ep-other-event", UserID: "U1", URL: "https://c.example", Active: true}, "user.deleted")
	endpoints.Put(Endpoint{ID: "ep-other-user", UserID: "U2", URL: "https://d.example", Active: true}, "user.created")

	e := &Emitter{Events: events, Endpoints: endpoints, Deliveries: deliveries, Queue: queue, Metrics: metrics.Noop()}

	event, err := e.Emit(context.Background(), "U1", "user.created", map[string]any{"id": "u-1"})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)

	stored, err := events.Get(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, "user.created", stored.Type)

	require.Len(t, queue.jobs, 1, "only the active, subscribed, same-user endpoint should be enqueued")
	require.Equal(t, "ep-active", queue.jobs[0].EndpointID)

	delivery, found, err := deliveries.FindByEventAndEndpoint(context.Background(), event.ID, "ep-active")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, DeliveryPending, delivery.Status)
}

func TestEmit_NoSubscribersCreatesNoDeliveries(t *testing.T) {
	events := NewInMemoryEventStore()
	endpoints := NewInMemoryEndpointStore()
	deliveries := NewInMemoryDeliveryStore()
	queue := &recordingQueue{}

	e := &Emitter{Events: events, Endpoints: endpoints, Deliveries: deliveries, Queue: queue, Metrics: metrics.Noop()}

	_, err := e.Emit(context.Background(), "U1", "user.created", map[string]any{})
	require.NoError(t, err)
	require.Empty(t, queue.jobs)
}
