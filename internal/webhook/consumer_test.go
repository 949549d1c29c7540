package webhook

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corehook/authplatform/internal/crypto"
	"github.com/corehook/authplatform/internal/pipeline"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

type fakeHookDispatcher struct {
	verdict pipeline.Verdict
	err     error
}

func (f *fakeHookDispatcher) Dispatch(_ context.Context, _ pipeline.HookName, _ string, _ map[string]any) (*pipeline.DispatchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.DispatchResult{Verdict: f.verdict}, nil
}

type fakeSecrets struct{}

func (fakeSecrets) DecryptEndpointSecret(_ context.Context, encrypted string) (string, error) {
	return "plain-" + encrypted, nil
}

type inlineRequeue struct {
	consumer *Consumer
}

func (r *inlineRequeue) Enqueue(ctx context.Context, job Job) error {
	return r.consumer.HandleJob(ctx, job)
}

func newConsumer(t *testing.T, handler http.HandlerFunc) (*Consumer, *InMemoryEventStore, *InMemoryEndpointStore, *InMemoryDeliveryStore, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	events := NewInMemoryEventStore()
	endpoints := NewInMemoryEndpointStore()
	deliveries := NewInMemoryDeliveryStore()

	endpoints.Put(Endpoint{
		ID: "ep1", UserID: "U1", URL: server.URL, Active: true,
		RetryPolicy: RetryPolicy{Kind: "fixed", MaxAttempts: 3}, Method: http.MethodPost,
	}, "user.created")

	c := &Consumer{
		Events: events, Endpoints: endpoints, Deliveries: deliveries,
		Idempotency: NewInMemoryIdempotencyStore(nil),
		Secrets:     fakeSecrets{},
		Metrics:     metrics.Noop(),
	}
	c.Requeue = &inlineRequeue{consumer: c}
	return c, events, endpoints, deliveries, server
}

func TestHandleJob_RetryThenSucceedMatchesScenario(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	c, events, _, deliveries, _ := newConsumer(t, handler)
	event := Event{ID: "evt1", UserID: "U1", Type: "user.created", Payload: map[string]any{"x": 1}, CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d1", EventID: "evt1", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt1", EndpointID: "ep1"}))

	final, err := deliveries.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, DeliverySuccess, final.Status)
	require.Equal(t, 3, final.AttemptCount)
	require.Equal(t, 3, calls)
}

func TestHandleJob_DuplicateAfterTerminalSkipsSecondRequest(t *testing.T) {
	var calls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}
	c, events, _, deliveries, _ := newConsumer(t, handler)
	event := Event{ID: "evt2", UserID: "U1", Type: "user.created", CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d2", EventID: "evt2", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt2", EndpointID: "ep1"}))
	require.Equal(t, 1, calls)

	// Queue redelivers the already-terminal job.
	require.ErrorIs(t, c.HandleJob(context.Background(), Job{EventID: "evt2", EndpointID: "ep1"}), ErrDuplicateDelivery)
	require.Equal(t, 1, calls, "duplicate redelivery must not hit the endpoint again")
}

func TestHandleJob_PermanentFailureGoesDeadWithoutRetry(t *testing.T) {
	var calls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}
	c, events, _, deliveries, _ := newConsumer(t, handler)
	event := Event{ID: "evt3", UserID: "U1", Type: "user.created", CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d3", EventID: "evt3", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt3", EndpointID: "ep1"}))

	final, err := deliveries.Get(context.Background(), "d3")
	require.NoError(t, err)
	require.Equal(t, DeliveryDead, final.Status)
	require.Equal(t, 1, calls)
}

func TestHandleJob_ExhaustedRetriesGoesDead(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	c, events, _, deliveries, _ := newConsumer(t, handler)
	event := Event{ID: "evt4", UserID: "U1", Type: "user.created", CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d4", EventID: "evt4", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt4", EndpointID: "ep1"}))

	final, err := deliveries.Get(context.Background(), "d4")
	require.NoError(t, err)
	require.Equal(t, DeliveryDead, final.Status)
	require.Equal(t, 3, final.AttemptCount)
}

// before_webhook veto: delivery must not reach the endpoint and must finish
// as DeliveryFailed rather than being retried.
func TestHandleJob_BeforeWebhookDenyStopsDelivery(t *testing.T) {
	var calls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}
	c, events, _, deliveries, _ := newConsumer(t, handler)
	c.Pipeline = &fakeHookDispatcher{verdict: pipeline.VerdictDeny}

	event := Event{ID: "evt5", UserID: "U1", Type: "user.created", CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d5", EventID: "evt5", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt5", EndpointID: "ep1"}))

	final, err := deliveries.Get(context.Background(), "d5")
	require.NoError(t, err)
	require.Equal(t, DeliveryFailed, final.Status)
	require.Zero(t, calls, "denied delivery must not call the endpoint")
}

// before_webhook allow: delivery proceeds normally.
func TestHandleJob_BeforeWebhookAllowProceedsToDelivery(t *testing.T) {
	var calls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}
	c, events, _, deliveries, _ := newConsumer(t, handler)
	c.Pipeline = &fakeHookDispatcher{verdict: pipeline.VerdictAllow}

	event := Event{ID: "evt6", UserID: "U1", Type: "user.created", CreatedAt: time.Now()}
	require.NoError(t, events.Insert(context.Background(), event))
	require.NoError(t, deliveries.Insert(context.Background(), Delivery{ID: "d6", EventID: "evt6", EndpointID: "ep1", Status: DeliveryPending}))

	require.NoError(t, c.HandleJob(context.Background(), Job{EventID: "evt6", EndpointID: "ep1"}))

	final, err := deliveries.Get(context.Background(), "d6")
	require.NoError(t, err)
	require.Equal(t, DeliverySuccess, final.Status)
	require.Equal(t, 1, calls)
}

func TestVerifyQueueSignature_AcceptsCurrentOrNextKey(t *testing.T) {
	body := []byte(`{"eventId":"e1","endpointId":"ep1"}`)
	url := "https://ingest.example/webhooks"
	current := []byte("current-key")
	next := []byte("next-key")

	signed := append([]byte(url), body...)
	validSig := hex.EncodeToString(crypto.HMACSign(current, signed))
	require.True(t, VerifyQueueSignature(body, url, validSig, current, next))

	nextSig := hex.EncodeToString(crypto.HMACSign(next, signed))
	require.True(t, VerifyQueueSignature(body, url, nextSig, current, next))

	require.False(t, VerifyQueueSignature(body, url, "deadbeef", current, next))
}
