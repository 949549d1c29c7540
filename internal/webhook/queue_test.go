package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingHandler struct {
	mu   sync.Mutex
	seen []Job
	done chan struct{}
	want int
}

func newCountingHandler(want int) *countingHandler {
	return &countingHandler{done: make(chan struct{}), want: want}
}

func (h *countingHandler) HandleJob(_ context.Context, job Job) error {
	h.mu.Lock()
	h.seen = append(h.seen, job)
	n := len(h.seen)
	h.mu.Unlock()
	if n == h.want {
		close(h.done)
	}
	return nil
}

func TestQueue_WorkerPoolProcessesEnqueuedJobs(t *testing.T) {
	handler := newCountingHandler(5)
	q := NewQueue(handler, 10, 3, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, Job{EventID: "e", EndpointID: "ep"}))
	}

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all jobs to be handled")
	}

	q.Stop()

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.seen, 5)
}

func TestQueue_EnqueueRespectsContextCancellation(t *testing.T) {
	handler := newCountingHandler(0)
	q := NewQueue(handler, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Enqueue(ctx, Job{EventID: "e", EndpointID: "ep"})
	require.ErrorIs(t, err, context.Canceled)
}
