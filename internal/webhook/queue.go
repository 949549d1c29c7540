package webhook

import (
	"context"
	"errors"
	"sync"

	"github.com/corehook/authplatform/internal/platform/logging"
)

// JobHandler processes one dequeued Job.
type JobHandler interface {
	HandleJob(ctx context.Context, job Job) error
}

// Queue is an in-process buffered-channel worker pool standing in for the
// "external queue" §4.6/§9 treats as a collaborator, grounded on the
// goroutine+WaitGroup fan-out idiom the pipeline dispatcher uses for layer
// execution.
type Queue struct {
	jobs    chan Job
	handler JobHandler
	workers int
	log     *logging.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewQueue builds a Queue with the given buffer depth and worker count.
func NewQueue(handler JobHandler, bufferSize, workers int, log *logging.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:    make(chan Job, bufferSize),
		handler: handler,
		workers: workers,
		log:     log,
		stop:    make(chan struct{}),
	}
}

// Enqueue publishes job onto the channel, satisfying Enqueuer. It blocks if
// the buffer is full, back-pressuring the caller rather than dropping jobs.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker pool; call Stop to drain and join.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			err := q.handler.HandleJob(ctx, job)
			if err != nil && !errors.Is(err, ErrDuplicateDelivery) && q.log != nil {
				q.log.Component("webhook").WithField("event_id", job.EventID).
					WithField("endpoint_id", job.EndpointID).WithField("error", err.Error()).
					Warn("job handling failed")
			}
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals every worker to exit and waits for them to drain in-flight
// handlers before returning.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}
