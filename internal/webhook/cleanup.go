package webhook

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corehook/authplatform/internal/platform/logging"
)

// TraceStore is the subset of pipeline.Store the Cleanup sweep needs,
// spelled out locally so this package doesn't import internal/pipeline
// just for one method.
type TraceStore interface {
	PurgeOlderThan(cutoff time.Time) (int, error)
}

// Cleanup implements §4.6's Cleanup operation: batch-purge Traces and Spans
// older than a configured cutoff, on a cron schedule.
type Cleanup struct {
	Traces TraceStore
	MaxAge time.Duration
	Log    *logging.Logger
}

// Run performs one purge pass.
func (c *Cleanup) Run() {
	cutoff := time.Now().UTC().Add(-c.MaxAge)
	purged, err := c.Traces.PurgeOlderThan(cutoff)
	if c.Log == nil {
		return
	}
	entry := c.Log.Component("webhook").WithField("cutoff", cutoff).WithField("purged", purged)
	if err != nil {
		entry.WithField("error", err.Error()).Error("trace cleanup sweep failed")
		return
	}
	entry.Info("trace cleanup sweep complete")
}

// Scheduler wraps robfig/cron/v3 to drive JWKS rotation and trace cleanup
// on a recurring schedule, grounded on the teacher's use of cron/v3 for
// periodic background services.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler builds a Scheduler using cron's standard 5-field parser.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// AddFunc schedules fn on spec (standard cron syntax).
func (s *Scheduler) AddFunc(spec string, fn func()) error {
	_, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("webhook: schedule %q: %w", spec, err)
	}
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
