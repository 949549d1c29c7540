package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/corehook/authplatform/internal/platform/logging"
	"github.com/corehook/authplatform/internal/platform/metrics"
)

// Pool is the process-wide, owned sandbox pool of §4.1/§9. It enforces a
// soft cap (maxPoolSize) on pooled instances and a hard cap (maxConcurrent)
// on simultaneous executions, with a FIFO wait queue once the hard cap is
// reached.
type Pool struct {
	bounds  Bounds
	metrics *metrics.Metrics
	log     *logging.Logger

	maxPoolSize   int
	maxConcurrent int
	ttl           time.Duration

	mu         sync.Mutex
	idle       []*instance
	active     int
	totalSlots int // non-burst instances counted against maxPoolSize
	waitQueue  []chan struct{}
	nextID     int64
	closed     bool
}

// Config configures a new Pool.
type Config struct {
	MaxPoolSize   int
	MaxConcurrent int
	TTL           time.Duration
	Bounds        Bounds
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// NewPool constructs a Pool, defaulting any zero-valued field per §4.1.
func NewPool(cfg Config) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = DefaultMaxPoolSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Bounds.MaxScriptSize <= 0 || cfg.Bounds.Timeout <= 0 {
		cfg.Bounds = DefaultBounds()
	}
	return &Pool{
		bounds:        cfg.Bounds,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
		maxPoolSize:   cfg.MaxPoolSize,
		maxConcurrent: cfg.MaxConcurrent,
		ttl:           cfg.TTL,
	}
}

// acquire blocks until a slot is available (respecting the hard cap) or ctx
// is cancelled, and returns an instance wrapper ready for one execution.
func (p *Pool) acquire(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	if p.active < p.maxConcurrent {
		p.active++
		inst := p.takeInstanceLocked()
		p.reportOccupancyLocked()
		p.mu.Unlock()
		return inst, nil
	}

	ch := make(chan struct{})
	p.waitQueue = append(p.waitQueue, ch)
	p.reportWaitersLocked()
	p.mu.Unlock()

	select {
	case <-ch:
		p.mu.Lock()
		inst := p.takeInstanceLocked()
		p.reportOccupancyLocked()
		p.mu.Unlock()
		return inst, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiterLocked(ch)
		p.reportWaitersLocked()
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// takeInstanceLocked must be called with mu held and p.active already
// incremented for the slot being filled.
func (p *Pool) takeInstanceLocked() *instance {
	now := time.Now()
	for len(p.idle) > 0 {
		inst := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(inst.lastUsed) > p.ttl {
			// Idle beyond ttl: destroyed lazily on next acquire.
			p.totalSlots--
			continue
		}
		return inst
	}

	p.nextID++
	if p.totalSlots < p.maxPoolSize {
		p.totalSlots++
		return &instance{id: p.nextID, createdAt: now, lastUsed: now}
	}
	// Soft cap exceeded: hand out a burst instance that will be destroyed
	// on release instead of returned to the pool.
	return &instance{id: p.nextID, createdAt: now, lastUsed: now, burst: true}
}

// release returns inst to the pool (or destroys it, if burst) and wakes the
// head of the FIFO wait queue, if any.
func (p *Pool) release(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst.burst {
		// Burst instances were never counted against totalSlots and are
		// simply discarded here rather than returned to the idle pool.
	} else {
		inst.lastUsed = time.Now()
		p.idle = append(p.idle, inst)
	}
	p.active--

	if len(p.waitQueue) > 0 {
		ch := p.waitQueue[0]
		p.waitQueue = p.waitQueue[1:]
		p.active++ // hand the freed slot directly to the head waiter
		close(ch)
		p.reportWaitersLocked()
	}
	p.reportOccupancyLocked()
}

func (p *Pool) removeWaiterLocked(target chan struct{}) {
	for i, ch := range p.waitQueue {
		if ch == target {
			p.waitQueue = append(p.waitQueue[:i], p.waitQueue[i+1:]...)
			return
		}
	}
}

func (p *Pool) reportOccupancyLocked() {
	if p.metrics != nil {
		p.metrics.SandboxPoolOccupancy.Set(float64(p.active))
	}
}

func (p *Pool) reportWaitersLocked() {
	if p.metrics != nil {
		p.metrics.SandboxPoolWaiters.Set(float64(len(p.waitQueue)))
	}
}

// Execute acquires an instance, runs req against it, and releases it. This
// is the one public operation of §4.1: execute(script, context) -> (result,
// diagnostics, duration). Cancellation of ctx propagates to the in-flight
// execution (the goja runtime is interrupted) and the instance is still
// released (disposed if it was a burst instance) rather than leaked.
func (p *Pool) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	inst, err := p.acquire(ctx)
	if err != nil {
		return &ExecuteResult{
			OK:          false,
			Diagnostics: []Diagnostic{{Code: DiagPoolUnavailable, Message: err.Error()}},
		}, nil
	}
	defer p.release(inst)

	res, err := execute(ctx, p.bounds, req)
	p.recordOutcome(res, err)
	return res, err
}

func (p *Pool) recordOutcome(res *ExecuteResult, err error) {
	if p.metrics == nil {
		return
	}
	outcome := "success"
	var d time.Duration
	switch {
	case err != nil:
		outcome = "error"
	case res != nil && !res.OK:
		outcome = "failure"
		if len(res.Diagnostics) > 0 {
			outcome = string(res.Diagnostics[0].Code)
		}
	}
	if res != nil {
		d = res.Duration
	}
	p.metrics.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()
	p.metrics.SandboxExecutionDuration.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

// Shutdown drains the idle pool. Outstanding executions are left to finish
// and release normally; Shutdown does not cancel them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.idle = nil
	p.totalSlots = 0
}

// Stats reports current occupancy for diagnostics/tests.
type Stats struct {
	Active  int
	Idle    int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.active, Idle: len(p.idle), Waiting: len(p.waitQueue)}
}
