// Package dispatcher routes accepted intents to per-environment workers.
//
// For each environment the dispatcher keeps one private intent queue and at
// most one worker goroutine, so intents for a given id are handled in
// submission order with no two reconciliations interleaving. Workers are
// created on demand and retire when their queue drains; a weighted
// semaphore caps concurrent reconciliations across all environments.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agustingarciaflores/pr-environments/internal/intent"
	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// ErrNotRunning is returned by Submit before Start or after Stop.
var ErrNotRunning = errors.New("dispatcher not running")

// ErrInvalidIntent is returned for intents missing an environment id or
// carrying an unknown action.
var ErrInvalidIntent = errors.New("invalid intent")

// Handler reconciles one intent. The dispatcher holds the environment's
// lease for the full duration of the call.
type Handler interface {
	Handle(ctx context.Context, lease Lease, in intent.Intent) error
}

// Config holds dispatcher tuning.
type Config struct {
	// MaxConcurrent caps reconciliations running at once across all
	// environments. Defaults to 4.
	MaxConcurrent int

	// LeaseTTL bounds how long a crashed worker can block an environment.
	// Defaults to 2 minutes.
	LeaseTTL time.Duration
}

// Dispatcher owns the intent queues, the lease manager and the worker pool.
type Dispatcher struct {
	mu sync.Mutex

	config  Config
	handler Handler
	leases  *LeaseManager

	// queues holds the private pending queue per environment id.
	queues map[string]*intent.Queue

	// active marks environments with a live worker goroutine.
	active map[string]bool

	sem *semaphore.Weighted

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

// New creates a dispatcher delivering intents to handler.
func New(config Config, handler Handler) *Dispatcher {
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 4
	}
	if config.LeaseTTL == 0 {
		config.LeaseTTL = 2 * time.Minute
	}

	return &Dispatcher{
		config:  config,
		handler: handler,
		leases:  NewLeaseManager(config.LeaseTTL),
		queues:  make(map[string]*intent.Queue),
		active:  make(map[string]bool),
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Start makes the dispatcher accept intents.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.ctx, d.cancelFunc = context.WithCancel(ctx)
	d.running = true
	logging.Info("Dispatcher", "Started with max %d concurrent reconciliations", d.config.MaxConcurrent)
}

// Submit accepts an intent, queueing it on the environment's private queue
// and spawning a worker if none is assigned.
func (d *Dispatcher) Submit(in intent.Intent) error {
	if in.EnvironmentID == "" || !in.Action.Valid() {
		return fmt.Errorf("submit: %w", ErrInvalidIntent)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return fmt.Errorf("submit %s for %s: %w", in.Action, in.EnvironmentID, ErrNotRunning)
	}

	q, ok := d.queues[in.EnvironmentID]
	if !ok {
		q = intent.NewQueue()
		d.queues[in.EnvironmentID] = q
	}
	q.Push(in)

	if !d.active[in.EnvironmentID] {
		d.active[in.EnvironmentID] = true
		d.wg.Add(1)
		go d.worker(in.EnvironmentID, q)
	}

	logging.Debug("Dispatcher", "Accepted %s intent for %s from %s", in.Action, in.EnvironmentID, in.Source)
	return nil
}

// worker drains one environment's queue and retires when it is empty.
func (d *Dispatcher) worker(environmentID string, q *intent.Queue) {
	defer d.wg.Done()

	for {
		in, ok := d.popOrRetire(environmentID, q)
		if !ok {
			return
		}

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			// Shutting down; push the intent back so it stays pending for
			// the next run instead of being dropped.
			d.requeue(in)
			d.retire(environmentID)
			return
		}
		d.process(in)
		d.sem.Release(1)
	}
}

// popOrRetire takes the next intent or retires the worker atomically, so a
// Submit racing with retirement either finds the worker still registered or
// starts a fresh one.
func (d *Dispatcher) popOrRetire(environmentID string, q *intent.Queue) (intent.Intent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		d.active[environmentID] = false
		return intent.Intent{}, false
	}

	in, ok := q.Pop()
	if !ok {
		d.active[environmentID] = false
		delete(d.queues, environmentID)
		return intent.Intent{}, false
	}
	return in, true
}

func (d *Dispatcher) retire(environmentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[environmentID] = false
}

func (d *Dispatcher) process(in intent.Intent) {
	lease, err := d.leases.Acquire(in.EnvironmentID)
	if err != nil {
		// Only possible if a previous holder crashed without releasing and
		// its lease has not expired yet. The intent is not lost: requeue it
		// and let the next pass retry after expiry.
		logging.Warn("Dispatcher", "Lease for %s unavailable, requeueing %s: %v", in.EnvironmentID, in.Action, err)
		time.Sleep(time.Second)
		d.requeue(in)
		return
	}
	defer d.leases.Release(lease)

	if err := d.handler.Handle(d.ctx, lease, in); err != nil {
		logging.Warn("Dispatcher", "Intent %s (%s) for %s failed: %v", in.ID, in.Action, in.EnvironmentID, err)
		return
	}
	logging.Debug("Dispatcher", "Intent %s (%s) for %s handled", in.ID, in.Action, in.EnvironmentID)
}

func (d *Dispatcher) requeue(in intent.Intent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[in.EnvironmentID]; ok {
		q.Push(in)
	}
}

// QueueLength reports pending intents for an environment.
func (d *Dispatcher) QueueLength(environmentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[environmentID]; ok {
		return q.Len()
	}
	return 0
}

// Idle reports whether no worker is running and no intent is pending.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, running := range d.active {
		if running {
			return false
		}
	}
	for _, q := range d.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

// Stop rejects further intents and waits for in-flight reconciliations.
// Transitions are never interrupted mid-step; workers observe cancellation
// only between intents and at provisioner suspension points.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancelFunc
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	logging.Info("Dispatcher", "Stopped")
}
