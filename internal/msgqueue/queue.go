package msgqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mattjoyce/pluginhost/internal/log"
)

const (
	DefaultWorkers      = 1
	DefaultCapacity     = 100
	DefaultDrainTimeout = 10 * time.Second
)

// State is a queue's position in its lifecycle. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options size a queue. Zero values take the defaults.
type Options struct {
	Workers      int
	Capacity     int
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}

// DrainReport describes how Stop ended.
type DrainReport struct {
	TimedOut  bool
	Discarded int
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics counts traffic.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithDeliveryLog records failed deliveries.
func WithDeliveryLog(d DeliveryLog) Option {
	return func(q *Queue) { q.deliveries = d }
}

// Queue delivers messages for one plugin.
type Queue struct {
	name     string
	pluginID string
	opts     Options
	handler  Handler

	metrics    *Metrics
	deliveries DeliveryLog
	logger     *slog.Logger

	mu     sync.RWMutex // guards state transitions against concurrent sends on ch
	state  State
	ch     chan Message
	pool   *ants.Pool
	ctx    context.Context // cancelled when a drain times out
	cancel context.CancelFunc
	// callCtx is handed to handlers. It is never cancelled: calls still
	// running after a drain timeout are abandoned, not killed, and stay
	// bounded by the plugin call timeout.
	callCtx context.Context
	fed    chan struct{} // closed when the feeder exits

	discarded atomic.Int64
}

// NewQueue creates a stopped queue for pluginID.
func NewQueue(name, pluginID string, opts Options, handler Handler, options ...Option) *Queue {
	opts = opts.withDefaults()
	q := &Queue{
		name:     name,
		pluginID: pluginID,
		opts:     opts,
		handler:  handler,
		ch:       make(chan Message, opts.Capacity),
		fed:      make(chan struct{}),
		logger:   log.WithComponent("msgqueue").With("queue", name, "plugin", pluginID),
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// PluginID returns the plugin this queue delivers to.
func (q *Queue) PluginID() string { return q.pluginID }

// Options returns the effective sizing.
func (q *Queue) Options() Options { return q.opts }

// State returns the current lifecycle state.
func (q *Queue) State() State {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int { return len(q.ch) }

// Start launches the worker pool.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateCreated {
		return fmt.Errorf("queue %s/%s: start in state %s", q.name, q.pluginID, q.state)
	}

	pool, err := ants.NewPool(q.opts.Workers, ants.WithPanicHandler(func(p any) {
		q.metrics.count(evFailed, q.name, 1)
		q.logger.Error("message handler panicked", "panic", fmt.Sprint(p))
	}))
	if err != nil {
		return fmt.Errorf("queue %s/%s: create worker pool: %w", q.name, q.pluginID, err)
	}

	q.pool = pool
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.callCtx = context.WithoutCancel(q.ctx)
	q.state = StateRunning
	go q.feed()

	q.logger.Debug("queue started", "workers", q.opts.Workers, "capacity", q.opts.Capacity)
	return nil
}

// Enqueue buffers msg without blocking. It returns false when the queue is
// not running or the buffer is full.
func (q *Queue) Enqueue(msg Message) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != StateRunning {
		return false
	}
	q.metrics.addDepth(q.name, 1)
	select {
	case q.ch <- msg:
		q.metrics.count(evEnqueued, q.name, 1)
		return true
	default:
		q.metrics.addDepth(q.name, -1)
		q.metrics.count(evDropped, q.name, 1)
		q.logger.Warn("queue full, dropping message", "message_id", msg.ID, "kind", msg.Kind, "capacity", q.opts.Capacity)
		return false
	}
}

// feed hands buffered messages to the pool in arrival order. Submit blocks
// while every worker is busy.
func (q *Queue) feed() {
	defer close(q.fed)
	for msg := range q.ch {
		q.metrics.addDepth(q.name, -1)
		if q.ctx.Err() != nil {
			q.discard(msg)
			continue
		}
		if err := q.pool.Submit(func() { q.deliver(msg) }); err != nil {
			// ants.ErrPoolClosed: the drain timed out while we waited for a worker.
			q.discard(msg)
		}
	}
}

func (q *Queue) deliver(msg Message) {
	if q.ctx.Err() != nil {
		q.discard(msg)
		return
	}

	err := q.handler(q.callCtx, q.pluginID, msg)
	if q.ctx.Err() != nil {
		q.logger.Debug("discarding late delivery result", "message_id", msg.ID, "error", err)
		return
	}
	if err != nil {
		q.metrics.count(evFailed, q.name, 1)
		q.logger.Warn("message delivery failed", "message_id", msg.ID, "kind", msg.Kind, "error", err)
		q.record(msg, OutcomeFailed, err)
		return
	}
	q.metrics.count(evDelivered, q.name, 1)
}

func (q *Queue) discard(msg Message) {
	q.discarded.Add(1)
	q.metrics.count(evDiscarded, q.name, 1)
	q.logger.Debug("discarding message", "message_id", msg.ID, "kind", msg.Kind)
	q.record(msg, OutcomeDiscarded, nil)
}

func (q *Queue) record(msg Message, outcome Outcome, err error) {
	if q.deliveries == nil {
		return
	}
	d := Delivery{
		MessageID:   msg.ID,
		Queue:       q.name,
		PluginID:    q.pluginID,
		Kind:        msg.Kind,
		Outcome:     outcome,
		CreatedAt:   msg.CreatedAt,
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	if rerr := q.deliveries.Record(context.Background(), d); rerr != nil {
		q.logger.Warn("failed to record delivery", "message_id", msg.ID, "error", rerr)
	}
}

// Stop refuses new messages and drains the buffer for at most timeout
// (Options.DrainTimeout when timeout <= 0). Stopping twice is a no-op.
func (q *Queue) Stop(timeout time.Duration) DrainReport {
	q.mu.Lock()
	switch q.state {
	case StateCreated:
		q.state = StateClosed
		q.mu.Unlock()
		return DrainReport{}
	case StateDraining, StateClosed:
		q.mu.Unlock()
		return DrainReport{}
	}
	q.state = StateDraining
	close(q.ch)
	q.mu.Unlock()

	if timeout <= 0 {
		timeout = q.opts.DrainTimeout
	}
	deadline := time.Now().Add(timeout)
	report := DrainReport{}

	timer := time.NewTimer(timeout)
	select {
	case <-q.fed:
		timer.Stop()
		if err := q.pool.ReleaseTimeout(time.Until(deadline)); err != nil {
			report.TimedOut = errors.Is(err, ants.ErrTimeout)
		}
	case <-timer.C:
		report.TimedOut = true
	}

	if report.TimedOut {
		q.cancel()
		q.pool.Release()
		<-q.fed // Submit fails fast on a released pool, so this is bounded by the buffer.
	} else {
		q.cancel()
	}

	report.Discarded = int(q.discarded.Load())
	q.mu.Lock()
	q.state = StateClosed
	q.mu.Unlock()

	if report.TimedOut {
		q.logger.Warn("queue drain timed out", "timeout", timeout, "discarded", report.Discarded)
	} else {
		q.logger.Debug("queue drained")
	}
	return report
}
