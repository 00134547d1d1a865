// Package coalesce collapses bursts of UI-driven set-value mutations into
// single pending operations. A continuously dragged intensity slider
// produces one operation carrying the last value, not hundreds.
package coalesce

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalsync/vitalsync/internal/store"
)

// Enqueuer is the slice of the operation store the coalescer writes to.
type Enqueuer interface {
	EnqueueBatch(ops []*store.PendingOperation) error
}

// Config holds coalescer tuning.
type Config struct {
	// DebounceWindow is how long a target must stay quiet before its latest
	// value is turned into an operation.
	DebounceWindow time.Duration
	// FlushDelay is how long the micro-batch buffer waits after the first
	// buffered operation before writing the batch in one store transaction,
	// absorbing bursts across multiple targets.
	FlushDelay time.Duration
	// MaxBatchSize flushes early when this many operations are buffered.
	MaxBatchSize int
	// EntityType stamps the operations produced, e.g. "device".
	EntityType string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 150 * time.Millisecond,
		FlushDelay:     25 * time.Millisecond,
		MaxBatchSize:   64,
		EntityType:     "device",
	}
}

type debounced struct {
	timer *time.Timer
	value any
}

// Coalescer debounces per-target set-value requests and micro-batches the
// resulting operation writes.
type Coalescer struct {
	enq    Enqueuer
	config Config

	mu      sync.Mutex
	targets map[string]*debounced
	closed  bool

	pending chan *store.PendingOperation
	flushCh chan chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// New creates and starts a Coalescer.
func New(enq Enqueuer, config Config) *Coalescer {
	def := DefaultConfig()
	if config.DebounceWindow <= 0 {
		config.DebounceWindow = def.DebounceWindow
	}
	if config.FlushDelay <= 0 {
		config.FlushDelay = def.FlushDelay
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.EntityType == "" {
		config.EntityType = def.EntityType
	}
	c := &Coalescer{
		enq:     enq,
		config:  config,
		targets: make(map[string]*debounced),
		pending: make(chan *store.PendingOperation, config.MaxBatchSize*2),
		flushCh: make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.loop()
	return c
}

// QueueSetValue records the latest requested value for a target and resets
// its debounce timer. For N rapid calls within the window, exactly one
// operation is ultimately enqueued, carrying the last value observed.
func (c *Coalescer) QueueSetValue(targetID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if d, ok := c.targets[targetID]; ok {
		d.value = value
		d.timer.Reset(c.config.DebounceWindow)
		return
	}
	d := &debounced{value: value}
	d.timer = time.AfterFunc(c.config.DebounceWindow, func() {
		c.expire(targetID)
	})
	c.targets[targetID] = d
}

// expire turns the settled target into an operation and hands it to the
// batch buffer.
func (c *Coalescer) expire(targetID string) {
	c.mu.Lock()
	d, ok := c.targets[targetID]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.targets, targetID)
	value := d.value
	c.mu.Unlock()

	c.buffer(c.buildOp(targetID, value))
}

func (c *Coalescer) buildOp(targetID string, value any) *store.PendingOperation {
	return &store.PendingOperation{
		ID:         store.NewOpID(),
		EntityType: c.config.EntityType,
		EntityID:   targetID,
		OpType:     store.OpControl,
		Payload: map[string]any{
			"action": "set_value",
			"value":  value,
		},
		QueuedAt:       time.Now().UTC(),
		IdempotencyKey: store.NewIdempotencyKey(),
	}
}

func (c *Coalescer) buffer(op *store.PendingOperation) {
	select {
	case c.pending <- op:
	case <-c.stop:
	}
}

// Flush forces every debounce timer to fire and the buffer to drain, then
// blocks until the batch write completed. Enqueued state is visible to
// other tasks only after Flush (or the timers) ran; callers must not assume
// immediate visibility.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	expired := make(map[string]any)
	for targetID, d := range c.targets {
		d.timer.Stop()
		expired[targetID] = d.value
		delete(c.targets, targetID)
	}
	c.mu.Unlock()

	for targetID, value := range expired {
		c.buffer(c.buildOp(targetID, value))
	}

	ack := make(chan struct{})
	select {
	case c.flushCh <- ack:
		<-ack
	case <-c.stop:
	}
}

// Dispose flushes outstanding work and stops the buffer loop.
func (c *Coalescer) Dispose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	expired := make(map[string]any)
	for targetID, d := range c.targets {
		d.timer.Stop()
		expired[targetID] = d.value
		delete(c.targets, targetID)
	}
	c.mu.Unlock()

	for targetID, value := range expired {
		select {
		case c.pending <- c.buildOp(targetID, value):
		default:
			slog.Warn("coalescer buffer full on dispose, dropping operation", "target", targetID)
		}
	}
	close(c.stop)
	<-c.done
}

func (c *Coalescer) loop() {
	defer close(c.done)

	timer := time.NewTimer(c.config.FlushDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	batch := make([]*store.PendingOperation, 0, c.config.MaxBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.enq.EnqueueBatch(batch); err != nil {
			// Storage errors are surfaced, never silently dropped.
			slog.Error("coalescer batch flush", "ops", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case op := <-c.pending:
			batch = append(batch, op)
			if len(batch) >= c.config.MaxBatchSize {
				flush()
				if armed && !timer.Stop() {
					<-timer.C
				}
				armed = false
				continue
			}
			if !armed {
				timer.Reset(c.config.FlushDelay)
				armed = true
			}
		case <-timer.C:
			armed = false
			flush()
		case ack := <-c.flushCh:
			c.drain(&batch)
			if armed && !timer.Stop() {
				<-timer.C
			}
			armed = false
			flush()
			close(ack)
		case <-c.stop:
			c.drain(&batch)
			flush()
			return
		}
	}
}

func (c *Coalescer) drain(batch *[]*store.PendingOperation) {
	for {
		select {
		case op := <-c.pending:
			*batch = append(*batch, op)
		default:
			return
		}
	}
}

var _ Enqueuer = (*store.Store)(nil)

// Stats reports buffered and debouncing counts, for the admin surface.
type Stats struct {
	DebouncingTargets int `json:"debouncing_targets"`
	BufferedOps       int `json:"buffered_ops"`
}

// Stats returns current coalescer statistics.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		DebouncingTargets: len(c.targets),
		BufferedOps:       len(c.pending),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("debouncing=%d buffered=%d", s.DebouncingTargets, s.BufferedOps)
}
