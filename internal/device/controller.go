package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/store"
)

// LockName is the drain lock for control operations. Separate from the
// generic processor's lock so the two variants never block each other.
const LockName = "sync.control"

// Control actions carried in an OpControl payload.
const (
	ActionTurnOn   = "turn_on"
	ActionTurnOff  = "turn_off"
	ActionSetValue = "set_value"
	ActionPublish  = "publish"
)

// Config holds controller tuning.
type Config struct {
	ScanInterval time.Duration
	// FreshnessWindow makes the controller skip a just-enqueued set-value
	// operation for a cycle or two, letting rapid UI updates settle before
	// any protocol traffic happens.
	FreshnessWindow time.Duration
	AttemptCeiling  int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    350 * time.Millisecond,
		FreshnessWindow: 150 * time.Millisecond,
		AttemptCeiling:  5,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   60 * time.Second,
	}
}

// CycleStats summarizes one control drain cycle.
type CycleStats struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Dead       int
	Superseded int
	Skipped    int
}

// Controller drains control operations to a device driver. It is the
// device-protocol counterpart of the generic queue processor: same lock,
// backoff and dead-letter mechanics, plus set-value deduplication and a
// freshness window.
type Controller struct {
	store  *store.Store
	locks  *lock.Service
	driver Driver
	config Config
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewController creates a Controller. Start must be called to begin draining.
func NewController(s *store.Store, locks *lock.Service, driver Driver, config Config) *Controller {
	def := DefaultConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.FreshnessWindow < 0 {
		config.FreshnessWindow = 0
	} else if config.FreshnessWindow == 0 {
		config.FreshnessWindow = def.FreshnessWindow
	}
	if config.AttemptCeiling <= 0 {
		config.AttemptCeiling = def.AttemptCeiling
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	return &Controller{
		store:  s,
		locks:  locks,
		driver: driver,
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the controller loop until the context is cancelled or Dispose
// is called.
func (c *Controller) Start(ctx context.Context) {
	ch, cancel := c.store.Watch(store.CollectionPending)

	go func() {
		defer close(c.done)
		defer cancel()

		if err := c.driver.Init(ctx); err != nil {
			slog.Error("device driver init", "error", err)
		}

		ticker := time.NewTicker(c.config.ScanInterval)
		defer ticker.Stop()

		slog.Info("device controller started", "scan_interval", c.config.ScanInterval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("device controller stopped", "reason", "context cancelled")
				return
			case <-c.stop:
				slog.Info("device controller stopped", "reason", "disposed")
				return
			case <-ticker.C:
			case <-ch:
			}
			if _, err := c.RunCycle(ctx); err != nil {
				slog.Error("control cycle", "error", err)
			}
		}
	}()
}

// Dispose stops the loop and waits for the in-flight cycle to finish.
func (c *Controller) Dispose() {
	select {
	case <-c.stop:
		return
	default:
		close(c.stop)
	}
	<-c.done
}

// RunCycle executes one control drain cycle. Lock contention skips the
// cycle without error.
func (c *Controller) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	acquired, err := c.locks.Acquire(ctx, LockName, map[string]string{"component": "device"})
	if err != nil {
		return stats, fmt.Errorf("acquire control lock: %w", err)
	}
	if !acquired {
		slog.Debug("control cycle skipped, lock held elsewhere")
		return stats, nil
	}
	c.locks.StartHeartbeat(LockName)
	defer func() {
		c.locks.StopHeartbeat(LockName)
		if err := c.locks.Release(LockName); err != nil {
			slog.Error("release control lock", "error", err)
		}
	}()

	all, err := c.store.PendingOps()
	if err != nil {
		return stats, fmt.Errorf("snapshot pending ops: %w", err)
	}

	ops := controlOps(all)
	ops, err = c.dropSuperseded(ops, &stats)
	if err != nil {
		return stats, err
	}

	now := c.now().UTC()
	for i := range ops {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		op := ops[i]

		// Let a fresh set-value burst settle before going on the wire.
		if action(&op) == ActionSetValue && op.Attempts == 0 && now.Sub(op.QueuedAt) < c.config.FreshnessWindow {
			stats.Skipped++
			continue
		}
		dueAt := op.QueuedAt.Add(store.CalculateBackoff(store.BackoffExponential, op.Attempts, c.config.RetryBaseDelay, c.config.RetryMaxDelay))
		if now.Before(dueAt) {
			stats.Skipped++
			continue
		}

		stats.Dispatched++
		if err := c.dispatch(ctx, &op); err != nil {
			stats.Failed++
			if ferr := c.recordFailure(&op, err); ferr != nil {
				return stats, ferr
			}
			if op.Attempts >= c.config.AttemptCeiling {
				stats.Dead++
			}
			continue
		}
		if err := c.store.DeletePending(&op); err != nil {
			return stats, err
		}
		stats.Succeeded++
	}

	if stats.Dispatched > 0 || stats.Superseded > 0 {
		slog.Info("control cycle complete",
			"dispatched", stats.Dispatched, "succeeded", stats.Succeeded,
			"failed", stats.Failed, "dead", stats.Dead,
			"superseded", stats.Superseded, "skipped", stats.Skipped)
	}
	return stats, nil
}

// controlOps filters the FIFO snapshot down to control operations.
func controlOps(all []store.PendingOperation) []store.PendingOperation {
	var ops []store.PendingOperation
	for _, op := range all {
		if op.OpType == store.OpControl {
			ops = append(ops, op)
		}
	}
	return ops
}

// dropSuperseded keeps only the most recently queued set-value operation
// per device target. Older duplicates are discarded outright, never retried.
func (c *Controller) dropSuperseded(ops []store.PendingOperation, stats *CycleStats) ([]store.PendingOperation, error) {
	// The snapshot is in queuedAt order, so the last set-value op per
	// target is the winner.
	latest := make(map[string]string)
	for _, op := range ops {
		if action(&op) == ActionSetValue {
			latest[op.EntityID] = op.ID
		}
	}

	kept := ops[:0]
	for i := range ops {
		op := ops[i]
		if action(&op) == ActionSetValue && latest[op.EntityID] != op.ID {
			if err := c.store.DiscardPending(&op, "superseded"); err != nil {
				return nil, err
			}
			slog.Debug("superseded set-value discarded", "device", op.EntityID, "op", op.ID)
			stats.Superseded++
			continue
		}
		kept = append(kept, op)
	}
	return kept, nil
}

func (c *Controller) dispatch(ctx context.Context, op *store.PendingOperation) error {
	switch action(op) {
	case ActionTurnOn:
		return c.driver.TurnOn(ctx, op.EntityID)
	case ActionTurnOff:
		return c.driver.TurnOff(ctx, op.EntityID)
	case ActionSetValue:
		value, ok := floatField(op.Payload, "value")
		if !ok {
			return fmt.Errorf("set_value operation %s has no numeric value", op.ID)
		}
		return c.driver.SetIntensity(ctx, op.EntityID, value)
	case ActionPublish:
		topic, _ := op.Payload["topic"].(string)
		payload, _ := op.Payload["payload"].(string)
		if topic == "" {
			return fmt.Errorf("publish operation %s has no topic", op.ID)
		}
		return c.driver.Publish(ctx, topic, payload)
	default:
		return fmt.Errorf("unsupported control action %q", action(op))
	}
}

func (c *Controller) recordFailure(op *store.PendingOperation, dispatchErr error) error {
	now := c.now().UTC()
	op.Attempts++
	op.LastAttemptAt = &now

	if op.Attempts >= c.config.AttemptCeiling {
		if _, err := c.store.MoveToFailed(op, false, dispatchErr.Error()); err != nil {
			return fmt.Errorf("move %s to dead-letter: %w", op.ID, err)
		}
		slog.Warn("control operation moved to dead-letter",
			"op", op.ID, "device", op.EntityID, "attempts", op.Attempts, "error", dispatchErr)
		return nil
	}
	if err := c.store.UpdatePending(op); err != nil {
		return fmt.Errorf("re-persist %s after failure: %w", op.ID, err)
	}
	slog.Debug("control dispatch failed, re-queued",
		"op", op.ID, "device", op.EntityID, "attempts", op.Attempts, "error", dispatchErr)
	return nil
}

func action(op *store.PendingOperation) string {
	a, _ := op.Payload["action"].(string)
	return a
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
