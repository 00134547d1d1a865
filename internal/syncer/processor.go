// Package syncer implements the queue processor: the loop that drains
// pending operations to the remote backend, applying per-operation backoff,
// dead-letter escalation and conflict resolution. At most one live runner
// drains the queue at a time, enforced by the distributed lock.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalsync/vitalsync/internal/conflict"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/store"
)

// LockName is the named processing lock serializing queue drains.
const LockName = "sync.pending"

// Config holds processor tuning.
type Config struct {
	// ScanInterval is the base tick cadence between drain cycles; store
	// change notifications trigger additional cycles in between.
	ScanInterval time.Duration
	// AttemptCeiling moves an operation to the dead-letter collection once
	// its attempt count reaches it.
	AttemptCeiling int
	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// InlineRetryWait inserts a context-aware wait after a failed dispatch
	// before moving on, up to RetryMaxDelay. Disabled in the control
	// variant, which relies purely on due-time gating.
	InlineRetryWait bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    350 * time.Millisecond,
		AttemptCeiling:  5,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
		InlineRetryWait: true,
	}
}

// CycleStats summarizes one drain cycle.
type CycleStats struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Dead       int
	Conflicts  int
	Skipped    int
}

// Processor drains the pending and emergency collections.
type Processor struct {
	store     *store.Store
	locks     *lock.Service
	transport Transport
	resolver  *conflict.Resolver
	config    Config
	tracer    trace.Tracer
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a Processor. Start must be called to begin draining.
func New(s *store.Store, locks *lock.Service, transport Transport, resolver *conflict.Resolver, config Config) *Processor {
	def := DefaultConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
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
	return &Processor{
		store:     s,
		locks:     locks,
		transport: transport,
		resolver:  resolver,
		config:    config,
		tracer:    otel.Tracer("vitalsync/syncer"),
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the processor loop in a goroutine until the context is
// cancelled or Dispose is called. Cycles run on every scan tick and on
// every change notification from the pending or emergency collections.
func (p *Processor) Start(ctx context.Context) {
	pendCh, cancelPend := p.store.Watch(store.CollectionPending)
	emCh, cancelEm := p.store.Watch(store.CollectionEmergency)

	go func() {
		defer close(p.done)
		defer cancelPend()
		defer cancelEm()

		ticker := time.NewTicker(p.config.ScanInterval)
		defer ticker.Stop()

		slog.Info("queue processor started", "scan_interval", p.config.ScanInterval)
		for {
			select {
			case <-ctx.Done():
				slog.Info("queue processor stopped", "reason", "context cancelled")
				return
			case <-p.stop:
				slog.Info("queue processor stopped", "reason", "disposed")
				return
			case <-ticker.C:
			case <-pendCh:
			case <-emCh:
			}
			if _, err := p.RunCycle(ctx); err != nil {
				slog.Error("sync cycle", "error", err)
			}
		}
	}()
}

// Dispose stops the loop and waits for the in-flight cycle to finish. The
// lock service's own Dispose releases any held lock afterwards.
func (p *Processor) Dispose() {
	select {
	case <-p.stop:
		return
	default:
		close(p.stop)
	}
	<-p.done
}

// RunCycle executes one drain cycle. Lock contention is not an error: the
// cycle is skipped and the next tick retries.
func (p *Processor) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	acquired, err := p.locks.Acquire(ctx, LockName, map[string]string{"component": "syncer"})
	if err != nil {
		return stats, fmt.Errorf("acquire processing lock: %w", err)
	}
	if !acquired {
		slog.Debug("sync cycle skipped, lock held elsewhere")
		return stats, nil
	}
	p.locks.StartHeartbeat(LockName)
	// Lock release and heartbeat cancellation must run no matter how the
	// drain ends.
	defer func() {
		p.locks.StopHeartbeat(LockName)
		if err := p.locks.Release(LockName); err != nil {
			slog.Error("release processing lock", "error", err)
		}
	}()

	ctx, span := p.tracer.Start(ctx, "sync.cycle")
	defer span.End()

	emergency, err := p.store.EmergencyOps()
	if err != nil {
		return stats, fmt.Errorf("snapshot emergency ops: %w", err)
	}
	if err := p.drain(ctx, emergency, true, &stats); err != nil {
		return stats, err
	}

	pending, err := p.store.PendingOps()
	if err != nil {
		return stats, fmt.Errorf("snapshot pending ops: %w", err)
	}
	if err := p.drain(ctx, pending, false, &stats); err != nil {
		return stats, err
	}

	span.SetAttributes(
		attribute.Int("sync.dispatched", stats.Dispatched),
		attribute.Int("sync.succeeded", stats.Succeeded),
		attribute.Int("sync.dead", stats.Dead),
		attribute.Int("sync.conflicts", stats.Conflicts),
	)
	if stats.Dispatched > 0 {
		slog.Info("sync cycle complete",
			"dispatched", stats.Dispatched, "succeeded", stats.Succeeded,
			"failed", stats.Failed, "dead", stats.Dead,
			"conflicts", stats.Conflicts, "skipped", stats.Skipped)
	}
	return stats, nil
}

// drain walks a FIFO snapshot and dispatches each due operation.
func (p *Processor) drain(ctx context.Context, ops []store.PendingOperation, emergency bool, stats *CycleStats) error {
	now := p.now().UTC()
	for i := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := ops[i]

		// Control ops belong to the device-control variant.
		if op.OpType == store.OpControl {
			continue
		}

		dueAt := op.QueuedAt.Add(store.CalculateBackoff(store.BackoffExponential, op.Attempts, p.config.RetryBaseDelay, p.config.RetryMaxDelay))
		if now.Before(dueAt) {
			stats.Skipped++
			continue
		}

		stats.Dispatched++
		err := p.dispatch(ctx, &op)
		switch {
		case err == nil:
			if derr := p.deleteOp(&op, emergency); derr != nil {
				return derr
			}
			stats.Succeeded++

		case store.IsConflictError(err):
			stats.Conflicts++
			server, _ := store.ConflictServerEntity(err)
			if _, rerr := p.resolver.Resolve(ctx, &op, server); rerr != nil {
				return fmt.Errorf("resolve conflict for %s: %w", op.ID, rerr)
			}
			// The original operation is consumed by the resolution.
			if derr := p.deleteOp(&op, emergency); derr != nil {
				return derr
			}

		default:
			stats.Failed++
			if ferr := p.recordFailure(&op, emergency, err); ferr != nil {
				return ferr
			}
			if op.Attempts >= p.config.AttemptCeiling {
				stats.Dead++
			} else if p.config.InlineRetryWait {
				wait := store.CalculateBackoff(store.BackoffExponential, op.Attempts, p.config.RetryBaseDelay, p.config.RetryMaxDelay)
				if werr := sleepCtx(ctx, wait); werr != nil {
					return werr
				}
			}
		}
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, op *store.PendingOperation) error {
	ctx = WithIdempotencyKey(ctx, op.IdempotencyKey)
	switch op.OpType {
	case store.OpCreate:
		return p.transport.Create(ctx, op.EntityType, op.Payload)
	case store.OpUpdate:
		return p.transport.Update(ctx, op.EntityType, op.EntityID, op.Payload)
	case store.OpDelete:
		return p.transport.Delete(ctx, op.EntityType, op.EntityID)
	case store.OpToggle:
		on, _ := op.Payload["on"].(bool)
		return p.transport.Toggle(ctx, op.EntityType, op.EntityID, on)
	default:
		// Unknown op types cannot succeed on retry either; dead-letter them.
		return fmt.Errorf("unsupported op type %q", op.OpType)
	}
}

func (p *Processor) deleteOp(op *store.PendingOperation, emergency bool) error {
	if emergency {
		return p.store.DeleteEmergency(op)
	}
	return p.store.DeletePending(op)
}

// recordFailure increments attempts and either re-persists the operation or
// moves it to the dead-letter collection once the ceiling is reached.
func (p *Processor) recordFailure(op *store.PendingOperation, emergency bool, dispatchErr error) error {
	now := p.now().UTC()
	op.Attempts++
	op.LastAttemptAt = &now

	if op.Attempts >= p.config.AttemptCeiling {
		if _, err := p.store.MoveToFailed(op, emergency, dispatchErr.Error()); err != nil {
			return fmt.Errorf("move %s to dead-letter: %w", op.ID, err)
		}
		slog.Warn("operation moved to dead-letter",
			"op", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID,
			"attempts", op.Attempts, "error", dispatchErr)
		return nil
	}

	var err error
	if emergency {
		err = p.store.UpdateEmergency(op)
	} else {
		err = p.store.UpdatePending(op)
	}
	if err != nil {
		return fmt.Errorf("re-persist %s after failure: %w", op.ID, err)
	}
	slog.Debug("operation dispatch failed, re-queued",
		"op", op.ID, "attempts", op.Attempts, "error", dispatchErr)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
