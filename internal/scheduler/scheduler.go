// Package scheduler runs the engine's periodic maintenance: audit log
// pruning, abandoned lock reaping and scheduled store snapshots.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vitalsync/vitalsync/internal/backup"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Config holds scheduler configuration.
type Config struct {
	Interval       time.Duration // base tick cadence (default 1m)
	PruneInterval  time.Duration // prune old audit events
	EventRetention time.Duration // audit events older than this are pruned
	ReapInterval   time.Duration // reap abandoned lock records
	ReapAge        time.Duration // heartbeat age at which a lock record is reaped
	BackupInterval time.Duration // periodic snapshot cadence (0 disables)
	BackupDir      string        // where periodic snapshots are written
	BackupKeep     int           // snapshots retained before rotation
	BackupPassword string        // optional snapshot encryption
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		PruneInterval:  time.Hour,
		EventRetention: 7 * 24 * time.Hour,
		ReapInterval:   time.Hour,
		ReapAge:        24 * time.Hour,
		BackupInterval: 0,
		BackupKeep:     5,
	}
}

// Scheduler runs periodic maintenance tasks. All tasks are safe to run
// concurrently with the queue processors.
type Scheduler struct {
	store  *store.Store
	locks  *lock.Service
	config Config

	lastPrune  time.Time
	lastReap   time.Time
	lastBackup time.Time
}

// New creates a new Scheduler.
func New(s *store.Store, locks *lock.Service, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}
	if config.EventRetention <= 0 {
		config.EventRetention = def.EventRetention
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = def.ReapInterval
	}
	if config.ReapAge <= 0 {
		config.ReapAge = def.ReapAge
	}
	if config.BackupKeep <= 0 {
		config.BackupKeep = def.BackupKeep
	}
	return &Scheduler{store: s, locks: locks, config: config}
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("maintenance scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.tick(false)
		}
	}
}

func (s *Scheduler) tick(force bool) {
	now := time.Now()

	if force || now.Sub(s.lastPrune) >= s.config.PruneInterval {
		if events := s.store.Events(); events != nil {
			n, err := events.Prune(s.config.EventRetention)
			if err != nil {
				slog.Error("prune audit events", "error", err)
			} else if n > 0 {
				slog.Info("pruned audit events", "count", n)
			}
		}
		s.lastPrune = now
	}
	if force || now.Sub(s.lastReap) >= s.config.ReapInterval {
		if _, err := s.locks.ReapStale(s.config.ReapAge); err != nil {
			slog.Error("reap abandoned locks", "error", err)
		}
		s.lastReap = now
	}
	if s.config.BackupInterval > 0 && (force || now.Sub(s.lastBackup) >= s.config.BackupInterval) {
		if err := s.snapshot(now); err != nil {
			slog.Error("scheduled snapshot", "error", err)
		}
		s.lastBackup = now
	}
}

const snapshotPrefix = "auto-"

func (s *Scheduler) snapshot(now time.Time) error {
	if err := os.MkdirAll(s.config.BackupDir, 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	name := snapshotPrefix + now.UTC().Format("20060102T150405") + ".vsb"
	path := filepath.Join(s.config.BackupDir, name)
	if err := backup.Export(s.store, path, s.config.BackupPassword); err != nil {
		return err
	}
	return s.rotate()
}

// rotate deletes the oldest automatic snapshots beyond the retention count.
// Manually exported backups in the same directory are never touched.
func (s *Scheduler) rotate() error {
	entries, err := os.ReadDir(s.config.BackupDir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	var auto []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, ".vsb") {
			auto = append(auto, name)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(auto)
	for len(auto) > s.config.BackupKeep {
		victim := auto[0]
		auto = auto[1:]
		if err := os.Remove(filepath.Join(s.config.BackupDir, victim)); err != nil {
			return fmt.Errorf("rotate snapshot %s: %w", victim, err)
		}
		slog.Info("rotated old snapshot", "file", victim)
	}
	return nil
}

// RunOnce executes a single scheduler tick with every task forced due.
func (s *Scheduler) RunOnce() {
	s.tick(true)
}
