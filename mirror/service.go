// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds configuration for the replicator. Read once at startup; there
// is no hot-reload.
type Config struct {
	AppName string // Application name for logs and connection tracking

	Channel           string        // Source notification channel name
	WindowSize        int           // Bounded reconciliation window per entity type
	FetchChunkSize    int           // Source rows fetched per batched read
	MaxInFlight       int64         // Concurrent notification applications
	ReconcileInterval time.Duration // Fixed reconciliation schedule
	RefreshEvery      int           // Full-window refresh every Nth pass (0 = never)
	ReconnectBackoff  time.Duration // Fixed backoff after subscription loss
	RetryAttempts     int           // Transient IO retries per call site
	RetryBackoff      time.Duration // Fixed delay between transient retries
	ShutdownGrace     time.Duration // Wait for in-flight applications on Close

	StageMetrics    StageMetricsRecorder // Optional stage timing recorder
	LogStageTimings bool                 // Log stage timings at debug level
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		AppName:           "middleware-mirror",
		Channel:           DefaultChannel,
		WindowSize:        DefaultWindowSize,
		FetchChunkSize:    DefaultFetchChunkSize,
		MaxInFlight:       DefaultMaxInFlight,
		ReconcileInterval: DefaultReconcileInterval,
		RefreshEvery:      DefaultRefreshEvery,
		ReconnectBackoff:  DefaultReconnectBackoff,
		RetryAttempts:     DefaultRetryAttempts,
		RetryBackoff:      DefaultRetryBackoff,
		ShutdownGrace:     DefaultShutdownGrace,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.FetchChunkSize <= 0 {
		c.FetchChunkSize = d.FetchChunkSize
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
}

// Replicator is the root of the replication engine. It combines the
// real-time Change Listener with the periodic Reconciliation Engine; both
// funnel writes through the same idempotent Upsert Writer and Dependency
// Resolver, so write semantics are uniform regardless of trigger source.
//
// The source and destination pools are injected and caller-owned: created at
// startup, closed exactly once at shutdown, after Close returns.
type Replicator struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	config *Config
	logger *slog.Logger

	registry   *EntityRegistry
	resolver   *DependencyResolver
	writer     *UpsertWriter
	ledger     *DivergenceLedger
	listener   *ChangeListener
	reconciler *Reconciler

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// NewReplicator wires the engine together and initializes the mirror schema
// at the destination. The registry must already contain every entity type to
// replicate; parents should be registered before children.
func NewReplicator(source, dest *pgxpool.Pool, registry *EntityRegistry, config *Config, logger *slog.Logger) (*Replicator, error) {
	if source == nil || dest == nil {
		return nil, errors.New("source and destination pools are required")
	}
	if registry == nil || len(registry.Names()) == 0 {
		return nil, errors.New("entity registry with at least one entity is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("app", config.AppName)

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, dest, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mirror schema: %w", err)
	}

	observer := &stageObserver{
		recorder: config.StageMetrics,
		logger:   logger,
		logAll:   config.LogStageTimings,
	}

	ledger := NewDivergenceLedger(dest, logger)
	resolver := NewDependencyResolver(dest, registry, config, logger)
	writer := NewUpsertWriter(dest, registry, ledger, config, logger)
	writer.SetResolver(resolver)

	r := &Replicator{
		source:   source,
		dest:     dest,
		config:   config,
		logger:   logger,
		registry: registry,
		resolver: resolver,
		writer:   writer,
		ledger:   ledger,
	}
	r.listener = NewChangeListener(source, registry, resolver, writer, ledger, config, logger, observer)
	r.reconciler = NewReconciler(registry, resolver, writer, ledger, config, logger, observer)
	return r, nil
}

// Start launches the notification subscription and the reconciliation timer.
// It returns immediately; both loops run until Close.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("replicator has been closed")
	}
	if r.started {
		return errors.New("replicator already started")
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.loops.Add(2)
	go func() {
		defer r.loops.Done()
		r.listener.Run(runCtx)
	}()
	go func() {
		defer r.loops.Done()
		r.reconciler.Run(runCtx)
	}()

	r.logger.Info("Replicator started",
		"channel", r.config.Channel,
		"entities", r.registry.Names(),
		"reconcile_interval", r.config.ReconcileInterval,
		"window", r.config.WindowSize,
	)
	return nil
}

// Close stops accepting notifications, cancels the reconciliation timer, and
// waits for in-flight applications up to the shutdown grace period. Safe to
// call multiple times. Pools are not closed here; the caller owns them.
func (r *Replicator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.logger.Info("Shutting down replicator")
	if r.cancel != nil {
		r.cancel()
	}
	if r.started {
		r.loops.Wait()
		r.listener.drain(r.config.ShutdownGrace)
	}
	r.logger.Info("Replicator shutdown complete")
	return nil
}

// ReconcileNow triggers one reconciliation pass outside the timer, e.g. to
// close the startup backlog before relying on the schedule.
func (r *Replicator) ReconcileNow(ctx context.Context) ([]ReconcileSummary, error) {
	return r.reconciler.RunPass(ctx)
}

// Ledger exposes the divergence ledger for operator inspection.
func (r *Replicator) Ledger() *DivergenceLedger {
	return r.ledger
}

// Writer exposes the upsert writer for advanced callers that already hold
// mapped records.
func (r *Replicator) Writer() *UpsertWriter {
	return r.writer
}
