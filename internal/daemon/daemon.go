// Package daemon contains the cerberusd orchestrator. It wires together the
// state manager, the kernel process-event monitor, and the IPC server,
// managing their lifecycle through a shared context and driving the state
// machine at the tick cadence. The optional debug listener is started by
// main, not by the daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cerberus/daemon/internal/proctrack"
	"github.com/cerberus/daemon/internal/state"
)

// defaultTickInterval is the cadence of the evaluation pass.
const defaultTickInterval = time.Second

// Core is the state manager surface the daemon drives. *state.Manager
// satisfies it.
type Core interface {
	Bootstrap(ctx context.Context) error
	Tick()
	OnProcessEvent(ev proctrack.Event)
	UpdateUsage()
	Snapshot() state.DashboardSnapshot
	Shutdown()
}

// ProcessSource is the kernel event stream. *procmon.Monitor satisfies it.
type ProcessSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan proctrack.Event
}

// IPCServer is the admin/probe endpoint. *server.Server satisfies it.
type IPCServer interface {
	Start(ctx context.Context) error
	Stop()
	HasClients() bool
	BroadcastDashboard(snap state.DashboardSnapshot)
}

// Daemon supervises all components. Construct with New; components are
// provided via functional options so tests can substitute fakes or omit
// pieces entirely.
type Daemon struct {
	logger *slog.Logger
	core   Core

	source ProcessSource
	ipc    IPCServer

	tickInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithProcessSource registers the kernel event monitor.
func WithProcessSource(src ProcessSource) Option {
	return func(d *Daemon) { d.source = src }
}

// WithIPCServer registers the admin/probe IPC server.
func WithIPCServer(srv IPCServer) Option {
	return func(d *Daemon) { d.ipc = srv }
}

// WithTickInterval overrides the tick cadence (tests).
func WithTickInterval(interval time.Duration) Option {
	return func(d *Daemon) { d.tickInterval = interval }
}

// New creates a Daemon around core. Components not provided via options are
// simply skipped, which is useful in tests.
func New(core Core, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		logger:       logger,
		core:         core,
		tickInterval: defaultTickInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start bootstraps the state machine and starts all registered components.
// It returns a non-nil error if any component fails to initialise; on
// success the tick loop runs until Stop is called or ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.core.Bootstrap(ctx); err != nil {
		cancel()
		d.markStopped()
		return fmt.Errorf("daemon: bootstrap: %w", err)
	}

	// Start the IPC server first so probe events flow as early as possible.
	if d.ipc != nil {
		if err := d.ipc.Start(ctx); err != nil {
			cancel()
			d.markStopped()
			return fmt.Errorf("daemon: ipc server failed to start: %w", err)
		}
	}

	if d.source != nil {
		if err := d.source.Start(ctx); err != nil {
			cancel()
			if d.ipc != nil {
				d.ipc.Stop()
			}
			d.markStopped()
			return fmt.Errorf("daemon: process monitor failed to start: %w", err)
		}
	}

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info("cerberusd started")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts all components down and waits for the tick loop to exit. Safe
// to call multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	if d.source != nil {
		d.source.Stop()
	}
	d.wg.Wait()
	if d.ipc != nil {
		d.ipc.Stop()
	}
	d.core.Shutdown()
	d.logger.Info("cerberusd stopped")
}

// run is the merged writer loop: kernel events and ticks are applied from a
// single goroutine, so event ingestion never races a tick's evaluation.
// Events arriving mid-tick queue in the source channel and are applied
// before the next tick's foreground pass.
func (d *Daemon) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	var events <-chan proctrack.Event
	if d.source != nil {
		events = d.source.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil // source stopped; ticks keep the machine honest
				continue
			}
			d.core.OnProcessEvent(ev)

		case <-ticker.C:
			d.core.Tick()
			if d.ipc != nil && d.ipc.HasClients() {
				d.core.UpdateUsage()
				d.ipc.BroadcastDashboard(d.core.Snapshot())
			}
		}
	}
}
