// Package procmon delivers kernel process lifecycle events (fork, exec,
// exit) over the NETLINK_CONNECTOR process connector. The kernel pushes
// notifications with zero polling overhead; the daemon's state machine
// consumes them through the Events channel.
//
// Privilege requirement: opening a NETLINK_CONNECTOR socket and subscribing
// to process events requires CAP_NET_ADMIN (or uid 0).
//
// Monitor is safe for concurrent use.
package procmon

import (
	"log/slog"
	"sync"

	"github.com/cerberus/daemon/internal/proctrack"
)

// Monitor subscribes to kernel process events and republishes them on a
// buffered channel. A read error does not kill the subscription permanently:
// the reader reconnects with exponential backoff. Events missed while the
// subscription is down are not replayed.
type Monitor struct {
	logger *slog.Logger
	events chan proctrack.Event

	mu       sync.Mutex
	cancel   func() // non-nil while running
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Monitor. If logger is nil, slog.Default() is used. The
// returned monitor is not yet started; call Start to begin receiving events.
func New(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger,
		events: make(chan proctrack.Event, 256),
	}
}

// Events returns a read-only channel from which callers receive process
// events. The channel is closed when the monitor stops.
func (m *Monitor) Events() <-chan proctrack.Event {
	return m.events
}

// emit delivers an event without blocking. If the buffer is full the event
// is dropped and a warning is logged. A dropped event is lost: /proc is
// scanned only once, at state-manager bootstrap.
func (m *Monitor) emit(evt proctrack.Event) {
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("procmon: event channel full, dropping event",
			slog.String("type", evt.Type.String()),
			slog.Int("pid", evt.PID),
		)
	}
}
