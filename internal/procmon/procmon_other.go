//go:build !linux

package procmon

import (
	"context"
	"errors"
)

// Start is a stub for non-Linux builds; the process connector only exists
// on Linux kernels.
func (m *Monitor) Start(ctx context.Context) error {
	return errors.New("procmon: NETLINK_CONNECTOR requires linux")
}

// Stop closes the Events channel. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.events)
	})
}
