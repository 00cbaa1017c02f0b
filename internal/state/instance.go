package state

import (
	"time"

	"github.com/cerberus/daemon/internal/app"
)

// Instance is the runtime record of one (package, user) app instance. The
// record is created on the first PID observation for its key and survives
// after all PIDs exit so policy and flags persist across process restarts.
// The PID set itself lives in the manager's proctrack table.
type Instance struct {
	Key app.InstanceKey

	// Name is the best-effort display name, derived from the first PID's
	// process name and falling back to the package name.
	Name string

	// UID is filled on first PID association and stable thereafter; -1
	// until known.
	UID int

	Status app.Status

	// LastChange is the monotonic timestamp of the most recent status
	// transition.
	LastChange time.Time

	// LastChangeReason records why the last transition happened.
	LastChangeReason string

	// HasNotification is sticky: set when a notification arrives, cleared
	// on user interaction or foreground re-entry.
	HasNotification bool

	// NetworkBlocked tracks whether the deep-doze network hook is applied
	// to this instance's UID.
	NetworkBlocked bool

	// Quarantined pins the instance in Exempted after a fatal freeze
	// failure. A fatal freeze is never retried; only an explicit policy
	// change from the admin lifts the quarantine.
	Quarantined bool

	// Sampled resource usage for dashboard broadcasts. UpdateUsage refreshes
	// MemRSSKB; CPUPercent is not sampled and stays zero.
	MemRSSKB   uint64
	CPUPercent float64

	// sessionCPUStart is the aggregate CPU-seconds reading taken when the
	// instance last became active, used to account background CPU time when
	// it freezes or stops.
	sessionCPUStart float64
	sessionTracked  bool
}

// active reports whether the instance is running user-visible or background
// work (i.e. not stopped, frozen, or exempted).
func (inst *Instance) active() bool {
	switch inst.Status {
	case app.StatusForeground, app.StatusBackgroundActive, app.StatusBackgroundIdle, app.StatusAwaitingFreeze:
		return true
	}
	return false
}

// InstanceSnapshot is the copy of instance state handed to dashboard
// consumers without holding the state mutex.
type InstanceSnapshot struct {
	Package          string  `json:"package_name"`
	Name             string  `json:"app_name"`
	UserID           int     `json:"user_id"`
	UID              int     `json:"uid"`
	Status           string  `json:"display_status"`
	PIDCount         int     `json:"pid_count"`
	Policy           int     `json:"policy"`
	Whitelisted      bool    `json:"is_whitelisted"`
	Foreground       bool    `json:"is_foreground"`
	HasNotification  bool    `json:"has_notification"`
	NetworkBlocked   bool    `json:"is_network_blocked"`
	MemRSSKB         uint64  `json:"mem_usage_kb"`
	CPUPercent       float64 `json:"cpu_usage_percent"`
	PendingFreezeSec int     `json:"pending_freeze_sec"`
}

// DashboardSnapshot is the aggregate view broadcast to IPC clients each
// tick.
type DashboardSnapshot struct {
	DozeState      string             `json:"doze_state"`
	ScreenOn       bool               `json:"is_screen_on"`
	Charging       bool               `json:"is_charging"`
	CPUPercent     float64            `json:"total_cpu_usage_percent"`
	MemTotalKB     uint64             `json:"total_mem_kb"`
	MemAvailableKB uint64             `json:"avail_mem_kb"`
	SwapTotalKB    uint64             `json:"swap_total_kb"`
	SwapFreeKB     uint64             `json:"swap_free_kb"`
	Instances      []InstanceSnapshot `json:"apps_runtime_state"`
}
