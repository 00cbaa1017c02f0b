package state

import (
	"log/slog"
	"time"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/store"
)

// Tick runs one evaluation pass: refresh the foreground identity, advance
// per-instance timeouts, evaluate the doze machine, sample the battery, and
// run the periodic unfreeze sweep. Ordering matters: foreground detection
// precedes timeout evaluation precedes doze evaluation.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refreshForegroundLocked()
	m.tickInstancesLocked()
	m.tickDozeLocked()
	m.tickPowerLocked()
	m.tickPeriodicUnfreezeLocked()
}

// refreshForegroundLocked polls the cpuset foreground tasks file, resolves
// the leading PID to its instance, and reconciles every instance's
// foreground status against it.
func (m *Manager) refreshForegroundLocked() {
	pid := m.readForegroundPID()

	var fgKey app.InstanceKey
	known := false
	if pid > 0 {
		if key, ok := m.table.Lookup(pid); ok {
			fgKey, known = key, true
		} else if id, ok := m.resolver.Resolve(pid); ok {
			fgKey, known = id.Key(), true
		}
	}
	m.applyForegroundLocked(fgKey, known)
}

// tickInstancesLocked advances every instance's timeout-driven transitions
// and enforces the exemption and deep-doze invariants.
func (m *Manager) tickInstancesLocked() {
	now := m.now()
	for _, inst := range m.instances {
		pids := m.table.PIDs(inst.Key)
		policy := m.effectivePolicy(inst.Key.Package)

		if len(pids) == 0 {
			if inst.Status != app.StatusStopped {
				m.transitionLocked(inst, app.StatusStopped, "no live processes")
			}
			continue
		}

		// Exemption reconciliation: policy or safety net always wins.
		if policy == app.PolicyExempted {
			if inst.Status != app.StatusExempted {
				m.transitionLocked(inst, app.StatusExempted, "safety net or exempted policy")
			}
			continue
		}
		if inst.Status == app.StatusExempted {
			if !inst.Quarantined {
				m.transitionLocked(inst, app.StatusBackgroundIdle, "policy no longer exempted")
			}
			continue
		}

		// While deep doze holds, every non-exempt instance converges on
		// Frozen; this also catches instances that appeared mid-doze.
		if m.doze == DozeDeepIdle &&
			(inst.Status == app.StatusBackgroundIdle || inst.Status == app.StatusBackgroundActive) {
			m.transitionLocked(inst, app.StatusFrozen, "deep doze")
			continue
		}

		elapsed := now.Sub(inst.LastChange)
		switch inst.Status {
		case app.StatusBackgroundIdle:
			if elapsed >= m.policyTimeout(policy) {
				m.transitionLocked(inst, app.StatusAwaitingFreeze, "background timeout")
			}
		case app.StatusAwaitingFreeze:
			if elapsed >= m.cfg.AwaitFreeze() {
				m.transitionLocked(inst, app.StatusFrozen, "awaiting period ended")
			}
		case app.StatusBackgroundActive:
			if elapsed >= backgroundActiveSettle {
				m.transitionLocked(inst, app.StatusBackgroundIdle, "notification activity settled")
			}
		}
	}
}

// tickPowerLocked samples the battery on its configured cadence, updates the
// charging signal for the doze machine, and emits a power warning when the
// capacity drop rate exceeds the configured threshold.
func (m *Manager) tickPowerLocked() {
	if m.sys == nil {
		return
	}
	now := m.now()
	if !m.lastBatterySample.IsZero() && now.Sub(m.lastBatterySample) < m.cfg.BatterySampleInterval() {
		return
	}
	elapsed := now.Sub(m.lastBatterySample)
	m.lastBatterySample = now

	bs := m.sys.BatteryStats()
	if !bs.Present {
		return
	}

	wasCharging := m.charging
	m.charging = bs.Charging
	if bs.Charging && !wasCharging {
		m.transitionDozeLocked(DozeActive, "charging")
	}
	if !bs.Charging && wasCharging && m.doze == DozeActive && !m.screenOn {
		// Unplugged with the screen off: arm the idle countdown.
		m.dozeChangedAt = now
	}

	payload := map[string]any{
		"capacity":    bs.Capacity,
		"temperature": float64(bs.TempDeciC) / 10.0,
		"power_watt":  bs.PowerWatt,
		"is_charging": bs.Charging,
	}

	eventType := store.EventPowerUpdate
	if m.lastCapacity != -1 && m.lastCapacity > bs.Capacity && elapsed > 0 {
		drop := m.lastCapacity - bs.Capacity
		ratePerHour := float64(drop) * float64(3600) / elapsed.Seconds()
		payload["drop_percent"] = drop
		payload["drop_rate_per_hour"] = ratePerHour
		if ratePerHour > float64(m.cfg.Battery.DrainWarnPercentPerHour) {
			eventType = store.EventPowerWarning
			m.logger.Warn("state: high battery drain",
				slog.Int("drop_percent", drop),
				slog.Float64("rate_per_hour", ratePerHour),
			)
		}
	}
	m.recordEvent(eventType, payload)
	m.lastCapacity = bs.Capacity
}

// tickPeriodicUnfreezeLocked briefly thaws frozen instances on the
// configured cadence so they can run alarms and sync work, outside deep
// doze. The normal background timeout path refreezes them.
func (m *Manager) tickPeriodicUnfreezeLocked() {
	if !m.master.TimedUnfreezeEnabled || m.master.TimedUnfreezeIntervalSec <= 0 {
		return
	}
	if m.doze == DozeDeepIdle {
		return
	}
	now := m.now()
	interval := time.Duration(m.master.TimedUnfreezeIntervalSec) * time.Second
	if now.Sub(m.lastUnfreezeRun) < interval {
		return
	}
	m.lastUnfreezeRun = now

	for _, inst := range m.instances {
		if inst.Status == app.StatusFrozen {
			m.transitionLocked(inst, app.StatusBackgroundActive, "periodic unfreeze")
		}
	}
}
