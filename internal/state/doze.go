package state

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/store"
)

// tickDozeLocked advances the doze machine. Screen-on or charging pins the
// state to ACTIVE; otherwise elapsed time since the last doze transition (or
// since screen-off or unplug re-armed the timer) escalates ACTIVE → IDLE →
// DEEP_IDLE.
func (m *Manager) tickDozeLocked() {
	if m.screenOn || m.charging {
		if m.doze != DozeActive {
			reason := "charging"
			if m.screenOn {
				reason = "screen on"
			}
			m.transitionDozeLocked(DozeActive, reason)
		}
		return
	}

	elapsed := m.now().Sub(m.dozeChangedAt)
	switch m.doze {
	case DozeActive:
		if elapsed >= m.cfg.IdleAfter() {
			m.transitionDozeLocked(DozeIdle, "screen off and not charging")
		}
	case DozeIdle:
		if elapsed >= m.cfg.DeepIdleAfter() {
			m.transitionDozeLocked(DozeDeepIdle, "idle timeout reached")
		}
	}
}

// ApplyDozeHint applies an externally delivered doze hint (from a probe
// reading the system doze controller). Hints may advance the machine but
// never move it backward past the ACTIVE guard: while the screen is on or
// the device charges, only ACTIVE is accepted.
func (m *Manager) ApplyDozeHint(stateName, debug string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recordEvent(store.EventDozeChange, map[string]any{
		"hint":       stateName,
		"debug_info": debug,
	})

	switch {
	case stateName == "ACTIVE" || stateName == "FINISH":
		m.transitionDozeLocked(DozeActive, "probe hint: "+stateName)
	case strings.Contains(stateName, "IDLE"):
		if m.screenOn || m.charging {
			return // ACTIVE guard: a hint cannot doze an in-use device
		}
		if m.doze != DozeDeepIdle {
			m.transitionDozeLocked(DozeIdle, "probe hint: "+stateName)
		}
	}
}

// transitionDozeLocked moves the doze machine to next, running the deep-idle
// entry/exit actions on the edges.
func (m *Manager) transitionDozeLocked(next DozeState, reason string) {
	if m.doze == next {
		return
	}
	old := m.doze
	m.doze = next
	m.dozeChangedAt = m.now()

	m.logger.Info("state: doze transition",
		slog.String("from", old.String()),
		slog.String("to", next.String()),
		slog.String("reason", reason),
	)
	m.recordEvent(store.EventDozeChange, map[string]any{
		"from":   old.String(),
		"to":     next.String(),
		"reason": reason,
	})

	if old == DozeDeepIdle && next != DozeDeepIdle {
		m.exitDeepIdleLocked()
	}
	if next == DozeDeepIdle {
		m.enterDeepIdleLocked()
	}
}

// enterDeepIdleLocked applies the aggressive restrictions: snapshot per-PID
// CPU time for the exit report, block network for every non-exempt
// instance's UID, and drive every non-exempt instance to Frozen.
func (m *Manager) enterDeepIdleLocked() {
	m.snapshotDozeCPULocked()

	for _, inst := range m.instances {
		pids := m.table.PIDs(inst.Key)
		if len(pids) == 0 || m.effectivePolicy(inst.Key.Package) == app.PolicyExempted {
			continue
		}
		if inst.UID >= 0 && !inst.NetworkBlocked {
			if err := m.exec.BlockNetwork(inst.UID); err != nil {
				m.logger.Warn("state: block network", slog.String("instance", inst.Key.String()), slog.Any("error", err))
			} else {
				inst.NetworkBlocked = true
			}
		}
		if inst.Status != app.StatusFrozen {
			m.transitionLocked(inst, app.StatusFrozen, "deep doze")
		}
	}
}

// exitDeepIdleLocked reverses the deep-idle restrictions and emits the CPU
// consumption report for the interval.
func (m *Manager) exitDeepIdleLocked() {
	m.emitDozeReportLocked()

	for _, inst := range m.instances {
		if inst.NetworkBlocked {
			if err := m.exec.UnblockNetwork(inst.UID); err != nil {
				m.logger.Warn("state: unblock network", slog.String("instance", inst.Key.String()), slog.Any("error", err))
			}
			inst.NetworkBlocked = false
		}
		if inst.Status == app.StatusFrozen {
			m.transitionLocked(inst, app.StatusBackgroundIdle, "exiting deep doze")
		}
	}
}

// snapshotDozeCPULocked records the cumulative CPU seconds of every tracked
// PID at deep-idle entry. Keyed by PID: reuse of a PID within the interval
// can skew the report, which is accepted as best-effort.
func (m *Manager) snapshotDozeCPULocked() {
	m.dozeCPUSnapshot = make(map[int]float64)
	if m.sys == nil {
		return
	}
	for key := range m.instances {
		for _, pid := range m.table.PIDs(key) {
			if secs, err := m.sys.CPUSeconds(pid); err == nil {
				m.dozeCPUSnapshot[pid] = secs
			}
		}
	}
}

// emitDozeReportLocked aggregates per-instance CPU deltas across the
// deep-idle interval and records them, largest consumer first. Entries under
// a tenth of a second are noise and dropped.
func (m *Manager) emitDozeReportLocked() {
	if len(m.dozeCPUSnapshot) == 0 || m.sys == nil {
		m.dozeCPUSnapshot = nil
		return
	}

	type reportEntry struct {
		Name    string  `json:"app_name"`
		Package string  `json:"package_name"`
		Seconds float64 `json:"active_time_sec"`
	}
	perInstance := make(map[app.InstanceKey]float64)
	for _, inst := range m.instances {
		for _, pid := range m.table.PIDs(inst.Key) {
			start, ok := m.dozeCPUSnapshot[pid]
			if !ok {
				continue
			}
			if end, err := m.sys.CPUSeconds(pid); err == nil && end > start {
				perInstance[inst.Key] += end - start
			}
		}
	}
	m.dozeCPUSnapshot = nil

	var entries []reportEntry
	for key, secs := range perInstance {
		if secs <= 0.1 {
			continue
		}
		name := key.Package
		if inst, ok := m.instances[key]; ok && inst.Name != "" {
			name = inst.Name
		}
		entries = append(entries, reportEntry{Name: name, Package: key.Package, Seconds: secs})
	}
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seconds > entries[j].Seconds })

	payload := map[string]any{
		"interval_end": m.now().Format(time.RFC3339),
		"entries":      entries,
	}
	m.recordEvent(store.EventDozeReport, payload)
}
