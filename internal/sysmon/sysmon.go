// Package sysmon samples system and per-process resource usage: global CPU
// and memory for the dashboard, per-PID CPU seconds for the doze exit
// report, and battery capacity/temperature/power from the power-supply
// class. All readings are best-effort; a missing source yields zero values
// rather than an error where a caller could not act on one anyway.
package sysmon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// defaultPowerSupplyDir is where the kernel exposes battery attributes.
const defaultPowerSupplyDir = "/sys/class/power_supply/battery"

// GlobalStats is a snapshot of device-wide resource usage.
type GlobalStats struct {
	CPUPercent     float64
	MemTotalKB     uint64
	MemAvailableKB uint64
	SwapTotalKB    uint64
	SwapFreeKB     uint64
}

// PIDStats is a snapshot of one process's resource usage.
type PIDStats struct {
	// CPUSeconds is the cumulative user+system CPU time.
	CPUSeconds float64
	// MemRSSKB is the resident set size.
	MemRSSKB uint64
}

// BatteryStats is a battery sample. Present is false when the device has no
// readable battery (emulators, development boards).
type BatteryStats struct {
	Present   bool
	Capacity  int // percent
	TempDeciC int // tenths of a degree Celsius
	PowerWatt float64
	Charging  bool
}

// Monitor samples resource usage. It is safe for concurrent use; gopsutil's
// cpu.Percent keeps its own last-sample state per process.
type Monitor struct {
	logger         *slog.Logger
	powerSupplyDir string
}

// Option customises Monitor construction.
type Option func(*Monitor)

// WithPowerSupplyDir overrides the battery sysfs directory (tests).
func WithPowerSupplyDir(dir string) Option {
	return func(m *Monitor) { m.powerSupplyDir = dir }
}

// New constructs a Monitor.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{logger: logger, powerSupplyDir: defaultPowerSupplyDir}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GlobalStats samples device-wide CPU and memory. The CPU figure is the busy
// percentage since the previous GlobalStats call.
func (m *Monitor) GlobalStats() GlobalStats {
	var gs GlobalStats

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		gs.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		gs.MemTotalKB = vm.Total / 1024
		gs.MemAvailableKB = vm.Available / 1024
	}
	if sw, err := mem.SwapMemory(); err == nil {
		gs.SwapTotalKB = sw.Total / 1024
		gs.SwapFreeKB = sw.Free / 1024
	}
	return gs
}

// PIDStats samples one process. A process that exited returns an error; the
// caller drops the PID on the next tick anyway.
func (m *Monitor) PIDStats(pid int) (PIDStats, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return PIDStats{}, fmt.Errorf("sysmon: pid %d: %w", pid, err)
	}

	var st PIDStats
	if times, err := p.Times(); err == nil {
		st.CPUSeconds = times.User + times.System
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		st.MemRSSKB = mi.RSS / 1024
	}
	return st, nil
}

// CPUSeconds returns the cumulative CPU time of pid, used to snapshot
// activity around a deep-idle interval.
func (m *Monitor) CPUSeconds(pid int) (float64, error) {
	st, err := m.PIDStats(pid)
	if err != nil {
		return 0, err
	}
	return st.CPUSeconds, nil
}

// BatteryStats reads the battery attributes from sysfs. Absent attributes
// leave zero values; a missing directory reports Present=false.
func (m *Monitor) BatteryStats() BatteryStats {
	var bs BatteryStats

	if _, err := os.Stat(m.powerSupplyDir); err != nil {
		return bs
	}
	bs.Present = true

	if v, ok := m.readIntAttr("capacity"); ok {
		bs.Capacity = v
	}
	if v, ok := m.readIntAttr("temp"); ok {
		bs.TempDeciC = v
	}
	if status, ok := m.readStringAttr("status"); ok {
		bs.Charging = strings.Contains(status, "Charging") && !strings.Contains(status, "Discharging")
	}

	// power_now is reported in microwatts where available; otherwise derive
	// from current_now (µA) and voltage_now (µV).
	if v, ok := m.readIntAttr("power_now"); ok {
		bs.PowerWatt = float64(v) / 1e6
	} else {
		cur, okCur := m.readIntAttr("current_now")
		volt, okVolt := m.readIntAttr("voltage_now")
		if okCur && okVolt {
			bs.PowerWatt = float64(cur) / 1e6 * float64(volt) / 1e6
		}
	}
	if bs.PowerWatt < 0 {
		bs.PowerWatt = -bs.PowerWatt
	}
	return bs
}

// readIntAttr reads a numeric power-supply attribute.
func (m *Monitor) readIntAttr(name string) (int, bool) {
	s, ok := m.readStringAttr(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// readStringAttr reads and trims a power-supply attribute file.
func (m *Monitor) readStringAttr(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(m.powerSupplyDir, name))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
