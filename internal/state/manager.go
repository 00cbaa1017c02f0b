// Package state implements the per-instance lifecycle state machine, the
// device-wide doze controller, and the periodic tick that drives both. The
// manager owns the instance map and the PID index; every mutation happens
// under a single state mutex so freeze decisions always observe the PID set
// atomically. Dashboard reads copy what they need and never hold the mutex
// across IO.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/config"
	"github.com/cerberus/daemon/internal/freezer"
	"github.com/cerberus/daemon/internal/journal"
	"github.com/cerberus/daemon/internal/proctrack"
	"github.com/cerberus/daemon/internal/store"
	"github.com/cerberus/daemon/internal/sysmon"
)

// defaultForegroundTasksPath is where the cpuset hierarchy lists the PIDs of
// the foreground task group. Polled each tick: no reliable push-based
// foreground signal exists across all supported kernels.
const defaultForegroundTasksPath = "/dev/cpuset/foreground/tasks"

// backgroundActiveSettle is how long a notification-woken instance stays in
// BackgroundActive before demoting to BackgroundIdle and rearming the
// policy timeout.
const backgroundActiveSettle = 30 * time.Second

// Executor is the freeze/unfreeze side-effect layer consumed by the state
// machine. *freezer.Executor satisfies it; tests substitute a fake.
type Executor interface {
	Freeze(key app.InstanceKey, pids []int) freezer.Result
	Unfreeze(key app.InstanceKey, pids []int)
	BlockNetwork(uid int) error
	UnblockNetwork(uid int) error
}

// Store is the persistence surface the state machine needs. *store.Store
// satisfies it.
type Store interface {
	LogEvent(ctx context.Context, eventType string, payload map[string]any) error
	SetPolicy(ctx context.Context, pkg string, userID int, p app.Policy) error
	AllPolicies(ctx context.Context) ([]store.PolicyRecord, error)
	MasterConfig(ctx context.Context) (store.MasterConfig, error)
	SetMasterConfig(ctx context.Context, cfg store.MasterConfig) error
	AddBackgroundCPU(ctx context.Context, pkg string, secs float64) error
	ClearStats(ctx context.Context) error
}

// SystemMonitor samples resource usage for the doze report, dashboard, and
// battery tick. *sysmon.Monitor satisfies it.
type SystemMonitor interface {
	GlobalStats() sysmon.GlobalStats
	PIDStats(pid int) (sysmon.PIDStats, error)
	CPUSeconds(pid int) (float64, error)
	BatteryStats() sysmon.BatteryStats
}

// Journal is the on-disk event journal. *journal.Journal satisfies it; the
// manager treats it as optional.
type Journal interface {
	Append(eventType string, payload any) (journal.Entry, error)
}

// DozeState is the device-wide low-power escalation level.
type DozeState int

const (
	// DozeActive: screen on or charging; no restrictions beyond policy.
	DozeActive DozeState = iota
	// DozeIdle: screen off and unplugged for the idle threshold.
	DozeIdle
	// DozeDeepIdle: long idle; every non-exempt instance is frozen and its
	// network blocked.
	DozeDeepIdle
)

func (d DozeState) String() string {
	switch d {
	case DozeActive:
		return "ACTIVE"
	case DozeIdle:
		return "IDLE"
	case DozeDeepIdle:
		return "DEEP_IDLE"
	}
	return fmt.Sprintf("DozeState(%d)", int(d))
}

// Manager owns all instance state. Construct with New, then Bootstrap, then
// drive with Tick and the event/probe handlers.
type Manager struct {
	logger *slog.Logger
	cfg    *config.Config
	exec   Executor
	store  Store
	jrnl   Journal
	sys    SystemMonitor

	resolver proctrack.Resolver

	mu        sync.Mutex
	table     *proctrack.Table
	instances map[app.InstanceKey]*Instance
	policies  map[string]app.Policy
	master    store.MasterConfig

	doze          DozeState
	dozeChangedAt time.Time
	screenOn      bool
	charging      bool

	dozeCPUSnapshot map[int]float64

	lastBatterySample time.Time
	lastCapacity      int
	lastUnfreezeRun   time.Time

	now         func() time.Time
	fgTasksPath string
}

// Option customises Manager construction.
type Option func(*Manager)

// WithNow replaces the clock (tests).
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithForegroundTasksPath overrides the cpuset foreground tasks file.
func WithForegroundTasksPath(path string) Option {
	return func(m *Manager) { m.fgTasksPath = path }
}

// WithResolver replaces the /proc resolver (tests).
func WithResolver(r proctrack.Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithSystemMonitor attaches the resource sampler.
func WithSystemMonitor(s SystemMonitor) Option {
	return func(m *Manager) { m.sys = s }
}

// WithJournal attaches the on-disk event journal.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.jrnl = j }
}

// New constructs a Manager. exec and st are required; the screen is assumed
// on at boot so the doze machine starts in ACTIVE.
func New(cfg *config.Config, logger *slog.Logger, exec Executor, st Store, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:       logger,
		cfg:          cfg,
		exec:         exec,
		store:        st,
		table:        proctrack.NewTable(),
		instances:    make(map[app.InstanceKey]*Instance),
		policies:     make(map[string]app.Policy),
		master:       store.DefaultMasterConfig(),
		doze:         DozeActive,
		screenOn:     true,
		lastCapacity: -1,
		now:          time.Now,
		fgTasksPath:  defaultForegroundTasksPath,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dozeChangedAt = m.now()
	m.lastUnfreezeRun = m.now()
	return m
}

// Bootstrap loads persisted policies and settings, performs the initial
// /proc scan, and records the daemon start. Call once before the first Tick.
func (m *Manager) Bootstrap(ctx context.Context) error {
	recs, err := m.store.AllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("state: load policies: %w", err)
	}
	master, err := m.store.MasterConfig(ctx)
	if err != nil {
		return fmt.Errorf("state: load master config: %w", err)
	}

	m.mu.Lock()
	for _, rec := range recs {
		m.policies[rec.Package] = rec.Policy
	}
	m.master = master

	for _, entry := range m.resolver.Scan() {
		m.addPIDLocked(entry.PID, entry.Identity)
	}
	tracked := m.table.Len()
	m.mu.Unlock()

	m.logger.Info("state: initial scan complete", slog.Int("tracked_pids", tracked))
	m.recordEvent(store.EventDaemonStart, map[string]any{"tracked_pids": tracked})
	return nil
}

// Shutdown records the daemon stop event.
func (m *Manager) Shutdown() {
	m.recordEvent(store.EventDaemonShutdown, nil)
}

// recordEvent writes one structured event to the SQLite log and the on-disk
// journal. Failures are logged and swallowed: event logging never takes the
// state machine down.
func (m *Manager) recordEvent(eventType string, payload map[string]any) {
	if err := m.store.LogEvent(context.Background(), eventType, payload); err != nil {
		m.logger.Warn("state: log event", slog.String("type", eventType), slog.Any("error", err))
	}
	if m.jrnl != nil {
		if _, err := m.jrnl.Append(eventType, payload); err != nil {
			m.logger.Warn("state: journal append", slog.String("type", eventType), slog.Any("error", err))
		}
	}
}

// ---------------------------------------------------------------------------
// Process events
// ---------------------------------------------------------------------------

// OnProcessEvent applies one kernel process event. Applying the same event
// twice is a no-op.
func (m *Manager) OnProcessEvent(ev proctrack.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case proctrack.EventExit:
		m.removePIDLocked(ev.PID)

	case proctrack.EventFork:
		id, ok := m.resolver.Resolve(ev.PID)
		if !ok {
			return
		}
		if parentKey, tracked := m.table.Lookup(ev.ParentPID); tracked {
			// A fresh fork still carries the parent's cmdline, so the
			// resolved package matches the parent's and the child lands in
			// the same instance before its own name is even visible.
			if id.Package == parentKey.Package {
				id.UserID = parentKey.UserID
				m.addPIDLocked(ev.PID, id)
				return
			}
		}
		m.addPIDLocked(ev.PID, id)

	case proctrack.EventExec:
		id, ok := m.resolver.Resolve(ev.PID)
		if !ok {
			// Exec into something unresolvable (kernel helper); drop any
			// stale association.
			m.removePIDLocked(ev.PID)
			return
		}
		m.addPIDLocked(ev.PID, id)
	}
}

// addPIDLocked inserts pid into the instance identified by id, creating the
// record on first sight, and drives the Stopped→{BackgroundIdle,Exempted}
// transition. A child added to a frozen instance is frozen immediately so it
// cannot run user code while its siblings are suspended.
func (m *Manager) addPIDLocked(pid int, id proctrack.Identity) {
	key := id.Key()
	inst := m.getOrCreateLocked(key)
	if inst.UID == -1 {
		inst.UID = id.UID
	}
	if inst.Name == "" || inst.Name == key.Package {
		if name := m.resolver.ProcessName(pid); name != "" {
			inst.Name = name
		}
	}

	m.table.Add(pid, key)

	if inst.Status == app.StatusStopped {
		reason := "new process discovered"
		if m.effectivePolicy(key.Package) == app.PolicyExempted {
			m.transitionLocked(inst, app.StatusExempted, reason)
		} else {
			m.transitionLocked(inst, app.StatusBackgroundIdle, reason)
		}
		return
	}

	if inst.Status == app.StatusFrozen {
		m.exec.Freeze(key, []int{pid})
	}
}

// removePIDLocked deletes pid from the index and drives the owning instance
// to Stopped when its last process exits. Unknown PIDs are ignored.
func (m *Manager) removePIDLocked(pid int) {
	key, emptied, ok := m.table.Remove(pid)
	if !ok || !emptied {
		return
	}
	if inst := m.instances[key]; inst != nil && inst.Status != app.StatusStopped {
		m.transitionLocked(inst, app.StatusStopped, "all processes exited")
	}
}

// getOrCreateLocked returns the instance record for key, creating a Stopped
// record on first sight.
func (m *Manager) getOrCreateLocked(key app.InstanceKey) *Instance {
	if inst, ok := m.instances[key]; ok {
		return inst
	}
	inst := &Instance{
		Key:        key,
		Name:       key.Package,
		UID:        -1,
		Status:     app.StatusStopped,
		LastChange: m.now(),
	}
	m.instances[key] = inst
	return inst
}

// effectivePolicy resolves the policy that actually governs pkg: safety-net
// packages are always Exempted, and packages the user never classified
// default to Exempted so the daemon freezes nothing it was not told to.
func (m *Manager) effectivePolicy(pkg string) app.Policy {
	if isCriticalPackage(pkg) {
		return app.PolicyExempted
	}
	if p, ok := m.policies[pkg]; ok {
		return p
	}
	return app.PolicyExempted
}

// policyTimeout maps a policy to its background-idle timeout.
func (m *Manager) policyTimeout(p app.Policy) time.Duration {
	switch p {
	case app.PolicyImportant:
		return m.cfg.ImportantTimeout()
	case app.PolicyStrict:
		return m.cfg.StrictTimeout()
	default:
		return m.cfg.StandardTimeout()
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// transitionLocked moves inst to newStatus, running the freeze/unfreeze side
// effects. It reports whether the transition took place: a freeze that must
// be retried leaves the previous status in place, and a fatal freeze
// quarantines the instance in Exempted instead.
func (m *Manager) transitionLocked(inst *Instance, newStatus app.Status, reason string) bool {
	old := inst.Status
	if old == newStatus {
		return true
	}
	now := m.now()
	pids := m.table.PIDs(inst.Key)

	if newStatus == app.StatusFrozen {
		switch m.exec.Freeze(inst.Key, pids) {
		case freezer.ResultRetry:
			m.logger.Info("state: freeze deferred, will retry next tick",
				slog.String("instance", inst.Key.String()), slog.String("reason", reason))
			return false
		case freezer.ResultFatal:
			m.logger.Error("state: freeze failed fatally, quarantining instance",
				slog.String("instance", inst.Key.String()))
			inst.Status = app.StatusExempted
			inst.LastChange = now
			inst.LastChangeReason = "freeze failure quarantine"
			inst.Quarantined = true
			m.recordEvent(store.EventError, map[string]any{
				"package": inst.Key.Package,
				"user_id": inst.Key.UserID,
				"message": "freeze failed fatally; instance exempted",
			})
			return false
		}
	}

	if old == app.StatusFrozen {
		m.exec.Unfreeze(inst.Key, pids)
	}

	// Background CPU accounting: close the session when the instance stops
	// doing work, open one when it starts again.
	wasActive := inst.active()
	inst.Status = newStatus
	inst.LastChange = now
	inst.LastChangeReason = reason
	nowActive := inst.active()

	if wasActive && !nowActive && inst.sessionTracked {
		if delta := m.aggregateCPULocked(pids) - inst.sessionCPUStart; delta > 0 {
			if err := m.store.AddBackgroundCPU(context.Background(), inst.Key.Package, delta); err != nil {
				m.logger.Warn("state: record background cpu", slog.Any("error", err))
			}
		}
		inst.sessionTracked = false
	}
	if !wasActive && nowActive {
		inst.sessionCPUStart = m.aggregateCPULocked(pids)
		inst.sessionTracked = true
	}

	switch newStatus {
	case app.StatusForeground:
		inst.HasNotification = false
		m.recordEvent(store.EventAppForeground, m.instancePayload(inst, reason))
	case app.StatusFrozen:
		payload := m.instancePayload(inst, reason)
		payload["pid_count"] = len(pids)
		m.recordEvent(store.EventAppFrozen, payload)
	case app.StatusStopped:
		m.recordEvent(store.EventAppStopped, m.instancePayload(inst, reason))
	}
	if old == app.StatusFrozen {
		payload := m.instancePayload(inst, reason)
		payload["pid_count"] = len(pids)
		m.recordEvent(store.EventAppUnfrozen, payload)
	}

	m.logger.Info("state: transition",
		slog.String("instance", inst.Key.String()),
		slog.String("from", old.String()),
		slog.String("to", newStatus.String()),
		slog.String("reason", reason),
	)
	return true
}

// instancePayload builds the common event payload for inst.
func (m *Manager) instancePayload(inst *Instance, reason string) map[string]any {
	return map[string]any{
		"package":  inst.Key.Package,
		"user_id":  inst.Key.UserID,
		"app_name": inst.Name,
		"reason":   reason,
	}
}

// aggregateCPULocked sums the cumulative CPU seconds of pids. Zero when no
// system monitor is attached or every PID is gone.
func (m *Manager) aggregateCPULocked(pids []int) float64 {
	if m.sys == nil {
		return 0
	}
	var total float64
	for _, pid := range pids {
		if secs, err := m.sys.CPUSeconds(pid); err == nil {
			total += secs
		}
	}
	return total
}

// ---------------------------------------------------------------------------
// Probe events
// ---------------------------------------------------------------------------

// HandleScreenState applies a screen on/off event. Screen-on immediately
// forces the doze machine to ACTIVE; screen-off (while not charging) arms
// the idle timer.
func (m *Manager) HandleScreenState(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.screenOn = on
	if on {
		m.recordEvent(store.EventScreenOn, nil)
		m.transitionDozeLocked(DozeActive, "screen on")
		return
	}
	m.recordEvent(store.EventScreenOff, nil)
	if m.doze == DozeActive && !m.charging {
		// Restart the idle countdown from this moment.
		m.dozeChangedAt = m.now()
	}
}

// HandleNotification marks the instance as having a pending notification
// and wakes it from Frozen so the user sees the content promptly.
func (m *Manager) HandleNotification(pkg string, userID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[app.InstanceKey{Package: pkg, UserID: userID}]
	if !ok {
		return
	}
	inst.HasNotification = true
	if inst.Status == app.StatusFrozen {
		m.transitionLocked(inst, app.StatusBackgroundActive, "notification received")
	}
}

// HandleForegroundHint applies a push-delivered foreground change without
// waiting for the next cpuset poll. Semantics match the polled path.
func (m *Manager) HandleForegroundHint(pkg string, userID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyForegroundLocked(app.InstanceKey{Package: pkg, UserID: userID}, true)
}

// applyForegroundLocked marks key as the foreground instance (when known is
// true) and demotes every other foreground instance to BackgroundIdle.
func (m *Manager) applyForegroundLocked(key app.InstanceKey, known bool) {
	for _, inst := range m.instances {
		if len(m.table.PIDs(inst.Key)) == 0 {
			continue
		}
		isForeground := known && inst.Key == key
		if isForeground && inst.Status != app.StatusForeground {
			m.transitionLocked(inst, app.StatusForeground, "app became foreground")
		} else if !isForeground && inst.Status == app.StatusForeground {
			m.transitionLocked(inst, app.StatusBackgroundIdle, "app moved to background")
		}
	}
}

// ---------------------------------------------------------------------------
// Admin operations
// ---------------------------------------------------------------------------

// ErrSafetyNet is returned when an admin tries to change the policy of a
// package the safety net protects.
var ErrSafetyNet = fmt.Errorf("state: package is protected by the safety net")

// SetPolicy persists a policy change and applies it to every in-memory
// instance of pkg across all users. Safety-net packages are rejected and
// state is not mutated.
func (m *Manager) SetPolicy(ctx context.Context, pkg string, p app.Policy) error {
	if !p.Valid() {
		return fmt.Errorf("state: invalid policy %d", int(p))
	}
	if isCriticalPackage(pkg) {
		return fmt.Errorf("%w: %s", ErrSafetyNet, pkg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Persist for user 0 plus every user with a known instance; the same
	// policy governs all users of a package.
	users := map[int]struct{}{0: {}}
	for key := range m.instances {
		if key.Package == pkg {
			users[key.UserID] = struct{}{}
		}
	}
	for userID := range users {
		if err := m.store.SetPolicy(ctx, pkg, userID, p); err != nil {
			return err
		}
	}
	m.policies[pkg] = p
	m.recordEvent(store.EventPolicyChange, map[string]any{"package": pkg, "policy": int(p)})

	for _, inst := range m.instances {
		if inst.Key.Package != pkg {
			continue
		}
		// An explicit reclassification lifts a freeze-failure quarantine.
		inst.Quarantined = false
		switch {
		case p == app.PolicyExempted && inst.Status != app.StatusExempted && inst.Status != app.StatusStopped:
			m.transitionLocked(inst, app.StatusExempted, "policy changed by user")
		case p != app.PolicyExempted && inst.Status == app.StatusExempted:
			m.transitionLocked(inst, app.StatusBackgroundIdle, "policy changed by user")
		}
	}
	return nil
}

// Policies returns the persisted policy rows.
func (m *Manager) Policies(ctx context.Context) ([]store.PolicyRecord, error) {
	return m.store.AllPolicies(ctx)
}

// Settings returns the current master settings.
func (m *Manager) Settings() store.MasterConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master
}

// SetSettings persists and applies new master settings.
func (m *Manager) SetSettings(ctx context.Context, cfg store.MasterConfig) error {
	if err := m.store.SetMasterConfig(ctx, cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.master = cfg
	m.mu.Unlock()
	return nil
}

// ClearStats drops the event log and resource statistics.
func (m *Manager) ClearStats(ctx context.Context) error {
	return m.store.ClearStats(ctx)
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot builds the dashboard view. Instance state is copied under the
// mutex; global resource sampling happens after it is released.
func (m *Manager) Snapshot() DashboardSnapshot {
	m.mu.Lock()
	snap := DashboardSnapshot{
		DozeState: m.doze.String(),
		ScreenOn:  m.screenOn,
		Charging:  m.charging,
	}
	now := m.now()
	for _, inst := range m.instances {
		if inst.Status == app.StatusStopped {
			continue
		}
		is := InstanceSnapshot{
			Package:         inst.Key.Package,
			Name:            inst.Name,
			UserID:          inst.Key.UserID,
			UID:             inst.UID,
			Status:          inst.Status.String(),
			PIDCount:        len(m.table.PIDs(inst.Key)),
			Policy:          int(m.effectivePolicy(inst.Key.Package)),
			Whitelisted:     m.effectivePolicy(inst.Key.Package) == app.PolicyExempted,
			Foreground:      inst.Status == app.StatusForeground,
			HasNotification: inst.HasNotification,
			NetworkBlocked:  inst.NetworkBlocked,
			MemRSSKB:        inst.MemRSSKB,
			CPUPercent:      inst.CPUPercent,
		}
		if inst.Status == app.StatusAwaitingFreeze {
			remaining := m.cfg.AwaitFreeze() - now.Sub(inst.LastChange)
			if remaining > 0 {
				is.PendingFreezeSec = int(remaining / time.Second)
			}
		}
		snap.Instances = append(snap.Instances, is)
	}
	m.mu.Unlock()

	if m.sys != nil {
		gs := m.sys.GlobalStats()
		snap.CPUPercent = gs.CPUPercent
		snap.MemTotalKB = gs.MemTotalKB
		snap.MemAvailableKB = gs.MemAvailableKB
		snap.SwapTotalKB = gs.SwapTotalKB
		snap.SwapFreeKB = gs.SwapFreeKB
	}
	return snap
}

// UpdateUsage refreshes per-instance resource samples for the next
// Snapshot. Sampling IO runs outside the state mutex.
func (m *Manager) UpdateUsage() {
	if m.sys == nil {
		return
	}

	m.mu.Lock()
	targets := make(map[app.InstanceKey][]int, len(m.instances))
	for key := range m.instances {
		if pids := m.table.PIDs(key); len(pids) > 0 {
			targets[key] = pids
		}
	}
	m.mu.Unlock()

	type usage struct {
		mem uint64
	}
	samples := make(map[app.InstanceKey]usage, len(targets))
	for key, pids := range targets {
		var u usage
		for _, pid := range pids {
			if st, err := m.sys.PIDStats(pid); err == nil {
				u.mem += st.MemRSSKB
			}
		}
		samples[key] = u
	}

	m.mu.Lock()
	for key, u := range samples {
		if inst, ok := m.instances[key]; ok {
			inst.MemRSSKB = u.mem
		}
	}
	m.mu.Unlock()
}

// Doze returns the current doze state.
func (m *Manager) Doze() DozeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doze
}

// InstanceStatus returns the status of one instance, for tests and the
// debug endpoint.
func (m *Manager) InstanceStatus(key app.InstanceKey) (app.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[key]
	if !ok {
		return 0, false
	}
	return inst.Status, true
}

// readForegroundPID reads the first PID from the cpuset foreground tasks
// file; 0 when unavailable or empty.
func (m *Manager) readForegroundPID() int {
	data, err := os.ReadFile(m.fgTasksPath)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}
