// Package freezer implements the action executor: the side-effect layer that
// suspends and resumes the processes of an app instance.
//
// Freezing is a two-phase protocol. Phase 1 coordinates with the binder
// driver so that in-flight IPC transactions against the target are rejected
// cleanly instead of stalling on a suspended thread; a partially advanced
// phase is always rolled back, because a half-frozen binder set would hang
// any IPC peer. Phase 2 performs the physical suspension through the
// cgroup-v2 freezer, falling back to SIGSTOP when cgroups are unavailable.
//
// The executor treats the binder driver as authoritative for "is this PID
// frozen": when another freezer on the device has already moved a PID into
// the target state, the executor adopts that state rather than failing.
// This makes Freeze idempotent and safe under competing freezers.
package freezer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cerberus/daemon/internal/app"
)

// Result is the outcome of a Freeze call.
type Result int

const (
	// ResultOK means every PID was processed and the instance is suspended.
	ResultOK Result = iota
	// ResultRetry means a transient condition prevented the freeze; all
	// PIDs have been rolled back and the caller should retry later.
	ResultRetry
	// ResultFatal means a non-transient failure occurred; all PIDs have
	// been rolled back and the caller must not retry.
	ResultFatal
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultRetry:
		return "RETRY"
	case ResultFatal:
		return "FATAL"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

const (
	// binderFreezeTimeout is the driver-side timeout passed with each
	// BINDER_FREEZE ioctl.
	binderFreezeTimeout = 100 * time.Millisecond
	// binderRetryDelay is the sleep between EAGAIN retries of one ioctl.
	binderRetryDelay = 50 * time.Millisecond
	// binderMaxAttempts bounds the EAGAIN retries of one ioctl.
	binderMaxAttempts = 3
	// freezeBudget bounds the total blocking time of one Freeze call so a
	// stuck driver cannot stall the tick loop.
	freezeBudget = 500 * time.Millisecond
)

// cgroupControllersFile marks a mounted cgroup-v2 hierarchy.
const cgroupControllersFile = "cgroup.controllers"

// Executor performs freeze/unfreeze operations on sets of PIDs. It holds no
// shared state beyond file descriptors opened at construction; operations on
// disjoint PID sets are safe to run concurrently.
type Executor struct {
	logger *slog.Logger

	driver     BinderDriver
	cgroupRoot string // "" when cgroup v2 is unavailable
	cgroupSet  bool   // cgroupRoot was forced by WithCgroupRoot

	kill   func(pid int, sig unix.Signal) error
	alive  func(pid int) bool
	sleep  func(time.Duration)
	netCmd func(args ...string) error
}

// Option customises Executor construction. Used by tests to substitute the
// binder driver and cgroup root.
type Option func(*Executor)

// WithDriver replaces the binder driver.
func WithDriver(d BinderDriver) Option {
	return func(e *Executor) { e.driver = d }
}

// WithCgroupRoot forces the cgroup-v2 root directory. An empty string
// disables the cgroup mechanism.
func WithCgroupRoot(root string) Option {
	return func(e *Executor) {
		e.cgroupRoot = root
		e.cgroupSet = true
	}
}

// WithKillFunc replaces the signal-delivery function.
func WithKillFunc(kill func(pid int, sig unix.Signal) error) Option {
	return func(e *Executor) { e.kill = kill }
}

// WithAliveFunc replaces the PID-liveness probe.
func WithAliveFunc(alive func(pid int) bool) Option {
	return func(e *Executor) { e.alive = alive }
}

// WithNetCmd replaces the firewall command runner used by the network hook.
func WithNetCmd(run func(args ...string) error) Option {
	return func(e *Executor) { e.netCmd = run }
}

// New constructs an Executor, probing the binder driver and the cgroup-v2
// hierarchy. Missing kernel support is logged once and permanently disables
// the affected mechanism; New itself never fails.
func New(logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		logger: logger,
		kill:   func(pid int, sig unix.Signal) error { return unix.Kill(pid, sig) },
		alive:  pidAlive,
		sleep:  time.Sleep,
	}
	e.netCmd = func(args ...string) error {
		return exec.Command("iptables", args...).Run()
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.driver == nil {
		d, err := openBinderDriver()
		if err != nil {
			logger.Warn("binder coordinated strategy disabled", slog.Any("error", err))
			d = unsupportedDriver{}
		}
		e.driver = d
	}
	if !e.driver.Supported() {
		logger.Info("freezer: binder phase disabled, physical suspension only")
	}

	if !e.cgroupSet {
		e.cgroupRoot = detectCgroupRoot(logger)
	}
	if e.cgroupRoot != "" {
		// Enabling the freezer controller may fail when it is already
		// enabled; that is not an error.
		ctl := filepath.Join(e.cgroupRoot, "cgroup.subtree_control")
		if err := os.WriteFile(ctl, []byte("+freezer"), 0o644); err != nil {
			logger.Debug("freezer: enable freezer controller", slog.Any("error", err))
		}
	} else {
		logger.Warn("freezer: cgroup v2 not detected, falling back to signals")
	}

	return e
}

// detectCgroupRoot returns the cgroup-v2 mount point, or "" when the
// hierarchy is absent.
func detectCgroupRoot(logger *slog.Logger) string {
	const root = "/sys/fs/cgroup"
	if _, err := os.Stat(filepath.Join(root, cgroupControllersFile)); err != nil {
		return ""
	}
	logger.Info("freezer: detected cgroup v2", slog.String("root", root))
	return root
}

// Close releases the binder file descriptor.
func (e *Executor) Close() error {
	return e.driver.Close()
}

// BinderSupported reports whether the binder coordination phase is active.
func (e *Executor) BinderSupported() bool {
	return e.driver.Supported()
}

// Freeze suspends the given PIDs of instance key. On ResultRetry and
// ResultFatal every PID advanced during this call has been rolled back to
// its prior binder state and nothing is physically suspended.
func (e *Executor) Freeze(key app.InstanceKey, pids []int) Result {
	if len(pids) == 0 {
		return ResultOK
	}

	deadline := time.Now().Add(freezeBudget)

	var advanced []int
	needRetry := false
	for _, pid := range pids {
		if time.Now().After(deadline) {
			e.logger.Warn("freezer: freeze budget exhausted, rolling back for retry",
				slog.String("instance", key.String()))
			e.rollback(advanced)
			return ResultRetry
		}
		if e.driver.Supported() {
			if cur, err := e.driver.IsFrozen(pid); err == nil && cur {
				continue // already frozen before this call: adopted, not advanced
			}
		}
		switch e.setBinderFrozen(pid, true) {
		case binderOK:
			advanced = append(advanced, pid)
		case binderRetry:
			needRetry = true
		case binderFatal:
			e.logger.Error("freezer: binder freeze failed, rolling back",
				slog.Int("pid", pid), slog.String("instance", key.String()))
			e.rollback(advanced)
			return ResultFatal
		}
	}
	if needRetry {
		e.logger.Warn("freezer: transient binder failure, rolling back for retry",
			slog.String("instance", key.String()))
		e.rollback(advanced)
		return ResultRetry
	}

	if !e.freezeCgroup(key, pids) {
		e.sigstopAll(pids)
	}
	return ResultOK
}

// Unfreeze resumes the given PIDs of instance key. It reverses all three
// mechanisms unconditionally: each one tolerates never having been applied.
func (e *Executor) Unfreeze(key app.InstanceKey, pids []int) {
	e.unfreezeCgroup(key)
	for _, pid := range pids {
		if err := e.kill(pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			e.logger.Debug("freezer: SIGCONT failed", slog.Int("pid", pid), slog.Any("error", err))
		}
	}
	for _, pid := range pids {
		e.setBinderFrozen(pid, false)
	}
}

// rollback restores the prior binder state of PIDs advanced by a failed
// Freeze call.
func (e *Executor) rollback(advanced []int) {
	for _, pid := range advanced {
		e.setBinderFrozen(pid, false)
	}
}

// binderOpResult is the per-PID outcome of the coordination handshake.
type binderOpResult int

const (
	binderOK binderOpResult = iota
	binderRetry
	binderFatal
)

// setBinderFrozen drives one PID into (or out of) the binder-frozen state.
// A PID already in the target state (including one moved there by a
// competing freezer) is adopted and counts as done, as does a PID that has
// exited.
func (e *Executor) setBinderFrozen(pid int, frozen bool) binderOpResult {
	if !e.driver.Supported() {
		return binderOK
	}

	if cur, err := e.driver.IsFrozen(pid); err == nil && cur == frozen {
		return binderOK
	}

	var lastErr error
	for attempt := 0; attempt < binderMaxAttempts; attempt++ {
		lastErr = e.driver.Freeze(pid, frozen, binderFreezeTimeout)
		if lastErr == nil {
			return binderOK
		}
		if !errors.Is(lastErr, unix.EAGAIN) {
			break
		}
		if attempt < binderMaxAttempts-1 {
			e.sleep(binderRetryDelay)
		}
	}

	// The ioctl did not go through. The driver remains authoritative:
	// a competitor may have completed the transition for us.
	if cur, err := e.driver.IsFrozen(pid); err == nil && cur == frozen {
		e.logger.Info("freezer: adopting state set by competing freezer",
			slog.Int("pid", pid), slog.Bool("frozen", frozen))
		return binderOK
	}

	// A PID that exited between selection and the ioctl must not block the
	// rest of the instance.
	if !e.alive(pid) {
		return binderOK
	}

	if errors.Is(lastErr, unix.EAGAIN) {
		return binderRetry
	}
	e.logger.Warn("freezer: binder ioctl failed",
		slog.Int("pid", pid), slog.Bool("frozen", frozen), slog.Any("error", lastErr))
	return binderFatal
}

// pidAlive reports whether /proc/<pid> still exists.
func pidAlive(pid int) bool {
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	return err == nil
}

// instanceCgroupDir returns the per-instance cgroup directory name, with the
// package's dots flattened so the name is a single path element.
func (e *Executor) instanceCgroupDir(key app.InstanceKey) string {
	sanitised := strings.ReplaceAll(key.Package, ".", "_")
	return filepath.Join(e.cgroupRoot, fmt.Sprintf("cerberus_%s_%d", sanitised, key.UserID))
}

// freezeCgroup suspends pids through the cgroup-v2 freezer. It reports false
// when the mechanism is unavailable or any required step failed, in which
// case the caller falls back to signals.
func (e *Executor) freezeCgroup(key app.InstanceKey, pids []int) bool {
	if e.cgroupRoot == "" {
		return false
	}
	dir := e.instanceCgroupDir(key)
	if err := os.Mkdir(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		e.logger.Error("freezer: create cgroup", slog.String("dir", dir), slog.Any("error", err))
		return false
	}
	if !e.movePIDs(pids, dir) {
		e.logger.Error("freezer: move pids into cgroup failed", slog.String("instance", key.String()))
		return false
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.freeze"), []byte("1"), 0o644); err != nil {
		e.logger.Error("freezer: write cgroup.freeze", slog.Any("error", err))
		return false
	}
	return true
}

// unfreezeCgroup thaws the instance cgroup, drains its member PIDs back to
// the root hierarchy, and removes the directory. Removal of a non-empty
// directory is expected when a PID could not be drained and is only warned.
func (e *Executor) unfreezeCgroup(key app.InstanceKey) {
	if e.cgroupRoot == "" {
		return
	}
	dir := e.instanceCgroupDir(key)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.freeze"), []byte("0"), 0o644); err != nil {
		e.logger.Warn("freezer: write cgroup.freeze=0", slog.Any("error", err))
	}

	data, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err == nil {
		var members []int
		for _, field := range strings.Fields(string(data)) {
			if pid, err := strconv.Atoi(field); err == nil {
				members = append(members, pid)
			}
		}
		if len(members) > 0 {
			e.movePIDs(members, e.cgroupRoot)
		}
	}

	if err := os.Remove(dir); err != nil {
		e.logger.Warn("freezer: remove cgroup", slog.String("dir", dir), slog.Any("error", err))
	}
}

// movePIDs writes each PID into dir's cgroup.procs. A PID that vanished
// mid-move is tolerated; movePIDs reports false when any live PID could not
// be moved.
func (e *Executor) movePIDs(pids []int, dir string) bool {
	procs := filepath.Join(dir, "cgroup.procs")
	moved := 0
	for _, pid := range pids {
		err := appendToFile(procs, strconv.Itoa(pid)+"\n")
		if err != nil {
			if !e.alive(pid) {
				moved++ // exited between selection and the write
				continue
			}
			e.logger.Warn("freezer: write cgroup.procs",
				slog.Int("pid", pid), slog.Any("error", err))
			continue
		}
		moved++
	}
	return moved == len(pids)
}

// appendToFile opens path for appending and writes data. cgroup interface
// files require each PID in its own write.
func appendToFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(data)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// sigstopAll is the signal fallback for physical suspension.
func (e *Executor) sigstopAll(pids []int) {
	for _, pid := range pids {
		if err := e.kill(pid, unix.SIGSTOP); err != nil && !errors.Is(err, unix.ESRCH) {
			e.logger.Warn("freezer: SIGSTOP failed", slog.Int("pid", pid), slog.Any("error", err))
		}
	}
}

// BlockNetwork installs a drop rule for every packet originating from uid.
// Failures are reported but the caller treats the hook as best-effort.
func (e *Executor) BlockNetwork(uid int) error {
	err := e.netCmd("-I", "OUTPUT", "-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", "DROP")
	if err != nil {
		return fmt.Errorf("freezer: block network for uid %d: %w", uid, err)
	}
	return nil
}

// UnblockNetwork removes the drop rule installed by BlockNetwork.
func (e *Executor) UnblockNetwork(uid int) error {
	err := e.netCmd("-D", "OUTPUT", "-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", "DROP")
	if err != nil {
		return fmt.Errorf("freezer: unblock network for uid %d: %w", uid, err)
	}
	return nil
}
