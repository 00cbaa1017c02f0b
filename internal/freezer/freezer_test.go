package freezer_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/freezer"
)

var testKey = app.InstanceKey{Package: "com.example.app", UserID: 0}

// fakeDriver is a scriptable BinderDriver. Per-PID errors are consumed in
// order; once the script for a PID is exhausted, calls succeed.
type fakeDriver struct {
	mu        sync.Mutex
	supported bool
	frozen    map[int]bool
	failures  map[int][]error // consumed by Freeze, one per call
	// competitorWins marks PIDs whose failed ioctl is followed by a
	// competing freezer completing the transition anyway.
	competitorWins map[int]bool
	calls          []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		supported:      true,
		frozen:         make(map[int]bool),
		failures:       make(map[int][]error),
		competitorWins: make(map[int]bool),
	}
}

func (d *fakeDriver) Supported() bool { return d.supported }

func (d *fakeDriver) Freeze(pid int, enable bool, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "freeze:"+strconv.Itoa(pid)+":"+strconv.FormatBool(enable))
	if errs := d.failures[pid]; len(errs) > 0 {
		err := errs[0]
		d.failures[pid] = errs[1:]
		if d.competitorWins[pid] {
			d.frozen[pid] = enable
		}
		return err
	}
	d.frozen[pid] = enable
	return nil
}

func (d *fakeDriver) IsFrozen(pid int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frozen[pid], nil
}

func (d *fakeDriver) Close() error { return nil }

// failForever makes the next n Freeze calls for pid return err.
func (d *fakeDriver) failForever(pid int, err error, n int) {
	for i := 0; i < n; i++ {
		d.failures[pid] = append(d.failures[pid], err)
	}
}

// newTestExecutor builds an Executor wired to the fake driver, a temp cgroup
// root, and no-op signals. It returns the executor, the cgroup root path, and
// the recorded signals.
func newTestExecutor(t *testing.T, d *fakeDriver) (*freezer.Executor, string, *[]string) {
	t.Helper()

	root := t.TempDir()
	var signals []string
	e := freezer.New(nil,
		freezer.WithDriver(d),
		freezer.WithCgroupRoot(root),
		freezer.WithAliveFunc(func(int) bool { return true }),
		freezer.WithKillFunc(func(pid int, sig unix.Signal) error {
			signals = append(signals, strconv.Itoa(pid)+":"+sig.String())
			return nil
		}),
		freezer.WithNetCmd(func(...string) error { return nil }),
	)
	return e, root, &signals
}

// seedCgroupFiles creates writable cgroup interface files in dir so the
// executor's writes succeed against the temp root.
func seedCgroupFiles(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{"cgroup.procs", "cgroup.freeze"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
}

// instanceDir mirrors the executor's directory naming scheme.
func instanceDir(root string, key app.InstanceKey) string {
	return filepath.Join(root, "cerberus_"+strings.ReplaceAll(key.Package, ".", "_")+"_"+strconv.Itoa(key.UserID))
}

// ---------------------------------------------------------------------------
// Freeze happy path
// ---------------------------------------------------------------------------

func TestFreeze_AllPIDsFrozenViaBinderAndCgroup(t *testing.T) {
	d := newFakeDriver()
	e, root, _ := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100, 200}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK", got)
	}

	for _, pid := range []int{100, 200} {
		if !d.frozen[pid] {
			t.Errorf("pid %d not binder-frozen", pid)
		}
	}

	procs, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(procs), "100") || !strings.Contains(string(procs), "200") {
		t.Errorf("cgroup.procs = %q, want both pids", procs)
	}

	state, err := os.ReadFile(filepath.Join(dir, "cgroup.freeze"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(state), "1") {
		t.Errorf("cgroup.freeze = %q, want 1", state)
	}
}

func TestFreeze_EmptyPIDSetIsOK(t *testing.T) {
	e, _, _ := newTestExecutor(t, newFakeDriver())
	if got := e.Freeze(testKey, nil); got != freezer.ResultOK {
		t.Fatalf("Freeze(nil) = %v, want OK", got)
	}
}

// ---------------------------------------------------------------------------
// Adoption of competitor state
// ---------------------------------------------------------------------------

func TestFreeze_AdoptsAlreadyFrozenPID(t *testing.T) {
	d := newFakeDriver()
	d.frozen[100] = true // a competing freezer got there first
	e, root, _ := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK", got)
	}
	for _, c := range d.calls {
		if strings.HasPrefix(c, "freeze:100") {
			t.Errorf("ioctl issued for already-frozen pid: %v", d.calls)
		}
	}
}

func TestFreeze_TwiceIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	e, root, _ := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("first Freeze = %v, want OK", got)
	}
	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("second Freeze = %v, want OK", got)
	}
	if !d.frozen[100] {
		t.Error("pid 100 should remain frozen")
	}
}

func TestFreeze_AdoptsStateAfterFailedIoctl(t *testing.T) {
	d := newFakeDriver()
	// The ioctl fails, but a competitor completes the transition before the
	// post-failure verification read: the executor must adopt, not fail.
	d.failForever(100, unix.EINVAL, 1)
	d.competitorWins[100] = true
	e, root, _ := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK (adopted)", got)
	}
}

// ---------------------------------------------------------------------------
// Rollback
// ---------------------------------------------------------------------------

func TestFreeze_PartialFailureRollsBackAdvancedPIDs(t *testing.T) {
	d := newFakeDriver()
	// pid 200 fails with EAGAIN on every attempt and never reaches the
	// target state; pids 100 and 300 succeed and must be rolled back.
	d.failForever(200, unix.EAGAIN, 10)
	e, _, _ := newTestExecutor(t, d)

	if got := e.Freeze(testKey, []int{100, 200, 300}); got != freezer.ResultRetry {
		t.Fatalf("Freeze = %v, want Retry", got)
	}

	for _, pid := range []int{100, 200, 300} {
		if d.frozen[pid] {
			t.Errorf("pid %d still binder-frozen after rollback", pid)
		}
	}
}

func TestFreeze_FatalErrorRollsBackAndReportsFatal(t *testing.T) {
	d := newFakeDriver()
	d.failForever(200, unix.EPERM, 1)
	e, _, _ := newTestExecutor(t, d)

	if got := e.Freeze(testKey, []int{100, 200}); got != freezer.ResultFatal {
		t.Fatalf("Freeze = %v, want Fatal", got)
	}
	if d.frozen[100] {
		t.Error("pid 100 not rolled back after fatal failure")
	}
}

func TestFreeze_ExitedPIDIsTolerated(t *testing.T) {
	d := newFakeDriver()
	d.failForever(200, unix.EINVAL, 1)
	root := t.TempDir()

	// pid 200 is dead: its ioctl failure must be treated as absence.
	e := freezer.New(nil,
		freezer.WithDriver(d),
		freezer.WithCgroupRoot(root),
		freezer.WithAliveFunc(func(pid int) bool { return pid != 200 }),
		freezer.WithKillFunc(func(int, unix.Signal) error { return nil }),
		freezer.WithNetCmd(func(...string) error { return nil }),
	)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100, 200}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK despite exited pid", got)
	}
	if !d.frozen[100] {
		t.Error("pid 100 should be frozen")
	}
}

// ---------------------------------------------------------------------------
// Binder unsupported / signal fallback
// ---------------------------------------------------------------------------

func TestFreeze_BinderUnsupportedStillFreezesViaCgroup(t *testing.T) {
	d := newFakeDriver()
	d.supported = false
	e, root, _ := newTestExecutor(t, d)

	if e.BinderSupported() {
		t.Fatal("BinderSupported should be false")
	}

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK", got)
	}
	if len(d.calls) != 0 {
		t.Errorf("binder ioctls issued while unsupported: %v", d.calls)
	}
}

func TestFreeze_CgroupAbsentFallsBackToSIGSTOP(t *testing.T) {
	d := newFakeDriver()
	var signals []string
	e := freezer.New(nil,
		freezer.WithDriver(d),
		freezer.WithCgroupRoot(""), // no cgroup v2
		freezer.WithAliveFunc(func(int) bool { return true }),
		freezer.WithKillFunc(func(pid int, sig unix.Signal) error {
			signals = append(signals, strconv.Itoa(pid)+":"+sig.String())
			return nil
		}),
		freezer.WithNetCmd(func(...string) error { return nil }),
	)

	if got := e.Freeze(testKey, []int{100, 200}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK", got)
	}
	want := []string{"100:" + unix.SIGSTOP.String(), "200:" + unix.SIGSTOP.String()}
	if len(signals) != 2 || signals[0] != want[0] || signals[1] != want[1] {
		t.Errorf("signals = %v, want %v", signals, want)
	}
}

// ---------------------------------------------------------------------------
// Unfreeze
// ---------------------------------------------------------------------------

func TestUnfreeze_RestoresPreFreezeState(t *testing.T) {
	d := newFakeDriver()
	e, root, signals := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("Freeze = %v, want OK", got)
	}
	e.Unfreeze(testKey, []int{100})

	if d.frozen[100] {
		t.Error("pid 100 still binder-frozen after Unfreeze")
	}
	// The instance cgroup directory is removed on unfreeze.
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("instance cgroup still present: %v", err)
	}
	// SIGCONT is always sent to cover the signal fallback path.
	foundCont := false
	for _, s := range *signals {
		if s == "100:"+unix.SIGCONT.String() {
			foundCont = true
		}
	}
	if !foundCont {
		t.Errorf("SIGCONT not delivered: %v", *signals)
	}
}

func TestUnfreeze_NoopWhenNeverFrozen(t *testing.T) {
	d := newFakeDriver()
	e, _, _ := newTestExecutor(t, d)
	// Must not panic or error when the cgroup directory does not exist.
	e.Unfreeze(testKey, []int{42})
	if d.frozen[42] {
		t.Error("pid unexpectedly frozen")
	}
}

// ---------------------------------------------------------------------------
// Existing cgroup directory
// ---------------------------------------------------------------------------

func TestFreeze_ExistingCgroupDirectoryIsSuccess(t *testing.T) {
	d := newFakeDriver()
	e, root, _ := newTestExecutor(t, d)

	dir := instanceDir(root, testKey)
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedCgroupFiles(t, dir)

	// Freeze twice: the second call finds the directory already present.
	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("first Freeze = %v", got)
	}
	if got := e.Freeze(testKey, []int{100}); got != freezer.ResultOK {
		t.Fatalf("second Freeze with existing dir = %v, want OK", got)
	}
}

// ---------------------------------------------------------------------------
// Network hook
// ---------------------------------------------------------------------------

func TestBlockUnblockNetwork_InvokesFirewall(t *testing.T) {
	d := newFakeDriver()
	var cmds [][]string
	e := freezer.New(nil,
		freezer.WithDriver(d),
		freezer.WithCgroupRoot(""),
		freezer.WithNetCmd(func(args ...string) error {
			cmds = append(cmds, args)
			return nil
		}),
	)

	if err := e.BlockNetwork(10123); err != nil {
		t.Fatalf("BlockNetwork: %v", err)
	}
	if err := e.UnblockNetwork(10123); err != nil {
		t.Fatalf("UnblockNetwork: %v", err)
	}

	if len(cmds) != 2 {
		t.Fatalf("firewall invoked %d times, want 2", len(cmds))
	}
	if cmds[0][0] != "-I" || cmds[1][0] != "-D" {
		t.Errorf("cmds = %v, want insert then delete", cmds)
	}
}
