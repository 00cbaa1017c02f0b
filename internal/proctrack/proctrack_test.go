package proctrack_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cerberus/daemon/internal/app"
	"github.com/cerberus/daemon/internal/proctrack"
)

var keyA = app.InstanceKey{Package: "com.example.a", UserID: 0}
var keyB = app.InstanceKey{Package: "com.example.b", UserID: 0}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

func TestTable_AddAndLookup(t *testing.T) {
	tbl := proctrack.NewTable()

	if wasEmpty := tbl.Add(100, keyA); !wasEmpty {
		t.Error("first Add should report the instance was empty")
	}
	if wasEmpty := tbl.Add(101, keyA); wasEmpty {
		t.Error("second Add should not report empty")
	}

	key, ok := tbl.Lookup(100)
	if !ok || key != keyA {
		t.Errorf("Lookup(100) = %v %v, want %v", key, ok, keyA)
	}
	if got := len(tbl.PIDs(keyA)); got != 2 {
		t.Errorf("len(PIDs) = %d, want 2", got)
	}
}

func TestTable_AddIsIdempotent(t *testing.T) {
	tbl := proctrack.NewTable()
	tbl.Add(100, keyA)
	tbl.Add(100, keyA) // same event applied twice

	if got := tbl.Len(); got != 1 {
		t.Errorf("Len = %d after duplicate Add, want 1", got)
	}
	if got := len(tbl.PIDs(keyA)); got != 1 {
		t.Errorf("len(PIDs) = %d, want 1", got)
	}
}

func TestTable_AddMovesPIDBetweenInstances(t *testing.T) {
	tbl := proctrack.NewTable()
	tbl.Add(100, keyA)
	tbl.Add(100, keyB) // exec into a different package

	if _, ok := tbl.Lookup(100); !ok {
		t.Fatal("pid lost after move")
	}
	if got := tbl.PIDs(keyA); len(got) != 0 {
		t.Errorf("old instance still holds pid: %v", got)
	}
	if got := tbl.PIDs(keyB); len(got) != 1 {
		t.Errorf("new instance PIDs = %v, want [100]", got)
	}
}

func TestTable_RemoveReportsEmptied(t *testing.T) {
	tbl := proctrack.NewTable()
	tbl.Add(100, keyA)
	tbl.Add(101, keyA)

	if _, emptied, ok := tbl.Remove(100); !ok || emptied {
		t.Errorf("Remove(100) emptied=%v ok=%v, want false,true", emptied, ok)
	}
	key, emptied, ok := tbl.Remove(101)
	if !ok || !emptied || key != keyA {
		t.Errorf("Remove(101) = %v %v %v, want keyA,true,true", key, emptied, ok)
	}

	// Removal is idempotent.
	if _, _, ok := tbl.Remove(101); ok {
		t.Error("second Remove reported ok")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

// TestTable_IndexConsistency checks the bidirectional index invariant after
// a mixed sequence of operations.
func TestTable_IndexConsistency(t *testing.T) {
	tbl := proctrack.NewTable()
	tbl.Add(1, keyA)
	tbl.Add(2, keyA)
	tbl.Add(3, keyB)
	tbl.Remove(2)
	tbl.Add(4, keyB)
	tbl.Add(1, keyA) // duplicate

	for _, key := range []app.InstanceKey{keyA, keyB} {
		for _, pid := range tbl.PIDs(key) {
			got, ok := tbl.Lookup(pid)
			if !ok || got != key {
				t.Errorf("pid %d in PIDs(%v) but Lookup = %v %v", pid, key, got, ok)
			}
		}
	}
	if tbl.Len() != 3 {
		t.Errorf("Len = %d, want 3", tbl.Len())
	}
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

// writeProcEntry creates a minimal /proc/<pid> fixture.
func writeProcEntry(t *testing.T, root string, pid int, cmdline, comm string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}
	stat := strconv.Itoa(pid) + " (" + comm + ") S 1 1 1 0 -1 4194560 0 0 0 0 0 0 0 0 20 0 1 0 0"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolve_TrimsVariantAndIsolatedSuffixes(t *testing.T) {
	root := t.TempDir()
	r := proctrack.Resolver{Root: root}

	tests := []struct {
		name    string
		pid     int
		cmdline string
		want    string
	}{
		{"plain", 10, "com.example.app\x00--flag", "com.example.app"},
		{"variant suffix", 11, "com.example.app:push\x00", "com.example.app"},
		{"isolated suffix", 12, "com.example.app@1234\x00", "com.example.app"},
		{"variant then isolated", 13, "com.example.app:sandbox@2\x00", "com.example.app"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			writeProcEntry(t, root, tc.pid, tc.cmdline, "app_process")
			id, ok := r.Resolve(tc.pid)
			if !ok {
				t.Fatal("Resolve failed")
			}
			if id.Package != tc.want {
				t.Errorf("Package = %q, want %q", id.Package, tc.want)
			}
		})
	}
}

func TestResolve_KernelThreadYieldsNoInstance(t *testing.T) {
	root := t.TempDir()
	writeProcEntry(t, root, 2, "", "kthreadd")

	r := proctrack.Resolver{Root: root}
	if _, ok := r.Resolve(2); ok {
		t.Error("kernel thread (empty cmdline) resolved to an instance")
	}
}

func TestResolve_VanishedPID(t *testing.T) {
	r := proctrack.Resolver{Root: t.TempDir()}
	if _, ok := r.Resolve(424242); ok {
		t.Error("missing /proc entry resolved to an instance")
	}
}

func TestProcessName_ParsesCommWithSpaces(t *testing.T) {
	root := t.TempDir()
	writeProcEntry(t, root, 20, "com.example.app\x00", "Signal Catcher")

	r := proctrack.Resolver{Root: root}
	if got := r.ProcessName(20); got != "Signal Catcher" {
		t.Errorf("ProcessName = %q, want %q", got, "Signal Catcher")
	}
}

func TestScan_EnumeratesNumericEntries(t *testing.T) {
	root := t.TempDir()
	writeProcEntry(t, root, 100, "com.example.a\x00", "a")
	writeProcEntry(t, root, 200, "com.example.b:bg\x00", "b")
	writeProcEntry(t, root, 300, "", "kworker") // kernel thread, skipped
	if err := os.MkdirAll(filepath.Join(root, "sys"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := proctrack.Resolver{Root: root}
	entries := r.Scan()
	if len(entries) != 2 {
		t.Fatalf("Scan found %d entries, want 2: %+v", len(entries), entries)
	}
	found := map[string]bool{}
	for _, e := range entries {
		found[e.Identity.Package] = true
	}
	if !found["com.example.a"] || !found["com.example.b"] {
		t.Errorf("Scan packages = %v", found)
	}
}
