package proctrack

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cerberus/daemon/internal/app"
)

// Identity is the resolved ownership of a PID.
type Identity struct {
	Package string
	UID     int
	UserID  int
}

// Key returns the instance key for the identity.
func (id Identity) Key() app.InstanceKey {
	return app.InstanceKey{Package: id.Package, UserID: id.UserID}
}

// Resolver resolves PIDs against a proc filesystem. The zero value reads the
// real /proc; tests point Root at a fixture tree.
type Resolver struct {
	// Root is the proc mount point. Empty means "/proc".
	Root string
}

func (r Resolver) root() string {
	if r.Root == "" {
		return "/proc"
	}
	return r.Root
}

// Resolve determines the owning instance of pid. ok is false for kernel
// threads (empty cmdline) and for PIDs that vanished mid-read; both are
// normal and not errors.
func (r Resolver) Resolve(pid int) (Identity, bool) {
	dir := filepath.Join(r.root(), strconv.Itoa(pid))

	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return Identity{}, false
	}

	data, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return Identity{}, false
	}
	name := packageFromCmdline(data)
	if name == "" {
		return Identity{}, false
	}

	uid := int(st.Uid)
	return Identity{
		Package: name,
		UID:     uid,
		UserID:  uid / app.PerUserRange,
	}, true
}

// ProcessName returns the short process name from /proc/<pid>/stat's comm
// field, used as the best-effort display name of an instance.
func (r Resolver) ProcessName(pid int) string {
	data, err := os.ReadFile(filepath.Join(r.root(), strconv.Itoa(pid), "stat"))
	if err != nil {
		return ""
	}
	// comm is parenthesised and may itself contain spaces.
	s := string(data)
	start := strings.IndexByte(s, '(')
	end := strings.LastIndexByte(s, ')')
	if start < 0 || end <= start {
		return ""
	}
	return s[start+1 : end]
}

// Scan enumerates every numeric /proc entry and resolves it, yielding the
// initial PID population at daemon startup.
func (r Resolver) Scan() []ScanEntry {
	dirents, err := os.ReadDir(r.root())
	if err != nil {
		return nil
	}

	var entries []ScanEntry
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		if id, ok := r.Resolve(pid); ok {
			entries = append(entries, ScanEntry{PID: pid, Identity: id})
		}
	}
	return entries
}

// ScanEntry is one resolved process from Scan.
type ScanEntry struct {
	PID      int
	Identity Identity
}

// packageFromCmdline extracts the package name from a NUL-separated cmdline.
// The name is trimmed at the first ':' (process variant suffix, e.g.
// "com.example.app:push") and '@' (isolated-process suffix). Kernel threads
// have an empty cmdline and yield "".
func packageFromCmdline(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	name := string(data)
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}
