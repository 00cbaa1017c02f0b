// Package proctrack maintains the live mapping between kernel PIDs and app
// instances: a two-way index updated from fork/exec/exit events plus the
// /proc resolution logic that turns a PID into its owning (package, user)
// instance key.
//
// The Table itself performs no locking; the state manager owns it and
// serialises access under its state mutex, so event application and freeze
// decisions observe the PID set atomically.
package proctrack

import "github.com/cerberus/daemon/internal/app"

// EventType is the kind of process event delivered by the kernel connector.
type EventType int

const (
	// EventFork reports a new child process.
	EventFork EventType = iota
	// EventExec reports a process image replacement.
	EventExec
	// EventExit reports process termination.
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventFork:
		return "fork"
	case EventExec:
		return "exec"
	case EventExit:
		return "exit"
	}
	return "unknown"
}

// Event is one process lifecycle notification. ParentPID is meaningful only
// for EventFork.
type Event struct {
	Type      EventType
	PID       int
	ParentPID int
}

// Table is the two-way PID↔instance index. Every PID appears in at most one
// instance's set, and appears in the per-PID index iff it appears there.
type Table struct {
	byPID map[int]app.InstanceKey
	byKey map[app.InstanceKey]map[int]struct{}
}

// NewTable returns an empty index.
func NewTable() *Table {
	return &Table{
		byPID: make(map[int]app.InstanceKey),
		byKey: make(map[app.InstanceKey]map[int]struct{}),
	}
}

// Add associates pid with key. Re-adding a known PID is a no-op when the key
// matches; when it does not (exec into a different package), the PID is
// first removed from its old instance. It reports whether the instance's
// PID set was previously empty (i.e. the instance just came alive).
func (t *Table) Add(pid int, key app.InstanceKey) (wasEmpty bool) {
	if old, ok := t.byPID[pid]; ok {
		if old == key {
			return false
		}
		t.Remove(pid)
	}
	set := t.byKey[key]
	wasEmpty = len(set) == 0
	if set == nil {
		set = make(map[int]struct{})
		t.byKey[key] = set
	}
	set[pid] = struct{}{}
	t.byPID[pid] = key
	return wasEmpty
}

// Remove deletes pid from both indexes. It returns the instance the PID
// belonged to and whether its PID set is now empty; ok is false for an
// untracked PID (removal is idempotent).
func (t *Table) Remove(pid int) (key app.InstanceKey, emptied bool, ok bool) {
	key, ok = t.byPID[pid]
	if !ok {
		return app.InstanceKey{}, false, false
	}
	delete(t.byPID, pid)
	set := t.byKey[key]
	delete(set, pid)
	if len(set) == 0 {
		delete(t.byKey, key)
		return key, true, true
	}
	return key, false, true
}

// Lookup returns the instance pid belongs to.
func (t *Table) Lookup(pid int) (app.InstanceKey, bool) {
	key, ok := t.byPID[pid]
	return key, ok
}

// PIDs returns the instance's current PID set as a fresh slice, safe for
// the caller to retain across mutations.
func (t *Table) PIDs(key app.InstanceKey) []int {
	set := t.byKey[key]
	if len(set) == 0 {
		return nil
	}
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	return pids
}

// Len returns the number of tracked PIDs.
func (t *Table) Len() int {
	return len(t.byPID)
}
