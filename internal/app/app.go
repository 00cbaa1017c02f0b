// Package app defines the core domain types shared across the daemon: the
// per-user app instance key, the user-assigned freeze policy, and the runtime
// status of an instance.
package app

import "fmt"

// PerUserRange is the Android UID range allocated to each user; the user ID
// of a process is uid / PerUserRange.
const PerUserRange = 100000

// InstanceKey uniquely identifies an app instance: the same package under
// two Android users is two independent instances.
type InstanceKey struct {
	Package string
	UserID  int
}

// String formats the key for logs, e.g. "com.example.app/0".
func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%d", k.Package, k.UserID)
}

// Policy is the user-assigned freeze aggressiveness for a package. The
// numeric values are part of the IPC protocol and must not be reordered.
type Policy int

const (
	// PolicyExempted excludes the app from freezing entirely.
	PolicyExempted Policy = 0
	// PolicyImportant allows a long background grace period.
	PolicyImportant Policy = 1
	// PolicyStandard is the default managed policy.
	PolicyStandard Policy = 2
	// PolicyStrict freezes the app shortly after it leaves the foreground.
	PolicyStrict Policy = 3
)

// Valid reports whether p is one of the defined policy values.
func (p Policy) Valid() bool {
	return p >= PolicyExempted && p <= PolicyStrict
}

func (p Policy) String() string {
	switch p {
	case PolicyExempted:
		return "EXEMPTED"
	case PolicyImportant:
		return "IMPORTANT"
	case PolicyStandard:
		return "STANDARD"
	case PolicyStrict:
		return "STRICT"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Status is the runtime lifecycle state of an app instance.
type Status int

const (
	// StatusStopped means the instance has no live processes.
	StatusStopped Status = iota
	// StatusForeground means the instance owns the foreground.
	StatusForeground
	// StatusBackgroundActive means the instance is backgrounded but was
	// recently woken (e.g. by a notification) and is exempt from the idle
	// timer until it settles.
	StatusBackgroundActive
	// StatusBackgroundIdle means the instance is backgrounded and its
	// policy timeout is counting down.
	StatusBackgroundIdle
	// StatusAwaitingFreeze means the timeout expired and the freeze will be
	// executed after a short grace period.
	StatusAwaitingFreeze
	// StatusFrozen means every process of the instance has been suspended.
	StatusFrozen
	// StatusExempted means policy or the safety net forbids freezing.
	StatusExempted
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "STOPPED"
	case StatusForeground:
		return "FOREGROUND"
	case StatusBackgroundActive:
		return "BACKGROUND_ACTIVE"
	case StatusBackgroundIdle:
		return "BACKGROUND_IDLE"
	case StatusAwaitingFreeze:
		return "AWAITING_FREEZE"
	case StatusFrozen:
		return "FROZEN"
	case StatusExempted:
		return "EXEMPTED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}
