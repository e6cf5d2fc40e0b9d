package watch

import "k8s.io/apimachinery/pkg/runtime"

// EventKind names the three runtime-level events a Watcher emits (spec.md
// §3). It deliberately has no relation to the protocol-level
// k8s.io/apimachinery/pkg/watch.EventType, which Watcher consumes
// internally and never exposes.
type EventKind int

const (
	// Applied means the object is present at the event's resource
	// version. Covers both first sight and updates.
	Applied EventKind = iota
	// Deleted means the object has been removed; Object carries its
	// last-known state.
	Deleted
	// Restarted means the watcher relisted; Snapshot carries every
	// object currently matching the query. Consumers must treat any
	// previously-known object absent from Snapshot as deleted.
	Restarted
)

func (k EventKind) String() string {
	switch k {
	case Applied:
		return "Applied"
	case Deleted:
		return "Deleted"
	case Restarted:
		return "Restarted"
	default:
		return "Unknown"
	}
}

// Event is one runtime-level event in a Watcher's output stream.
type Event[T runtime.Object] struct {
	Kind EventKind

	// Object is set for Applied and Deleted.
	Object T

	// Snapshot is set for Restarted: the full set of objects currently
	// matching the watcher's query, delivered atomically.
	Snapshot []T
}
