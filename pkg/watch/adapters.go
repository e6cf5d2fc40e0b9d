package watch

import "k8s.io/apimachinery/pkg/runtime"

// TryFlattenApplied yields only the objects of Applied events, dropping
// Deleted and Restarted. Closes its output channel when in is closed.
func TryFlattenApplied[T runtime.Object](in <-chan Event[T]) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Kind == Applied {
				out <- ev.Object
			}
		}
	}()
	return out
}

// TryFlattenTouched yields every object the watcher has ever reported as
// existing: Applied and Deleted objects, plus every member of a
// Restarted snapshot. Closes its output channel when in is closed.
func TryFlattenTouched[T runtime.Object](in <-chan Event[T]) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for ev := range in {
			switch ev.Kind {
			case Applied, Deleted:
				out <- ev.Object
			case Restarted:
				for _, obj := range ev.Snapshot {
					out <- obj
				}
			}
		}
	}()
	return out
}
