// Package reflector ties a Watcher to a Store: every event the Watcher
// produces is applied to the Store before being forwarded downstream, so
// that by the time a consumer observes an event, Store.Get/List already
// reflects it (spec.md §4.3).
package reflector

import (
	"context"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/fx147/kruntime/pkg/objkey"
	"github.com/fx147/kruntime/pkg/store"
	"github.com/fx147/kruntime/pkg/watch"
)

// Reflector drives watcher into store and re-emits the same event stream.
// It adds no buffering and no events of its own; it exists purely to make
// "apply to cache" and "notify consumer" a single ordered step.
type Reflector[T runtime.Object] struct {
	watcher *watch.Watcher[T]
	store   *store.Store[T]
}

// New returns a Reflector that applies w's events to s.
func New[T runtime.Object](w *watch.Watcher[T], s *store.Store[T]) *Reflector[T] {
	return &Reflector[T]{watcher: w, store: s}
}

// Store returns the Store this Reflector keeps up to date. Safe to read
// from any goroutine, including before Run is ever called.
func (r *Reflector[T]) Store() *store.Store[T] {
	return r.store
}

// Run starts the underlying Watcher and returns a channel of the same
// events it produces, each one applied to the Store before being sent.
// The returned channel closes when ctx is cancelled or the Watcher's
// channel closes.
func (r *Reflector[T]) Run(ctx context.Context) <-chan watch.Event[T] {
	in := r.watcher.Run(ctx)
	out := make(chan watch.Event[T])

	go func() {
		defer close(out)
		for ev := range in {
			switch ev.Kind {
			case watch.Applied:
				r.store.Apply(ev.Object)
			case watch.Deleted:
				key, err := objkey.KeyFor(ev.Object)
				if err != nil {
					utilruntime.HandleError(err)
					break
				}
				r.store.Remove(key)
			case watch.Restarted:
				r.store.Reset(ev.Snapshot)
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
