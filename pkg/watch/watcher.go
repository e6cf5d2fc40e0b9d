// Package watch implements the lowest-level runtime abstraction: a
// resumable stream of Applied/Deleted/Restarted events over a single
// resource query, built on a List+Watch capability rather than Kubernetes'
// own cache.Reflector. See SPEC_FULL.md §pkg/watch for the design.
package watch

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/fx147/kruntime/pkg/objkey"
)

// Watcher drives the §4.1 state machine: list, watch from the listed
// resource version, and on desync (a 410 Gone/Expired, whether returned
// when opening the watch or delivered as an Error event; restclient
// reports a malformed watch payload the same way) forget the resource
// version and relist. Any other watch failure or Error event backs off
// and reopens the watch from the same resource version. It never
// exposes the protocol-level watch.Interface or metav1.ListOptions to
// callers; Run returns only the runtime-level Event[T] stream.
//
// A zero Watcher is not usable; construct with New.
type Watcher[T runtime.Object] struct {
	name   string
	lw     cache.ListerWatcher
	params ListParams
}

// New returns a Watcher over lw using params. name is used only in log
// messages, to tell multiple watchers apart in a process that runs more
// than one.
func New[T runtime.Object](name string, lw cache.ListerWatcher, params ListParams) *Watcher[T] {
	return &Watcher[T]{name: name, lw: lw, params: params}
}

// Run starts the watcher and returns its event stream. The stream closes
// when ctx is cancelled. Run never returns an error: every list/watch
// failure is retried internally with backoff and logged via klog, per
// spec.md §7's "transient errors never reach the consumer" policy.
func (w *Watcher[T]) Run(ctx context.Context) <-chan Event[T] {
	out := make(chan Event[T])
	go w.loop(ctx, out)
	return out
}

func (w *Watcher[T]) loop(ctx context.Context, out chan<- Event[T]) {
	defer close(out)

	var b backoff
	rv := ""
	needRelist := true

	for ctx.Err() == nil {
		if needRelist {
			items, newRV, err := w.list()
			if err != nil {
				klog.V(2).InfoS("watch: list failed, retrying", "watcher", w.name, "err", err)
				if !w.sleep(ctx, b.next()) {
					return
				}
				continue
			}
			if !w.emit(ctx, out, Event[T]{Kind: Restarted, Snapshot: items}) {
				return
			}
			rv = newRV
			needRelist = false
			b.reset()
			klog.V(4).InfoS("watch: relisted", "watcher", w.name, "resourceVersion", rv, "count", len(items))
		}

		iface, err := w.lw.Watch(w.params.watchOptions(rv))
		if err != nil {
			if isDesyncErr(err) {
				klog.V(3).InfoS("watch: resource version expired on open, relisting", "watcher", w.name)
				rv, needRelist = "", true
				continue
			}
			klog.V(2).InfoS("watch: open failed, retrying", "watcher", w.name, "err", err)
			if !w.sleep(ctx, b.next()) {
				return
			}
			continue
		}

		desync, consumeErr := w.consume(ctx, iface, &rv, out)
		iface.Stop()
		if ctx.Err() != nil {
			return
		}
		if consumeErr != nil {
			klog.V(2).InfoS("watch: stream ended with error", "watcher", w.name, "err", consumeErr)
		}
		if desync {
			rv, needRelist = "", true
			continue
		}
		if consumeErr != nil {
			// A non-desync stream error (e.g. a transient 5xx Error event):
			// back off and reopen the watch from the same resource version
			// rather than busy-looping on it.
			if !w.sleep(ctx, b.next()) {
				return
			}
			continue
		}
		// Clean EOF (e.g. the TimeoutSeconds cycle): resume with the same
		// resource version, no event emitted.
	}
}

// list performs a one-shot list and returns the typed items and the
// resource version to resume watching from.
func (w *Watcher[T]) list() ([]T, string, error) {
	obj, err := w.lw.List(w.params.listOptions(""))
	if err != nil {
		return nil, "", err
	}
	rawItems, err := meta.ExtractList(obj)
	if err != nil {
		return nil, "", fmt.Errorf("watch: list response is not a list: %w", err)
	}
	listMeta, err := meta.ListAccessor(obj)
	if err != nil {
		return nil, "", fmt.Errorf("watch: list response has no list metadata: %w", err)
	}

	var zero T
	items := make([]T, 0, len(rawItems))
	for _, raw := range rawItems {
		typed, ok := raw.(T)
		if !ok {
			return nil, "", fmt.Errorf("watch: list item is %T, want %T", raw, zero)
		}
		items = append(items, typed)
	}
	return items, listMeta.GetResourceVersion(), nil
}

// consume drains a single watch.Interface's result channel, emitting
// Applied/Deleted events and advancing *rv as it goes. It returns
// (desync=true) when the stream signalled that rv is no longer valid and
// the caller must relist; a clean channel close returns (false, nil).
func (w *Watcher[T]) consume(ctx context.Context, iface k8swatch.Interface, rv *string, out chan<- Event[T]) (desync bool, err error) {
	ch := iface.ResultChan()
	var zero T
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return false, nil
			}
			switch ev.Type {
			case k8swatch.Added, k8swatch.Modified:
				typed, ok := ev.Object.(T)
				if !ok {
					utilruntime.HandleError(fmt.Errorf("watch: event object is %T, want %T", ev.Object, zero))
					continue
				}
				if newRV, rvErr := objkey.ResourceVersion(typed); rvErr == nil && newRV != "" {
					*rv = newRV
				}
				if !w.emit(ctx, out, Event[T]{Kind: Applied, Object: typed}) {
					return false, ctx.Err()
				}
			case k8swatch.Deleted:
				typed, ok := ev.Object.(T)
				if !ok {
					utilruntime.HandleError(fmt.Errorf("watch: event object is %T, want %T", ev.Object, zero))
					continue
				}
				if newRV, rvErr := objkey.ResourceVersion(typed); rvErr == nil && newRV != "" {
					*rv = newRV
				}
				if !w.emit(ctx, out, Event[T]{Kind: Deleted, Object: typed}) {
					return false, ctx.Err()
				}
			case k8swatch.Bookmark:
				if typed, ok := ev.Object.(T); ok {
					if newRV, rvErr := objkey.ResourceVersion(typed); rvErr == nil && newRV != "" {
						*rv = newRV
					}
				}
			case k8swatch.Error:
				statusErr := apierrors.FromObject(ev.Object)
				return isDesyncErr(statusErr), statusErr
			default:
				utilruntime.HandleError(fmt.Errorf("watch: unrecognized event type %q", ev.Type))
			}
		}
	}
}

// emit sends ev on out, returning false if ctx was cancelled first.
func (w *Watcher[T]) emit(ctx context.Context, out chan<- Event[T], ev Event[T]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep blocks for d or until ctx is cancelled, returning false in the
// latter case so callers can bail out of their retry loop.
func (w *Watcher[T]) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isDesyncErr reports whether err means the watcher's resource version
// can no longer be resumed from, per client-go's own IsResourceExpired /
// IsGone distinction (both map to the same HTTP 410 in practice).
func isDesyncErr(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
