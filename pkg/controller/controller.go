// Package controller implements the top-level runtime abstraction: a
// reconcile loop driven by a Scheduler, fed by a primary Reflector and any
// number of additional Sources for owned or otherwise-related resources
// (spec.md §4.5).
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"

	"github.com/fx147/kruntime/pkg/objkey"
	"github.com/fx147/kruntime/pkg/queue"
	"github.com/fx147/kruntime/pkg/reflector"
	"github.com/fx147/kruntime/pkg/store"
	"github.com/fx147/kruntime/pkg/watch"
)

// Result is a reconcile function's verdict on what should happen next.
type Result struct {
	// Requeue retries the same key immediately, without additional
	// backoff. Use for "not ready yet, but not a failure" conditions.
	Requeue bool
	// RequeueAfter retries the same key no sooner than the given
	// duration, forgetting any prior backoff. Use for deliberate polling
	// (e.g. "check again once the lease would have expired").
	RequeueAfter time.Duration
}

// ReconcileFunc reconciles the object identified by key towards its
// desired state. A non-nil error always wins over any requested Result:
// the key is retried with rate-limited backoff regardless of what Result
// was also returned.
type ReconcileFunc func(ctx context.Context, key objkey.Key) (Result, error)

// ErrorPolicy turns a reconcile error into the delay before key is next
// attempted. It does not get the final say: the scheduler's own per-key
// failure counter keeps growing regardless, and the larger of the two
// delays wins (spec.md §4.5 step 4), so a policy can shorten a human's
// wait but never erase the queue's memory of repeated failures. A nil
// ErrorPolicy (the default) defers to the scheduler's backoff alone.
type ErrorPolicy func(ctx context.Context, key objkey.Key, err error) time.Duration

// Outcome is one entry of the stream Run returns: the verdict of exactly
// one completed reconcile, per spec.md §6's
// `stream<Result<(key, Action), ReconcileError>>` and §4.5 step 5 ("emit
// the outcome to the caller's stream"). Err is the ReconcilerError of
// spec.md §7 when reconcile returned one; Result is always the value
// ReconcileFunc returned, even when Err is set (in which case it played
// no part in scheduling the retry).
type Outcome struct {
	Key    objkey.Key
	Result Result
	Err    error
}

// Source feeds keys into a controller's Scheduler for as long as ctx is
// not cancelled. Built with RootSource, OwnedBy or TriggeredBy.
type Source func(ctx context.Context, enqueue func(objkey.Key))

// RootSource returns a Source that enqueues the key of every object
// touched by r: the primary resource a controller reconciles.
func RootSource[T runtime.Object](r *reflector.Reflector[T]) Source {
	return func(ctx context.Context, enqueue func(objkey.Key)) {
		for ev := range r.Run(ctx) {
			forEachObject(ev, func(obj T) {
				key, err := objkey.KeyFor(obj)
				if err != nil {
					utilruntime.HandleError(err)
					return
				}
				enqueue(key)
			})
		}
	}
}

// OwnedBy returns a Source that enqueues the root key of an owned object
// whenever r reports a change to it, per spec.md §4.5's owned-event
// mapping: locate the object's controller:true owner reference, require
// its Kind to equal rootKind, then require its UID to match a root object
// actually present in rootStore at that owner's (namespace, name). Absent
// or mismatched owner references (unknown kind, unknown name, stale or
// foreign UID) drop the event rather than enqueue a bogus key. Use this to
// wake a controller when a resource it created (and set OwnerReferences
// on) changes.
func OwnedBy[T runtime.Object, R runtime.Object](rootKind string, rootStore *store.Store[R], r *reflector.Reflector[T]) Source {
	return func(ctx context.Context, enqueue func(objkey.Key)) {
		for ev := range r.Run(ctx) {
			forEachObject(ev, func(obj T) {
				owner, err := objkey.ControllerOf(obj)
				if err != nil {
					utilruntime.HandleError(err)
					return
				}
				if owner == nil || owner.Kind != rootKind {
					return
				}
				accessor, err := meta.Accessor(obj)
				if err != nil {
					utilruntime.HandleError(err)
					return
				}
				key := objkey.Key{Namespace: accessor.GetNamespace(), Name: owner.Name}
				rootObj, ok := rootStore.Get(key)
				if !ok {
					return
				}
				rootUID, err := objkey.UID(rootObj)
				if err != nil {
					utilruntime.HandleError(err)
					return
				}
				if rootUID != owner.UID {
					return
				}
				enqueue(key)
			})
		}
	}
}

// TriggeredBy returns a Source that maps every object r reports into zero
// or more keys via mapFn. Use this for relationships OwnedBy can't
// express: a ConfigMap whose change should re-reconcile every Deployment
// that references it by name, for example.
func TriggeredBy[T runtime.Object](r *reflector.Reflector[T], mapFn func(T) []objkey.Key) Source {
	return func(ctx context.Context, enqueue func(objkey.Key)) {
		for ev := range r.Run(ctx) {
			forEachObject(ev, func(obj T) {
				for _, key := range mapFn(obj) {
					enqueue(key)
				}
			})
		}
	}
}

// forEachObject calls fn once per object carried by ev: the single object
// of an Applied/Deleted event, or every member of a Restarted snapshot.
func forEachObject[T runtime.Object](ev watch.Event[T], fn func(T)) {
	switch ev.Kind {
	case watch.Applied, watch.Deleted:
		fn(ev.Object)
	case watch.Restarted:
		for _, obj := range ev.Snapshot {
			fn(obj)
		}
	}
}

// Controller runs a ReconcileFunc for every key its Sources produce,
// deduplicating and rate-limiting retries through a Scheduler. Build one
// with New, attach additional Sources with Owns/Watches, then Run it.
type Controller[T runtime.Object] struct {
	name      string
	scheduler *queue.Scheduler[objkey.Key]
	reconcile ReconcileFunc
	onError   ErrorPolicy
	sources   []Source
	workers   int
}

// New returns a Controller named name, reconciling with fn, triggered at
// minimum by every change root reports.
func New[T runtime.Object](name string, root *reflector.Reflector[T], fn ReconcileFunc) *Controller[T] {
	return &Controller[T]{
		name:      name,
		scheduler: queue.New[objkey.Key](name),
		reconcile: fn,
		sources:   []Source{RootSource(root)},
		workers:   1,
	}
}

// WithWorkers sets how many goroutines concurrently pull keys off the
// Scheduler and reconcile them. Default is 1.
func (c *Controller[T]) WithWorkers(n int) *Controller[T] {
	c.workers = n
	return c
}

// WithErrorPolicy sets the ErrorPolicy consulted whenever reconcile
// returns an error. Default is nil: retries use the scheduler's backoff
// alone.
func (c *Controller[T]) WithErrorPolicy(p ErrorPolicy) *Controller[T] {
	c.onError = p
	return c
}

// Owns attaches src as an additional trigger, typically built with
// OwnedBy. Call before Run.
func (c *Controller[T]) Owns(src Source) *Controller[T] {
	c.sources = append(c.sources, src)
	return c
}

// Watches attaches src as an additional trigger, typically built with
// TriggeredBy. Call before Run.
func (c *Controller[T]) Watches(src Source) *Controller[T] {
	c.sources = append(c.sources, src)
	return c
}

// Run starts every Source and worker goroutine and returns immediately
// with the outcome stream spec.md §6 documents as Run's return value: one
// Outcome per completed reconcile. The stream stays open until ctx is
// cancelled, at which point in-flight reconciles are drained (spec.md §7's
// QueueShutdown: "workers drain, stream ends") and the channel is closed —
// the "output stream closes" half of spec.md §8 Testable Property 8. No
// new reconcile is dispatched once ctx is cancelled, satisfying the other
// half ("no further reconciles start").
func (c *Controller[T]) Run(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome)
	go c.run(ctx, out)
	return out
}

func (c *Controller[T]) run(ctx context.Context, out chan<- Outcome) {
	defer close(out)
	klog.Infof("%s: starting %d worker(s), %d source(s)", c.name, c.workers, len(c.sources))

	var sourcesWG sync.WaitGroup
	for _, src := range c.sources {
		sourcesWG.Add(1)
		go func(src Source) {
			defer sourcesWG.Done()
			src(ctx, c.scheduler.Add)
		}(src)
	}

	var workersWG sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			for c.processNextItem(ctx, out) {
			}
		}()
	}

	<-ctx.Done()
	klog.Infof("%s: shutting down", c.name)
	c.scheduler.ShutDownWithDrain()
	workersWG.Wait()
	sourcesWG.Wait()
}

// processNextItem processes exactly one key, if any, emits its Outcome on
// out, and reports whether the caller's worker loop should keep running.
func (c *Controller[T]) processNextItem(ctx context.Context, out chan<- Outcome) bool {
	key, shutdown := c.scheduler.Next()
	if shutdown {
		return false
	}
	if ctx.Err() != nil {
		// Keys still queued at cancellation are released, not reconciled.
		c.scheduler.Done(key, queue.Success)
		return false
	}

	result, err := c.reconcile(ctx, key)
	switch {
	case err != nil:
		utilruntime.HandleError(fmt.Errorf("%s: reconcile %s: %w", c.name, key, err))
		var minDelay time.Duration
		if c.onError != nil {
			minDelay = c.onError(ctx, key, err)
		}
		c.scheduler.DoneWithBackoff(key, minDelay)
	case result.Requeue:
		c.scheduler.Done(key, queue.Requeue)
	case result.RequeueAfter > 0:
		c.scheduler.Done(key, queue.Success)
		c.scheduler.AddAfter(key, result.RequeueAfter)
	default:
		c.scheduler.Done(key, queue.Success)
	}

	select {
	case out <- Outcome{Key: key, Result: result, Err: err}:
	case <-ctx.Done():
	}
	return true
}
