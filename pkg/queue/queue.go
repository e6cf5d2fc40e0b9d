// Package queue implements the work-scheduling layer controllers use to
// decide which key to reconcile next (spec.md §4.4): a deduplicating,
// rate-limited queue built directly on client-go's workqueue, the same
// primitive the teacher's service controller used ad hoc per-controller.
package queue

import (
	"time"

	"k8s.io/client-go/util/workqueue"
)

// Outcome tells Done how to schedule key's next attempt, mirroring the
// three-way decision every reconcile loop in the teacher's controller made
// by hand: success, plain requeue, or requeue with backoff.
type Outcome int

const (
	// Success means key reconciled cleanly; forget any backoff history.
	Success Outcome = iota
	// Requeue means key should be retried immediately, without additional
	// backoff (e.g. a known-transient dependency wasn't ready yet).
	Requeue
	// RequeueRateLimited means key failed and should be retried after the
	// rate limiter's backoff, which grows with repeated failures.
	RequeueRateLimited
)

// Scheduler is a deduplicating, rate-limited work queue of keys of type K.
// Adding the same key twice before it is processed collapses to one
// pending entry (spec.md §4.4(a)). The zero value is not usable;
// construct with New.
type Scheduler[K comparable] struct {
	name    string
	limiter workqueue.TypedRateLimiter[K]
	q       workqueue.TypedRateLimitingInterface[K]
}

// New returns a Scheduler using client-go's default controller rate
// limiter (exponential backoff per-item, plus an overall bucket limiter).
// name identifies the queue in workqueue's own metrics.
func New[K comparable](name string) *Scheduler[K] {
	limiter := workqueue.DefaultTypedControllerRateLimiter[K]()
	return &Scheduler[K]{
		name:    name,
		limiter: limiter,
		q: workqueue.NewTypedRateLimitingQueueWithConfig(
			limiter,
			workqueue.TypedRateLimitingQueueConfig[K]{Name: name},
		),
	}
}

// Add enqueues key for immediate processing, or is a no-op if key is
// already pending.
func (s *Scheduler[K]) Add(key K) {
	s.q.Add(key)
}

// AddAfter enqueues key for processing no sooner than d from now.
func (s *Scheduler[K]) AddAfter(key K, d time.Duration) {
	s.q.AddAfter(key, d)
}

// Next blocks until a key is available to process, or the Scheduler has
// been shut down, in which case shutdown is true and key is the zero
// value. Callers must call Done exactly once for every key Next returns.
func (s *Scheduler[K]) Next() (key K, shutdown bool) {
	return s.q.Get()
}

// Done reports the outcome of processing key, releasing it so the same
// key may be handed out again (possibly immediately, if it was re-Added
// while being processed) and scheduling its next attempt per outcome.
func (s *Scheduler[K]) Done(key K, outcome Outcome) {
	defer s.q.Done(key)
	switch outcome {
	case Success:
		s.q.Forget(key)
	case Requeue:
		s.q.Forget(key)
		s.q.Add(key)
	case RequeueRateLimited:
		s.q.AddRateLimited(key)
	}
}

// NumRequeues returns the number of times key has been retried through
// RequeueRateLimited or DoneWithBackoff since its last Success: the
// per-key failure counter spec.md §4.4 says drives exponential backoff.
func (s *Scheduler[K]) NumRequeues(key K) int {
	return s.q.NumRequeues(key)
}

// DoneWithBackoff reports key as failed, like Done(key, RequeueRateLimited),
// except the retry delay is at least minDelay. spec.md §4.5 step 4 requires
// an error_policy's requested delay and the queue's own growing backoff to
// combine by taking the max, so a policy can never undercut the rate
// limiter's memory of repeated failures.
func (s *Scheduler[K]) DoneWithBackoff(key K, minDelay time.Duration) {
	defer s.q.Done(key)
	d := s.limiter.When(key)
	if minDelay > d {
		d = minDelay
	}
	s.q.AddAfter(key, d)
}

// Len returns the number of keys waiting to be processed (not counting
// keys currently checked out via Next).
func (s *Scheduler[K]) Len() int {
	return s.q.Len()
}

// ShutDown makes the queue stop accepting new work and causes blocked and
// future Next calls to return immediately with shutdown=true.
func (s *Scheduler[K]) ShutDown() {
	s.q.ShutDown()
}

// ShutDownWithDrain is like ShutDown but blocks until every checked-out
// key has been marked Done, letting in-flight reconciles finish cleanly.
func (s *Scheduler[K]) ShutDownWithDrain() {
	s.q.ShutDownWithDrain()
}
