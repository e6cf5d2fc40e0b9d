package controller_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	"github.com/fx147/kruntime/pkg/controller"
	"github.com/fx147/kruntime/pkg/objkey"
	"github.com/fx147/kruntime/pkg/reflector"
	"github.com/fx147/kruntime/pkg/store"
	"github.com/fx147/kruntime/pkg/watch"
)

// --- fixture types, mirroring reflector_test.go's fakeObject/fakeLW ---

type fakeParent struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
}

func (o *fakeParent) DeepCopyObject() runtime.Object {
	if o == nil {
		return nil
	}
	cp := *o
	cp.ObjectMeta = *o.ObjectMeta.DeepCopy()
	return &cp
}

type fakeParentList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []fakeParent `json:"items"`
}

func (l *fakeParentList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Items = append([]fakeParent(nil), l.Items...)
	return &cp
}

type fakeChild struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
}

func (o *fakeChild) DeepCopyObject() runtime.Object {
	if o == nil {
		return nil
	}
	cp := *o
	cp.ObjectMeta = *o.ObjectMeta.DeepCopy()
	return &cp
}

type fakeChildList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []fakeChild `json:"items"`
}

func (l *fakeChildList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Items = append([]fakeChild(nil), l.Items...)
	return &cp
}

type fakeLW struct {
	listFn  func(metav1.ListOptions) (runtime.Object, error)
	watchFn func(metav1.ListOptions) (k8swatch.Interface, error)
}

func (f *fakeLW) List(opts metav1.ListOptions) (runtime.Object, error) { return f.listFn(opts) }
func (f *fakeLW) Watch(opts metav1.ListOptions) (k8swatch.Interface, error) {
	return f.watchFn(opts)
}

func emptyParentLW(fw *k8swatch.FakeWatcher) *fakeLW {
	return &fakeLW{
		listFn: func(metav1.ListOptions) (runtime.Object, error) {
			return &fakeParentList{ListMeta: metav1.ListMeta{ResourceVersion: "1"}}, nil
		},
		watchFn: func(metav1.ListOptions) (k8swatch.Interface, error) { return fw, nil },
	}
}

func emptyChildLW(fw *k8swatch.FakeWatcher) *fakeLW {
	return &fakeLW{
		listFn: func(metav1.ListOptions) (runtime.Object, error) {
			return &fakeChildList{ListMeta: metav1.ListMeta{ResourceVersion: "1"}}, nil
		},
		watchFn: func(metav1.ListOptions) (k8swatch.Interface, error) { return fw, nil },
	}
}

func newParentReflector(fw *k8swatch.FakeWatcher) *reflector.Reflector[*fakeParent] {
	w := watch.New[*fakeParent]("parents", emptyParentLW(fw), watch.NewListParams())
	return reflector.New(w, store.New[*fakeParent]())
}

func newChildReflector(fw *k8swatch.FakeWatcher) *reflector.Reflector[*fakeChild] {
	w := watch.New[*fakeChild]("children", emptyChildLW(fw), watch.NewListParams())
	return reflector.New(w, store.New[*fakeChild]())
}

// drainOutcomes reads Run's outcome stream to completion, standing in for
// a caller that doesn't care about individual outcomes in tests that only
// assert on reconcile side effects observed some other way.
func drainOutcomes(ch <-chan controller.Outcome) {
	for range ch {
	}
}

// TestControllerReconcilesRootEvents checks that an Applied root object
// results in exactly one reconcile of its own key (spec.md §4.5, root
// events).
func TestControllerReconcilesRootEvents(t *testing.T) {
	fw := k8swatch.NewFake()
	root := newParentReflector(fw)

	seen := make(chan objkey.Key, 10)
	ctrl := controller.New("parents", root, func(ctx context.Context, key objkey.Key) (controller.Result, error) {
		seen <- key
		return controller.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainOutcomes(ctrl.Run(ctx))

	fw.Add(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "2"}})

	select {
	case key := <-seen:
		require.Equal(t, objkey.Key{Namespace: "ns", Name: "a"}, key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconcile")
	}
}

// TestControllerOwnerRouting exercises spec.md §8 property 7 / scenario S4:
// a child event with a matching controller owner reference enqueues the
// owner's key exactly once; a child with an unknown owner UID enqueues
// nothing.
func TestControllerOwnerRouting(t *testing.T) {
	parentFW := k8swatch.NewFake()
	childFW := k8swatch.NewFake()
	root := newParentReflector(parentFW)
	child := newChildReflector(childFW)

	seen := make(chan objkey.Key, 10)
	ctrl := controller.New("parents", root, func(ctx context.Context, key objkey.Key) (controller.Result, error) {
		seen <- key
		return controller.Result{}, nil
	}).Owns(controller.OwnedBy("fakeParent", root.Store(), child))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainOutcomes(ctrl.Run(ctx))

	// Seed the root store with R1(uid=u1) via its own Applied event first,
	// draining the reconcile it triggers.
	parentFW.Add(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "R1", UID: "u1", ResourceVersion: "2"}})
	<-seen

	isController := true
	childFW.Add(&fakeChild{ObjectMeta: metav1.ObjectMeta{
		Namespace: "ns", Name: "P1", ResourceVersion: "2",
		OwnerReferences: []metav1.OwnerReference{{Kind: "fakeParent", Name: "R1", UID: "u1", Controller: &isController}},
	}})

	select {
	case key := <-seen:
		require.Equal(t, objkey.Key{Namespace: "ns", Name: "R1"}, key)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for owner-routed reconcile")
	}

	childFW.Add(&fakeChild{ObjectMeta: metav1.ObjectMeta{
		Namespace: "ns", Name: "P2", ResourceVersion: "3",
		OwnerReferences: []metav1.OwnerReference{{Kind: "fakeParent", Name: "Unknown", UID: "u9", Controller: &isController}},
	}})

	select {
	case key := <-seen:
		t.Fatalf("unexpected reconcile for unmatched owner: %s", key)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing enqueued
	}
}

// TestControllerSerializesPerKey checks spec.md §8 property 4/5: no two
// reconciles for the same key overlap, and events arriving while one is
// in flight collapse into at most one follow-up reconcile.
func TestControllerSerializesPerKey(t *testing.T) {
	fw := k8swatch.NewFake()
	root := newParentReflector(fw)

	var inFlight int32
	var overlapped atomic.Bool
	var mu sync.Mutex
	var calls int
	release := make(chan struct{})

	ctrl := controller.New("parents", root, func(ctx context.Context, key objkey.Key) (controller.Result, error) {
		if !atomic.CompareAndSwapInt32(&inFlight, 0, 1) {
			overlapped.Store(true)
		}
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
		}
		atomic.StoreInt32(&inFlight, 0)
		return controller.Result{}, nil
	}).WithWorkers(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainOutcomes(ctrl.Run(ctx))

	fw.Add(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "2"}})
	time.Sleep(50 * time.Millisecond) // let the first reconcile start and block on release

	// These collapse into a single pending re-enqueue per spec.md §4.4(i).
	fw.Modify(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "3"}})
	fw.Modify(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "4"}})
	time.Sleep(50 * time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 2*time.Second, 10*time.Millisecond, "expected exactly one follow-up reconcile, not one per event")
	require.False(t, overlapped.Load(), "no two reconciles for the same key may overlap")
}

// TestControllerErrorPolicyTakesMax checks the error path of spec.md §4.5
// step 4: an ErrorPolicy asking for a 1ms delay is consulted on each of 3
// consecutive failures, and the key keeps being retried (through
// Scheduler.DoneWithBackoff, which takes the larger of that delay and the
// rate limiter's own) until it succeeds. The actual requeue delays are
// not measured here.
func TestControllerErrorPolicyTakesMax(t *testing.T) {
	fw := k8swatch.NewFake()
	root := newParentReflector(fw)

	var attempt int32
	errorPolicyCalls := make(chan time.Duration, 10)

	ctrl := controller.New("parents", root, func(ctx context.Context, key objkey.Key) (controller.Result, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n <= 3 {
			return controller.Result{}, fmt.Errorf("synthetic failure %d", n)
		}
		return controller.Result{}, nil
	}).WithErrorPolicy(func(ctx context.Context, key objkey.Key, err error) time.Duration {
		errorPolicyCalls <- time.Millisecond
		return time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainOutcomes(ctrl.Run(ctx))

	fw.Add(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "2"}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempt) >= 4
	}, 5*time.Second, 10*time.Millisecond, "expected the key to eventually succeed after 3 errors")

	// The ErrorPolicy must have been consulted for each of the 3 failures.
	require.Eventually(t, func() bool { return len(errorPolicyCalls) >= 3 }, time.Second, 10*time.Millisecond)
}

// TestControllerCancellationQuiescence checks spec.md §8 Testable Property
// 8: within a bounded drain window after cancellation, no further
// reconciles start and the outcome stream closes.
func TestControllerCancellationQuiescence(t *testing.T) {
	fw := k8swatch.NewFake()
	root := newParentReflector(fw)

	var reconciles int32
	ctrl := controller.New("parents", root, func(ctx context.Context, key objkey.Key) (controller.Result, error) {
		atomic.AddInt32(&reconciles, 1)
		return controller.Result{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	results := ctrl.Run(ctx)

	streamClosed := make(chan struct{})
	go func() {
		defer close(streamClosed)
		for range results {
		}
	}()

	fw.Add(&fakeParent{ObjectMeta: metav1.ObjectMeta{Namespace: "ns", Name: "a", ResourceVersion: "2"}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reconciles) >= 1
	}, 2*time.Second, 10*time.Millisecond, "expected the initial reconcile to run before cancellation")

	cancel()

	select {
	case <-streamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("Run's outcome stream must close within a bounded drain window after cancellation")
	}

	countAtClose := atomic.LoadInt32(&reconciles)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, countAtClose, atomic.LoadInt32(&reconciles), "no reconcile may start once the controller has been cancelled")
}
