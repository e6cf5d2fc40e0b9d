package watch_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	kwatch "github.com/fx147/kruntime/pkg/watch"
)

// fakeObject is the smallest possible runtime.Object + metav1.Object for
// exercising Watcher without pulling in a real API type.
type fakeObject struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
}

func (o *fakeObject) DeepCopyObject() runtime.Object {
	if o == nil {
		return nil
	}
	cp := *o
	cp.ObjectMeta = *o.ObjectMeta.DeepCopy()
	return &cp
}

type fakeObjectList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []fakeObject `json:"items"`
}

func (l *fakeObjectList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Items = make([]fakeObject, len(l.Items))
	for i := range l.Items {
		cp.Items[i] = *l.Items[i].DeepCopyObject().(*fakeObject)
	}
	return &cp
}

func newObj(name, rv string) fakeObject {
	return fakeObject{ObjectMeta: metav1.ObjectMeta{Name: name, ResourceVersion: rv}}
}

// fakeLW implements cache.ListerWatcher with scripted responses, letting
// tests drive the watcher through relists and reconnects deterministically.
type fakeLW struct {
	listFn  func(metav1.ListOptions) (runtime.Object, error)
	watchFn func(metav1.ListOptions) (k8swatch.Interface, error)
}

func (f *fakeLW) List(opts metav1.ListOptions) (runtime.Object, error) { return f.listFn(opts) }
func (f *fakeLW) Watch(opts metav1.ListOptions) (k8swatch.Interface, error) {
	return f.watchFn(opts)
}

func recv(t *testing.T, ch <-chan kwatch.Event[*fakeObject]) kwatch.Event[*fakeObject] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return kwatch.Event[*fakeObject]{}
	}
}

func TestWatcherRelistThenApplied(t *testing.T) {
	list := &fakeObjectList{
		ListMeta: metav1.ListMeta{ResourceVersion: "10"},
		Items:    []fakeObject{newObj("a", "5"), newObj("b", "6")},
	}
	fw := k8swatch.NewFake()
	lw := &fakeLW{
		listFn: func(metav1.ListOptions) (runtime.Object, error) { return list, nil },
		watchFn: func(opts metav1.ListOptions) (k8swatch.Interface, error) {
			require.Equal(t, "10", opts.ResourceVersion)
			return fw, nil
		},
	}

	w := kwatch.New[*fakeObject]("test", lw, kwatch.NewListParams())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	ev := recv(t, events)
	require.Equal(t, kwatch.Restarted, ev.Kind)
	require.Len(t, ev.Snapshot, 2)

	fw.Add(&fakeObject{ObjectMeta: metav1.ObjectMeta{Name: "c", ResourceVersion: "11"}})
	ev = recv(t, events)
	require.Equal(t, kwatch.Applied, ev.Kind)
	require.Equal(t, "c", ev.Object.Name)

	fw.Delete(&fakeObject{ObjectMeta: metav1.ObjectMeta{Name: "a", ResourceVersion: "12"}})
	ev = recv(t, events)
	require.Equal(t, kwatch.Deleted, ev.Kind)
	require.Equal(t, "a", ev.Object.Name)
}

func TestWatcherDesyncOnGoneRelists(t *testing.T) {
	var listCalls, watchCalls atomic.Int32
	firstList := &fakeObjectList{ListMeta: metav1.ListMeta{ResourceVersion: "1"}, Items: []fakeObject{newObj("a", "1")}}
	secondList := &fakeObjectList{ListMeta: metav1.ListMeta{ResourceVersion: "99"}, Items: []fakeObject{newObj("a", "1"), newObj("b", "99")}}

	firstWatch := k8swatch.NewFake()
	secondWatch := k8swatch.NewFake()

	lw := &fakeLW{
		listFn: func(metav1.ListOptions) (runtime.Object, error) {
			n := listCalls.Add(1)
			if n == 1 {
				return firstList, nil
			}
			return secondList, nil
		},
		watchFn: func(opts metav1.ListOptions) (k8swatch.Interface, error) {
			n := watchCalls.Add(1)
			if n == 1 {
				require.Equal(t, "1", opts.ResourceVersion)
				return firstWatch, nil
			}
			require.Equal(t, "99", opts.ResourceVersion, "desync must forget the resource version")
			return secondWatch, nil
		},
	}

	w := kwatch.New[*fakeObject]("test", lw, kwatch.NewListParams())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	ev := recv(t, events)
	require.Equal(t, kwatch.Restarted, ev.Kind)
	require.Len(t, ev.Snapshot, 1)

	status := apierrors.NewGone("resourceVersion too old").Status()
	firstWatch.Error(&status)

	ev = recv(t, events)
	require.Equal(t, kwatch.Restarted, ev.Kind, "a Gone error must trigger a relist, not a silent drop")
	require.Len(t, ev.Snapshot, 2)
	require.Equal(t, int32(2), listCalls.Load())
}

func TestWatcherCleanEOFResumesSameResourceVersion(t *testing.T) {
	var watchCalls atomic.Int32
	list := &fakeObjectList{ListMeta: metav1.ListMeta{ResourceVersion: "42"}, Items: nil}
	first := k8swatch.NewFake()
	second := k8swatch.NewFake()

	lw := &fakeLW{
		listFn: func(metav1.ListOptions) (runtime.Object, error) { return list, nil },
		watchFn: func(opts metav1.ListOptions) (k8swatch.Interface, error) {
			n := watchCalls.Add(1)
			require.Equal(t, "42", opts.ResourceVersion, "clean EOF must resume from the same resource version")
			if n == 1 {
				return first, nil
			}
			return second, nil
		},
	}

	w := kwatch.New[*fakeObject]("test", lw, kwatch.NewListParams())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := w.Run(ctx)

	ev := recv(t, events)
	require.Equal(t, kwatch.Restarted, ev.Kind)

	first.Stop() // clean close, no error event

	second.Add(&fakeObject{ObjectMeta: metav1.ObjectMeta{Name: "z", ResourceVersion: "43"}})
	ev = recv(t, events)
	require.Equal(t, kwatch.Applied, ev.Kind)
	require.Equal(t, "z", ev.Object.Name)
}

func TestWatcherStopsOnContextCancel(t *testing.T) {
	list := &fakeObjectList{ListMeta: metav1.ListMeta{ResourceVersion: "1"}}
	fw := k8swatch.NewFake()
	lw := &fakeLW{
		listFn:  func(metav1.ListOptions) (runtime.Object, error) { return list, nil },
		watchFn: func(metav1.ListOptions) (k8swatch.Interface, error) { return fw, nil },
	}

	w := kwatch.New[*fakeObject]("test", lw, kwatch.NewListParams())
	ctx, cancel := context.WithCancel(context.Background())
	events := w.Run(ctx)

	recv(t, events) // initial Restarted
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok, "event channel must close once ctx is cancelled")
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not close its channel after context cancellation")
	}
}
