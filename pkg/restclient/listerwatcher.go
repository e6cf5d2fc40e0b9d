package restclient

import (
	"context"
	"io"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	"github.com/fx147/kruntime/pkg/kind"
)

// ListerWatcher implements cache.ListerWatcher for one kind in one
// namespace ("" for cluster-scoped or an all-namespaces list), backed by
// a Client. It is the concrete ApiClient capability every Watcher in this
// runtime is built on top of.
type ListerWatcher[T runtime.Object] struct {
	client    *Client
	kind      kind.Kind
	namespace string
	newObject func() T
	newList   func() runtime.Object
}

// NewListerWatcher returns a ListerWatcher. newObject and newList must
// each return a fresh zero value on every call; List and Watch call them
// once per decoded object.
func NewListerWatcher[T runtime.Object](client *Client, k kind.Kind, namespace string, newObject func() T, newList func() runtime.Object) *ListerWatcher[T] {
	return &ListerWatcher[T]{
		client:    client,
		kind:      k,
		namespace: namespace,
		newObject: newObject,
		newList:   newList,
	}
}

// List implements cache.Lister.
func (lw *ListerWatcher[T]) List(opts metav1.ListOptions) (runtime.Object, error) {
	list := lw.newList()
	if err := lw.client.Get().Resource(lw.kind, lw.namespace).ListOptions(opts).Do(context.Background()).Into(list); err != nil {
		return nil, err
	}
	return list, nil
}

// Watch implements cache.Watcher.
func (lw *ListerWatcher[T]) Watch(opts metav1.ListOptions) (k8swatch.Interface, error) {
	ctx, cancel := context.WithCancel(context.Background())

	resp, err := lw.client.Get().Resource(lw.kind, lw.namespace).ListOptions(opts).DoRaw(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, data)
	}

	return newStreamWatch(resp, cancel, func() runtime.Object { return lw.newObject() }), nil
}
