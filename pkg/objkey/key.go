// Package objkey provides the object-key data model shared by the store,
// queue and controller packages: a (namespace, name) pair that identifies
// an object independent of its kind.
package objkey

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/cache"
)

// Key identifies an object by namespace and name. Cluster-scoped objects
// use the empty string for Namespace. Keys are totally ordered by
// lexicographic comparison of String().
type Key = cache.ObjectName

// KeyFor extracts the Key of obj via the standard metadata accessor.
func KeyFor(obj runtime.Object) (Key, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return Key{}, fmt.Errorf("objkey: object %T has no metadata: %w", obj, err)
	}
	return cache.MetaObjectToName(accessor), nil
}

// ParseKey parses a "namespace/name" or "name" string back into a Key.
func ParseKey(s string) (Key, error) {
	ns, name, err := cache.SplitMetaNamespaceKey(s)
	if err != nil {
		return Key{}, err
	}
	return Key{Namespace: ns, Name: name}, nil
}

// ControllerOf returns the owner reference of obj with Controller set to
// true, or nil if none exists. Used to route owned-object events to their
// controller's key (spec §4.5).
func ControllerOf(obj runtime.Object) (*metav1.OwnerReference, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("objkey: object %T has no metadata: %w", obj, err)
	}
	for _, ref := range accessor.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			r := ref
			return &r, nil
		}
	}
	return nil, nil
}

// UID returns the UID of obj.
func UID(obj runtime.Object) (types.UID, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return "", fmt.Errorf("objkey: object %T has no metadata: %w", obj, err)
	}
	return accessor.GetUID(), nil
}

// ResourceVersion returns the resourceVersion of obj. The runtime never
// parses or compares this value; it is only ever echoed back to the
// ApiClient as a resume token.
func ResourceVersion(obj runtime.Object) (string, error) {
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return "", fmt.Errorf("objkey: object %T has no metadata: %w", obj, err)
	}
	return accessor.GetResourceVersion(), nil
}
