// Package fakeapiserver is an in-process stand-in for a Kubernetes-style
// API server: enough list/watch/create/update/delete behavior, including
// a global resource version and on-demand desync injection, to exercise
// pkg/watch, pkg/reflector and pkg/controller end to end without a real
// cluster. Its storage and pub/sub are adapted directly from the
// teacher's pkg/registry (bbolt-backed global resourceVersion counter,
// Subscribe/publish fan-out), generalized from one hardcoded kind to any
// kind registered in a runtime.Scheme.
package fakeapiserver

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	k8swatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

var (
	metadataBucket = []byte("_metadata")
	globalRVKey    = []byte("globalResourceVersion")
)

// Event is published to every watch subscriber whenever the Store's
// contents change.
type Event struct {
	Type   k8swatch.EventType
	Object runtime.Object
}

// Store is a bbolt-backed object store shared by every kind the fake
// server knows about: one bucket per GroupVersionKind, keyed by
// "namespace/name", values JSON-encoded. A single global resourceVersion
// counter is shared across all kinds, exactly like a real API server, so
// a resume token is unambiguous regardless of which kind last changed.
type Store struct {
	db     *bolt.DB
	scheme *runtime.Scheme

	mu        sync.RWMutex
	subs      map[int]chan Event
	nextSubID int
}

// NewStore returns a Store backed by db, decoding objects via scheme.
func NewStore(db *bolt.DB, scheme *runtime.Scheme) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fakeapiserver: init metadata bucket: %w", err)
	}
	return &Store{db: db, scheme: scheme, subs: make(map[int]chan Event)}, nil
}

// Subscribe returns a channel of subsequent Create/Update/Delete events,
// and a function to cancel the subscription. The channel buffers 100
// events; while it is full, further events for this subscriber are
// dropped with a warning.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Event, 100)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.subs[id]; ok {
			close(ch)
			delete(s.subs, id)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			klog.Warningf("fakeapiserver: subscriber channel full, dropping %s event", ev.Type)
		}
	}
}

// CurrentResourceVersion returns the latest resourceVersion the store has
// issued, used to seed watch bookmarks.
func (s *Store) CurrentResourceVersion() (string, error) {
	var rv uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metadataBucket).Get(globalRVKey)
		if b != nil {
			rv = binary.BigEndian.Uint64(b)
		}
		return nil
	})
	return strconv.FormatUint(rv, 10), err
}

func nextResourceVersion(tx *bolt.Tx) (string, error) {
	b := tx.Bucket(metadataBucket)
	var n uint64
	if cur := b.Get(globalRVKey); cur != nil {
		n = binary.BigEndian.Uint64(cur)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := b.Put(globalRVKey, buf); err != nil {
		return "", err
	}
	return strconv.FormatUint(n, 10), nil
}

func (s *Store) gvkFor(obj runtime.Object) (schema.GroupVersionKind, error) {
	gvks, _, err := s.scheme.ObjectKinds(obj)
	if err != nil || len(gvks) == 0 {
		return schema.GroupVersionKind{}, fmt.Errorf("fakeapiserver: %T is not registered in the scheme: %w", obj, err)
	}
	return gvks[0], nil
}

func bucketNameFor(gvk schema.GroupVersionKind) []byte {
	return []byte(gvk.Group + "/" + gvk.Version + "/" + gvk.Kind)
}

func groupResourceFor(gvk schema.GroupVersionKind) schema.GroupResource {
	return schema.GroupResource{Group: gvk.Group, Resource: strings.ToLower(gvk.Kind) + "s"}
}

func objectKey(namespace, name string) []byte {
	return []byte(namespace + "/" + name)
}

// Create stores obj, assigning it a UID and resourceVersion. obj is
// mutated in place.
func (s *Store) Create(obj runtime.Object) error {
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketNameFor(gvk))
		if err != nil {
			return err
		}
		key := objectKey(accessor.GetNamespace(), accessor.GetName())
		if bucket.Get(key) != nil {
			return apierrors.NewAlreadyExists(groupResourceFor(gvk), accessor.GetName())
		}

		accessor.SetUID(types.UID(uuid.NewString()))
		rv, err := nextResourceVersion(tx)
		if err != nil {
			return err
		}
		accessor.SetResourceVersion(rv)

		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("fakeapiserver: marshal: %w", err)
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return err
	}

	s.publish(Event{Type: k8swatch.Added, Object: obj.DeepCopyObject()})
	return nil
}

// Update overwrites an existing object. If obj carries a non-empty
// ResourceVersion, it must match the stored one or Update returns a
// Conflict error (spec.md §7).
func (s *Store) Update(obj runtime.Object) error {
	gvk, err := s.gvkFor(obj)
	if err != nil {
		return err
	}
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNameFor(gvk))
		key := objectKey(accessor.GetNamespace(), accessor.GetName())
		var existing []byte
		if bucket != nil {
			existing = bucket.Get(key)
		}
		if existing == nil {
			return apierrors.NewNotFound(groupResourceFor(gvk), accessor.GetName())
		}

		if want := accessor.GetResourceVersion(); want != "" {
			var stored struct {
				Metadata struct {
					ResourceVersion string `json:"resourceVersion"`
				} `json:"metadata"`
			}
			if err := json.Unmarshal(existing, &stored); err == nil && stored.Metadata.ResourceVersion != want {
				return apierrors.NewConflict(groupResourceFor(gvk), accessor.GetName(),
					fmt.Errorf("the object has been modified; please apply your changes to the latest version and try again"))
			}
		}

		rv, err := nextResourceVersion(tx)
		if err != nil {
			return err
		}
		accessor.SetResourceVersion(rv)

		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("fakeapiserver: marshal: %w", err)
		}
		if bucket == nil {
			bucket, err = tx.CreateBucketIfNotExists(bucketNameFor(gvk))
			if err != nil {
				return err
			}
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return err
	}

	s.publish(Event{Type: k8swatch.Modified, Object: obj.DeepCopyObject()})
	return nil
}

// Get decodes the stored object named namespace/name into objInto.
func (s *Store) Get(namespace, name string, objInto runtime.Object) error {
	gvk, err := s.gvkFor(objInto)
	if err != nil {
		return err
	}

	return s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNameFor(gvk))
		if bucket == nil {
			return apierrors.NewNotFound(groupResourceFor(gvk), name)
		}
		data := bucket.Get(objectKey(namespace, name))
		if data == nil {
			return apierrors.NewNotFound(groupResourceFor(gvk), name)
		}
		return json.Unmarshal(data, objInto)
	})
}

// List decodes every object of listInto's kind in namespace ("" for all
// namespaces) into listInto.Items, and stamps listInto's resourceVersion
// with the store's current global resourceVersion.
func (s *Store) List(namespace string, listInto runtime.Object) error {
	gvk, err := s.gvkFor(listInto)
	if err != nil {
		return err
	}
	itemGVK := schema.GroupVersionKind{Group: gvk.Group, Version: gvk.Version, Kind: strings.TrimSuffix(gvk.Kind, "List")}

	listValue := reflect.ValueOf(listInto).Elem()
	itemsField := listValue.FieldByName("Items")
	itemType := itemsField.Type().Elem()

	return s.db.View(func(tx *bolt.Tx) error {
		if rvBytes := tx.Bucket(metadataBucket).Get(globalRVKey); rvBytes != nil {
			if listMeta, err := meta.ListAccessor(listInto); err == nil {
				listMeta.SetResourceVersion(strconv.FormatUint(binary.BigEndian.Uint64(rvBytes), 10))
			}
		}

		bucket := tx.Bucket(bucketNameFor(itemGVK))
		if bucket == nil {
			return nil
		}

		prefix := []byte(namespace + "/")
		c := bucket.Cursor()
		var k, v []byte
		if namespace == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil; k, v = c.Next() {
			if namespace != "" && !bytes.HasPrefix(k, prefix) {
				break
			}
			item := reflect.New(itemType).Interface().(runtime.Object)
			if err := json.Unmarshal(v, item); err != nil {
				klog.Warningf("fakeapiserver: skipping malformed record %q: %v", k, err)
				continue
			}
			itemsField.Set(reflect.Append(itemsField, reflect.ValueOf(item).Elem()))
		}
		return nil
	})
}

// Delete removes the object named namespace/name of objToDelete's kind.
func (s *Store) Delete(namespace, name string, objToDelete runtime.Object) error {
	gvk, err := s.gvkFor(objToDelete)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNameFor(gvk))
		if bucket == nil {
			return apierrors.NewNotFound(groupResourceFor(gvk), name)
		}
		key := objectKey(namespace, name)
		data := bucket.Get(key)
		if data == nil {
			return apierrors.NewNotFound(groupResourceFor(gvk), name)
		}
		if err := json.Unmarshal(data, objToDelete); err != nil {
			return err
		}
		if _, err := nextResourceVersion(tx); err != nil {
			return err
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return err
	}

	s.publish(Event{Type: k8swatch.Deleted, Object: objToDelete.DeepCopyObject()})
	return nil
}
