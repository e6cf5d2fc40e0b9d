package fakeapiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8swatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/fx147/kruntime/pkg/kind"
)

// ResourceConfig registers one kind with a Server: how to construct a
// zero-valued object or list of that kind for decoding into. Kind's
// Group/Version/Resource must match what callers pass to
// restclient.NewListerWatcher for this kind.
type ResourceConfig struct {
	Kind      kind.Kind
	NewObject func() runtime.Object
	NewList   func() runtime.Object
}

// Server is an in-process HTTP server speaking a Kubernetes-shaped wire
// protocol over whatever kinds have been registered with RegisterResource.
// It is deliberately minimal: no auth, no admission, no CRDs-from-YAML —
// just enough REST and watch semantics to drive the runtime honestly.
type Server struct {
	store  *Store
	scheme *runtime.Scheme

	mu        sync.Mutex
	resources map[string]ResourceConfig // key: group/version/resourceName

	goneMu   sync.Mutex
	goneOnce map[string]bool
}

// NewServer returns a Server storing objects in store, decoding kinds
// registered in scheme.
func NewServer(store *Store, scheme *runtime.Scheme) *Server {
	return &Server{
		store:     store,
		scheme:    scheme,
		resources: make(map[string]ResourceConfig),
		goneOnce:  make(map[string]bool),
	}
}

// RegisterResource makes cfg's kind servable at the usual Kubernetes REST
// paths ("/api/<version>/..." for the core group, "/apis/<group>/<version>/..."
// otherwise).
func (s *Server) RegisterResource(cfg ResourceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[cfg.Kind.String()] = cfg
}

// InjectGone arranges for the next watch request against k in namespace
// to fail immediately with HTTP 410 Gone, simulating a compacted
// resourceVersion. Consumed on first use.
func (s *Server) InjectGone(k kind.Kind, namespace string) {
	s.goneMu.Lock()
	defer s.goneMu.Unlock()
	s.goneOnce[k.String()+"/"+namespace] = true
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}

	var group, version, namespace, resource, name string
	var ok bool
	switch segments[0] {
	case "api":
		version, namespace, resource, name, ok = parsePath(segments[1:])
	case "apis":
		if len(segments) < 2 {
			http.NotFound(w, r)
			return
		}
		group = segments[1]
		version, namespace, resource, name, ok = parsePath(segments[2:])
	default:
		http.NotFound(w, r)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	cfg, found := s.resources[kind.Kind{Group: group, Version: version, Resource: resource}.String()]
	s.mu.Unlock()
	if !found {
		writeError(w, apierrors.NewNotFound(schema.GroupResource{Group: group, Resource: resource}, name))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if name != "" {
			s.handleGet(w, cfg, namespace, name)
			return
		}
		if r.URL.Query().Get("watch") == "true" {
			s.handleWatch(w, r, cfg, namespace)
			return
		}
		s.handleList(w, r, cfg, namespace)
	case http.MethodPost:
		s.handleCreate(w, r, cfg, namespace)
	case http.MethodPut:
		s.handleUpdate(w, r, cfg, namespace, name)
	case http.MethodDelete:
		s.handleDelete(w, cfg, namespace, name)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// parsePath splits the segments after "/api/" or "/apis/<group>/" into
// version, optional "namespaces/<ns>", resource and optional name.
func parsePath(segments []string) (version, namespace, resource, name string, ok bool) {
	if len(segments) < 2 {
		return "", "", "", "", false
	}
	version = segments[0]
	rest := segments[1:]
	if len(rest) >= 2 && rest[0] == "namespaces" {
		namespace = rest[1]
		rest = rest[2:]
	}
	if len(rest) == 0 {
		return "", "", "", "", false
	}
	resource = rest[0]
	if len(rest) > 1 {
		name = rest[1]
	}
	return version, namespace, resource, name, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, cfg ResourceConfig, namespace string) {
	list := cfg.NewList()
	if err := s.store.List(namespace, list); err != nil {
		writeError(w, err)
		return
	}
	if sel := r.URL.Query().Get("labelSelector"); sel != "" {
		if err := filterByLabelSelector(list, sel); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, cfg ResourceConfig, namespace, name string) {
	obj := cfg.NewObject()
	if err := s.store.Get(namespace, name, obj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, cfg ResourceConfig, namespace string) {
	obj := cfg.NewObject()
	if err := json.NewDecoder(r.Body).Decode(obj); err != nil {
		writeError(w, apierrors.NewBadRequest(err.Error()))
		return
	}
	accessor, err := meta.Accessor(obj)
	if err != nil {
		writeError(w, err)
		return
	}
	if namespace != "" {
		accessor.SetNamespace(namespace)
	}
	if err := s.store.Create(obj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, cfg ResourceConfig, namespace, name string) {
	obj := cfg.NewObject()
	if err := json.NewDecoder(r.Body).Decode(obj); err != nil {
		writeError(w, apierrors.NewBadRequest(err.Error()))
		return
	}
	accessor, err := meta.Accessor(obj)
	if err != nil {
		writeError(w, err)
		return
	}
	if namespace != "" {
		accessor.SetNamespace(namespace)
	}
	if accessor.GetName() == "" {
		accessor.SetName(name)
	}
	if err := s.store.Update(obj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDelete(w http.ResponseWriter, cfg ResourceConfig, namespace, name string) {
	obj := cfg.NewObject()
	if err := s.store.Delete(namespace, name, obj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// wireEvent mirrors restclient's decoding shape: one JSON object per
// line, {"type": ..., "object": ...}.
type wireEvent struct {
	Type   k8swatch.EventType `json:"type"`
	Object runtime.Object     `json:"object"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, cfg ResourceConfig, namespace string) {
	goneKey := cfg.Kind.String() + "/" + namespace
	s.goneMu.Lock()
	forceGone := s.goneOnce[goneKey]
	delete(s.goneOnce, goneKey)
	s.goneMu.Unlock()

	if forceGone {
		rv := r.URL.Query().Get("resourceVersion")
		writeError(w, apierrors.NewGone(fmt.Sprintf("resourceVersion %q is too old, relist required", rv)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("fakeapiserver: ResponseWriter does not support streaming"))
		return
	}

	sub, cancel := s.store.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	enc := json.NewEncoder(w)

	timeout := watchTimeout(r)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	bookmarkPeriod := timeout / 3
	if bookmarkPeriod <= 0 {
		bookmarkPeriod = 10 * time.Second
	}
	bookmarks := time.NewTicker(bookmarkPeriod)
	defer bookmarks.Stop()

	allowBookmarks := r.URL.Query().Get("allowWatchBookmarks") == "true"
	objType := reflect.TypeOf(cfg.NewObject())

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timer.C:
			return // clean EOF: client resumes from the same resourceVersion
		case <-bookmarks.C:
			if !allowBookmarks {
				continue
			}
			rv, err := s.store.CurrentResourceVersion()
			if err != nil {
				continue
			}
			bm := cfg.NewObject()
			if accessor, err := meta.Accessor(bm); err == nil {
				accessor.SetResourceVersion(rv)
			}
			if err := enc.Encode(wireEvent{Type: k8swatch.Bookmark, Object: bm}); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if reflect.TypeOf(ev.Object) != objType {
				continue
			}
			if namespace != "" {
				accessor, err := meta.Accessor(ev.Object)
				if err != nil || accessor.GetNamespace() != namespace {
					continue
				}
			}
			if err := enc.Encode(wireEvent{Type: ev.Type, Object: ev.Object}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func watchTimeout(r *http.Request) time.Duration {
	raw := r.URL.Query().Get("timeoutSeconds")
	if raw == "" {
		return 5 * time.Minute
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(n) * time.Second
}

func filterByLabelSelector(listInto runtime.Object, raw string) error {
	sel, err := labels.Parse(raw)
	if err != nil {
		return apierrors.NewBadRequest(fmt.Sprintf("invalid label selector %q: %v", raw, err))
	}

	listValue := reflect.ValueOf(listInto).Elem()
	itemsField := listValue.FieldByName("Items")
	kept := reflect.MakeSlice(itemsField.Type(), 0, itemsField.Len())
	for i := 0; i < itemsField.Len(); i++ {
		item, ok := itemsField.Index(i).Addr().Interface().(runtime.Object)
		if !ok {
			continue
		}
		accessor, err := meta.Accessor(item)
		if err != nil {
			continue
		}
		if sel.Matches(labels.Set(accessor.GetLabels())) {
			kept = reflect.Append(kept, itemsField.Index(i))
		}
	}
	itemsField.Set(kept)
	return nil
}

func writeJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		klog.Warningf("fakeapiserver: failed writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var status metav1.Status
	if apiStatus, ok := err.(apierrors.APIStatus); ok {
		status = apiStatus.Status()
	} else {
		status = apierrors.NewInternalError(err).Status()
	}
	status.TypeMeta = metav1.TypeMeta{Kind: "Status", APIVersion: "v1"}
	code := int(status.Code)
	if code == 0 {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, status)
}
