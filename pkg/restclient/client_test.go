package restclient_test

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	"github.com/fx147/kruntime/pkg/kind"
	"github.com/fx147/kruntime/pkg/restclient"
)

type widget struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
}

func (w *widget) DeepCopyObject() runtime.Object {
	cp := *w
	cp.ObjectMeta = *w.ObjectMeta.DeepCopy()
	return &cp
}

type widgetList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []widget `json:"items"`
}

func (l *widgetList) DeepCopyObject() runtime.Object {
	cp := *l
	cp.Items = append([]widget(nil), l.Items...)
	return &cp
}

var widgetKind = kind.Kind{Group: "", Version: "v1", Resource: "widgets"}

func newClient(t *testing.T, srv *httptest.Server) *restclient.Client {
	t.Helper()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	c, err := restclient.New("http", addr.IP.String(), strconv.Itoa(addr.Port), srv.Client())
	require.NoError(t, err)
	return c
}

func TestListerWatcherList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/namespaces/default/widgets", r.URL.Path)
		list := widgetList{
			ListMeta: metav1.ListMeta{ResourceVersion: "7"},
			Items: []widget{
				{ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "default", ResourceVersion: "5"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(list)
	}))
	defer srv.Close()

	lw := restclient.NewListerWatcher[*widget](newClient(t, srv), widgetKind, "default",
		func() *widget { return &widget{} },
		func() runtime.Object { return &widgetList{} },
	)

	obj, err := lw.List(metav1.ListOptions{})
	require.NoError(t, err)
	gotList, ok := obj.(*widgetList)
	require.True(t, ok)
	require.Equal(t, "7", gotList.ResourceVersion)
	require.Len(t, gotList.Items, 1)
	require.Equal(t, "a", gotList.Items[0].Name)
}

func TestListerWatcherListErrorDecodesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		status := metav1.Status{
			TypeMeta: metav1.TypeMeta{Kind: "Status"},
			Status:   metav1.StatusFailure,
			Reason:   metav1.StatusReasonGone,
			Code:     http.StatusGone,
			Message:  "resourceVersion too old",
		}
		json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	lw := restclient.NewListerWatcher[*widget](newClient(t, srv), widgetKind, "default",
		func() *widget { return &widget{} },
		func() runtime.Object { return &widgetList{} },
	)

	_, err := lw.List(metav1.ListOptions{})
	require.Error(t, err)
	require.True(t, apierrors.IsGone(err))
}

func TestListerWatcherWatchStreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("watch"))
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		enc := json.NewEncoder(w)
		enc.Encode(map[string]interface{}{
			"type":   "ADDED",
			"object": widget{ObjectMeta: metav1.ObjectMeta{Name: "a", ResourceVersion: "8"}},
		})
		flusher.Flush()

		status := metav1.Status{TypeMeta: metav1.TypeMeta{Kind: "Status"}, Reason: metav1.StatusReasonGone, Code: http.StatusGone}
		enc.Encode(map[string]interface{}{"type": "ERROR", "object": status})
		flusher.Flush()
	}))
	defer srv.Close()

	lw := restclient.NewListerWatcher[*widget](newClient(t, srv), widgetKind, "default",
		func() *widget { return &widget{} },
		func() runtime.Object { return &widgetList{} },
	)

	timeout := int64(5)
	iface, err := lw.Watch(metav1.ListOptions{Watch: true, TimeoutSeconds: &timeout})
	require.NoError(t, err)
	defer iface.Stop()

	select {
	case ev := <-iface.ResultChan():
		require.Equal(t, k8swatch.Added, ev.Type)
		w, ok := ev.Object.(*widget)
		require.True(t, ok)
		require.Equal(t, "a", w.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ADDED event")
	}

	select {
	case ev := <-iface.ResultChan():
		require.Equal(t, k8swatch.Error, ev.Type)
		status, ok := ev.Object.(*metav1.Status)
		require.True(t, ok)
		require.Equal(t, metav1.StatusReasonGone, status.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ERROR event")
	}
}

func TestWatchRequestBuildsNamespacedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		bufio.NewWriter(w).Flush()
	}))
	defer srv.Close()

	lw := restclient.NewListerWatcher[*widget](newClient(t, srv), kind.Kind{Group: "apps", Version: "v1", Resource: "things"}, "ns1",
		func() *widget { return &widget{} },
		func() runtime.Object { return &widgetList{} },
	)
	iface, err := lw.Watch(metav1.ListOptions{})
	require.NoError(t, err)
	iface.Stop()
	require.Equal(t, "/apis/apps/v1/namespaces/ns1/things", gotPath)
}
