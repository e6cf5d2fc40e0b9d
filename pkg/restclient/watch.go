package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8swatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

// wireEvent is the NDJSON line shape of a watch event: one JSON object
// per line, {"type": "ADDED"|"MODIFIED"|"DELETED"|"BOOKMARK"|"ERROR",
// "object": <the object, or a Status for ERROR>}.
type wireEvent struct {
	Type   k8swatch.EventType `json:"type"`
	Object json.RawMessage    `json:"object"`
}

// streamWatch adapts an HTTP chunked response into a k8swatch.Interface by
// decoding one wireEvent per line.
type streamWatch struct {
	resp      *http.Response
	cancel    context.CancelFunc
	newObject func() runtime.Object

	result   chan k8swatch.Event
	stopOnce sync.Once
}

func newStreamWatch(resp *http.Response, cancel context.CancelFunc, newObject func() runtime.Object) *streamWatch {
	w := &streamWatch{
		resp:      resp,
		cancel:    cancel,
		newObject: newObject,
		result:    make(chan k8swatch.Event),
	}
	go w.receive()
	return w
}

func (w *streamWatch) ResultChan() <-chan k8swatch.Event { return w.result }

func (w *streamWatch) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
	})
}

func (w *streamWatch) receive() {
	defer close(w.result)
	defer w.resp.Body.Close()

	decoder := json.NewDecoder(w.resp.Body)
	for {
		var line wireEvent
		if err := decoder.Decode(&line); err != nil {
			if err == io.EOF || err == context.Canceled {
				return
			}
			klog.V(3).InfoS("restclient: watch stream decode error, signalling desync", "err", err)
			status := &metav1.Status{
				Status:  metav1.StatusFailure,
				Message: fmt.Sprintf("watch stream decode error: %v", err),
				Reason:  metav1.StatusReasonExpired,
				Code:    http.StatusGone,
			}
			select {
			case w.result <- k8swatch.Event{Type: k8swatch.Error, Object: status}:
			case <-w.resp.Request.Context().Done():
			}
			return
		}

		var obj runtime.Object
		if line.Type == k8swatch.Error {
			var status metav1.Status
			if err := json.Unmarshal(line.Object, &status); err != nil {
				klog.V(2).InfoS("restclient: malformed error event, signalling desync", "err", err)
				status = metav1.Status{
					Status:  metav1.StatusFailure,
					Message: fmt.Sprintf("malformed error event: %v", err),
					Reason:  metav1.StatusReasonExpired,
					Code:    http.StatusGone,
				}
			}
			obj = &status
		} else {
			target := w.newObject()
			if err := json.Unmarshal(line.Object, target); err != nil {
				klog.V(2).InfoS("restclient: malformed watch object, signalling desync", "err", err)
				status := &metav1.Status{
					Status:  metav1.StatusFailure,
					Message: fmt.Sprintf("malformed watch object: %v", err),
					Reason:  metav1.StatusReasonExpired,
					Code:    http.StatusGone,
				}
				select {
				case w.result <- k8swatch.Event{Type: k8swatch.Error, Object: status}:
				case <-w.resp.Request.Context().Done():
				}
				return
			}
			obj = target
		}

		select {
		case w.result <- k8swatch.Event{Type: line.Type, Object: obj}:
		case <-w.resp.Request.Context().Done():
			return
		}
	}
}
