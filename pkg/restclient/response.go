package restclient

import (
	"encoding/json"
	"fmt"
	"io"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Result wraps a single HTTP response, decoded the way a Kubernetes-style
// API server answers: 2xx bodies are the object itself, non-2xx bodies
// are a metav1.Status that Into turns into a proper *errors.StatusError
// (so callers can use errors.IsNotFound, errors.IsConflict, and so on).
type Result struct {
	body       io.ReadCloser
	statusCode int
	err        error
}

// Into decodes the response body into obj, or returns the decoded
// *errors.StatusError if the response was not 2xx.
func (r *Result) Into(obj interface{}) error {
	data, err := r.Raw()
	if err != nil {
		return err
	}

	if r.statusCode < 200 || r.statusCode >= 300 {
		return statusError(r.statusCode, data)
	}
	if obj == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, obj); err != nil {
		return fmt.Errorf("restclient: decode response: %w (body: %q)", err, string(data))
	}
	return nil
}

// Raw returns the raw response body. It consumes the body; do not call
// both Raw and Into on the same Result.
func (r *Result) Raw() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	defer r.body.Close()
	return io.ReadAll(r.body)
}

// statusError decodes data as a metav1.Status and converts it to the
// equivalent apimachinery error, falling back to a generic server
// response if the body isn't a well-formed Status.
func statusError(code int, data []byte) error {
	var status metav1.Status
	if err := json.Unmarshal(data, &status); err == nil && status.Kind == "Status" {
		return apierrors.FromObject(&status)
	}
	return apierrors.NewGenericServerResponse(code, "", schema.GroupResource{}, "", string(data), 0, false)
}
