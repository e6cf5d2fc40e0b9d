package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/fx147/kruntime/pkg/kind"
)

// Request builds a single HTTP call against a Client, the same chainable
// way the teacher's REST client does: Verb/Resource/Name/Param/Body, then
// Do to execute it.
type Request struct {
	c *Client

	verb      string
	group     string
	version   string
	namespace string
	resource  string
	name      string
	params    url.Values
	body      interface{}
	err       error
}

func newRequest(c *Client) *Request {
	return &Request{c: c}
}

// Verb sets the HTTP method.
func (r *Request) Verb(verb string) *Request {
	r.verb = verb
	return r
}

// Resource targets kind k, namespace ns ("" for cluster-scoped or for a
// namespace-spanning list).
func (r *Request) Resource(k kind.Kind, ns string) *Request {
	if r.err != nil {
		return r
	}
	r.group = k.Group
	r.version = k.Version
	r.resource = k.Resource
	r.namespace = ns
	return r
}

// Name targets a single object by name within the resource set by
// Resource.
func (r *Request) Name(name string) *Request {
	if r.err != nil {
		return r
	}
	if name == "" {
		r.err = fmt.Errorf("restclient: object name may not be empty")
		return r
	}
	r.name = name
	return r
}

// Param adds a raw URL query parameter.
func (r *Request) Param(key, value string) *Request {
	if r.err != nil {
		return r
	}
	if r.params == nil {
		r.params = make(url.Values)
	}
	r.params.Add(key, value)
	return r
}

// ListOptions copies the recognized fields of opts into the request's
// query parameters.
func (r *Request) ListOptions(opts metav1.ListOptions) *Request {
	if opts.LabelSelector != "" {
		r.Param("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		r.Param("fieldSelector", opts.FieldSelector)
	}
	if opts.ResourceVersion != "" {
		r.Param("resourceVersion", opts.ResourceVersion)
	}
	if opts.Limit != 0 {
		r.Param("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Watch {
		r.Param("watch", "true")
	}
	if opts.AllowWatchBookmarks {
		r.Param("allowWatchBookmarks", "true")
	}
	if opts.TimeoutSeconds != nil {
		r.Param("timeoutSeconds", fmt.Sprintf("%d", *opts.TimeoutSeconds))
	}
	return r
}

// Body sets the request body, marshaled as JSON.
func (r *Request) Body(obj interface{}) *Request {
	if r.err != nil {
		return r
	}
	r.body = obj
	return r
}

// urlPath builds the Kubernetes-shaped REST path for this request:
// /api/<version>/namespaces/<ns>/<resource>[/<name>] for the core group,
// /apis/<group>/<version>/... otherwise, and no namespaces/<ns> segment
// when namespace is empty (cluster-scoped, or a cross-namespace list).
func (r *Request) urlPath() string {
	prefix := r.c.apiPrefix
	segments := []string{prefix}
	if r.group != "" {
		segments = []string{"apis", r.group}
	}
	segments = append(segments, r.version)
	if r.namespace != "" {
		segments = append(segments, "namespaces", r.namespace)
	}
	segments = append(segments, r.resource)
	if r.name != "" {
		segments = append(segments, r.name)
	}
	return path.Join(segments...)
}

// DoRaw executes the request and returns the live HTTP response for the
// caller to stream or buffer. The caller owns closing resp.Body.
func (r *Request) DoRaw(ctx context.Context) (*http.Response, error) {
	if r.err != nil {
		return nil, r.err
	}

	fullURL := r.c.baseURL.ResolveReference(&url.URL{Path: r.urlPath()})
	if len(r.params) > 0 {
		fullURL.RawQuery = r.params.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("restclient: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.verb, fullURL.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("restclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	klog.V(4).InfoS("Executing request", "method", req.Method, "url", req.URL)
	resp, err := r.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("restclient: %s %s: %w", r.verb, fullURL, err)
	}
	return resp, nil
}

// Do executes the request and buffers the response body into a Result.
func (r *Request) Do(ctx context.Context) *Result {
	resp, err := r.DoRaw(ctx)
	if err != nil {
		return &Result{err: err}
	}
	return &Result{body: resp.Body, statusCode: resp.StatusCode}
}
