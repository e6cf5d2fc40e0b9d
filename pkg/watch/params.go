package watch

import (
	"fmt"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// defaultWatchTimeoutSeconds cycles watch connections before idle
// middleboxes drop them (spec.md §4.1(c)).
const defaultWatchTimeoutSeconds = 290

// ListParams is the set of query options a Watcher may apply to its list
// and watch requests. It mirrors spec.md §6's recognized option set
// exactly; there is no escape hatch for arbitrary options, so callers
// cannot accidentally depend on a field the spec doesn't define.
type ListParams struct {
	LabelSelector  string
	FieldSelector  string
	TimeoutSeconds int
	Limit          int64
	AllowBookmarks bool
}

// Option configures a ListParams under construction.
type Option func(*ListParams)

// WithLabelSelector sets the label selector. Multiple calls overwrite.
func WithLabelSelector(selector string) Option {
	return func(p *ListParams) { p.LabelSelector = selector }
}

// WithFieldSelector sets the field selector. Multiple calls overwrite.
func WithFieldSelector(selector string) Option {
	return func(p *ListParams) { p.FieldSelector = selector }
}

// WithTimeoutSeconds overrides the default watch idle timeout.
func WithTimeoutSeconds(seconds int) Option {
	return func(p *ListParams) { p.TimeoutSeconds = seconds }
}

// WithLimit caps the number of items a single list page returns.
func WithLimit(limit int64) Option {
	return func(p *ListParams) { p.Limit = limit }
}

// WithoutBookmarks disables the default of requesting watch bookmarks.
// Implementors should not normally need this: bookmarks keep the
// watcher's resume resource version current while a watch is idle, which
// is why they are requested by default.
func WithoutBookmarks() Option {
	return func(p *ListParams) { p.AllowBookmarks = false }
}

// NewListParams builds a ListParams from options, applying the spec's
// defaults (290s watch timeout, bookmarks requested).
func NewListParams(opts ...Option) ListParams {
	p := ListParams{
		TimeoutSeconds: defaultWatchTimeoutSeconds,
		AllowBookmarks: true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ParseListParams builds a ListParams from a string-keyed option map, the
// shape a config file or CLI flag set would naturally produce. Unknown
// keys are rejected at construction (spec.md §6).
func ParseListParams(raw map[string]string) (ListParams, error) {
	p := NewListParams()
	for key, value := range raw {
		switch key {
		case "label_selector":
			p.LabelSelector = value
		case "field_selector":
			p.FieldSelector = value
		case "timeout_seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return ListParams{}, fmt.Errorf("watch: timeout_seconds: %w", err)
			}
			p.TimeoutSeconds = n
		case "limit":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ListParams{}, fmt.Errorf("watch: limit: %w", err)
			}
			p.Limit = n
		case "allow_bookmarks":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return ListParams{}, fmt.Errorf("watch: allow_bookmarks: %w", err)
			}
			p.AllowBookmarks = b
		default:
			return ListParams{}, fmt.Errorf("watch: unknown list option %q", key)
		}
	}
	return p, nil
}

// listOptions builds the metav1.ListOptions for a one-shot list call.
func (p ListParams) listOptions(resourceVersion string) metav1.ListOptions {
	return metav1.ListOptions{
		LabelSelector:   p.LabelSelector,
		FieldSelector:   p.FieldSelector,
		Limit:           p.Limit,
		ResourceVersion: resourceVersion,
	}
}

// watchOptions builds the metav1.ListOptions for a watch call resuming
// from resourceVersion.
func (p ListParams) watchOptions(resourceVersion string) metav1.ListOptions {
	timeout := int64(p.TimeoutSeconds)
	return metav1.ListOptions{
		LabelSelector:       p.LabelSelector,
		FieldSelector:       p.FieldSelector,
		Watch:               true,
		AllowWatchBookmarks: p.AllowBookmarks,
		ResourceVersion:     resourceVersion,
		TimeoutSeconds:      &timeout,
	}
}
