// Package kind identifies a Kubernetes resource kind the way the runtime
// needs to: enough to build ListOptions and a URL, nothing more. This is
// the "Resource capability" of spec.md §4.6, part (a).
package kind

import "k8s.io/apimachinery/pkg/runtime/schema"

// Kind names a resource type by group, version and plural resource name,
// e.g. {Group: "apps", Version: "v1", Resource: "deployments"}.
type Kind struct {
	Group    string
	Version  string
	Resource string
}

// GroupVersion returns the schema.GroupVersion for k.
func (k Kind) GroupVersion() schema.GroupVersion {
	return schema.GroupVersion{Group: k.Group, Version: k.Version}
}

// String renders k as "group/version/resource", omitting the group for the
// core group (matching kubectl's convention for core-group resources).
func (k Kind) String() string {
	if k.Group == "" {
		return k.Version + "/" + k.Resource
	}
	return k.Group + "/" + k.Version + "/" + k.Resource
}
