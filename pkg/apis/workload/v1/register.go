package v1

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName is this API group's name.
const GroupName = "workload.kruntime.io"

// SchemeGroupVersion is the group version used to register these types.
var SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1"}

// Kind returns a GroupKind for the given unqualified kind name, e.g.
// Kind("WorkloadService").
func Kind(unqualified string) schema.GroupKind {
	return SchemeGroupVersion.WithKind(unqualified).GroupKind()
}

// Resource returns a GroupResource for the given unqualified resource
// name, e.g. Resource("workloadservices").
func Resource(unqualified string) schema.GroupResource {
	return SchemeGroupVersion.WithResource(unqualified).GroupResource()
}

var (
	// SchemeBuilder collects this package's types for registration into a
	// runtime.Scheme.
	SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)
	// AddToScheme adds this package's types to a runtime.Scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(SchemeGroupVersion,
		&WorkloadService{},
		&WorkloadServiceList{},
		&WorkloadInstance{},
		&WorkloadInstanceList{},
	)
	return nil
}
