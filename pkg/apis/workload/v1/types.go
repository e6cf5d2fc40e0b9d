// Package v1 defines the example domain types the demo controller in
// cmd/kruntime-demo reconciles: WorkloadService, a Deployment-shaped
// parent resource, and WorkloadInstance, the child resources it owns.
// Their shape and the hand-written deep-copy methods follow the
// teacher's pkg/apis/ecsm/v1 types, generalized to apimachinery's own
// metav1 instead of a bespoke metadata package.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// WorkloadService is the desired-state parent resource: "run N instances
// of this template, routed by this selector."
type WorkloadService struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkloadServiceSpec   `json:"spec,omitempty"`
	Status WorkloadServiceStatus `json:"status,omitempty"`
}

// WorkloadServiceSpec is the desired state of a WorkloadService.
type WorkloadServiceSpec struct {
	Replicas int32                        `json:"replicas"`
	Selector map[string]string            `json:"selector"`
	Template WorkloadInstanceTemplateSpec `json:"template"`
}

// WorkloadInstanceTemplateSpec is the template WorkloadInstances are
// created from.
type WorkloadInstanceTemplateSpec struct {
	Labels map[string]string `json:"labels,omitempty"`
	Image  string            `json:"image"`
}

// WorkloadServiceStatus is the observed state of a WorkloadService, kept
// up to date by the controller reconciling it.
type WorkloadServiceStatus struct {
	Replicas           int32               `json:"replicas"`
	ReadyReplicas      int32               `json:"readyReplicas"`
	ObservedGeneration int64               `json:"observedGeneration,omitempty"`
	Conditions         []metav1.Condition  `json:"conditions,omitempty"`
}

// DeepCopyObject implements runtime.Object.
func (s *WorkloadService) DeepCopyObject() runtime.Object {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ObjectMeta = *s.ObjectMeta.DeepCopy()
	cp.Spec.Selector = copyStringMap(s.Spec.Selector)
	cp.Spec.Template.Labels = copyStringMap(s.Spec.Template.Labels)
	if s.Status.Conditions != nil {
		cp.Status.Conditions = append([]metav1.Condition(nil), s.Status.Conditions...)
	}
	return &cp
}

// WorkloadServiceList is a list of WorkloadService.
type WorkloadServiceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []WorkloadService `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (l *WorkloadServiceList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Items = make([]WorkloadService, len(l.Items))
	for i := range l.Items {
		cp.Items[i] = *l.Items[i].DeepCopyObject().(*WorkloadService)
	}
	return &cp
}

// WorkloadInstance is a single running instance of a WorkloadService's
// template, analogous to a Pod owned by a ReplicaSet. The controller
// creates and deletes these directly; it never mutates one in place
// except to report Status.
type WorkloadInstance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkloadInstanceSpec   `json:"spec,omitempty"`
	Status WorkloadInstanceStatus `json:"status,omitempty"`
}

// WorkloadInstanceSpec is the desired state of a single instance.
type WorkloadInstanceSpec struct {
	Image string `json:"image"`
}

// WorkloadInstanceStatus is the observed state of a single instance.
type WorkloadInstanceStatus struct {
	Phase string `json:"phase,omitempty"`
}

// DeepCopyObject implements runtime.Object.
func (i *WorkloadInstance) DeepCopyObject() runtime.Object {
	if i == nil {
		return nil
	}
	cp := *i
	cp.ObjectMeta = *i.ObjectMeta.DeepCopy()
	return &cp
}

// WorkloadInstanceList is a list of WorkloadInstance.
type WorkloadInstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []WorkloadInstance `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (l *WorkloadInstanceList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	cp := *l
	cp.Items = make([]WorkloadInstance, len(l.Items))
	for i := range l.Items {
		cp.Items[i] = *l.Items[i].DeepCopyObject().(*WorkloadInstance)
	}
	return &cp
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
