// Package workloadcontroller implements the demo reconciler wired up by
// cmd/kruntime-demo: it drives the observed WorkloadInstance count for
// each WorkloadService toward its desired Spec.Replicas, the same
// desired/actual replica reconciliation shape the teacher's
// service_controller.go hand-rolled per controller, now expressed once
// against the generic kruntime runtime.
package workloadcontroller

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	workloadv1 "github.com/fx147/kruntime/pkg/apis/workload/v1"
	"github.com/fx147/kruntime/pkg/controller"
	"github.com/fx147/kruntime/pkg/kind"
	"github.com/fx147/kruntime/pkg/objkey"
	"github.com/fx147/kruntime/pkg/restclient"
	"github.com/fx147/kruntime/pkg/store"
)

// ServiceKind and InstanceKind identify the two kinds this reconciler
// deals in at the wire level: the resource names restclient.ListerWatcher
// and fakeapiserver.ResourceConfig are both built against.
var (
	ServiceKind  = kind.Kind{Group: workloadv1.GroupName, Version: "v1", Resource: "workloadservices"}
	InstanceKind = kind.Kind{Group: workloadv1.GroupName, Version: "v1", Resource: "workloadinstances"}
)

// ServiceOwnerKind is the OwnerReference.Kind value stamped onto every
// WorkloadInstance this package creates, and the rootKind a
// controller.OwnedBy source must be built with to route WorkloadInstance
// events back to their owning WorkloadService.
const ServiceOwnerKind = "WorkloadService"

// Reconciler reconciles WorkloadService objects. Build one with New and
// pass its Reconcile method to controller.New.
type Reconciler struct {
	client    *restclient.Client
	services  *store.Store[*workloadv1.WorkloadService]
	instances *store.Store[*workloadv1.WorkloadInstance]
}

// New returns a Reconciler that creates/deletes WorkloadInstances through
// client, reading current state from services and instances (the two
// Stores kept up to date by the controller's root and owned reflectors).
func New(client *restclient.Client, services *store.Store[*workloadv1.WorkloadService], instances *store.Store[*workloadv1.WorkloadInstance]) *Reconciler {
	return &Reconciler{client: client, services: services, instances: instances}
}

// Reconcile implements controller.ReconcileFunc.
func (r *Reconciler) Reconcile(ctx context.Context, key objkey.Key) (controller.Result, error) {
	svc, ok := r.services.Get(key)
	if !ok {
		klog.V(4).InfoS("workloadservice no longer exists, cleaning up any orphaned instances", "key", key)
		return controller.Result{}, r.deleteOrphans(ctx, key)
	}

	owned := r.ownedInstances(svc)
	want := int(svc.Spec.Replicas)
	have := len(owned)

	switch {
	case have < want:
		for i := 0; i < want-have; i++ {
			if err := r.createInstance(ctx, svc); err != nil {
				return controller.Result{}, fmt.Errorf("create instance %d/%d for %s: %w", i+1, want-have, key, err)
			}
		}
	case have > want:
		toDelete := owned[:have-want]
		for _, inst := range toDelete {
			if err := r.deleteInstance(ctx, inst); err != nil {
				return controller.Result{}, fmt.Errorf("delete instance %s for %s: %w", inst.Name, key, err)
			}
		}
	}

	if err := r.updateStatus(ctx, svc, want); err != nil {
		return controller.Result{}, fmt.Errorf("update status for %s: %w", key, err)
	}

	return controller.Result{}, nil
}

// ownedInstances returns svc's controlled WorkloadInstances, sorted by
// name so repeated reconciles make deterministic scale-down choices.
func (r *Reconciler) ownedInstances(svc *workloadv1.WorkloadService) []*workloadv1.WorkloadInstance {
	var owned []*workloadv1.WorkloadInstance
	for _, inst := range r.instances.List() {
		owner, err := objkey.ControllerOf(inst)
		if err != nil || owner == nil {
			continue
		}
		if owner.Kind == ServiceOwnerKind && owner.UID == svc.UID {
			owned = append(owned, inst)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].Name < owned[j].Name })
	return owned
}

// deleteOrphans removes any WorkloadInstances still carrying a controller
// owner reference to a WorkloadService that no longer exists. The runtime
// has no garbage collector of its own (spec.md's "no server-side logic"
// non-goal); a controller that creates children is responsible for
// cleaning them up itself.
func (r *Reconciler) deleteOrphans(ctx context.Context, key objkey.Key) error {
	for _, inst := range r.instances.List() {
		owner, err := objkey.ControllerOf(inst)
		if err != nil || owner == nil {
			continue
		}
		if owner.Kind != ServiceOwnerKind || inst.Namespace != key.Namespace || owner.Name != key.Name {
			continue
		}
		if err := r.deleteInstance(ctx, inst); err != nil {
			return fmt.Errorf("delete orphaned instance %s: %w", inst.Name, err)
		}
	}
	return nil
}

func (r *Reconciler) createInstance(ctx context.Context, svc *workloadv1.WorkloadService) error {
	isController := true
	inst := &workloadv1.WorkloadInstance{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", svc.Name, uuid.NewString()[:8]),
			Namespace: svc.Namespace,
			Labels:    svc.Spec.Template.Labels,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: workloadv1.SchemeGroupVersion.String(),
				Kind:       ServiceOwnerKind,
				Name:       svc.Name,
				UID:        svc.UID,
				Controller: &isController,
			}},
		},
		Spec: workloadv1.WorkloadInstanceSpec{Image: svc.Spec.Template.Image},
	}

	created := &workloadv1.WorkloadInstance{}
	err := r.client.Post().Resource(InstanceKind, svc.Namespace).Body(inst).Do(ctx).Into(created)
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (r *Reconciler) deleteInstance(ctx context.Context, inst *workloadv1.WorkloadInstance) error {
	deleted := &workloadv1.WorkloadInstance{}
	err := r.client.Delete().Resource(InstanceKind, inst.Namespace).Name(inst.Name).Do(ctx).Into(deleted)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// updateStatus reports the current replica count back onto svc. A
// conflicting concurrent write is not retried here: it is logged and
// treated as success, leaving the update to a later reconcile. The fake
// server assigns resourceVersion on every write, so a stale Status.Replicas
// update from a previous reconcile naturally loses a race here.
func (r *Reconciler) updateStatus(ctx context.Context, svc *workloadv1.WorkloadService, replicas int) error {
	updated := svc.DeepCopyObject().(*workloadv1.WorkloadService)
	updated.Status.Replicas = int32(replicas)
	updated.Status.ReadyReplicas = int32(replicas)
	updated.Status.ObservedGeneration = svc.Generation

	result := &workloadv1.WorkloadService{}
	err := r.client.Put().Resource(ServiceKind, svc.Namespace).Name(svc.Name).Body(updated).Do(ctx).Into(result)
	if apierrors.IsConflict(err) {
		klog.V(3).InfoS("status update conflict, will retry on next reconcile", "service", svc.Name)
		return nil
	}
	return err
}
