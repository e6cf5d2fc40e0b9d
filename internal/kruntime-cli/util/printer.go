package util

import (
	"fmt"
	"io"
	"text/tabwriter"

	workloadv1 "github.com/fx147/kruntime/pkg/apis/workload/v1"
)

// PrintWorkloadServicesTable prints a kubectl-get-shaped table of
// WorkloadServices to out.
func PrintWorkloadServicesTable(out io.Writer, services []workloadv1.WorkloadService) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAMESPACE\tNAME\tDESIRED\tREADY\tIMAGE")
	for _, svc := range services {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			svc.Namespace, svc.Name, svc.Spec.Replicas, svc.Status.ReadyReplicas, svc.Spec.Template.Image)
	}
}

// PrintWorkloadInstancesTable prints a kubectl-get-shaped table of
// WorkloadInstances to out.
func PrintWorkloadInstancesTable(out io.Writer, instances []workloadv1.WorkloadInstance) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAMESPACE\tNAME\tIMAGE\tPHASE")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", inst.Namespace, inst.Name, inst.Spec.Image, inst.Status.Phase)
	}
}
