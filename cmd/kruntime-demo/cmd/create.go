package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	workloadv1 "github.com/fx147/kruntime/pkg/apis/workload/v1"
	"github.com/fx147/kruntime/internal/kruntime-cli/util"
	"github.com/fx147/kruntime/internal/workloadcontroller"
)

func newCreateCmd() *cobra.Command {
	var namespace, image string
	var replicas int32

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a WorkloadService against a running kruntime-demo serve instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := util.NewClientFromFlags()
			if err != nil {
				return err
			}

			svc := &workloadv1.WorkloadService{
				ObjectMeta: metav1.ObjectMeta{Name: args[0], Namespace: namespace},
				Spec: workloadv1.WorkloadServiceSpec{
					Replicas: replicas,
					Template: workloadv1.WorkloadInstanceTemplateSpec{Image: image},
				},
			}

			created := &workloadv1.WorkloadService{}
			if err := client.Post().Resource(workloadcontroller.ServiceKind, namespace).
				Body(svc).Do(context.Background()).Into(created); err != nil {
				return fmt.Errorf("create workloadservice %s: %w", args[0], err)
			}

			fmt.Printf("workloadservice/%s created (resourceVersion=%s)\n", created.Name, created.ResourceVersion)
			return nil
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace to create the WorkloadService in")
	cmd.Flags().StringVar(&image, "image", "example:latest", "Image each WorkloadInstance should run")
	cmd.Flags().Int32VarP(&replicas, "replicas", "r", 1, "Desired number of WorkloadInstances")

	return cmd
}
