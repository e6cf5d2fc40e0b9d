package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	workloadv1 "github.com/fx147/kruntime/pkg/apis/workload/v1"
	"github.com/fx147/kruntime/internal/kruntime-cli/util"
	"github.com/fx147/kruntime/internal/workloadcontroller"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [resource]",
		Short: "Display one or many resources from a running kruntime-demo serve instance",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.AddCommand(newGetServicesCmd())
	cmd.AddCommand(newGetInstancesCmd())
	return cmd
}

func newGetServicesCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:     "workloadservices",
		Aliases: []string{"workloadservice", "svc"},
		Short:   "List WorkloadServices",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := util.NewClientFromFlags()
			if err != nil {
				return err
			}
			list := &workloadv1.WorkloadServiceList{}
			if err := client.Get().Resource(workloadcontroller.ServiceKind, namespace).
				ListOptions(metav1.ListOptions{}).Do(context.Background()).Into(list); err != nil {
				return fmt.Errorf("list workloadservices: %w", err)
			}
			if len(list.Items) == 0 {
				fmt.Println("No workloadservices found.")
				return nil
			}
			util.PrintWorkloadServicesTable(os.Stdout, list.Items)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace to list")
	return cmd
}

func newGetInstancesCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:     "workloadinstances",
		Aliases: []string{"workloadinstance", "inst"},
		Short:   "List WorkloadInstances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := util.NewClientFromFlags()
			if err != nil {
				return err
			}
			list := &workloadv1.WorkloadInstanceList{}
			if err := client.Get().Resource(workloadcontroller.InstanceKind, namespace).
				ListOptions(metav1.ListOptions{}).Do(context.Background()).Into(list); err != nil {
				return fmt.Errorf("list workloadinstances: %w", err)
			}
			if len(list.Items) == 0 {
				fmt.Println("No workloadinstances found.")
				return nil
			}
			util.PrintWorkloadInstancesTable(os.Stdout, list.Items)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace to list")
	return cmd
}
