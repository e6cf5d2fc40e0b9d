package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	workloadv1 "github.com/fx147/kruntime/pkg/apis/workload/v1"
	"github.com/fx147/kruntime/pkg/controller"
	"github.com/fx147/kruntime/pkg/reflector"
	"github.com/fx147/kruntime/pkg/restclient"
	"github.com/fx147/kruntime/pkg/store"
	"github.com/fx147/kruntime/pkg/watch"

	"github.com/fx147/kruntime/internal/fakeapiserver"
	"github.com/fx147/kruntime/internal/workloadcontroller"
)

func newServeCmd() *cobra.Command {
	var dbPath string
	var namespace string
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the in-process API server and WorkloadService controller",
		Long: `serve starts a Kubernetes-shaped API server in this process (backed by
a local bbolt file) and a controller that reconciles WorkloadService
objects by creating and deleting WorkloadInstance children to match the
desired replica count. Use the create/get subcommands against the same
--host/--port to drive it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dbPath, namespace, workers)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db-path", "kruntime-demo.db", "Path to the bbolt file backing the demo API server")
	cmd.Flags().StringVar(&namespace, "namespace", "default", "Namespace the controller watches and reconciles")
	cmd.Flags().IntVar(&workers, "workers", 2, "Number of concurrent reconcile workers")

	return cmd
}

func runServe(ctx context.Context, dbPath, namespace string, workers int) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	scheme := runtime.NewScheme()
	if err := workloadv1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("register scheme: %w", err)
	}

	apiStore, err := fakeapiserver.NewStore(db, scheme)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	apiServer := fakeapiserver.NewServer(apiStore, scheme)
	apiServer.RegisterResource(fakeapiserver.ResourceConfig{
		Kind:      workloadcontroller.ServiceKind,
		NewObject: func() runtime.Object { return &workloadv1.WorkloadService{} },
		NewList:   func() runtime.Object { return &workloadv1.WorkloadServiceList{} },
	})
	apiServer.RegisterResource(fakeapiserver.ResourceConfig{
		Kind:      workloadcontroller.InstanceKind,
		NewObject: func() runtime.Object { return &workloadv1.WorkloadInstance{} },
		NewList:   func() runtime.Object { return &workloadv1.WorkloadInstanceList{} },
	})

	host := viper.GetString("host")
	port := viper.GetString("port")
	httpServer := &http.Server{Addr: host + ":" + port, Handler: apiServer}

	go func() {
		klog.Infof("kruntime-demo: API server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("kruntime-demo: API server stopped: %v", err)
		}
	}()
	defer httpServer.Close()

	client, err := restclient.New("http", host, port, nil)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	serviceLW := restclient.NewListerWatcher[*workloadv1.WorkloadService](client, workloadcontroller.ServiceKind, namespace,
		func() *workloadv1.WorkloadService { return &workloadv1.WorkloadService{} },
		func() runtime.Object { return &workloadv1.WorkloadServiceList{} },
	)
	instanceLW := restclient.NewListerWatcher[*workloadv1.WorkloadInstance](client, workloadcontroller.InstanceKind, namespace,
		func() *workloadv1.WorkloadInstance { return &workloadv1.WorkloadInstance{} },
		func() runtime.Object { return &workloadv1.WorkloadInstanceList{} },
	)

	serviceReflector := reflector.New(watch.New[*workloadv1.WorkloadService]("workloadservices", serviceLW, watch.NewListParams()), store.New[*workloadv1.WorkloadService]())
	instanceReflector := reflector.New(watch.New[*workloadv1.WorkloadInstance]("workloadinstances", instanceLW, watch.NewListParams()), store.New[*workloadv1.WorkloadInstance]())

	recon := workloadcontroller.New(client, serviceReflector.Store(), instanceReflector.Store())
	ctrl := controller.New("workloadservice", serviceReflector, recon.Reconcile).
		WithWorkers(workers).
		Owns(controller.OwnedBy(workloadcontroller.ServiceOwnerKind, serviceReflector.Store(), instanceReflector))

	for outcome := range ctrl.Run(ctx) {
		if outcome.Err != nil {
			klog.V(2).InfoS("reconcile failed", "key", outcome.Key, "err", outcome.Err)
		}
	}
	return nil
}
