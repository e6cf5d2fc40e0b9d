package main

import (
	"flag"

	"k8s.io/klog/v2"

	"github.com/fx147/kruntime/cmd/kruntime-demo/cmd"
)

func main() {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	cmd.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	cmd.Execute()
}
