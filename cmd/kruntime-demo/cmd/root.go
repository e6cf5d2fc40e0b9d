package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kruntime-demo",
	Short: "A demo API server and controller built on the kruntime client-side runtime",
	Long: `kruntime-demo is a self-contained example of the kruntime runtime:
an in-process, Kubernetes-shaped API server (list/watch/create/update/delete
over HTTP) and a controller that reconciles WorkloadService objects by
creating and deleting WorkloadInstance children to match the desired
replica count.

Run "kruntime-demo serve" to start the API server and controller, then use
"kruntime-demo create" / "kruntime-demo get" in another shell to drive it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command (its subcommands are attached in init).
// Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kruntime-demo.yaml)")
	rootCmd.PersistentFlags().String("host", "localhost", "The host of the kruntime-demo API server")
	rootCmd.PersistentFlags().String("port", "8080", "The port of the kruntime-demo API server")
	rootCmd.PersistentFlags().String("protocol", "http", "The protocol to use (http or https)")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("protocol", rootCmd.PersistentFlags().Lookup("protocol"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCreateCmd())
	rootCmd.AddCommand(newGetCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigName(".kruntime-demo")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("KRUNTIME_DEMO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	}
}

// GetRootCmd exposes rootCmd so main can attach klog's flag set to it.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
