// Package util holds small helpers shared by the kruntime-demo
// subcommands: building a restclient.Client from the root command's
// persistent flags, and printing result tables. Adapted from the
// teacher's internal/ecsm-cli/util package.
package util

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/fx147/kruntime/pkg/restclient"
)

// NewClientFromFlags builds a restclient.Client from the host/port/protocol
// persistent flags bound into viper by the root command.
func NewClientFromFlags() (*restclient.Client, error) {
	host := viper.GetString("host")
	port := viper.GetString("port")
	protocol := viper.GetString("protocol")

	if host == "" || port == "" || protocol == "" {
		return nil, fmt.Errorf("host, port, and protocol must be specified")
	}

	return restclient.New(protocol, host, port, nil)
}
