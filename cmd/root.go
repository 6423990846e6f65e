package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata-go/cmd/admin"
	"github.com/strata-db/strata-go/cmd/dev"
	"github.com/strata-db/strata-go/cmd/util"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "strata",
		Short: "client for Strata tabular storage clusters",
		Long: fmt.Sprintf(`Strata client (v%s)

Command line client for Strata clusters: table management, cluster
introspection, a local development cluster and a performance testing
tool.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the Strata client",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strata v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(admin.AdminCommands)
	RootCmd.AddCommand(dev.DevCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
