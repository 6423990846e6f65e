package admin

import (
	"github.com/spf13/cobra"

	"github.com/strata-db/strata-go/client"
	"github.com/strata-db/strata-go/cmd/util"
	"github.com/strata-db/strata-go/rpc/common"
)

var (
	rpcClient *client.Client

	// AdminCommands represents the admin command group
	AdminCommands = &cobra.Command{
		Use:               "admin",
		Short:             "Manage tables and inspect the cluster",
		PersistentPreRunE: setupClient,
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rpcClient != nil {
				rpcClient.Close()
			}
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common connection flags to the admin command
	util.SetupClientFlags(AdminCommands)

	// Add subcommands
	AdminCommands.AddCommand(createTableCmd)
	AdminCommands.AddCommand(alterTableCmd)
	AdminCommands.AddCommand(deleteTableCmd)
	AdminCommands.AddCommand(listTablesCmd)
	AdminCommands.AddCommand(listMastersCmd)
	AdminCommands.AddCommand(listTabletServersCmd)
	AdminCommands.AddCommand(writeCmd)
	AdminCommands.AddCommand(perfTestCmd)
}

// setupClient connects to the cluster named by the config
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetClientConfig()
	common.InitLoggers(config.LogLevel)

	var err error
	rpcClient, err = client.Connect(config)
	return err
}
