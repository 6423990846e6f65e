package dev

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strata-db/strata-go/cmd/util"
	"github.com/strata-db/strata-go/minicluster"
	"github.com/strata-db/strata-go/rpc/common"
)

var (
	// DevCmd runs a local in-process cluster until interrupted
	DevCmd = &cobra.Command{
		Use:     "dev",
		Short:   "Run a local in-process cluster for development",
		Long:    "Starts masters and tablet servers inside this process on ephemeral localhost ports and prints the master addresses to connect to. Stops on SIGINT/SIGTERM.",
		PreRunE: processConfig,
		RunE:    run,
	}

	devMasters  = 3
	devTServers = 3
	devTablets  = 4
	devPolls    = 0
)

func init() {
	cobra.OnInitialize(util.InitClientConfig)

	// add flags
	key := "dev-masters"
	DevCmd.Flags().Int(key, 3, util.WrapString("Number of masters to run"))
	key = "dev-tservers"
	DevCmd.Flags().Int(key, 3, util.WrapString("Number of tablet servers to run"))
	key = "dev-tablets"
	DevCmd.Flags().Int(key, 4, util.WrapString("Number of tablets each created table is split into"))
	key = "dev-ddl-polls"
	DevCmd.Flags().Int(key, 0, util.WrapString("How many times DDL completion polls report pending before done - useful for testing client backoff"))
	key = "log-level"
	DevCmd.Flags().String(key, "info", util.WrapString("Log level (debug, info, warning, error)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	devMasters = viper.GetInt("dev-masters")
	devTServers = viper.GetInt("dev-tservers")
	devTablets = viper.GetInt("dev-tablets")
	devPolls = viper.GetInt("dev-ddl-polls")

	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	common.InitLoggers(viper.GetString("log-level"))

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	cluster, err := minicluster.NewCluster(minicluster.Options{
		Masters:         devMasters,
		TabletServers:   devTServers,
		TabletsPerTable: devTablets,
		DDLDonePolls:    devPolls,
		Serializer:      s,
	})
	if err != nil {
		return err
	}
	defer cluster.Close()

	var addrs []string
	for _, addr := range cluster.MasterAddrs() {
		addrs = append(addrs, addr.String())
	}
	fmt.Printf("cluster running, connect with:\n\n  strata admin --masters %s list-masters\n\n", strings.Join(addrs, ","))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	return nil
}
