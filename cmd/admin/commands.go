package admin

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	createTableCmd = &cobra.Command{
		Use:   "create-table [name] [schema] [numReplicas]",
		Short: "Creates a table and waits until the creation completes",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			schema := args[1]
			numReplicas, err := strconv.ParseInt(args[2], 10, 32)
			if err != nil {
				return fmt.Errorf("numReplicas must be a number: %w", err)
			}
			tbl, err := rpcClient.CreateTable(cmd.Context(), name, []byte(schema), int32(numReplicas))
			if err != nil {
				return err
			}
			fmt.Printf("created table %q with id %s\n", tbl.Name(), tbl.ID())
			return nil
		},
	}
	alterTableCmd = &cobra.Command{
		Use:   "alter-table [name] [schema]",
		Short: "Changes a table's schema and waits until the change completes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			schema := args[1]
			tbl, err := rpcClient.OpenTable(cmd.Context(), name)
			if err != nil {
				return err
			}
			if err := rpcClient.AlterTable(cmd.Context(), tbl.ID(), []byte(schema)); err != nil {
				return err
			}
			fmt.Println("altered successfully")
			return nil
		},
	}
	deleteTableCmd = &cobra.Command{
		Use:   "delete-table [name]",
		Short: "Deletes a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.DeleteTable(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted successfully")
			return nil
		},
	}
	listTablesCmd = &cobra.Command{
		Use:   "list-tables [prefix]",
		Short: "Lists tables, optionally filtered by a name prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 0 {
				filter = args[0]
			}
			tables, err := rpcClient.ListTables(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, t := range tables {
				fmt.Printf("%-32s %s\n", t.Name, t.ID)
			}
			fmt.Printf("%d table(s)\n", len(tables))
			return nil
		},
	}
	listMastersCmd = &cobra.Command{
		Use:   "list-masters",
		Short: "Lists the masters of the cluster with their roles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			masters, err := rpcClient.ListMasters(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range masters {
				fmt.Printf("%-12s %-24s %s\n", m.ID, m.Addr, m.Role)
			}
			return nil
		},
	}
	listTabletServersCmd = &cobra.Command{
		Use:   "list-tservers",
		Short: "Lists the live tablet servers of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tservers, err := rpcClient.ListTabletServers(cmd.Context())
			if err != nil {
				return err
			}
			for _, ts := range tservers {
				fmt.Printf("%-12s %s\n", ts.ID, ts.Addr)
			}
			return nil
		},
	}
	writeCmd = &cobra.Command{
		Use:   "write [table] [key] [row]",
		Short: "Writes one encoded row under the given partition key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := rpcClient.OpenTable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := tbl.Write(cmd.Context(), []byte(args[1]), []byte(args[2])); err != nil {
				return err
			}
			fmt.Println("written successfully")
			return nil
		},
	}
)
