// Package cmd implements the command-line interface of the Strata client.
// It provides a hierarchical command structure for managing tables and
// inspecting a cluster.
//
// The package is organized into several subpackages:
//
//   - admin: Commands for table management and cluster introspection
//     (create-table, delete-table, list-tables, list-masters, ...)
//   - dev: Runs a local in-process cluster for development and testing
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See strata -help for a list of all commands.
package cmd
