// Package minicluster runs an in-process cluster speaking the client wire
// protocol: a set of masters sharing one catalog and a set of tablet
// servers sharing one data plane, all on ephemeral localhost ports. It
// backs the test suites and the local development mode of the CLI.
package minicluster
