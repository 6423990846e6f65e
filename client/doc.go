// Package client is the public entry point: a Client handle for table
// management and cluster introspection, and Table handles for data
// operations. All handles are safe for concurrent use and share one RPC
// engine underneath.
package client
