// Package transport implements the RPC connection engine: a pool of
// reactor goroutines, per-endpoint connections with optimistic preamble
// and negotiation, length-prefixed framing, call multiplexing by call id,
// and per-call deadlines.
//
// Connections are sharded over the reactors by a hash of the endpoint, and
// all state of a connection is owned by its reactor, so the engine runs
// without per-connection locks.
package transport

