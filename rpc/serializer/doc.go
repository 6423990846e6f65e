// Package serializer provides payload serialization for the RPC engine.
// It defines a common interface and multiple implementations for turning
// protocol Messages into the opaque payload bytes carried by call frames.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations
//     must satisfy.
//
//   - jsonSerializerImpl: JSON encoding, human readable, useful for
//     debugging and interoperability.
//
//   - gobSerializerImpl: Go's built-in gob encoding, compact for large
//     binary fields such as encoded rows.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent
//	use across multiple goroutines without additional synchronization.
package serializer
