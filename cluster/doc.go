// Package cluster tracks where data lives: which master currently leads
// the quorum and which tablet server holds the leader replica for a given
// partition key. Both facts are cached and invalidated on the errors that
// prove them stale.
package cluster
