// Package common contains the data structures shared across the RPC
// engine: the Message protocol with its factory functions, the call
// header and negotiation wire codecs, endpoint addressing, the error
// taxonomy, client configuration, and logging setup.
package common
