package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// DefaultMasterPort is assumed for master addresses given without an
// explicit port.
const DefaultMasterPort = 7451

// ClientConfig holds all configuration parameters for a Strata client.
type ClientConfig struct {
	// Ordered list of configured master addresses
	MasterAddrs []string

	// Per-call timeout in seconds
	TimeoutSecond int

	// Timeout in seconds for admin (DDL) operations including their
	// completion polling
	AdminTimeoutSecond int

	// Number of reactors the messenger shards connections across
	Reactors int

	// Identity sent during negotiation and in the connection context
	User     string
	Password string

	// TCP socket settings
	TCPNoDelay      bool
	TCPKeepAliveSec int

	// Logging configuration
	LogLevel string
}

// DefaultClientConfig returns a config with sensible defaults for a local
// cluster.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MasterAddrs:        []string{fmt.Sprintf("localhost:%d", DefaultMasterPort)},
		TimeoutSecond:      10,
		AdminTimeoutSecond: 60,
		Reactors:           4,
		User:               "strata",
		TCPNoDelay:         true,
		LogLevel:           "info",
	}
}

// Timeout returns the per-call timeout as a duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// AdminTimeout returns the admin operation timeout as a duration.
func (c *ClientConfig) AdminTimeout() time.Duration {
	return time.Duration(c.AdminTimeoutSecond) * time.Second
}

// String returns a formatted string representation of the configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Admin Timeout", fmt.Sprintf("%d sec", c.AdminTimeoutSecond))
	addField("Reactors", strconv.Itoa(c.Reactors))
	addField("User", c.User)

	addSection("Socket")
	addField("TCP NoDelay", fmt.Sprintf("%t", c.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.TCPKeepAliveSec))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Masters")
	for i, addr := range c.MasterAddrs {
		addField(strconv.Itoa(i), addr)
	}

	return sb.String()
}
