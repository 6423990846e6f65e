package util

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the common cluster connection flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	key := "masters"
	cmd.PersistentFlags().String(key, fmt.Sprintf("localhost:%d", common.DefaultMasterPort), WrapString("Comma-separated list of master addresses. Addresses without a port use the default master port"))

	key = "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("Per-call timeout in seconds"))

	key = "admin-timeout"
	cmd.PersistentFlags().Int(key, 60, WrapString("Timeout in seconds for DDL operations including their completion polling"))

	key = "reactors"
	cmd.PersistentFlags().Int(key, 4, WrapString("Number of reactor goroutines connections are sharded across"))

	key = "user"
	cmd.PersistentFlags().String(key, "strata", WrapString("User name presented during connection negotiation"))

	key = "password"
	cmd.PersistentFlags().String(key, "", WrapString("Password presented during connection negotiation"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY on cluster connections"))

	key = "tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("TCP keepalive interval in seconds (0 disables)"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("Log level (debug, info, warning, error)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("strata")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	return &common.ClientConfig{
		MasterAddrs:        strings.Split(viper.GetString("masters"), ","),
		TimeoutSecond:      viper.GetInt("timeout"),
		AdminTimeoutSecond: viper.GetInt("admin-timeout"),
		Reactors:           viper.GetInt("reactors"),
		User:               viper.GetString("user"),
		Password:           viper.GetString("password"),
		TCPNoDelay:         viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec:    viper.GetInt("tcp-keepalive"),
		LogLevel:           viper.GetString("log-level"),
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IRPCSerializer, error) {
	switch viper.GetString("serializer") {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
