package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mqtt311d",
	Short: "MQTT 3.1.1 broker",
	Long: `mqtt311d - an MQTT 3.1.1 broker.

Listeners, limits, session storage, users and ACL rules are read from a
YAML file given with --config. Without one the broker listens on :1883
with in-memory sessions and no authentication.

Examples:
  # Run with the built-in defaults
  mqtt311d serve

  # Run with a configuration file
  mqtt311d serve --config /etc/mqtt311/mqtt311.yaml

  # Hash a password for the auth.users section
  mqtt311d passwd 's3cret'`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
