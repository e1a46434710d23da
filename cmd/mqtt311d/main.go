// Command mqtt311d runs an MQTT 3.1.1 broker.
//
// Usage:
//
//	mqtt311d [flags] <command> [args]
//
// Commands:
//
//	serve    - Run the broker
//	passwd   - Print a bcrypt hash for the auth.users section
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/vitalvas/mqtt311/cmd/mqtt311d/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
