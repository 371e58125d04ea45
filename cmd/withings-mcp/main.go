// Command withings-mcp runs the Withings OAuth bridge and MCP session gateway.
package main

import (
	"os"
)

// version can be set during build with -ldflags
var version = "dev"

func main() {
	rootCmd := newRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
