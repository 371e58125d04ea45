package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/akutishevsky/withings-mcp/internal/config"
	"github.com/akutishevsky/withings-mcp/security"
)

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withings-mcp",
		Short: "OAuth bridge and MCP gateway for the Withings Health API",
		Long: `withings-mcp lets MCP clients reach a user's Withings data.

It acts as an OAuth 2.1 authorization server towards MCP clients, runs the
Withings authorization code flow on their behalf, keeps the Withings tokens
encrypted at rest and serves the Withings tools over an SSE session transport.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.SetVersionTemplate(`{{printf "withings-mcp version %s\n" .Version}}`)

	cmd.AddCommand(
		newServeCmd(version),
		newKeygenCmd(),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of withings-mcp",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "withings-mcp version %s\n", version)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random ENCRYPTION_SECRET",
		Long: `Prints a random base64 secret suitable for ENCRYPTION_SECRET.

Changing the secret makes every stored Withings credential unreadable,
so users will have to authorize again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := security.GenerateSecret()
			if err != nil {
				return fmt.Errorf("generate secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.SecretToBase64(secret))
			return nil
		},
	}
}

// newLogger builds the process logger from the log configuration
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), nil
}
