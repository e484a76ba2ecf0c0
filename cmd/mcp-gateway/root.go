package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-gateway/internal/logctx"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Authentication gateway for MCP servers",
		Long: `mcp-gateway verifies OAuth bearer tokens issued by an upstream OIDC
provider before requests reach an MCP server. It publishes the OAuth
discovery documents MCP clients expect and proxies dynamic client
registration to the provider.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "mcp-gateway version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}

// newLogger builds the process logger. Records carry request and identity
// attributes from the context.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or text)", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
