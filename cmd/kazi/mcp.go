package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway/mcpserver"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the Model Context Protocol over stdio",
	Long: `Serve Kazi's tools over the Model Context Protocol on stdin/stdout.
Intended for MCP-capable clients that spawn kazi as a subprocess.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout belongs to the MCP transport; all logging goes to stderr.
	logger := newLogger()

	cfg, err := config.Load(mcpConfigPath)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpserver.New(version, sc.Sessions, sc.Contexts, logger)
	serveErr := srv.ServeStdio()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sc.Sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down session executors", slog.String("error", err.Error()))
	}

	return serveErr
}
