package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pcbuilderai/frontdoor/frontdoor/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the children and the HTTP front door",
	Long: `Start the backend and UI renderer, wait for them to become ready, and serve
HTTP until SIGINT or SIGTERM. The signal is forwarded to every child.

The process exits 0 after a signal, 1 after a fatal error, and with the child's
exit code when a fail-fast child exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Listen port (overrides config and PORT)")
	serveCmd.Flags().String("host", "", "Listen host (overrides config and HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Listen.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Listen.Host = host
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	m, err := lifecycle.New(lifecycle.Options{Config: cfg, Logger: logger})
	if err != nil {
		logger.Error("Failed to assemble front door", "error", err)
		return err
	}

	code, err := m.Run(context.Background())
	if err != nil {
		logger.Error("Front door stopped with error", "error", err)
	}
	if code != lifecycle.ExitOK {
		closer.Close()
		os.Exit(code)
	}
	if err != nil {
		return fmt.Errorf("front door: %w", err)
	}
	return nil
}
