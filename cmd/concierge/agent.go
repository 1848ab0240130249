package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vowsmith/concierge/internal/devagent"
)

var agentAddr string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the local dev agent emulator",
	Long: `Run a local emulator of the agent service for development and
testing. It serves the realtime WebSocket endpoint, the session history
API, /metrics and /health.

Examples:
  # Run on the default port
  concierge agent

  # Run on another port
  concierge agent --addr :9900`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentAddr, "addr", ":8780", "listen address")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv := devagent.NewServer(devagent.Options{EchoEventIDs: true}, logger.Named("devagent"))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(agentAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("dev agent failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
