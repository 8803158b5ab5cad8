package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/hub"
	"github.com/clawrelay/clawrelay/internal/logger"
)

func serveCmd() *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"hub"},
		Short:   "Start the hub server (dashboard + WebSocket relay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runHub(cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	return cmd
}

// runHub serves until SIGINT/SIGTERM, then runs the shutdown sequence.
// A listener failure (address in use, permission denied, missing TLS
// assets) exits non-zero through the cobra error path.
func runHub(cfg *config.Config) error {
	s, err := hub.New(cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("hub: shutting down", "signal", sig.String())
		s.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}
