package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/internal/agentproc"
	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/logger"
)

func agentCmd() *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a peer agent (hub federation + direct P2P listener)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runAgent(cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "also append logs to this file")
	return cmd
}

func runAgent(cfg *config.Config) error {
	a, err := agentproc.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent: starting", "machineId", a.MachineID(), "hub", cfg.HubURL)
	err = a.Run(ctx)
	a.Shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}
