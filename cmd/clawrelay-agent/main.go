// clawrelay-agent is the standalone agent binary: the cobra-free
// equivalent of "clawrelay agent".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawrelay/clawrelay/internal/agentproc"
	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/logger"
)

func main() {
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	logFile := flag.String("log-file", "", "also append logs to this file")
	flag.Parse()

	if err := logger.Init(*logLevel, *logFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	a, err := agentproc.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent: starting", "machineId", a.MachineID(), "hub", cfg.HubURL)
	err = a.Run(ctx)
	a.Shutdown()
	if err != nil && err != context.Canceled {
		logger.Error("agent: failed", "error", err)
		os.Exit(1)
	}
}
