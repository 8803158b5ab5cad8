// clawrelay-hub is the standalone hub binary: the cobra-free equivalent
// of "clawrelay serve", for deployments that ship one binary per role.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawrelay/clawrelay/internal/config"
	"github.com/clawrelay/clawrelay/internal/hub"
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

	s, err := hub.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
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
	case err := <-errCh:
		logger.Error("hub: listener failed", "error", err)
		os.Exit(1)
	}
}
