// clawrelay-session runs one session launcher: a PTY child, its local
// endpoint, and its registry heartbeat. The hub and agent spawn this
// binary detached for create_session/start_folder_session; it also runs
// standalone for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/clawrelay/clawrelay/internal/launcher"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/registry"
)

func main() {
	id := flag.String("id", "", "session id (required)")
	cwd := flag.String("cwd", "", "working directory of the child (required)")
	home := flag.String("home", "", "state directory (default ~/.claude-relay)")
	command := flag.String("cmd", "bash", "command to run inside the PTY")
	skipPermissions := flag.Bool("skip-permissions", false, "forwarded to the child command's argv")
	flag.Parse()

	if err := run(*id, *cwd, *home, *command, *skipPermissions); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(id, cwd, home, command string, skipPermissions bool) error {
	if id == "" || cwd == "" {
		return fmt.Errorf("--id and --cwd are required")
	}
	if err := logger.Init("info", ""); err != nil {
		return err
	}
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve user home: %w", err)
		}
		home = filepath.Join(homeDir, ".claude-relay")
	}

	reg, err := registry.Open(filepath.Join(home, "sessions"))
	if err != nil {
		return err
	}
	defer reg.Close()

	// A fresh registry record for the same id means a live endpoint
	// already owns it; starting a second launcher would split its peers.
	if _, live := reg.Get(id); live {
		return fmt.Errorf("session %q is already running", id)
	}

	argv := []string{command}
	if skipPermissions {
		// Opaque to the launcher; the child command decides what it means.
		argv = append(argv, "--skip-permissions")
	}

	sl, err := launcher.Start(reg, launcher.Options{ID: id, CWD: cwd, Argv: argv})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		sl.Shutdown(fmt.Sprintf("launcher received %s", sig))
	}()

	logger.Info("session: running", "id", id, "cwd", cwd)
	sl.Wait()
	return nil
}
