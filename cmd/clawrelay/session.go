package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/internal/launcher"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/registry"
)

func sessionCmd() *cobra.Command {
	var id, cwd, home, command string
	var skipPermissions bool

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run one session launcher (PTY child + local endpoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init("info", ""); err != nil {
				return err
			}
			return runSession(id, cwd, home, command, skipPermissions)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "session id (required)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory of the child (required)")
	cmd.Flags().StringVar(&home, "home", "", "state directory (default ~/.claude-relay)")
	cmd.Flags().StringVar(&command, "cmd", "bash", "command to run inside the PTY")
	cmd.Flags().BoolVar(&skipPermissions, "skip-permissions", false, "forwarded to the child command's argv")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("cwd")
	return cmd
}

// runSession owns one PTY child until it exits or the launcher is
// signalled. The session id must not collide with a live endpoint: a
// fresh (non-stale) registry record for the same id aborts the start.
func runSession(id, cwd, home, command string, skipPermissions bool) error {
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
