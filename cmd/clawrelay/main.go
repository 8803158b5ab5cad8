package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "clawrelay",
		Short: "claw-relay — remote terminal relay for interactive CLI agents",
		Long:  "Relays pseudo-terminal sessions to browsers over TLS WebSockets,\nwith multi-machine federation through peer agents.",
	}

	root.AddCommand(
		serveCmd(),
		agentCmd(),
		sessionCmd(),
		keygenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
