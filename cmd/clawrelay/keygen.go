package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawrelay/clawrelay/internal/authsvc"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a handoff signing key (EC P-256)",
		Long: "Generates an ECDSA P-256 key pair for handoff token signing.\n" +
			"Set the private key as CLAWRELAY_HANDOFF_KEY on the hub and the\n" +
			"public key as CLAWRELAY_HANDOFF_PUBKEY on each agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, encoded, err := authsvc.GenerateECKey()
			if err != nil {
				return err
			}
			pub, err := authsvc.MarshalECPublicKey(&key.PublicKey)
			if err != nil {
				return err
			}
			fmt.Println(encoded)
			fmt.Fprintf(cmd.ErrOrStderr(), "\npublic key: %s\n", pub)
			return nil
		},
	}
}
