package cmd

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/spf13/cobra"

	"github.com/example/stayrace/internal/auth"
	"github.com/example/stayrace/internal/config"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate handle and seal keys (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range []string{"KEYS_HANDLE_HASH", "KEYS_HANDLE_BLOCK", "KEYS_SEAL"} {
				key := securecookie.GenerateRandomKey(32)
				if key == nil {
					return fmt.Errorf("generate %s: no entropy", name)
				}
				fmt.Fprintf(out, "export %s_%s=%s\n", config.EnvPrefix, name, base64.StdEncoding.EncodeToString(key))
			}
			return nil
		},
	}
	cmd.AddCommand(newKeysTokenCmd())
	return cmd
}

func newKeysTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <token>",
		Short: "Print the bcrypt hash of an intake bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if len(token) < 16 {
				return fmt.Errorf("token must be at least 16 characters")
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export %s_KEYS_INTAKE_TOKEN_HASH='%s'\n", config.EnvPrefix, hash)
			return nil
		},
	}
}
