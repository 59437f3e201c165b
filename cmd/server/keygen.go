package main

import (
	"fmt"

	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/TimurManjosov/flageval/internal/webhook"
	"github.com/spf13/cobra"
)

var keygenWebhook bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a random API key. Hand the key to the caller and put the hash
in ADMIN_API_KEY or CLIENT_API_KEY; the server accepts either form.

With --webhook a signing secret for WEBHOOK_SECRET is generated instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if keygenWebhook {
			secret, err := webhook.GenerateSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, secret)
			return nil
		}

		key, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashSecret(key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "key:  %s\nhash: %s\n", key, hash)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenWebhook, "webhook", false, "Generate a webhook signing secret")
}
