package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/k11v/localci/internal/adminhttp"
)

func tokenCmd() *cobra.Command {
	var (
		keyFile string
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an admin API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := adminhttp.ReadPrivateKeyFile(keyFile)
			if err != nil {
				return err
			}
			token, err := adminhttp.NewToken(key, subject, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "jwt.pem", "ed25519 private key file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		privateFile string
		publicFile  string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ed25519 key pair for admin API tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminhttp.WriteKeyFiles(privateFile, publicFile); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", privateFile, publicFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&privateFile, "private", "jwt.pem", "private key output file")
	cmd.Flags().StringVar(&publicFile, "public", "jwt.pub.pem", "public key output file")
	return cmd
}
