package cmd

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/pkg/cli"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an API bearer token signed with api.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return fmt.Errorf("%s has no api.jwt_secret", path)
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := api.IssueToken(cfg.API.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", token)
			return nil
		},
	}
	cmd.Flags().String("subject", "permbridge-cli", "token subject")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(newTokenHashCmd())
	return cmd
}

func newTokenHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash an API key for api.api_key_hashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if gen, _ := cmd.Flags().GetBool("generate"); gen {
				key = rand.Text()
				printf(cmd, "key:  %s\n", key)
			} else {
				p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
				key = p.AskPassword("API key")
			}

			hash, err := api.HashAPIKey(key)
			if err != nil {
				return err
			}
			printf(cmd, "hash: %s\n", hash)
			return nil
		},
	}
	cmd.Flags().Bool("generate", false, "generate a random key instead of prompting")
	return cmd
}
