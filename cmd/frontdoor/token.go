package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pcbuilderai/frontdoor/frontdoor/lifecycle"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the /internal endpoints",
	Long: `Mint an HS256 token signed with the admin secret key file. The key is created
if it does not exist yet, so run this with the same config as serve.

Example:
  curl -H "Authorization: Bearer $(frontdoor token)" localhost:3000/internal/status`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := lifecycle.IssueAdminToken(cfg, subject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "operator", "Token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
