package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokmz/realtime/pkg/auth"
)

// buildTokenCmd 签发测试令牌，与 serve 使用同一份 auth 配置
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		role       string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a user",
		Example: `  realtime token --user amb_42
  realtime token --user amb_42 --role admin --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, settings, err := loadSettings(configPath)
			if err != nil {
				return err
			}
			verifier, err := auth.NewJWTVerifier(settings.Auth)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(userID, role, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id written to the sub claim")
	cmd.Flags().StringVar(&role, "role", "ambassador", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to auth.ttl")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
