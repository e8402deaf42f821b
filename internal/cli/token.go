package cli

import (
	"errors"
	"fmt"
	"time"

	"stockledger/internal/middleware"
	"stockledger/internal/models"

	"github.com/spf13/cobra"
)

type TokenOptions struct {
	*RootOptions
	Secret     string
	ActorID    string
	Role       string
	TerminalID string
	TTL        time.Duration
}

// NewTokenCommand signs a bearer token with the shared secret. Deployments
// that use a JWKS provider issue tokens there instead.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for an actor",
		Example: `  stockledger token --actor cash-1 --role cashier --terminal T1
  stockledger token --actor mgr-1 --role manager --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			role := models.Role(opts.Role)
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", opts.Role)
			}
			tok, err := middleware.IssueToken(opts.Secret, models.Actor{
				ID:         opts.ActorID,
				Role:       role,
				TerminalID: opts.TerminalID,
			}, opts.TTL)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", envOr("JWT_SECRET", ""), "shared signing secret")
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor id (required)")
	cmd.Flags().StringVar(&opts.Role, "role", string(models.RoleCashier), "cashier|counter|manager|admin")
	cmd.Flags().StringVar(&opts.TerminalID, "terminal", "", "terminal the token is bound to")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")

	return cmd
}
