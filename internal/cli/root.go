package cli

import (
	"stockledger/internal/config"
	"stockledger/pkg/logger"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// RootOptions holds flags shared by every command.
type RootOptions struct {
	LogLevel  string
	LogPretty bool
}

// NewRootCommand builds the stockledger command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "stockledger",
		Short:         "Inventory ledger server and terminal tools",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(opts.LogLevel, opts.LogPretty)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.LogPretty, "log-pretty", false, "human readable console logs")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewTerminalCommand(opts))

	return cmd
}

// loadConfig reads the server environment. Flags given on the command line
// win over the environment.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if cmd.Flags().Changed("log-pretty") {
		cfg.LogPretty = opts.LogPretty
	}
	logger.Setup(cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}
