// Package cmd implements the securetunnel command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/die-net/securetunnel/internal/config"
	"github.com/die-net/securetunnel/internal/logger"
)

type rootOptions struct {
	configFile string
	envFile    string
}

// NewRootCommand returns the securetunnel command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "securetunnel",
		Short: "Secure tunnel client lifecycle tools",
		Long: "securetunnel drives secure tunnel clients through their connection lifecycle " +
			"against a relay, and can serve a local SSH relay to test against.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "Path to a config file (yaml, json or toml). Empty disables.")
	pf.StringVar(&opts.envFile, "env-file", ".env", "Dotenv file loaded into the environment if it exists. Empty disables.")
	pf.String(config.KeyLogLevel, "info", "Log level: debug | info | warn | error")
	pf.Bool(config.KeyLogDevelopment, false, "Human-readable development logging")

	cmd.AddCommand(newCycleCommand(opts), newRelayCommand(opts))
	return cmd
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCommand().ExecuteContext(ctx)
}

// load resolves the configuration for cmd and builds its logger.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	v, err := config.New(o.configFile, o.envFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	cfg := config.Load(v)

	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --%s: %w", config.KeyLogLevel, err)
	}
	return cfg, log.With(zap.String("command", cmd.Name())), nil
}
