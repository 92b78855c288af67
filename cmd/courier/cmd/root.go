package cmd

import (
	"context"
	"fmt"

	"github.com/opd-ai/courier/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	envFiles []string
	verbose  bool
	simulate bool
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Reliable client-side message delivery",
	Long: `courier delivers chat messages to a messaging server with retries,
an offline outbox and push reconciliation.

Configuration is read from a TOML or YAML file selected by --config. Transport
settings may also come from COURIER_* environment variables, optionally loaded
from .env files.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.ConfigureLogging(); err != nil {
			return err
		}
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	},
}

// Execute runs the root command with a background context.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx, which is cancelled on
// interrupt.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default: .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "use the simulated transport (--simulate=false forces the HTTP transport)")
}
