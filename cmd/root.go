// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/config"
	"github.com/Ragnvald88/bruce-springsteen-monitor-sub007/internal/observability"
)

var (
	cfgFile string

	// Populated by the root PersistentPreRunE and consumed by subcommands.
	rootCfg    *config.Config
	rootLogger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "springsteen-monitor",
	Short: "Adaptive ticket-drop monitor core: detection response, proxy scoring and scheduling.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.GetViper()
		config.SetDefaults(v)

		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		} else {
			v.AddConfigPath(".")
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}

		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; defaults carry the engine.
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return fmt.Errorf("failed to read config: %w", err)
			}
		}

		cfg, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		rootCfg = cfg
		rootLogger = observability.NewLogger(cfg.Logger)

		return nil
	},
}

// Execute runs the CLI with the provided context for graceful shutdown.
func Execute(ctx context.Context) error {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if rootLogger != nil && ctx.Err() == nil {
			rootLogger.Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
}
