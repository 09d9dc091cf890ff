// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/observability"
)

// flagBindings maps persistent and command flags onto configuration keys. Flags
// only override the config file and environment when set explicitly.
var flagBindings = map[string]string{
	"log-level":        "logger.level",
	"scripts-dir":      "scripts.dir",
	"storage":          "storage.backend",
	"headless":         "browser.headless",
	"remote-url":       "browser.remote_url",
	"watch":            "scripts.watch",
	"metrics-addr":     "metrics.addr",
	"strategy-timeout": "injection.strategy_timeout",
}

// newRootCmd builds the command tree. Each call returns an independent tree.
func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "scriptmonkey",
		Short:         "scriptmonkey injects Greasemonkey-style userscripts into browser pages.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// Initialize a fallback logger if the config cannot be used.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scriptmonkey"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting scriptmonkey", zap.String("version", Version))

			cmd.SetContext(config.NewContext(cmd.Context(), cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.scriptmonkey/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("scripts-dir", "", "directory holding *.user.js files")
	rootCmd.PersistentFlags().String("storage", "", "GM value storage backend (memory, sqlite, postgres, redis)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(),
		newOfflineCmd(),
		newScriptsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command line against ctx, which should be cancelled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		rootCmd.PrintErrln("Error:", err)
		return err
	}
	return nil
}

// initializeConfig reads the config file and environment into v and binds the
// flags of cmd that were set explicitly.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scriptmonkey")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCRIPTMONKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	for name, key := range flagBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// configFrom returns the configuration loaded by the root command.
func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := config.FromContext(cmd.Context())
	if !ok {
		return nil, errors.New("configuration not initialized")
	}
	return cfg, nil
}
