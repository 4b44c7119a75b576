// Package cmd implements the wgfleet command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "wgfleet",
	Short: "Provision WireGuard peers and keep a gateway fleet in sync",
	Long: `wgfleet hands out WireGuard peer identities from a shared registry and
pushes the authorised peer set to every gateway node.

Configuration is read from config.yaml in /etc/wgfleet, $HOME/.wgfleet or the
current directory, then from .env, then from WGFLEET_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: search paths)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log.format (json, text)")
}

// exitError carries a specific process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command and returns the process exit status.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}

// loadConfig reads configuration and applies the flag overrides.
func loadConfig() (*config.Config, *logger.Logger, error) {
	loader := config.NewLoader()
	loader.SetEnvFile(envFile)
	if configPath != "" {
		loader.SetConfigFile(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log := logger.New(logger.LoggerConfig{
		Level:     logger.LogLevel(cfg.Log.Level),
		Format:    logger.OutputFormat(cfg.Log.Format),
		Component: "wgfleet",
		Version:   Version,
	})
	if used := loader.ConfigFileUsed(); used != "" {
		log.Debug("configuration loaded", "file", used)
	}
	return cfg, log, nil
}

// withService loads configuration, builds the service and closes it after fn.
func withService(ctx context.Context, fn func(ctx context.Context, svc *fleet.Service, cfg *config.Config) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := fleet.NewService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			log.Warn("failed to close service", "error", cerr)
		}
	}()

	return fn(ctx, svc, cfg)
}
