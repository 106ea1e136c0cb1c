package cmd

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/config"
)

// Version is set at build time.
var Version = "dev"

var (
	verbose     bool
	debug       bool
	logLevel    string
	configPaths []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stageconnect",
	Short: "StageConnect real-time messaging",
	Long: `StageConnect connects to the real-time messaging backend over STOMP and
WebSocket. It can listen to a user's conversations, send messages, and run
a development broker that speaks the same protocol.

Settings are read from HCL (.hcl) or YAML (.yaml, .yml) files given with
--config, then from STAGECONNECT_* environment variables, then from flags.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "configuration files or directories")
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel

	if debug {
		level = "debug"
	} else if verbose && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Development = debug

	return cfg.Build()
}

// loadConfig builds the configuration from --config sources and applies
// overrides for flags the user set.
func loadConfig(cmd *cobra.Command, logger *zap.Logger) (*config.Config, error) {
	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(configPaths)...).
		Build()
	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Any("diags", diags))
		return nil, diags
	}
	logWarnings(logger, diags)

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			if v, err := flags.GetString(name); err == nil {
				*dst = v
			}
		}
	}
	override("server", &cfg.Client.Server)
	override("url", &cfg.Client.URL)
	override("user-id", &cfg.Client.UserID)
	override("token", &cfg.Client.Token)
	override("transport", &cfg.Client.Transport)
	override("listen", &cfg.Broker.Listen)
	override("metrics", &cfg.Metrics.Provider)

	return cfg, nil
}

func logWarnings(logger *zap.Logger, diags hcl.Diagnostics) {
	for _, d := range diags {
		if d.Severity == hcl.DiagWarning {
			logger.Warn(d.Summary, zap.String("detail", d.Detail))
		}
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "backend base URL, e.g. https://chat.example.com")
	cmd.Flags().String("url", "", "WebSocket endpoint, overrides --server")
	cmd.Flags().String("user-id", "", "local user id")
	cmd.Flags().String("token", "", "bearer token")
	cmd.Flags().String("transport", "", "WebSocket transport (coder, gobwas)")
}

func requireUserID(cfg *config.Config) error {
	if cfg.Client.UserID == "" {
		return fmt.Errorf("no user id: set --user-id, client.user_id or STAGECONNECT_USER_ID")
	}
	return nil
}

// Helper to convert []string to []any
func stringSliceToAnySlice(strs []string) []any {
	anys := make([]any, len(strs))
	for i, s := range strs {
		anys[i] = s
	}
	return anys
}
