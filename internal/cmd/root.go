// Package cmd provides the CLI commands for Tether.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/tether/internal/appdir"
	"github.com/inercia/tether/internal/config"
	"github.com/inercia/tether/internal/logging"
)

var (
	// Global flags
	configPath    string
	serverURL     string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the resolved configuration file path.
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - realtime sync client for a remote coding-assistant server",
	Long: `Tether keeps a browser chat client synchronized with a remote
AI coding-assistant server.

It validates and re-streams the server's event stream, reconciles
optimistic messages with canonical server state, queues messages typed
while a turn is in flight, and coordinates permission requests and
turn cancellation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		var err error
		cfgPath = configPath
		if cfgPath == "" {
			cfgPath, err = config.Path()
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if serverURL != "" {
			cfg.Server.URL = serverURL
		}

		// Priority: --log-level flag > --debug flag > config > default (info)
		effectiveLogLevel := cfg.Log.Level
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		components := cfg.Log.Components
		if logComponents != "" {
			components = nil
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		effectiveLogFile := cfg.Log.File
		if logFile != "" {
			effectiveLogFile = logFile
		}

		logCfg := logging.Config{
			Level:      effectiveLogLevel,
			JSON:       cfg.Log.JSON,
			Components: components,
		}
		if effectiveLogFile != "" {
			fileCfg := logging.DefaultFileLogConfig()
			fileCfg.Path = effectiveLogFile
			logCfg.FileLog = &fileCfg
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Tether directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: TETHER_CONFIG or config.yaml in the Tether directory)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Remote server base URL (overrides configuration)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path with rotation (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'stream,session'). Empty means all components.")
}
