// Package cli provides the command-line interface for pricewatch.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pricewatch/internal/config"
	"pricewatch/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-05-01"
)

// App holds the application dependencies shared by commands.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: logging.NewLogger()}

	rootCmd := &cobra.Command{
		Use:   "pricewatch",
		Short: "Real-time price alert monitor",
		Long: `pricewatch watches a live trade stream and notifies you when prices
cross the targets you set.

Run 'pricewatch serve' to start the monitor and its HTTP API.
Alerts can be managed through the API or with 'pricewatch alerts'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/pricewatch)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newAlertsCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPriceCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// load reads the configuration and builds the logger.
func (a *App) load(cmd *cobra.Command) error {
	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	a.ConfigDir = dir

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = cfg

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.JSON = cfg.Log.JSON
	logCfg.File = cfg.Log.File
	if cfg.Log.FilePath != "" {
		logCfg.FilePath = cfg.Log.FilePath
	}
	if cfg.Log.MaxSize > 0 {
		logCfg.MaxSize = cfg.Log.MaxSize
	}
	if cfg.Log.MaxBackups > 0 {
		logCfg.MaxBackups = cfg.Log.MaxBackups
	}
	if cfg.Log.MaxAge > 0 {
		logCfg.MaxAge = cfg.Log.MaxAge
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(logCfg)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("pricewatch v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			redacted := app.Config.Redacted()
			if output.IsJSON() {
				return output.JSON(redacted)
			}
			return showConfig(output, &redacted)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.Path(app.ConfigDir)})
			} else {
				output.Println(config.Path(app.ConfigDir))
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and required credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if err := app.Config.ValidateCredentials(); err != nil {
				output.Error("Missing credentials: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Server")
	output.Printf("  Address:          %s\n", cfg.Server.Addr)
	output.Printf("  Production:       %v\n", cfg.Server.Production)
	output.Println()

	output.Bold("Feed")
	output.Printf("  URL:              %s\n", cfg.Feed.URL)
	output.Printf("  Token:            %s\n", cfg.Feed.Token)
	output.Printf("  Reconnect:        %s x %d\n", cfg.Feed.ReconnectDelay, cfg.Feed.MaxReconnects)
	output.Println()

	output.Bold("Monitor")
	output.Printf("  Cooldown:         %s\n", cfg.Monitor.Cooldown)
	output.Printf("  Reload interval:  %s\n", cfg.Monitor.ReloadInterval)
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver:           %s\n", cfg.Store.Driver)
	if cfg.Store.Driver == "postgres" {
		output.Printf("  DSN:              %s\n", cfg.Store.DSN)
		output.Printf("  Listen push:      %v (%s)\n", cfg.Store.ListenPush, cfg.Store.ListenChannel)
	} else {
		output.Printf("  Path:             %s\n", cfg.Store.Path)
	}
	output.Printf("  Redis mirror:     %v\n", cfg.Redis.Enabled)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", cfg.Notifications.Enabled)
	output.Printf("  Discord:          %v\n", cfg.Notifications.Discord.Enabled)
	output.Printf("  Webhook:          %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:         %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:            %v\n", cfg.Notifications.Email.Enabled)
	output.Println()

	output.Bold("Change events")
	output.Printf("  Table:            %s\n", cfg.Webhook.Table)
	output.Printf("  Verify signature: %v\n", !cfg.Webhook.SkipVerify)

	return nil
}
