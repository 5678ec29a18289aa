// Package cli provides the command-line interface for the desk.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"wysetrade-desk/internal/config"
	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// Options is passed to every desk the CLI builds.
	Options desk.Options
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return newRootCmd(&App{Config: cfg, Logger: logger})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "desk",
		Short: "WyseTrade desk - market dashboard and order entry",
		Long: `WyseTrade desk keeps the NIFTY 50, BANK NIFTY, positions, holdings,
orders and funds views in sync with your broker and walks one order at a
time from draft to a final broker status.

Run 'desk serve' for the dashboard, or use the commands below directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" && dir != app.Config.Dir {
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/wysetrade-desk)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addMonitoringCommands(rootCmd, app)
	addDataCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)

	return rootCmd
}

// output builds the command's Output with the configured color preference.
func (app *App) output(cmd *cobra.Command) *Output {
	return NewOutput(cmd, app.Config.UI.ColorEnabled)
}

// withDesk starts a desk for the duration of fn. The context is cancelled on
// SIGINT or SIGTERM.
func (app *App) withDesk(fn func(ctx context.Context, d *desk.Desk) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := desk.New(app.Config, app.Logger, app.Options)
	if err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = d.Start(startCtx)
	cancel()
	if err != nil {
		d.Close()
		return apperrors.Wrap(err, "failed to start desk")
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			app.Logger.Warn().Err(cerr).Msg("Desk close failed")
		}
	}()
	return fn(ctx, d)
}

func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("WyseTrade desk v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the desk configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			path := config.Path(app.Config.Dir)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %s", apperrors.Message(err))
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Backend")
	output.Printf("  Kind:            %s\n", cfg.Backend.Kind)
	if cfg.Backend.BaseURL != "" {
		output.Printf("  Base URL:        %s\n", cfg.Backend.BaseURL)
	}
	output.Printf("  Timeout:         %s\n", cfg.Backend.Timeout)
	if cfg.IsPaperMode() {
		output.Printf("  Paper Cash:      %s\n", FormatIndianCurrency(decimal.NewFromFloat(cfg.Backend.PaperCash)))
	}
	output.Println()

	output.Bold("Polling")
	output.Printf("  Instruments:     %s\n", cfg.Polling.Instruments)
	output.Printf("  Positions:       %s\n", cfg.Polling.Positions)
	output.Printf("  Margins:         %s\n", cfg.Polling.Margins)
	output.Printf("  Orders:          %s\n", cfg.Polling.Orders)
	output.Printf("  Live Price:      %s\n", cfg.Polling.LivePrice)
	output.Printf("  Order Status:    %s\n", cfg.Polling.OrderStatus)
	output.Printf("  Chart Scale:     %s (%d candles)\n", cfg.Polling.Scale, cfg.Polling.Candles)
	output.Println()

	output.Bold("Server")
	output.Printf("  Address:         %s\n", cfg.Server.Addr)
	output.Printf("  Open Browser:    %v\n", cfg.Server.OpenBrowser)
	output.Println()

	output.Bold("Logging")
	output.Printf("  Level:           %s\n", cfg.Log.Level)
	output.Printf("  File:            %v\n", cfg.Log.File)
}
