package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wysetrade-desk/internal/broker"
	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// addDataCommands adds instrument sync and chart scale commands.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSyncCmd(app))
	rootCmd.AddCommand(newScaleCmd(app))
}

func newSyncCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <segment>",
		Short: "Sync a listing segment's instruments",
		Long: `Ask the broker to re-sync the instruments behind a listing segment, wait for
it to finish, and show recent sync runs.

Segments: nifty, bankNifty`,
		Example: `  desk sync nifty
  desk sync bankNifty --history 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			id := models.SegmentID(args[0])
			limit, _ := cmd.Flags().GetInt("history")

			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if err := d.SyncInstruments(ctx, id); err != nil {
					output.Error("Sync failed: %s", apperrors.Message(err))
					return err
				}
				if err := awaitSync(ctx, d); err != nil {
					return err
				}

				history, err := d.SyncHistory(ctx, id, limit)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]any{"last_sync": d.LastSync(id), "history": history})
				}

				if len(history) > 0 && !history[0].OK() {
					output.Error("✗ Sync of %s failed: %s", id, history[0].Error)
				} else {
					output.Success("✓ Synced %s", id)
				}
				output.Println()
				output.Bold("Recent Syncs")
				table := NewTable(output, "Time", "Result")
				for _, r := range history {
					result := output.Green("ok")
					if !r.OK() {
						result = output.Red(TruncateString(r.Error, 60))
					}
					table.AddRow(FormatDateTime(r.At), result)
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("history", 5, "number of recent sync runs to show")
	return cmd
}

// awaitSync waits for the running sync to finish.
func awaitSync(ctx context.Context, d *desk.Desk) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		syncing, err := d.Syncing(ctx)
		if err != nil {
			return err
		}
		if !syncing {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newScaleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "scale [scale]",
		Short: "Show or set the chart scale",
		Long:  "Show or set the candle scale the listing charts use. Scales: " + strings.Join(broker.Scales, ", "),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if len(args) == 1 {
					if err := d.SetScale(ctx, args[0]); err != nil {
						output.Error("%s", apperrors.Message(err))
						return err
					}
				}
				board, err := d.Board(ctx)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]any{"scale": board.Scale, "scales": broker.Scales})
				}
				output.Printf("Chart scale: %s\n", output.Cyan(board.Scale))
				return nil
			})
		},
	}
}
