package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wysetrade-desk/internal/desk"
	"wysetrade-desk/internal/store"
)

// addJournalCommands adds the order journal command.
func addJournalCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newJournalCmd(app))
}

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the order journal",
		Long: `Show recorded order submissions, rejections and broker status changes,
newest first.`,
		Example: `  desk journal
  desk journal --today
  desk journal --symbol TCS --limit 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			filter, err := journalFilterFromFlags(cmd, time.Now())
			if err != nil {
				output.Error("%v", err)
				return err
			}

			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				entries, err := d.Journal(ctx, filter)
				if err != nil {
					output.Error("Failed to read journal: %v", err)
					return err
				}
				if output.IsJSON() {
					return output.JSON(entries)
				}
				if len(entries) == 0 {
					output.Info("No journal entries.")
					output.Dim("Tip: entries are recorded when you submit orders with 'desk buy' or 'desk sell'.")
					return nil
				}

				output.Bold("Order Journal")
				renderJournal(output, entries)
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries to show")
	cmd.Flags().String("symbol", "", "only entries for this trading symbol")
	cmd.Flags().String("order", "", "only entries for this broker order ID")
	cmd.Flags().Bool("today", false, "only entries since midnight")
	return cmd
}

func journalFilterFromFlags(cmd *cobra.Command, now time.Time) (store.JournalFilter, error) {
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return store.JournalFilter{}, fmt.Errorf("limit must not be negative")
	}
	symbol, _ := cmd.Flags().GetString("symbol")
	orderID, _ := cmd.Flags().GetString("order")
	filter := store.JournalFilter{
		Symbol:  strings.ToUpper(strings.TrimSpace(symbol)),
		OrderID: strings.TrimSpace(orderID),
		Limit:   limit,
	}
	if today, _ := cmd.Flags().GetBool("today"); today {
		filter.Since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	}
	return filter, nil
}

func renderJournal(output *Output, entries []store.JournalEntry) {
	table := NewTable(output, "Time", "Event", "Order ID", "Symbol", "Side", "Type", "Qty", "Price", "Status")
	for _, e := range entries {
		qty := FormatQuantity(e.Quantity)
		if e.FilledQuantity > 0 {
			qty = fmt.Sprintf("%d/%d", e.FilledQuantity, e.Quantity)
		}
		status := output.Status(string(e.Status))
		if e.Message != "" {
			status += " " + output.DimText(TruncateString(e.Message, 40))
		}
		table.AddRow(
			FormatDateTime(e.At),
			string(e.Event),
			e.OrderID,
			e.TradingSymbol,
			output.Side(string(e.Side)),
			string(e.OrderType),
			qty,
			FormatOptionalPrice(e.Price),
			status,
		)
	}
	table.Render()
}
