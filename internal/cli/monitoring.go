package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/notify"
	"wysetrade-desk/internal/resilience"
	"wysetrade-desk/internal/routes"
	"wysetrade-desk/internal/segment"
	"wysetrade-desk/internal/server"
	"wysetrade-desk/internal/stream"
)

// addMonitoringCommands adds the dashboard and watch commands.
func addMonitoringCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the desk with its HTTP dashboard",
		Long: `Run the desk and serve the dashboard API, the broker login callback and
the websocket event feed until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				app.Config.Server.Addr = addr
			}
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if app.Config.IsPaperMode() {
					output.Warning("📝 PAPER TRADING MODE")
				}
				if n := app.Config.Notify; n.Enabled {
					watcher := notify.NewWatcher(app.Logger,
						notify.NewTerminalNotifier(cmd.OutOrStdout(), n.Bell, app.Config.UI.ColorEnabled),
						notify.NewWebhookNotifier(n.WebhookURL, n.WebhookTimeout),
					)
					d.Hub().RegisterConsumer(watcher)
					defer d.Hub().UnregisterConsumer(watcher)
					go watcher.Run(ctx)
				}
				output.Success("✓ Desk listening on %s (tab: %s)", app.Config.Server.Addr, d.CurrentTab())
				return server.New(d, app.Config.Server, app.Logger).Run(ctx)
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newWatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [tab]",
		Short: "Watch a dashboard tab",
		Long: fmt.Sprintf(`Watch the segments of a dashboard tab, redrawing them whenever they change.

Tabs: %v
Without a tab the last visited one is shown.`, routes.Tabs),
		Example: `  desk watch
  desk watch positions
  desk watch nifty50 --once --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			once, _ := cmd.Flags().GetBool("once")

			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if len(args) == 1 {
					tab, err := routes.Parse(args[0])
					if err != nil {
						output.Error("%s", apperrors.Message(err))
						return err
					}
					if err := d.Navigate(ctx, tab); err != nil {
						return err
					}
				}
				tab := d.CurrentTab()

				sub := d.Hub().Subscribe(segment.TopicSegment)
				defer d.Hub().Unsubscribe(sub.ID)

				if once {
					ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
					defer cancel()
					views, err := awaitTab(ctx, d, tab, sub.Channel)
					if err != nil {
						return err
					}
					if output.IsJSON() {
						return output.JSON(views)
					}
					renderTab(output, tab, views)
					return nil
				}

				for {
					views, err := tabViews(ctx, d, tab)
					if err != nil {
						return err
					}
					if output.IsJSON() {
						if err := output.JSON(views); err != nil {
							return err
						}
					} else {
						output.Printf("\033[H\033[2J")
						renderTab(output, tab, views)
						output.Dim("Updated %s. Press Ctrl+C to quit.", FormatTime(time.Now()))
					}
					if err := nextChange(ctx, tab, sub.Channel); err != nil {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().Bool("once", false, "print the tab once its data has loaded and exit")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, loop and breaker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				h, err := d.Health(ctx)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(h)
				}

				output.Bold("Desk Status")
				conn := output.Red("disconnected")
				if h.Connected {
					conn = output.Green("connected")
				}
				output.Printf("  Broker:     %s (%s)\n", conn, app.Config.Backend.Kind)
				output.Printf("  Tab:        %s\n", h.Tab)
				output.Printf("  Loop:       %d processed, %d pending, %d panics\n", h.Loop.Processed, h.Loop.Pending, h.Loop.Panicked)
				output.Printf("  Hub:        %d events, %d dropped\n", h.Hub.EventsBroadcast, h.Hub.EventsDropped)
				output.Println()

				output.Bold("Segment Breakers")
				table := NewTable(output, "Segment", "State", "Failures", "Failure Rate", "Trips", "Last Trip")
				for _, b := range h.Breakers {
					state := string(b.State)
					if b.State != resilience.CircuitClosed {
						state = output.Yellow(state)
					}
					table.AddRow(b.Name, state, fmt.Sprintf("%d", b.TotalFailures), fmt.Sprintf("%.1f%%", b.FailureRate()), fmt.Sprintf("%d", b.TotalTrips), b.LastTripReason)
				}
				table.Render()
				return nil
			})
		},
	}
}

// tabViews reads the current view of every segment on tab.
func tabViews(ctx context.Context, d *desk.Desk, tab routes.Tab) ([]segment.View, error) {
	ids := tab.Segments()
	views := make([]segment.View, 0, len(ids))
	for _, id := range ids {
		v, err := d.Segment(ctx, id)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// settledView reports whether a segment has something to show: rows, an
// error, or the connect prompt.
func settledView(v segment.View) bool {
	return !v.UpdatedAt.IsZero() || v.Error != "" || v.Blocked
}

// awaitTab waits until every segment on tab has settled.
func awaitTab(ctx context.Context, d *desk.Desk, tab routes.Tab, events <-chan stream.Event) ([]segment.View, error) {
	for {
		views, err := tabViews(ctx, d, tab)
		if err != nil {
			return nil, err
		}
		ready := true
		for _, v := range views {
			if !settledView(v) {
				ready = false
			}
		}
		if ready {
			return views, nil
		}
		if err := nextChange(ctx, tab, events); err != nil {
			return nil, apperrors.Wrap(err, "tab did not load")
		}
	}
}

// nextChange blocks until a segment on tab publishes.
func nextChange(ctx context.Context, tab routes.Tab, events <-chan stream.Event) error {
	want := make(map[string]bool)
	for _, id := range tab.Segments() {
		want[string(id)] = true
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return context.Canceled
			}
			if want[ev.Key] {
				return nil
			}
		}
	}
}

func renderTab(output *Output, tab routes.Tab, views []segment.View) {
	output.Bold("%s", tabTitle(tab))
	output.Println()
	for _, v := range views {
		renderSegment(output, v)
		output.Println()
	}
}

func tabTitle(tab routes.Tab) string {
	switch tab {
	case routes.TabNifty50:
		return "NIFTY 50"
	case routes.TabBankNifty:
		return "BANK NIFTY"
	case routes.TabPositions:
		return "Positions"
	case routes.TabHoldings:
		return "Holdings"
	case routes.TabOrders:
		return "Orders"
	case routes.TabFunds:
		return "Funds"
	}
	return string(tab)
}

// renderSegment prints one segment view as a table.
func renderSegment(output *Output, v segment.View) {
	header := string(v.ID)
	if v.Label != "" {
		header += "  " + output.DimText(v.Label)
	}
	if v.Loading {
		header += "  " + output.DimText("loading...")
	}
	output.Println(output.Cyan(header))

	if v.Blocked {
		output.Warning("  %s", segment.ConnectPrompt)
		return
	}
	if v.Error != "" {
		output.Error("  %s", v.Error)
	}

	switch rows := v.Rows.(type) {
	case []models.StockRow:
		table := NewTable(output, "Symbol", "Name", "Price", "Trend")
		for _, r := range rows {
			table.AddRow(r.TradingSymbol, TruncateString(r.Name, 28), FormatPrice(r.Price), trend(output, r.Position))
		}
		renderRows(output, table, len(rows))
	case []models.Position:
		table := NewTable(output, "Instrument", "Type", "Qty", "Avg", "LTP", "P&L")
		for _, p := range rows {
			table.AddRow(p.TradingSymbol, output.Side(string(p.Type)), FormatQuantity(p.Quantity),
				FormatPrice(p.AveragePrice), FormatPrice(p.LastPrice), output.PnL(p.PnL))
		}
		renderRows(output, table, len(rows))
	case []models.Holding:
		table := NewTable(output, "Instrument", "Qty", "Avg", "LTP", "P&L")
		for _, h := range rows {
			table.AddRow(h.TradingSymbol, FormatQuantity(h.Quantity),
				FormatPrice(h.AveragePrice), FormatPrice(h.LastPrice), output.PnL(h.PnL))
		}
		renderRows(output, table, len(rows))
	case []models.MarginSnapshot:
		for _, m := range rows {
			output.Printf("  Available:  %s\n", FormatIndianCurrency(m.Available))
			output.Printf("  Utilised:   %s\n", FormatIndianCurrency(m.Utilised))
			output.Printf("  Net:        %s\n", FormatIndianCurrency(m.Net))
		}
	case []models.OrderStatusRecord:
		table := NewTable(output, "Time", "Order ID", "Symbol", "Side", "Type", "Qty", "Price", "Status")
		for _, o := range rows {
			table.AddRow(FormatTime(o.Timestamp), o.OrderID, o.TradingSymbol, output.Side(string(o.TransactionType)),
				string(o.OrderType), fmt.Sprintf("%d/%d", o.FilledQuantity, o.Quantity),
				FormatPrice(o.Price), output.Status(string(o.Status)))
		}
		renderRows(output, table, len(rows))
	}
}

func renderRows(output *Output, table *Table, n int) {
	if n == 0 {
		output.Dim("  No rows")
		return
	}
	table.Render()
}

func trend(output *Output, p models.PositionClass) string {
	switch p {
	case models.PositionLong:
		return output.Green("▲ " + string(p))
	case models.PositionShort:
		return output.Red("▼ " + string(p))
	}
	return output.DimText(string(p))
}
