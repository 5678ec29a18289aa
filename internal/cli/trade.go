package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/workflow"
)

// addTradingCommands adds order entry and quote commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideBuy))
	rootCmd.AddCommand(newOrderCmd(app, models.OrderSideSell))
	rootCmd.AddCommand(newQuoteCmd(app))
}

func newOrderCmd(app *App, side models.OrderSide) *cobra.Command {
	verb := strings.ToLower(string(side))
	cmd := &cobra.Command{
		Use:   verb + " <symbol>",
		Short: fmt.Sprintf("Place a %s order", verb),
		Long: fmt.Sprintf(`Place a %s order for an instrument of a listing segment.

The order is delivery (CNC), day validity, on NSE. It is submitted once and
followed until the broker reports a final status.`, verb),
		Example: fmt.Sprintf(`  desk %[1]s RELIANCE
  desk %[1]s TCS --qty 10 --type LIMIT --price 3400
  desk %[1]s HDFCBANK --segment bankNifty --variety amo`, verb),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			segment, _ := cmd.Flags().GetString("segment")
			noWait, _ := cmd.Flags().GetBool("no-wait")
			patch := draftPatchFromFlags(cmd)

			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				if _, err := d.OpenOrder(ctx, models.SegmentID(segment), side, args[0]); err != nil {
					output.Error("Cannot open order: %s", apperrors.Message(err))
					return err
				}
				defer d.CloseOrder(context.Background())

				v, err := d.EditOrder(ctx, patch)
				if err != nil {
					output.Error("Invalid order: %s", apperrors.Message(err))
					return err
				}
				if !output.IsJSON() {
					printDraft(output, v)
					if app.Config.IsPaperMode() {
						output.Warning("📝 PAPER TRADING MODE")
					}
				}

				v, err = d.SubmitOrder(ctx)
				if err != nil {
					output.Error("Order not submitted: %s", apperrors.Message(err))
					return err
				}
				if !noWait {
					waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
					v, err = d.AwaitOrder(waitCtx, v.ID)
					cancel()
					if err != nil {
						return err
					}
				}

				if output.IsJSON() {
					return output.JSON(v)
				}
				return printOutcome(output, v)
			})
		},
	}
	cmd.Flags().String("segment", string(models.SegmentNifty), "listing segment the instrument is in")
	cmd.Flags().String("qty", "", "quantity (default 1)")
	cmd.Flags().String("type", "", "order type: MARKET or LIMIT (default MARKET)")
	cmd.Flags().String("price", "", "limit price for LIMIT orders")
	cmd.Flags().String("variety", "", "variety: regular or amo (default regular)")
	cmd.Flags().Bool("no-wait", false, "return once the order is submitted")
	return cmd
}

// draftPatchFromFlags builds the draft edit for the flags the user set.
func draftPatchFromFlags(cmd *cobra.Command) workflow.DraftPatch {
	var p workflow.DraftPatch
	if cmd.Flags().Changed("qty") {
		qty, _ := cmd.Flags().GetString("qty")
		p.Quantity = &qty
	}
	if cmd.Flags().Changed("type") {
		raw, _ := cmd.Flags().GetString("type")
		ot := models.OrderType(strings.ToUpper(raw))
		p.OrderType = &ot
	}
	if cmd.Flags().Changed("price") {
		price, _ := cmd.Flags().GetString("price")
		p.LimitPrice = &price
		if p.OrderType == nil {
			ot := models.OrderTypeLimit
			p.OrderType = &ot
		}
	}
	if cmd.Flags().Changed("variety") {
		raw, _ := cmd.Flags().GetString("variety")
		v := models.Variety(strings.ToLower(raw))
		p.Variety = &v
	}
	return p
}

func printDraft(output *Output, v workflow.View) {
	if v.Draft == nil {
		return
	}
	dr := v.Draft
	lines := []string{
		"Symbol:   " + dr.TradingSymbol,
		"Side:     " + output.Side(string(dr.Action)),
		"Quantity: " + dr.Quantity,
		"Type:     " + string(dr.OrderType),
	}
	if dr.OrderType == models.OrderTypeLimit {
		lines = append(lines, "Price:    "+dr.LimitPrice)
	}
	lines = append(lines, "Variety:  "+string(dr.Variety))
	if v.LivePrice.Valid {
		lines = append(lines, "LTP:      "+FormatPrice(v.LivePrice.Decimal))
	}
	if v.Estimate != nil {
		lines = append(lines,
			"Margin:   "+FormatIndianCurrency(v.Estimate.TotalMargin),
			"Charges:  "+FormatIndianCurrency(v.Estimate.Charges),
		)
	}
	output.Box("Order Preview", lines)
	output.Println()
}

// printOutcome reports where the order ended up. A rejected order is an
// error.
func printOutcome(output *Output, v workflow.View) error {
	switch {
	case v.State == workflow.StateComplete:
		output.Success("✓ Order complete")
	case v.State.IsTerminal():
		output.Error("✗ Order %s", strings.ToLower(string(v.State)))
	case v.Error != "":
		output.Error("✗ %s", v.Error)
	default:
		output.Info("Order %s", output.Status(string(v.State)))
	}
	if s := v.Status; s != nil {
		output.Printf("  Order ID: %s\n", s.OrderID)
		output.Printf("  Status:   %s\n", output.Status(string(s.Status)))
		if s.FilledQuantity > 0 {
			output.Printf("  Filled:   %d @ %s\n", s.FilledQuantity, FormatPrice(s.AveragePrice))
		}
		if s.StatusMessage != "" {
			output.Dim("  %s", s.StatusMessage)
		}
	}
	if v.State == workflow.StateRejected || (v.State == workflow.StateConfiguring && v.Error != "") {
		return fmt.Errorf("order not completed: %s", strings.ToLower(string(v.State)))
	}
	return nil
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Show the last traded price of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := app.output(cmd)
			return app.withDesk(func(ctx context.Context, d *desk.Desk) error {
				q, err := d.Quote(ctx, strings.ToUpper(args[0]))
				if err != nil {
					output.Error("Quote failed: %s", apperrors.Message(err))
					return err
				}
				if output.IsJSON() {
					return output.JSON(q)
				}
				output.Printf("%s  %s  %s\n", output.Cyan(q.Symbol), FormatPrice(q.LastPrice), output.DimText(FormatTime(q.Timestamp)))
				return nil
			})
		},
	}
}
