package desk

import (
	"context"
	"strings"
	"time"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/workflow"
)

// awaitPoll bounds how long AwaitOrder sleeps between hub wake-ups.
const awaitPoll = 250 * time.Millisecond

// OpenOrder starts an order workflow for symbol in a listing segment. The row
// comes from the segment's current page when it is there, otherwise from a
// search against the backend.
func (d *Desk) OpenOrder(ctx context.Context, id models.SegmentID, action models.OrderSide, symbol string) (workflow.View, error) {
	if !id.IsListing() {
		return workflow.View{}, apperrors.NewValidationError("segment", id, "Orders are opened from nifty or bankNifty")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return workflow.View{}, apperrors.NewValidationError("symbol", symbol, "Symbol is required")
	}

	row, err := d.findRow(ctx, id, symbol)
	if err != nil {
		return workflow.View{}, err
	}

	var v workflow.View
	err = d.call(ctx, func() error {
		if err := d.orders.Open(id, action, row); err != nil {
			return err
		}
		v = d.orders.View()
		return nil
	})
	return v, err
}

func (d *Desk) findRow(ctx context.Context, id models.SegmentID, symbol string) (models.StockRow, error) {
	var (
		rows  []models.StockRow
		scale string
	)
	if err := d.call(ctx, func() error {
		seg, err := d.board.Segment(id)
		if err != nil {
			return err
		}
		rows, _ = seg.View().Rows.([]models.StockRow)
		scale = d.board.Scale()
		return nil
	}); err != nil {
		return models.StockRow{}, err
	}
	if row, ok := matchRow(rows, symbol); ok {
		return row, nil
	}

	if !d.gate.IsOpen() {
		return models.StockRow{}, apperrors.ErrNotConnected
	}
	req := query.Default().Request()
	req.Search = symbol
	req.PageSize = query.PageSizes[len(query.PageSizes)-1]
	req.Scale = scale

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	page, err := d.backend.ListInstruments(ctx, id, req)
	if err != nil {
		return models.StockRow{}, err
	}
	if row, ok := matchRow(page.Rows, symbol); ok {
		return row, nil
	}
	return models.StockRow{}, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "%s in %s", symbol, id)
}

func matchRow(rows []models.StockRow, symbol string) (models.StockRow, bool) {
	for _, r := range rows {
		if strings.EqualFold(r.TradingSymbol, symbol) {
			return r, true
		}
	}
	return models.StockRow{}, false
}

// EditOrder changes the open draft.
func (d *Desk) EditOrder(ctx context.Context, patch workflow.DraftPatch) (workflow.View, error) {
	var v workflow.View
	err := d.call(ctx, func() error {
		err := d.orders.Edit(patch)
		v = d.orders.View()
		return err
	})
	return v, err
}

// SubmitOrder submits the open draft. A validation failure is returned and
// also left on the view.
func (d *Desk) SubmitOrder(ctx context.Context) (workflow.View, error) {
	var v workflow.View
	err := d.call(ctx, func() error {
		err := d.orders.Submit()
		v = d.orders.View()
		return err
	})
	return v, err
}

// CloseOrder ends the workflow.
func (d *Desk) CloseOrder(ctx context.Context) error {
	return d.loop.Call(ctx, d.orders.Close)
}

// Order returns a snapshot of the workflow.
func (d *Desk) Order(ctx context.Context) (workflow.View, error) {
	var v workflow.View
	err := d.loop.Call(ctx, func() { v = d.orders.View() })
	return v, err
}

// AwaitOrder waits until the submitted workflow id settles: a terminal
// status, a rejected submission back in Configuring, or the workflow being
// replaced or closed.
func (d *Desk) AwaitOrder(ctx context.Context, id string) (workflow.View, error) {
	sub := d.hub.Subscribe(workflow.TopicOrder)
	defer d.hub.Unsubscribe(sub.ID)

	ticker := time.NewTicker(awaitPoll)
	defer ticker.Stop()

	for {
		v, err := d.Order(ctx)
		if err != nil {
			return v, err
		}
		if settled(v, id) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case _, ok := <-sub.Channel:
			if !ok {
				return v, loop.ErrStopped
			}
		case <-ticker.C:
		}
	}
}

func settled(v workflow.View, id string) bool {
	switch {
	case v.ID != id, v.State == workflow.StateClosed:
		return true
	case v.State.IsTerminal():
		return true
	case v.State == workflow.StateConfiguring && v.Error != "":
		return true
	}
	return false
}

// Quote fetches the last price of symbol.
func (d *Desk) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if !d.gate.IsOpen() {
		return models.Quote{}, apperrors.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.backend.GetQuote(ctx, strings.ToUpper(symbol))
}
