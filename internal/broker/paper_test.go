package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

func marketOrder(symbol string, side models.OrderSide, qty int) models.OrderRequest {
	return models.OrderRequest{
		TradingSymbol:   symbol,
		Exchange:        models.NSE,
		TransactionType: side,
		OrderType:       models.OrderTypeMarket,
		Quantity:        qty,
		Product:         models.ProductCNC,
		Validity:        models.ValidityDay,
		Variety:         models.VarietyRegular,
	}
}

func TestPaperOrderProgressesToComplete(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(PaperConfig{})
	p.SetPrice("TCS", decimal.NewFromInt(3900))

	res, err := p.PlaceOrder(ctx, marketOrder("TCS", models.OrderSideBuy, 5))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	first, err := p.GetOrderStatus(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.OrderStatusPending {
		t.Errorf("first read = %s, want PENDING", first.Status)
	}
	second, _ := p.GetOrderStatus(ctx, res.OrderID)
	if second.Status != models.OrderStatusComplete || second.FilledQuantity != 5 {
		t.Errorf("second read = %+v", second)
	}

	positions, _ := p.ListPositions(ctx)
	if len(positions) != 1 || positions[0].TradingSymbol != "TCS" || positions[0].Quantity != 5 || positions[0].Type != models.OrderSideBuy {
		t.Fatalf("positions = %+v", positions)
	}
	m, _ := p.GetMargins(ctx)
	if !m.Available.Equal(decimal.NewFromInt(1000000 - 19500)) {
		t.Errorf("available = %s", m.Available)
	}
	if !m.Utilised.Equal(decimal.NewFromInt(19500)) {
		t.Errorf("utilised = %s", m.Utilised)
	}
}

func TestPaperLimitOrderStaysOpen(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(PaperConfig{})
	p.SetPrice("INFY", decimal.NewFromInt(1500))

	req := marketOrder("INFY", models.OrderSideBuy, 1)
	req.OrderType = models.OrderTypeLimit
	req.Price = decimal.NewNullDecimal(decimal.NewFromInt(1400))
	res, err := p.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	p.GetOrderStatus(ctx, res.OrderID)
	rec, _ := p.GetOrderStatus(ctx, res.OrderID)
	if rec.Status != models.OrderStatusOpen {
		t.Errorf("status = %s, want OPEN", rec.Status)
	}

	p.SetPrice("INFY", decimal.NewFromInt(1390))
	rec, _ = p.GetOrderStatus(ctx, res.OrderID)
	if rec.Status != models.OrderStatusComplete || !rec.AveragePrice.Equal(decimal.NewFromInt(1400)) {
		t.Errorf("after price drop = %+v", rec)
	}
}

func TestPaperRejectsInsufficientFunds(t *testing.T) {
	p := NewPaperBackend(PaperConfig{InitialCash: decimal.NewFromInt(1000)})
	p.SetPrice("TCS", decimal.NewFromInt(3900))

	_, err := p.PlaceOrder(context.Background(), marketOrder("TCS", models.OrderSideBuy, 1))
	if apperrors.KindOf(err) != apperrors.KindSubmission {
		t.Fatalf("err = %v, want submission error", err)
	}
	if msg := apperrors.Message(err); msg != "Insufficient funds: need 3900.00, have 1000.00" {
		t.Errorf("message = %q", msg)
	}
}

func TestPaperShortPosition(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBackend(PaperConfig{})
	p.SetPrice("SBIN", decimal.NewFromInt(800))

	res, _ := p.PlaceOrder(ctx, marketOrder("SBIN", models.OrderSideSell, 10))
	p.GetOrderStatus(ctx, res.OrderID)
	p.GetOrderStatus(ctx, res.OrderID)

	p.SetPrice("SBIN", decimal.NewFromInt(780))
	positions, _ := p.ListPositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("positions = %+v", positions)
	}
	pos := positions[0]
	if pos.Type != models.OrderSideSell || pos.Quantity != 10 || !pos.PnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("short position = %+v", pos)
	}

	page, err := p.ListInstruments(ctx, models.SegmentNifty, models.ListRequest{Page: 1, PageSize: 50, PositionFilter: "Short"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Rows[0].TradingSymbol != "SBIN" {
		t.Errorf("short filter = %+v", page)
	}
}

func TestPaperListInstruments(t *testing.T) {
	p := NewPaperBackend(PaperConfig{Candles: 12})
	page, err := p.ListInstruments(context.Background(), models.SegmentBankNifty, models.ListRequest{Page: 2, PageSize: 5, SortBy: "name", SortDir: "asc", Scale: "4h"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != len(DefaultUniverse()[models.SegmentBankNifty]) {
		t.Errorf("total = %d", page.Total)
	}
	if len(page.Rows) != page.Total-5 {
		t.Errorf("rows on page 2 = %d", len(page.Rows))
	}
	for _, r := range page.Rows {
		if len(r.Candles) != 12 {
			t.Errorf("%s has %d candles", r.TradingSymbol, len(r.Candles))
		}
		last := r.Candles[len(r.Candles)-1]
		if !last.Close.Equal(r.Price) {
			t.Errorf("%s last close %s != price %s", r.TradingSymbol, last.Close, r.Price)
		}
		if r.Category == "" {
			t.Errorf("%s has no category", r.TradingSymbol)
		}
	}

	if _, err := p.ListInstruments(context.Background(), models.SegmentPositions, models.ListRequest{}); !apperrors.Is(err, apperrors.ErrUnknownSegment) {
		t.Errorf("non-listing segment err = %v", err)
	}
	if _, err := p.ListInstruments(context.Background(), models.SegmentNifty, models.ListRequest{Scale: "2m"}); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Errorf("bad scale err = %v", err)
	}
}

func TestPaperEstimate(t *testing.T) {
	p := NewPaperBackend(PaperConfig{})
	p.SetPrice("TCS", decimal.NewFromInt(4000))

	est, err := p.EstimateOrderMargin(context.Background(), marketOrder("TCS", models.OrderSideBuy, 5))
	if err != nil {
		t.Fatal(err)
	}
	if !est.TotalMargin.Equal(decimal.NewFromInt(20000)) || !est.Charges.Equal(decimal.RequireFromString("23.6")) {
		t.Errorf("estimate = %+v", est)
	}
}

func TestPaperHoldingsSeeded(t *testing.T) {
	p := NewPaperBackend(PaperConfig{Holdings: map[string]int{"INFY": 10, "NOPE": 3}})
	holdings, _ := p.ListHoldings(context.Background())
	if len(holdings) != 1 || holdings[0].TradingSymbol != "INFY" || !holdings[0].PnL.IsPositive() {
		t.Errorf("holdings = %+v", holdings)
	}
}

func TestPaperCompleteLogin(t *testing.T) {
	p := NewPaperBackend(PaperConfig{})
	if err := p.CompleteLogin(context.Background(), ""); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Errorf("empty token err = %v", err)
	}
	if err := p.CompleteLogin(context.Background(), "abc"); err != nil {
		t.Errorf("CompleteLogin: %v", err)
	}
}
