package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionClass classifies a listing row against the account's open positions.
type PositionClass string

const (
	PositionLong    PositionClass = "Long"
	PositionShort   PositionClass = "Short"
	PositionNeutral PositionClass = "Neutral"
)

// ClassifyQuantity maps a signed net quantity to its position class.
func ClassifyQuantity(qty int) PositionClass {
	switch {
	case qty > 0:
		return PositionLong
	case qty < 0:
		return PositionShort
	default:
		return PositionNeutral
	}
}

// StockRow is one row of an instrument listing.
type StockRow struct {
	Token         uint32          `json:"instrument_token"`
	Name          string          `json:"name"`
	TradingSymbol string          `json:"tradingsymbol"`
	Category      string          `json:"category,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Candles       []Candle        `json:"candles"`
	Position      PositionClass   `json:"position"`
}

// ID returns the row identity used for guards and sorting.
func (r StockRow) ID() uint32 {
	return r.Token
}

// Position represents an open trading position.
type Position struct {
	TradingSymbol string          `json:"instrument"`
	Exchange      Exchange        `json:"exchange"`
	Product       ProductType     `json:"product"`
	Type          OrderSide       `json:"type"`
	Quantity      int             `json:"qty"`
	AveragePrice  decimal.Decimal `json:"avgPrice"`
	LastPrice     decimal.Decimal `json:"ltp"`
	PnL           decimal.Decimal `json:"pnl"`
}

// NewPosition builds a position from a signed net quantity. Negative
// quantities are short positions.
func NewPosition(symbol string, exchange Exchange, product ProductType, netQty int, avg, ltp decimal.Decimal) Position {
	side := OrderSideBuy
	qty := netQty
	if netQty < 0 {
		side = OrderSideSell
		qty = -netQty
	}
	return Position{
		TradingSymbol: symbol,
		Exchange:      exchange,
		Product:       product,
		Type:          side,
		Quantity:      qty,
		AveragePrice:  avg,
		LastPrice:     ltp,
		PnL:           PnL(side, qty, avg, ltp),
	}
}

// PnL computes profit or loss for a quantity held in the given direction.
func PnL(side OrderSide, qty int, avg, ltp decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(int64(qty))
	if side == OrderSideSell {
		return avg.Sub(ltp).Mul(q)
	}
	return ltp.Sub(avg).Mul(q)
}

// Holding represents a delivery holding.
type Holding struct {
	TradingSymbol string          `json:"instrument"`
	Exchange      Exchange        `json:"exchange"`
	Quantity      int             `json:"qty"`
	AveragePrice  decimal.Decimal `json:"avgPrice"`
	LastPrice     decimal.Decimal `json:"ltp"`
	PnL           decimal.Decimal `json:"pnl"`
}

// NewHolding builds a holding and computes its P&L.
func NewHolding(symbol string, exchange Exchange, qty int, avg, ltp decimal.Decimal) Holding {
	return Holding{
		TradingSymbol: symbol,
		Exchange:      exchange,
		Quantity:      qty,
		AveragePrice:  avg,
		LastPrice:     ltp,
		PnL:           PnL(OrderSideBuy, qty, avg, ltp),
	}
}

// MarginSnapshot is the account's equity margin at a point in time.
type MarginSnapshot struct {
	Available decimal.Decimal `json:"available"`
	Utilised  decimal.Decimal `json:"utilised"`
	Net       decimal.Decimal `json:"net"`
	UpdatedAt time.Time       `json:"updated_at"`
}
