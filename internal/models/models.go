// Package models provides domain models for the trading desk.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a supported order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductCNC ProductType = "CNC" // Delivery
	ProductMIS ProductType = "MIS" // Intraday
)

// Variety is the placement variety of an order.
type Variety string

const (
	VarietyRegular Variety = "regular"
	VarietyAMO     Variety = "amo" // After market
)

// Valid reports whether v is a supported variety.
func (v Variety) Valid() bool {
	return v == VarietyRegular || v == VarietyAMO
}

// Validity is how long an order stays live.
type Validity string

const ValidityDay Validity = "DAY"

// SegmentID identifies one independently synchronized data view.
type SegmentID string

const (
	SegmentNifty     SegmentID = "nifty"
	SegmentBankNifty SegmentID = "bankNifty"
	SegmentPositions SegmentID = "positions"
	SegmentHoldings  SegmentID = "holdings"
	SegmentMargins   SegmentID = "margins"
	SegmentOrders    SegmentID = "orders"
)

// AllSegments lists every segment in display order.
var AllSegments = []SegmentID{
	SegmentNifty,
	SegmentBankNifty,
	SegmentPositions,
	SegmentHoldings,
	SegmentMargins,
	SegmentOrders,
}

// IsListing reports whether the segment lists instruments (as opposed to
// account data).
func (id SegmentID) IsListing() bool {
	return id == SegmentNifty || id == SegmentBankNifty
}

// Valid reports whether id names a known segment.
func (id SegmentID) Valid() bool {
	for _, s := range AllSegments {
		if s == id {
			return true
		}
	}
	return false
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time       `json:"time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Quote is the last traded price of an instrument.
type Quote struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Instrument represents a tradeable instrument.
type Instrument struct {
	Token     uint32   `json:"instrument_token"`
	Symbol    string   `json:"tradingsymbol"`
	Name      string   `json:"name"`
	Exchange  Exchange `json:"exchange"`
	Segment   string   `json:"segment"`
	LotSize   int      `json:"lot_size"`
	TickSize  float64  `json:"tick_size"`
	InstrType string   `json:"instrument_type"`
}

// Page is one window of a listing together with the unpaginated total.
type Page[T any] struct {
	Rows  []T `json:"items"`
	Total int `json:"total"`
}

// ListRequest carries the query a listing fetch is issued with.
type ListRequest struct {
	Page           int    `json:"page"`
	PageSize       int    `json:"page_size"`
	Search         string `json:"search,omitempty"`
	SortBy         string `json:"sort_by"`
	SortDir        string `json:"sort_dir"`
	PositionFilter string `json:"position_filter,omitempty"`
	CategoryFilter string `json:"category_filter,omitempty"`
	Scale          string `json:"scale,omitempty"`
}

// Offset returns the zero-based index of the first row of the page.
func (r ListRequest) Offset() int {
	if r.Page < 1 || r.PageSize < 1 {
		return 0
	}
	return (r.Page - 1) * r.PageSize
}
