package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "wysetrade-desk/internal/errors"
)

// OrderDraft is the editable, not-yet-submitted description of an order.
// Quantity and LimitPrice hold the raw user input.
type OrderDraft struct {
	Segment       SegmentID `json:"segment"`
	Action        OrderSide `json:"action"`
	TradingSymbol string    `json:"tradingsymbol"`
	Token         uint32    `json:"instrument_token"`
	Quantity      string    `json:"quantity"`
	OrderType     OrderType `json:"order_type"`
	LimitPrice    string    `json:"price"`
	Variety       Variety   `json:"variety"`
}

// NewOrderDraft returns the initial draft for an instrument row: one share at
// market, regular variety, no limit price.
func NewOrderDraft(segment SegmentID, action OrderSide, row StockRow) OrderDraft {
	return OrderDraft{
		Segment:       segment,
		Action:        action,
		TradingSymbol: row.TradingSymbol,
		Token:         row.Token,
		Quantity:      "1",
		OrderType:     OrderTypeMarket,
		Variety:       VarietyRegular,
	}
}

// maxQuantity caps a single order.
const maxQuantity = 1_000_000

var wholeNumber = regexp.MustCompile(`^[0-9]+$`)

// ParseQuantity parses raw quantity input. Only plain digits are accepted, so
// "1e3", "+5" and "5.0" are rejected rather than reinterpreted.
func ParseQuantity(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperrors.NewValidationError("quantity", raw, "Quantity is required")
	}
	if !wholeNumber.MatchString(raw) {
		return 0, apperrors.NewValidationError("quantity", raw, "Quantity must be a whole number")
	}
	q, err := strconv.Atoi(raw)
	if err != nil || q > maxQuantity {
		return 0, apperrors.NewValidationError("quantity", raw, "Quantity is too large")
	}
	if q == 0 {
		return 0, apperrors.NewValidationError("quantity", raw, "Quantity must be greater than zero")
	}
	return q, nil
}

// ParseLimitPrice parses raw limit price input. The price must be positive.
func ParseLimitPrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, apperrors.NewValidationError("price", raw, "Limit price is required for LIMIT orders")
	}
	p, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperrors.NewValidationError("price", raw, "Limit price must be a number")
	}
	if !p.IsPositive() {
		return decimal.Zero, apperrors.NewValidationError("price", raw, "Limit price must be greater than zero")
	}
	return p, nil
}

// Request validates the draft structurally and returns the normalized order
// request. The trading symbol is not checked here; see SubmitRequest.
func (d OrderDraft) Request() (OrderRequest, error) {
	if !d.Action.Valid() {
		return OrderRequest{}, apperrors.NewValidationError("action", d.Action, "Action must be BUY or SELL")
	}
	if !d.OrderType.Valid() {
		return OrderRequest{}, apperrors.NewValidationError("order_type", d.OrderType, "Order type must be MARKET or LIMIT")
	}
	if !d.Variety.Valid() {
		return OrderRequest{}, apperrors.NewValidationError("variety", d.Variety, "Variety must be regular or amo")
	}
	qty, err := ParseQuantity(d.Quantity)
	if err != nil {
		return OrderRequest{}, err
	}
	req := OrderRequest{
		TradingSymbol:   d.TradingSymbol,
		Exchange:        NSE,
		TransactionType: d.Action,
		OrderType:       d.OrderType,
		Quantity:        qty,
		Product:         ProductCNC,
		Validity:        ValidityDay,
		Variety:         d.Variety,
	}
	if d.OrderType == OrderTypeLimit {
		price, err := ParseLimitPrice(d.LimitPrice)
		if err != nil {
			return OrderRequest{}, err
		}
		req.Price = decimal.NewNullDecimal(price)
	}
	return req, nil
}

// SubmitRequest is Request plus the checks that only matter at submission.
func (d OrderDraft) SubmitRequest() (OrderRequest, error) {
	req, err := d.Request()
	if err != nil {
		return OrderRequest{}, err
	}
	if strings.TrimSpace(d.TradingSymbol) == "" {
		return OrderRequest{}, apperrors.NewValidationError("tradingsymbol", d.TradingSymbol, "Select an instrument")
	}
	return req, nil
}

// OrderRequest is a validated order as sent to the broker for estimation or
// placement.
type OrderRequest struct {
	TradingSymbol   string              `json:"tradingsymbol"`
	Exchange        Exchange            `json:"exchange"`
	TransactionType OrderSide           `json:"transaction_type"`
	OrderType       OrderType           `json:"order_type"`
	Quantity        int                 `json:"quantity"`
	Price           decimal.NullDecimal `json:"price"`
	Product         ProductType         `json:"product"`
	Validity        Validity            `json:"validity"`
	Variety         Variety             `json:"variety"`
}

// OrderEstimate is the margin and charges an order would need.
type OrderEstimate struct {
	TotalMargin decimal.Decimal `json:"total"`
	Charges     decimal.Decimal `json:"charges"`
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string `json:"order_id"`
}

// OrderStatus is the broker-reported state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusComplete  OrderStatus = "COMPLETE"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusComplete, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderStatusRecord is the status of one order as last observed.
type OrderStatusRecord struct {
	OrderID         string          `json:"order_id"`
	Status          OrderStatus     `json:"status"`
	StatusMessage   string          `json:"status_message,omitempty"`
	TradingSymbol   string          `json:"tradingsymbol,omitempty"`
	TransactionType OrderSide       `json:"transaction_type,omitempty"`
	OrderType       OrderType       `json:"order_type,omitempty"`
	Quantity        int             `json:"quantity,omitempty"`
	FilledQuantity  int             `json:"filled_quantity,omitempty"`
	Price           decimal.Decimal `json:"price"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Timestamp       time.Time       `json:"timestamp"`
}
