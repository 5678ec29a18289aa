// Package broker provides the backend contract the desk consumes and its
// implementations: Kite Connect, the desk's REST backend, and a paper
// simulation.
package broker

import (
	"context"
	"time"

	"wysetrade-desk/internal/models"
)

// Backend defines the operations the desk consumes.
type Backend interface {
	// Market Data
	ListInstruments(ctx context.Context, segment models.SegmentID, req models.ListRequest) (models.Page[models.StockRow], error)
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
	SyncInstruments(ctx context.Context) error

	// Account
	ListPositions(ctx context.Context) ([]models.Position, error)
	ListHoldings(ctx context.Context) ([]models.Holding, error)
	GetMargins(ctx context.Context) (models.MarginSnapshot, error)

	// Orders
	EstimateOrderMargin(ctx context.Context, req models.OrderRequest) (models.OrderEstimate, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatusRecord, error)
	ListOrders(ctx context.Context) ([]models.OrderStatusRecord, error)

	// Session
	GetBrokerLoginURL(ctx context.Context) (string, error)
}

// SessionCompleter is implemented by backends that exchange the login
// callback's request token for a session themselves.
type SessionCompleter interface {
	CompleteLogin(ctx context.Context, requestToken string) error
}

// SessionChecker is implemented by backends that can tell whether a session
// is already usable, e.g. from a configured access token.
type SessionChecker interface {
	IsAuthenticated() bool
}

// Scales are the chart scales a listing can be fetched with.
var Scales = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}

// DefaultScale is the chart scale listings start with.
const DefaultScale = "5m"

// scaleStep is the candle width of each scale.
var scaleStep = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ValidScale reports whether s is a supported chart scale.
func ValidScale(s string) bool {
	for _, v := range Scales {
		if v == s {
			return true
		}
	}
	return false
}
