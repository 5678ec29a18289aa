// Package brokertest provides a scriptable in-memory Backend for tests.
package brokertest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// Method names used for counters, errors and holds.
const (
	ListInstruments     = "ListInstruments"
	GetQuote            = "GetQuote"
	SyncInstruments     = "SyncInstruments"
	ListPositions       = "ListPositions"
	ListHoldings        = "ListHoldings"
	GetMargins          = "GetMargins"
	EstimateOrderMargin = "EstimateOrderMargin"
	PlaceOrder          = "PlaceOrder"
	GetOrderStatus      = "GetOrderStatus"
	ListOrders          = "ListOrders"
	GetBrokerLoginURL   = "GetBrokerLoginURL"
	CompleteLogin       = "CompleteLogin"
)

// Fake records every call and answers from its fields.
type Fake struct {
	mu sync.Mutex

	calls map[string]int
	errs  map[string]error
	holds map[string]chan struct{}

	Listings  map[models.SegmentID]models.Page[models.StockRow]
	Positions []models.Position
	Holdings  []models.Holding
	Margins   models.MarginSnapshot
	Orders    []models.OrderStatusRecord
	LastPrice decimal.Decimal
	Estimate  models.OrderEstimate
	OrderID   string
	// Statuses are returned by successive GetOrderStatus calls; the last
	// one repeats.
	Statuses []models.OrderStatus
	LoginURL string

	ListRequests     []models.ListRequest
	EstimateRequests []models.OrderRequest
	PlaceRequests    []models.OrderRequest
	StatusRequests   []string
	QuoteRequests    []string
	RequestTokens    []string
}

// New returns a fake with small default data.
func New() *Fake {
	return &Fake{
		calls: make(map[string]int),
		errs:  make(map[string]error),
		holds: make(map[string]chan struct{}),
		Listings: map[models.SegmentID]models.Page[models.StockRow]{
			models.SegmentNifty: {
				Rows: []models.StockRow{
					{Token: 2953217, Name: "Tata Consultancy Services", TradingSymbol: "TCS", Price: decimal.NewFromInt(3900), Position: models.PositionNeutral},
					{Token: 408065, Name: "Infosys", TradingSymbol: "INFY", Price: decimal.NewFromInt(1500), Position: models.PositionNeutral},
				},
				Total: 2,
			},
			models.SegmentBankNifty: {
				Rows:  []models.StockRow{{Token: 341249, Name: "HDFC Bank", TradingSymbol: "HDFCBANK", Price: decimal.NewFromInt(1600), Position: models.PositionNeutral}},
				Total: 1,
			},
		},
		LastPrice: decimal.NewFromInt(3900),
		Estimate:  models.OrderEstimate{TotalMargin: decimal.NewFromInt(19500), Charges: decimal.RequireFromString("23.45")},
		OrderID:   "O1",
		Statuses:  []models.OrderStatus{models.OrderStatusComplete},
		LoginURL:  "https://kite.zerodha.com/connect/login?v=3&api_key=test",
	}
}

// SetError makes method fail with err until cleared with a nil err.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// Hold blocks calls to method until the returned release is called.
func (f *Fake) Hold(method string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[method] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.holds[method] == ch {
				delete(f.holds, method)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Snapshot runs fn with the fake locked, for reading recorded requests.
func (f *Fake) Snapshot(fn func(f *Fake)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	hold := f.holds[method]
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[method]
}

func (f *Fake) ListInstruments(ctx context.Context, segment models.SegmentID, req models.ListRequest) (models.Page[models.StockRow], error) {
	f.mu.Lock()
	f.ListRequests = append(f.ListRequests, req)
	f.mu.Unlock()
	if err := f.enter(ctx, ListInstruments); err != nil {
		return models.Page[models.StockRow]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Listings[segment], nil
}

func (f *Fake) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	f.mu.Lock()
	f.QuoteRequests = append(f.QuoteRequests, symbol)
	f.mu.Unlock()
	if err := f.enter(ctx, GetQuote); err != nil {
		return models.Quote{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.Quote{Symbol: symbol, LastPrice: f.LastPrice}, nil
}

func (f *Fake) SyncInstruments(ctx context.Context) error {
	return f.enter(ctx, SyncInstruments)
}

func (f *Fake) ListPositions(ctx context.Context) ([]models.Position, error) {
	if err := f.enter(ctx, ListPositions); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Position(nil), f.Positions...), nil
}

func (f *Fake) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	if err := f.enter(ctx, ListHoldings); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Holding(nil), f.Holdings...), nil
}

func (f *Fake) GetMargins(ctx context.Context) (models.MarginSnapshot, error) {
	if err := f.enter(ctx, GetMargins); err != nil {
		return models.MarginSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Margins, nil
}

func (f *Fake) EstimateOrderMargin(ctx context.Context, req models.OrderRequest) (models.OrderEstimate, error) {
	f.mu.Lock()
	f.EstimateRequests = append(f.EstimateRequests, req)
	f.mu.Unlock()
	if err := f.enter(ctx, EstimateOrderMargin); err != nil {
		return models.OrderEstimate{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Estimate, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.mu.Lock()
	f.PlaceRequests = append(f.PlaceRequests, req)
	f.mu.Unlock()
	if err := f.enter(ctx, PlaceOrder); err != nil {
		return models.OrderResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.OrderResult{OrderID: f.OrderID}, nil
}

func (f *Fake) GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatusRecord, error) {
	f.mu.Lock()
	f.StatusRequests = append(f.StatusRequests, orderID)
	n := len(f.StatusRequests)
	f.mu.Unlock()
	if err := f.enter(ctx, GetOrderStatus); err != nil {
		return models.OrderStatusRecord{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Statuses) == 0 {
		return models.OrderStatusRecord{}, apperrors.ErrOrderNotFound
	}
	idx := n - 1
	if idx >= len(f.Statuses) {
		idx = len(f.Statuses) - 1
	}
	return models.OrderStatusRecord{OrderID: orderID, Status: f.Statuses[idx]}, nil
}

func (f *Fake) ListOrders(ctx context.Context) ([]models.OrderStatusRecord, error) {
	if err := f.enter(ctx, ListOrders); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderStatusRecord(nil), f.Orders...), nil
}

func (f *Fake) GetBrokerLoginURL(ctx context.Context) (string, error) {
	if err := f.enter(ctx, GetBrokerLoginURL); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoginURL, nil
}

func (f *Fake) CompleteLogin(ctx context.Context, requestToken string) error {
	f.mu.Lock()
	f.RequestTokens = append(f.RequestTokens, requestToken)
	f.mu.Unlock()
	return f.enter(ctx, CompleteLogin)
}
