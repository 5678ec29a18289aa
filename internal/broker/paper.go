package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// PaperBackend simulates a brokerage in memory. Prices are fixed per symbol,
// marketable orders fill on the second status read, and BUY orders are
// checked against the simulated cash balance.
type PaperBackend struct {
	universe Universe
	candles  int
	loginURL string

	instruments map[string]*paperInstrument
	positions   map[string]*paperPosition
	holdings    map[string]*paperPosition
	orders      map[string]*paperOrder
	orderSeq    []string

	cash         decimal.Decimal
	initialCash  decimal.Decimal
	orderCounter int
	syncedAt     time.Time

	mu sync.RWMutex
}

type paperInstrument struct {
	token    uint32
	symbol   string
	name     string
	category map[models.SegmentID]string
	price    decimal.Decimal
}

type paperPosition struct {
	net int
	avg decimal.Decimal
}

type paperOrder struct {
	req    models.OrderRequest
	record models.OrderStatusRecord
	reads  int
}

// PaperConfig holds configuration for the paper backend.
type PaperConfig struct {
	Universe    Universe
	InitialCash decimal.Decimal
	Candles     int
	// LoginURL is handed to the connection gate; it normally points at the
	// desk's own callback so the connect flow completes locally.
	LoginURL string
	// Holdings seeds delivery holdings as symbol → quantity.
	Holdings map[string]int
}

// paper charges approximate delivery STT, exchange and stamp charges.
var paperChargesRate = decimal.RequireFromString("0.00118")

// NewPaperBackend creates a paper backend.
func NewPaperBackend(cfg PaperConfig) *PaperBackend {
	universe := cfg.Universe
	if len(universe) == 0 {
		universe = DefaultUniverse()
	}
	cash := cfg.InitialCash
	if !cash.IsPositive() {
		cash = decimal.NewFromInt(1000000) // 10 lakhs default
	}
	candles := cfg.Candles
	if candles <= 0 {
		candles = 20
	}
	loginURL := cfg.LoginURL
	if loginURL == "" {
		loginURL = "http://localhost:8080/zerodha/callback?request_token=paper"
	}

	p := &PaperBackend{
		universe:    universe,
		candles:     candles,
		loginURL:    loginURL,
		instruments: make(map[string]*paperInstrument),
		positions:   make(map[string]*paperPosition),
		holdings:    make(map[string]*paperPosition),
		orders:      make(map[string]*paperOrder),
		cash:        cash,
		initialCash: cash,
	}
	p.loadUniverse()
	for symbol, qty := range cfg.Holdings {
		if inst, ok := p.instruments[symbol]; ok && qty > 0 {
			// Seeded holdings were bought 5% below the current price.
			p.holdings[symbol] = &paperPosition{net: qty, avg: inst.price.Mul(decimal.RequireFromString("0.95")).Round(2)}
		}
	}
	return p
}

func (p *PaperBackend) loadUniverse() {
	for _, id := range models.AllSegments {
		for _, m := range p.universe[id] {
			inst, ok := p.instruments[m.Symbol]
			if !ok {
				h := symbolHash(m.Symbol)
				inst = &paperInstrument{
					token:    100000 + h%900000,
					symbol:   m.Symbol,
					name:     m.Name,
					category: make(map[models.SegmentID]string),
					price:    decimal.NewFromInt(int64(100 + h%4900)),
				}
				p.instruments[m.Symbol] = inst
			}
			inst.category[id] = m.Category
		}
	}
}

func symbolHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// IsAuthenticated always returns true for the paper backend.
func (p *PaperBackend) IsAuthenticated() bool {
	return true
}

// CompleteLogin accepts any non-empty request token.
func (p *PaperBackend) CompleteLogin(ctx context.Context, requestToken string) error {
	if strings.TrimSpace(requestToken) == "" {
		return apperrors.NewValidationError("request_token", requestToken, "Missing request token")
	}
	return nil
}

// GetBrokerLoginURL returns the configured login URL.
func (p *PaperBackend) GetBrokerLoginURL(ctx context.Context) (string, error) {
	return p.loginURL, nil
}

// ListInstruments returns one page of a listing segment.
func (p *PaperBackend) ListInstruments(ctx context.Context, segment models.SegmentID, req models.ListRequest) (models.Page[models.StockRow], error) {
	members, ok := p.universe[segment]
	if !ok || !segment.IsListing() {
		return models.Page[models.StockRow]{}, apperrors.Wrapf(apperrors.ErrUnknownSegment, "segment %q", segment)
	}
	scale := req.Scale
	if scale == "" {
		scale = DefaultScale
	}
	step, ok := scaleStep[scale]
	if !ok {
		return models.Page[models.StockRow]{}, apperrors.NewValidationError("scale", scale, "Unknown chart scale")
	}

	p.mu.RLock()
	net := make(map[string]int, len(p.positions))
	for symbol, pos := range p.positions {
		net[symbol] = pos.net
	}
	position := classify(net)
	rows := make([]models.StockRow, 0, len(members))
	for _, m := range members {
		inst := p.instruments[m.Symbol]
		rows = append(rows, models.StockRow{
			Token:         inst.token,
			Name:          inst.name,
			TradingSymbol: inst.symbol,
			Category:      inst.category[segment],
			Price:         inst.price,
			Position:      position(inst.symbol),
		})
	}
	p.mu.RUnlock()

	page := PageRows(rows, req)
	now := time.Now().Truncate(step)
	for i := range page.Rows {
		page.Rows[i].Candles = synthCandles(page.Rows[i].TradingSymbol, page.Rows[i].Price, p.candles, step, now)
	}
	return page, nil
}

// synthCandles produces a deterministic series ending at price.
func synthCandles(symbol string, price decimal.Decimal, n int, step time.Duration, end time.Time) []models.Candle {
	out := make([]models.Candle, n)
	seed := symbolHash(symbol)
	closePx := price
	for i := n - 1; i >= 0; i-- {
		// Swing of up to ±1% per candle.
		swing := decimal.NewFromInt(int64((seed>>uint(i%24))%201) - 100).Div(decimal.NewFromInt(10000))
		openPx := closePx.Mul(decimal.NewFromInt(1).Sub(swing)).Round(2)
		high := decimal.Max(openPx, closePx).Mul(decimal.RequireFromString("1.002")).Round(2)
		low := decimal.Min(openPx, closePx).Mul(decimal.RequireFromString("0.998")).Round(2)
		out[i] = models.Candle{
			Timestamp: end.Add(-time.Duration(n-1-i) * step),
			Open:      openPx,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    int64(1000 + (seed>>uint(i%16))%9000),
		}
		closePx = openPx
	}
	return out
}

// GetQuote returns the simulated last price.
func (p *PaperBackend) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.instruments[symbol]
	if !ok {
		return models.Quote{}, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "quote %s", symbol)
	}
	return models.Quote{Symbol: symbol, LastPrice: inst.price, Timestamp: time.Now()}, nil
}

// SyncInstruments reloads the universe.
func (p *PaperBackend) SyncInstruments(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadUniverse()
	p.syncedAt = time.Now()
	return nil
}

// SetPrice overrides the simulated price of a symbol.
func (p *PaperBackend) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instruments[symbol]; ok {
		inst.price = price
	}
}

// ListPositions returns open positions valued at the current price.
func (p *PaperBackend) ListPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Position, 0, len(p.positions))
	for symbol, pos := range p.positions {
		out = append(out, models.NewPosition(symbol, models.NSE, models.ProductCNC, pos.net, pos.avg, p.instruments[symbol].price))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	return out, nil
}

// ListHoldings returns delivery holdings valued at the current price.
func (p *PaperBackend) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Holding, 0, len(p.holdings))
	for symbol, h := range p.holdings {
		out = append(out, models.NewHolding(symbol, models.NSE, h.net, h.avg, p.instruments[symbol].price))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	return out, nil
}

// GetMargins returns the simulated equity margin.
func (p *PaperBackend) GetMargins(ctx context.Context) (models.MarginSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	utilised := decimal.Zero
	for _, pos := range p.positions {
		q := pos.net
		if q < 0 {
			q = -q
		}
		utilised = utilised.Add(pos.avg.Mul(decimal.NewFromInt(int64(q))))
	}
	return models.MarginSnapshot{
		Available: p.cash,
		Utilised:  utilised,
		Net:       p.cash.Add(utilised),
		UpdatedAt: time.Now(),
	}, nil
}

// EstimateOrderMargin prices the order at its limit price or the last price.
func (p *PaperBackend) EstimateOrderMargin(ctx context.Context, req models.OrderRequest) (models.OrderEstimate, error) {
	p.mu.RLock()
	inst, ok := p.instruments[req.TradingSymbol]
	p.mu.RUnlock()
	if !ok {
		return models.OrderEstimate{}, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "estimate %s", req.TradingSymbol)
	}
	price := inst.price
	if req.OrderType == models.OrderTypeLimit && req.Price.Valid {
		price = req.Price.Decimal
	}
	value := price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	return models.OrderEstimate{
		TotalMargin: value.Round(2),
		Charges:     value.Mul(paperChargesRate).Round(2),
	}, nil
}

// PlaceOrder accepts an order in PENDING state.
func (p *PaperBackend) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, ok := p.instruments[req.TradingSymbol]
	if !ok {
		return models.OrderResult{}, apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType), "Unknown instrument "+req.TradingSymbol, nil)
	}
	if req.Quantity <= 0 {
		return models.OrderResult{}, apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType), "Quantity must be positive", nil)
	}
	price := inst.price
	if req.OrderType == models.OrderTypeLimit && req.Price.Valid {
		price = req.Price.Decimal
	}
	if req.TransactionType == models.OrderSideBuy {
		need := price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		if need.GreaterThan(p.cash) {
			return models.OrderResult{}, apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType),
				fmt.Sprintf("Insufficient funds: need %s, have %s", need.StringFixed(2), p.cash.StringFixed(2)), nil)
		}
	}

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)
	p.orders[orderID] = &paperOrder{
		req: req,
		record: models.OrderStatusRecord{
			OrderID:         orderID,
			Status:          models.OrderStatusPending,
			TradingSymbol:   req.TradingSymbol,
			TransactionType: req.TransactionType,
			OrderType:       req.OrderType,
			Quantity:        req.Quantity,
			Price:           req.Price.Decimal,
			Timestamp:       time.Now(),
		},
	}
	p.orderSeq = append(p.orderSeq, orderID)
	return models.OrderResult{OrderID: orderID}, nil
}

// GetOrderStatus returns the order's status. The first read reports
// PENDING; later reads fill marketable orders and leave the rest OPEN.
func (p *PaperBackend) GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatusRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.OrderStatusRecord{}, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}
	o.reads++
	if o.reads >= 2 && !o.record.Status.IsTerminal() {
		p.advance(o)
	}
	return o.record, nil
}

func (p *PaperBackend) advance(o *paperOrder) {
	inst := p.instruments[o.req.TradingSymbol]
	price := inst.price
	if o.req.OrderType == models.OrderTypeLimit {
		limit := o.req.Price.Decimal
		if o.req.TransactionType == models.OrderSideBuy && price.GreaterThan(limit) ||
			o.req.TransactionType == models.OrderSideSell && price.LessThan(limit) {
			o.record.Status = models.OrderStatusOpen
			o.record.StatusMessage = "Waiting for limit price"
			return
		}
		price = limit
	}

	qty := o.req.Quantity
	value := price.Mul(decimal.NewFromInt(int64(qty)))
	if o.req.TransactionType == models.OrderSideBuy {
		if value.GreaterThan(p.cash) {
			o.record.Status = models.OrderStatusRejected
			o.record.StatusMessage = "Insufficient funds"
			return
		}
		p.cash = p.cash.Sub(value)
		p.updatePosition(o.req.TradingSymbol, qty, price)
	} else {
		p.cash = p.cash.Add(value)
		p.updatePosition(o.req.TradingSymbol, -qty, price)
	}
	o.record.Status = models.OrderStatusComplete
	o.record.StatusMessage = ""
	o.record.FilledQuantity = qty
	o.record.AveragePrice = price
	o.record.Timestamp = time.Now()
}

// updatePosition applies a signed fill to the symbol's net position.
func (p *PaperBackend) updatePosition(symbol string, signedQty int, price decimal.Decimal) {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &paperPosition{}
		p.positions[symbol] = pos
	}
	next := pos.net + signedQty
	switch {
	case next == 0:
		delete(p.positions, symbol)
		return
	case pos.net == 0 || (pos.net > 0) != (next > 0):
		// New or flipped position.
		pos.avg = price
	case (pos.net > 0) == (signedQty > 0):
		// Adding in the same direction.
		total := pos.avg.Mul(decimal.NewFromInt(int64(abs(pos.net)))).Add(price.Mul(decimal.NewFromInt(int64(abs(signedQty)))))
		pos.avg = total.Div(decimal.NewFromInt(int64(abs(next)))).Round(2)
	}
	pos.net = next
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ListOrders returns every paper order, newest first.
func (p *PaperBackend) ListOrders(ctx context.Context) ([]models.OrderStatusRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.OrderStatusRecord, 0, len(p.orderSeq))
	for i := len(p.orderSeq) - 1; i >= 0; i-- {
		out = append(out, p.orders[p.orderSeq[i]].record)
	}
	return out, nil
}

// Reset restores the initial cash and clears orders and positions.
func (p *PaperBackend) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions = make(map[string]*paperPosition)
	p.orders = make(map[string]*paperOrder)
	p.orderSeq = nil
	p.cash = p.initialCash
	p.orderCounter = 0
}

var (
	_ Backend          = (*PaperBackend)(nil)
	_ SessionCompleter = (*PaperBackend)(nil)
	_ SessionChecker   = (*PaperBackend)(nil)
)
