package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// kiteAPI is the subset of the Kite Connect client the backend uses.
type kiteAPI interface {
	GetLoginURL() string
	GenerateSession(requestToken string, apiSecret string) (kiteconnect.UserSession, error)
	SetAccessToken(accessToken string)
	GetInstruments() (kiteconnect.Instruments, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate time.Time, toDate time.Time, continuous bool, OI bool) ([]kiteconnect.HistoricalData, error)
	GetPositions() (kiteconnect.Positions, error)
	GetHoldings() (kiteconnect.Holdings, error)
	GetUserMargins() (kiteconnect.AllMargins, error)
	GetOrderMargins(marparam kiteconnect.GetMarginParams) ([]kiteconnect.OrderMargins, error)
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(OrderID string) ([]kiteconnect.Order, error)
	GetOrders() (kiteconnect.Orders, error)
}

// KiteConfig holds configuration for the Kite Connect backend.
type KiteConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
	Universe    Universe
	Candles     int
	// HistoricalRate caps historical-data calls per second.
	HistoricalRate float64
	CacheTTL       time.Duration
}

// KiteBackend implements Backend against Zerodha Kite Connect.
type KiteBackend struct {
	client    kiteAPI
	apiSecret string
	universe  Universe
	candles   int
	cache     *cache.Cache
	limiter   *rate.Limiter
	logger    zerolog.Logger

	authenticated bool
	mu            sync.RWMutex
}

const (
	instrumentsKey = "instruments:NSE"
	candlesPrefix  = "candles:"
)

// NewKiteBackend creates a Kite backend. A configured access token makes the
// session usable immediately.
func NewKiteBackend(cfg KiteConfig, logger zerolog.Logger) *KiteBackend {
	client := kiteconnect.New(cfg.APIKey)
	return newKiteBackend(client, cfg, logger)
}

func newKiteBackend(client kiteAPI, cfg KiteConfig, logger zerolog.Logger) *KiteBackend {
	universe := cfg.Universe
	if len(universe) == 0 {
		universe = DefaultUniverse()
	}
	candles := cfg.Candles
	if candles <= 0 {
		candles = 20
	}
	perSecond := cfg.HistoricalRate
	if perSecond <= 0 {
		perSecond = 3 // Kite's historical API limit
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	k := &KiteBackend{
		client:    client,
		apiSecret: cfg.APISecret,
		universe:  universe,
		candles:   candles,
		cache:     cache.New(ttl, 2*ttl),
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:    logger.With().Str("component", "kite").Logger(),
	}
	if cfg.AccessToken != "" {
		client.SetAccessToken(cfg.AccessToken)
		k.authenticated = true
	}
	return k
}

// IsAuthenticated returns whether a session is set.
func (k *KiteBackend) IsAuthenticated() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.authenticated
}

// GetBrokerLoginURL returns the Kite login URL.
func (k *KiteBackend) GetBrokerLoginURL(ctx context.Context) (string, error) {
	return k.client.GetLoginURL(), nil
}

// CompleteLogin exchanges the callback's request token for a session.
func (k *KiteBackend) CompleteLogin(ctx context.Context, requestToken string) error {
	if requestToken == "" {
		return apperrors.NewValidationError("request_token", requestToken, "Missing request token")
	}
	session, err := k.client.GenerateSession(requestToken, k.apiSecret)
	if err != nil {
		return kiteError("generate session", err)
	}

	k.mu.Lock()
	k.authenticated = true
	k.client.SetAccessToken(session.AccessToken)
	k.mu.Unlock()

	k.logger.Info().Msg("Kite session established")
	return nil
}

func (k *KiteBackend) requireSession() error {
	if !k.IsAuthenticated() {
		return apperrors.ErrUnauthorized
	}
	return nil
}

// kiteError converts a Kite client error into the desk's taxonomy. Token and
// permission exceptions are authorization failures.
func kiteError(op string, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		status := kerr.Code
		if kerr.ErrorType == kiteconnect.TokenError || kerr.ErrorType == kiteconnect.PermissionError {
			if status != http.StatusForbidden {
				status = http.StatusUnauthorized
			}
		}
		return apperrors.NewBrokerError(kerr.ErrorType, status, kerr.Message, fmt.Errorf("%s: %w", op, err))
	}
	return apperrors.Wrap(err, op)
}

// orderError wraps a placement failure as a submission error carrying the
// broker's message.
func orderError(req models.OrderRequest, err error) error {
	mapped := kiteError("place order", err)
	if apperrors.IsUnauthorized(mapped) {
		return mapped
	}
	return apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType), apperrors.Message(mapped), mapped)
}

// instruments returns NSE equity instruments keyed by trading symbol.
func (k *KiteBackend) instruments() (map[string]models.Instrument, error) {
	if v, ok := k.cache.Get(instrumentsKey); ok {
		return v.(map[string]models.Instrument), nil
	}
	return k.loadInstruments()
}

func (k *KiteBackend) loadInstruments() (map[string]models.Instrument, error) {
	all, err := k.client.GetInstruments()
	if err != nil {
		return nil, kiteError("get instruments", err)
	}
	out := make(map[string]models.Instrument)
	for _, inst := range all {
		if inst.Exchange != string(models.NSE) || inst.InstrumentType != "EQ" {
			continue
		}
		out[inst.Tradingsymbol] = models.Instrument{
			Token:     uint32(inst.InstrumentToken),
			Symbol:    inst.Tradingsymbol,
			Name:      inst.Name,
			Exchange:  models.Exchange(inst.Exchange),
			Segment:   inst.Segment,
			LotSize:   int(inst.LotSize),
			TickSize:  inst.TickSize,
			InstrType: inst.InstrumentType,
		}
	}
	k.cache.Set(instrumentsKey, out, cache.DefaultExpiration)
	return out, nil
}

// SyncInstruments refreshes the instrument cache.
func (k *KiteBackend) SyncInstruments(ctx context.Context) error {
	if err := k.requireSession(); err != nil {
		return err
	}
	insts, err := k.loadInstruments()
	if err != nil {
		return err
	}
	missing := 0
	for _, sym := range k.universe.Symbols() {
		if _, ok := insts[sym]; !ok {
			missing++
			k.logger.Warn().Str("symbol", sym).Msg("Universe symbol not listed on NSE")
		}
	}
	k.logger.Info().Int("instruments", len(insts)).Int("missing", missing).Msg("Instruments synced")
	return nil
}

func exchangeSymbol(symbol string) string {
	return string(models.NSE) + ":" + symbol
}

// ListInstruments builds the listing from the universe, live quotes and open
// positions, then pages it and loads candles for the visible rows.
func (k *KiteBackend) ListInstruments(ctx context.Context, segment models.SegmentID, req models.ListRequest) (models.Page[models.StockRow], error) {
	members, ok := k.universe[segment]
	if !ok || !segment.IsListing() {
		return models.Page[models.StockRow]{}, apperrors.Wrapf(apperrors.ErrUnknownSegment, "segment %q", segment)
	}
	if err := k.requireSession(); err != nil {
		return models.Page[models.StockRow]{}, err
	}
	scale := req.Scale
	if scale == "" {
		scale = DefaultScale
	}
	if !ValidScale(scale) {
		return models.Page[models.StockRow]{}, apperrors.NewValidationError("scale", scale, "Unknown chart scale")
	}

	insts, err := k.instruments()
	if err != nil {
		return models.Page[models.StockRow]{}, err
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, exchangeSymbol(m.Symbol))
	}
	quotes, err := k.client.GetQuote(keys...)
	if err != nil {
		return models.Page[models.StockRow]{}, kiteError("get quote", err)
	}
	net, err := k.netQuantities()
	if err != nil {
		return models.Page[models.StockRow]{}, err
	}
	position := classify(net)

	rows := make([]models.StockRow, 0, len(members))
	for _, m := range members {
		inst, ok := insts[m.Symbol]
		if !ok {
			continue
		}
		name := m.Name
		if name == "" {
			name = inst.Name
		}
		rows = append(rows, models.StockRow{
			Token:         inst.Token,
			Name:          name,
			TradingSymbol: m.Symbol,
			Category:      m.Category,
			Price:         decimal.NewFromFloat(quotes[exchangeSymbol(m.Symbol)].LastPrice),
			Position:      position(m.Symbol),
		})
	}

	page := PageRows(rows, req)
	if err := k.loadCandles(ctx, page.Rows, scale); err != nil {
		return models.Page[models.StockRow]{}, err
	}
	return page, nil
}

// loadCandles fills each row's candles concurrently, throttled by the
// historical-data limiter.
func (k *KiteBackend) loadCandles(ctx context.Context, rows []models.StockRow, scale string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range rows {
		i := i
		g.Go(func() error {
			candles, err := k.candlesFor(ctx, rows[i].Token, scale)
			if err != nil {
				return err
			}
			rows[i].Candles = candles
			return nil
		})
	}
	return g.Wait()
}

func (k *KiteBackend) candlesFor(ctx context.Context, token uint32, scale string) ([]models.Candle, error) {
	key := fmt.Sprintf("%s%d:%s", candlesPrefix, token, scale)
	if v, ok := k.cache.Get(key); ok {
		return v.([]models.Candle), nil
	}
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	interval, group := kiteInterval(scale)
	to := time.Now()
	from := to.Add(-lookback(scale, k.candles*group))
	data, err := k.client.GetHistoricalData(int(token), interval, from, to, false, false)
	if err != nil {
		return nil, kiteError("get historical data", err)
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      decimal.NewFromFloat(d.Open),
			High:      decimal.NewFromFloat(d.High),
			Low:       decimal.NewFromFloat(d.Low),
			Close:     decimal.NewFromFloat(d.Close),
			Volume:    int64(d.Volume),
		}
	}
	candles = aggregate(candles, group)
	if len(candles) > k.candles {
		candles = candles[len(candles)-k.candles:]
	}
	// Cache for one candle width so the series advances with the scale.
	k.cache.Set(key, candles, scaleStep[scale])
	return candles, nil
}

// kiteInterval maps a chart scale to a Kite interval and the number of Kite
// candles that make one chart candle.
func kiteInterval(scale string) (string, int) {
	switch scale {
	case "1m":
		return "minute", 1
	case "5m":
		return "5minute", 1
	case "15m":
		return "15minute", 1
	case "30m":
		return "30minute", 1
	case "1h":
		return "60minute", 1
	case "4h":
		return "60minute", 4
	default:
		return "day", 1
	}
}

// lookback is how far back to request n Kite candles of scale, allowing for
// market hours and weekends.
func lookback(scale string, n int) time.Duration {
	const sessionLength = 375 * time.Minute
	if scale == "1d" {
		return time.Duration(n*7/5+7) * 24 * time.Hour
	}
	step, _ := kiteStep(scale)
	sessions := int(time.Duration(n)*step/sessionLength) + 1
	return time.Duration(sessions*7/5+4) * 24 * time.Hour
}

func kiteStep(scale string) (time.Duration, bool) {
	if scale == "4h" {
		return time.Hour, true
	}
	d, ok := scaleStep[scale]
	return d, ok
}

// aggregate merges every group consecutive candles into one.
func aggregate(candles []models.Candle, group int) []models.Candle {
	if group <= 1 {
		return candles
	}
	out := make([]models.Candle, 0, len(candles)/group+1)
	for start := 0; start < len(candles); start += group {
		end := start + group
		if end > len(candles) {
			end = len(candles)
		}
		c := candles[start]
		for _, next := range candles[start+1 : end] {
			c.High = decimal.Max(c.High, next.High)
			c.Low = decimal.Min(c.Low, next.Low)
			c.Close = next.Close
			c.Volume += next.Volume
		}
		out = append(out, c)
	}
	return out
}

// netQuantities returns net position quantity per trading symbol.
func (k *KiteBackend) netQuantities() (map[string]int, error) {
	positions, err := k.client.GetPositions()
	if err != nil {
		return nil, kiteError("get positions", err)
	}
	net := make(map[string]int)
	for _, p := range positions.Net {
		if p.Exchange == string(models.NSE) {
			net[p.Tradingsymbol] += int(p.Quantity)
		}
	}
	return net, nil
}

// GetQuote fetches the last traded price for an NSE symbol.
func (k *KiteBackend) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := k.requireSession(); err != nil {
		return models.Quote{}, err
	}
	key := exchangeSymbol(symbol)
	quotes, err := k.client.GetQuote(key)
	if err != nil {
		return models.Quote{}, kiteError("get quote", err)
	}
	q, ok := quotes[key]
	if !ok {
		return models.Quote{}, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "quote %s", symbol)
	}
	return models.Quote{
		Symbol:    symbol,
		LastPrice: decimal.NewFromFloat(q.LastPrice),
		Timestamp: q.LastTradeTime.Time,
	}, nil
}

// ListPositions returns open net positions.
func (k *KiteBackend) ListPositions(ctx context.Context) ([]models.Position, error) {
	if err := k.requireSession(); err != nil {
		return nil, err
	}
	positions, err := k.client.GetPositions()
	if err != nil {
		return nil, kiteError("get positions", err)
	}
	result := make([]models.Position, 0, len(positions.Net))
	for _, p := range positions.Net {
		if p.Quantity == 0 {
			continue
		}
		result = append(result, models.NewPosition(
			p.Tradingsymbol,
			models.Exchange(p.Exchange),
			models.ProductType(p.Product),
			int(p.Quantity),
			decimal.NewFromFloat(p.AveragePrice),
			decimal.NewFromFloat(p.LastPrice),
		))
	}
	return result, nil
}

// ListHoldings returns delivery holdings.
func (k *KiteBackend) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	if err := k.requireSession(); err != nil {
		return nil, err
	}
	holdings, err := k.client.GetHoldings()
	if err != nil {
		return nil, kiteError("get holdings", err)
	}
	result := make([]models.Holding, len(holdings))
	for i, h := range holdings {
		result[i] = models.NewHolding(
			h.Tradingsymbol,
			models.Exchange(h.Exchange),
			int(h.Quantity),
			decimal.NewFromFloat(h.AveragePrice),
			decimal.NewFromFloat(h.LastPrice),
		)
	}
	return result, nil
}

// GetMargins fetches the equity margin.
func (k *KiteBackend) GetMargins(ctx context.Context) (models.MarginSnapshot, error) {
	if err := k.requireSession(); err != nil {
		return models.MarginSnapshot{}, err
	}
	margins, err := k.client.GetUserMargins()
	if err != nil {
		return models.MarginSnapshot{}, kiteError("get margins", err)
	}
	equity := margins.Equity
	return models.MarginSnapshot{
		Available: decimal.NewFromFloat(equity.Available.Cash + equity.Available.Collateral),
		Utilised:  decimal.NewFromFloat(equity.Used.Debits),
		Net:       decimal.NewFromFloat(equity.Net),
		UpdatedAt: time.Now(),
	}, nil
}

func orderPrice(req models.OrderRequest) float64 {
	if !req.Price.Valid {
		return 0
	}
	return req.Price.Decimal.InexactFloat64()
}

// EstimateOrderMargin asks the order-margins API for the order's margin and
// charges.
func (k *KiteBackend) EstimateOrderMargin(ctx context.Context, req models.OrderRequest) (models.OrderEstimate, error) {
	if err := k.requireSession(); err != nil {
		return models.OrderEstimate{}, err
	}
	margins, err := k.client.GetOrderMargins(kiteconnect.GetMarginParams{
		OrderParams: []kiteconnect.OrderMarginParam{{
			Exchange:        string(req.Exchange),
			Tradingsymbol:   req.TradingSymbol,
			TransactionType: string(req.TransactionType),
			Variety:         string(req.Variety),
			Product:         string(req.Product),
			OrderType:       string(req.OrderType),
			Quantity:        float64(req.Quantity),
			Price:           orderPrice(req),
		}},
	})
	if err != nil {
		return models.OrderEstimate{}, kiteError("get order margins", err)
	}
	var est models.OrderEstimate
	for _, m := range margins {
		est.TotalMargin = est.TotalMargin.Add(decimal.NewFromFloat(m.Total))
		est.Charges = est.Charges.Add(decimal.NewFromFloat(m.Charges.Total))
	}
	est.TotalMargin = est.TotalMargin.Round(2)
	est.Charges = est.Charges.Round(2)
	return est, nil
}

// PlaceOrder places an order.
func (k *KiteBackend) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if err := k.requireSession(); err != nil {
		return models.OrderResult{}, err
	}
	params := kiteconnect.OrderParams{
		Exchange:        string(req.Exchange),
		Tradingsymbol:   req.TradingSymbol,
		TransactionType: string(req.TransactionType),
		OrderType:       string(req.OrderType),
		Product:         string(req.Product),
		Quantity:        req.Quantity,
		Price:           orderPrice(req),
		Validity:        string(req.Validity),
	}
	variety := string(req.Variety)
	if variety == "" {
		variety = kiteconnect.VarietyRegular
	}
	resp, err := k.client.PlaceOrder(variety, params)
	if err != nil {
		return models.OrderResult{}, orderError(req, err)
	}
	return models.OrderResult{OrderID: resp.OrderID}, nil
}

func orderRecord(o kiteconnect.Order) models.OrderStatusRecord {
	return models.OrderStatusRecord{
		OrderID:         o.OrderID,
		Status:          kiteStatus(o.Status),
		StatusMessage:   o.StatusMessage,
		TradingSymbol:   o.TradingSymbol,
		TransactionType: models.OrderSide(o.TransactionType),
		OrderType:       models.OrderType(o.OrderType),
		Quantity:        int(o.Quantity),
		FilledQuantity:  int(o.FilledQuantity),
		Price:           decimal.NewFromFloat(o.Price),
		AveragePrice:    decimal.NewFromFloat(o.AveragePrice),
		Timestamp:       o.OrderTimestamp.Time,
	}
}

// kiteStatus folds Kite's intermediate statuses into the desk's set.
func kiteStatus(s string) models.OrderStatus {
	switch s {
	case "COMPLETE":
		return models.OrderStatusComplete
	case "REJECTED":
		return models.OrderStatusRejected
	case "CANCELLED":
		return models.OrderStatusCancelled
	case "OPEN", "TRIGGER PENDING", "MODIFIED":
		return models.OrderStatusOpen
	default:
		return models.OrderStatusPending
	}
}

// GetOrderStatus returns the latest entry of the order's history.
func (k *KiteBackend) GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatusRecord, error) {
	if err := k.requireSession(); err != nil {
		return models.OrderStatusRecord{}, err
	}
	history, err := k.client.GetOrderHistory(orderID)
	if err != nil {
		return models.OrderStatusRecord{}, kiteError("get order history", err)
	}
	if len(history) == 0 {
		return models.OrderStatusRecord{}, apperrors.Wrapf(apperrors.ErrOrderNotFound, "order %s", orderID)
	}
	return orderRecord(history[len(history)-1]), nil
}

// ListOrders fetches the day's orders, newest first.
func (k *KiteBackend) ListOrders(ctx context.Context) ([]models.OrderStatusRecord, error) {
	if err := k.requireSession(); err != nil {
		return nil, err
	}
	orders, err := k.client.GetOrders()
	if err != nil {
		return nil, kiteError("get orders", err)
	}
	result := make([]models.OrderStatusRecord, len(orders))
	for i, o := range orders {
		result[i] = orderRecord(o)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	return result, nil
}

var (
	_ Backend          = (*KiteBackend)(nil)
	_ SessionCompleter = (*KiteBackend)(nil)
	_ SessionChecker   = (*KiteBackend)(nil)
)
