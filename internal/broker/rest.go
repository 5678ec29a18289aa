package broker

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/logging"
	"wysetrade-desk/internal/models"
)

// RESTConfig holds configuration for the desk REST backend.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; zero disables throttling.
	RequestsPerSecond float64
}

// RESTBackend implements Backend against the desk's HTTP API under /api/v1.
type RESTBackend struct {
	client  *resty.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// apiError is the error body the backend returns.
type apiError struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// NewRESTBackend creates a REST backend.
func NewRESTBackend(cfg RESTConfig, logger zerolog.Logger) *RESTBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/api/v1").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	return &RESTBackend{
		client:  client,
		limiter: limiter,
		logger:  logger.With().Str("component", "rest").Logger(),
	}
}

// SetToken replaces the bearer token used for subsequent calls.
func (r *RESTBackend) SetToken(token string) {
	r.client.SetAuthToken(token)
}

func (r *RESTBackend) request(ctx context.Context) (*resty.Request, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.client.R().SetContext(ctx).SetError(&apiError{}), nil
}

// check converts transport failures and non-2xx responses into the desk's
// error taxonomy.
func (r *RESTBackend) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		logging.LogAPICall(r.logger, op, "", 0, err)
		return apperrors.Wrap(err, op)
	}
	logging.LogAPICall(r.logger, resp.Request.Method, resp.Request.URL, resp.Time(), nil)
	if !resp.IsError() {
		return nil
	}

	msg := http.StatusText(resp.StatusCode())
	if e, ok := resp.Error().(*apiError); ok {
		if e.Detail != "" {
			msg = e.Detail
		} else if e.Message != "" {
			msg = e.Message
		}
	}
	code := "HTTP_" + strconv.Itoa(resp.StatusCode())
	return apperrors.NewBrokerError(code, resp.StatusCode(), msg, nil)
}

func (r *RESTBackend) get(ctx context.Context, op, path string, params map[string]string, out any) error {
	req, err := r.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetQueryParams(params).SetResult(out).Get(path)
	return r.check(op, resp, err)
}

func (r *RESTBackend) post(ctx context.Context, op, path string, body, out any) error {
	req, err := r.request(ctx)
	if err != nil {
		return err
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	return r.check(op, resp, err)
}

func listParams(segment models.SegmentID, req models.ListRequest) map[string]string {
	params := map[string]string{
		"segment":   string(segment),
		"page":      strconv.Itoa(req.Page),
		"page_size": strconv.Itoa(req.PageSize),
		"sort_by":   req.SortBy,
		"sort_dir":  req.SortDir,
	}
	for k, v := range map[string]string{
		"search":          req.Search,
		"position_filter": req.PositionFilter,
		"category_filter": req.CategoryFilter,
		"scale":           req.Scale,
	} {
		if v != "" {
			params[k] = v
		}
	}
	return params
}

// ListInstruments fetches one page of a listing segment.
func (r *RESTBackend) ListInstruments(ctx context.Context, segment models.SegmentID, req models.ListRequest) (models.Page[models.StockRow], error) {
	var page models.Page[models.StockRow]
	if err := r.get(ctx, "list instruments", "/market/instruments", listParams(segment, req), &page); err != nil {
		return models.Page[models.StockRow]{}, err
	}
	if page.Rows == nil {
		page.Rows = []models.StockRow{}
	}
	return page, nil
}

// GetQuote fetches the last traded price of a symbol.
func (r *RESTBackend) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	var q models.Quote
	err := r.get(ctx, "get quote", "/market/quote", map[string]string{"symbol": symbol}, &q)
	return q, err
}

// SyncInstruments asks the backend to reload its instrument master.
func (r *RESTBackend) SyncInstruments(ctx context.Context) error {
	return r.post(ctx, "sync instruments", "/market/instruments/sync", nil, nil)
}

// ListPositions fetches open positions.
func (r *RESTBackend) ListPositions(ctx context.Context) ([]models.Position, error) {
	var out []models.Position
	err := r.get(ctx, "list positions", "/portfolio/positions", nil, &out)
	return out, err
}

// ListHoldings fetches delivery holdings.
func (r *RESTBackend) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	var out []models.Holding
	err := r.get(ctx, "list holdings", "/portfolio/holdings", nil, &out)
	return out, err
}

// GetMargins fetches the equity margin.
func (r *RESTBackend) GetMargins(ctx context.Context) (models.MarginSnapshot, error) {
	var m models.MarginSnapshot
	err := r.get(ctx, "get margins", "/portfolio/margins", nil, &m)
	return m, err
}

// EstimateOrderMargin asks the backend for the order's margin and charges.
func (r *RESTBackend) EstimateOrderMargin(ctx context.Context, req models.OrderRequest) (models.OrderEstimate, error) {
	var est models.OrderEstimate
	err := r.post(ctx, "estimate margin", "/orders/margins", req, &est)
	return est, err
}

// PlaceOrder submits an order. A non-2xx answer that is not an authorization
// failure is a rejection carrying the backend's message.
func (r *RESTBackend) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	var res models.OrderResult
	err := r.post(ctx, "place order", "/orders", req, &res)
	if err != nil {
		var be *apperrors.BrokerError
		if apperrors.As(err, &be) && !be.Unauthorized() {
			return models.OrderResult{}, apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType), be.Message, err)
		}
		return models.OrderResult{}, err
	}
	return res, nil
}

// GetOrderStatus fetches an order's current status.
func (r *RESTBackend) GetOrderStatus(ctx context.Context, orderID string) (models.OrderStatusRecord, error) {
	var rec models.OrderStatusRecord
	err := r.get(ctx, "get order status", "/orders/"+orderID, nil, &rec)
	return rec, err
}

// ListOrders fetches the day's orders.
func (r *RESTBackend) ListOrders(ctx context.Context) ([]models.OrderStatusRecord, error) {
	var out []models.OrderStatusRecord
	err := r.get(ctx, "list orders", "/orders", nil, &out)
	return out, err
}

// GetBrokerLoginURL fetches the broker login URL.
func (r *RESTBackend) GetBrokerLoginURL(ctx context.Context) (string, error) {
	var out struct {
		LoginURL string `json:"login_url"`
	}
	if err := r.get(ctx, "get login url", "/zerodha/login-url", nil, &out); err != nil {
		return "", err
	}
	return out.LoginURL, nil
}

// CompleteLogin hands the callback's request token to the backend.
func (r *RESTBackend) CompleteLogin(ctx context.Context, requestToken string) error {
	return r.post(ctx, "complete login", "/zerodha/session", map[string]string{"request_token": requestToken}, nil)
}

var (
	_ Backend          = (*RESTBackend)(nil)
	_ SessionCompleter = (*RESTBackend)(nil)
)
