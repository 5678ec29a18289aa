// Package workflow drives a single pending order from parameter editing
// through submission to a terminal broker status.
//
// Controller methods are loop-owned: they must run on the event loop.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wysetrade-desk/internal/broker"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/logging"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
)

// TopicOrder is the hub topic workflow views are published on.
const TopicOrder = "order"

// State is the workflow's position in the order lifecycle.
type State string

const (
	StateClosed         State = "Closed"
	StateConfiguring    State = "Configuring"
	StateSubmitting     State = "Submitting"
	StateAwaitingResult State = "AwaitingResult"
	StatePolling        State = "Polling"
	StateComplete       State = "Complete"
	StateRejected       State = "Rejected"
	StateCancelled      State = "Cancelled"
)

// IsTerminal reports whether the order has reached a final broker status.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateRejected || s == StateCancelled
}

func terminalState(s models.OrderStatus) State {
	switch s {
	case models.OrderStatusComplete:
		return StateComplete
	case models.OrderStatusRejected:
		return StateRejected
	default:
		return StateCancelled
	}
}

// Segments is the part of the segment board the workflow drives.
type Segments interface {
	Refresh(id models.SegmentID) error
	ReportError(id models.SegmentID, msg string) error
}

// Journal records submitted orders and their observed statuses.
type Journal interface {
	RecordSubmission(ctx context.Context, workflowID string, req models.OrderRequest, result models.OrderResult, submitErr error) error
	RecordStatus(ctx context.Context, workflowID string, rec models.OrderStatusRecord) error
}

// Publisher receives state snapshots for presentation.
type Publisher interface {
	Publish(topic, key string, payload any)
}

// Config holds workflow timings.
type Config struct {
	LivePriceInterval time.Duration
	StatusInterval    time.Duration
	EstimateDebounce  time.Duration
	CallTimeout       time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		LivePriceInterval: 5 * time.Second,
		StatusInterval:    5 * time.Second,
		EstimateDebounce:  400 * time.Millisecond,
		CallTimeout:       10 * time.Second,
	}
}

// rowKey identifies a row and action for the submission guard.
type rowKey struct {
	segment models.SegmentID
	token   uint32
	symbol  string
	action  models.OrderSide
}

// Controller runs one order workflow at a time.
type Controller struct {
	cfg      Config
	loop     *loop.Loop
	backend  broker.Backend
	segments Segments
	journal  Journal
	pub      Publisher
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	state      State
	generation uint64
	id         string
	segment    models.SegmentID
	row        models.StockRow
	draft      *models.OrderDraft
	estimate   *models.OrderEstimate
	estimating bool
	revision   uint64
	livePrice  decimal.NullDecimal
	errMsg     string
	errKind    apperrors.Kind
	status     *models.OrderStatusRecord
	refreshed  bool

	scope         *loop.Scope
	liveTask      *loop.Task
	debounceTask  *loop.Task
	pollTask      *loop.Task
	quoteSeq      uint64
	quoteInFlight bool
	pollInFlight  bool

	// submitting outlives a single workflow cycle: a row stays guarded
	// until its placement call returns.
	submitting map[rowKey]bool
}

// New creates a closed controller.
func New(cfg Config, l *loop.Loop, backend broker.Backend, segments Segments, journal Journal, pub Publisher, logger zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		loop:       l,
		backend:    backend,
		segments:   segments,
		journal:    journal,
		pub:        pub,
		logger:     logger.With().Str("component", "workflow").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateClosed,
		submitting: make(map[rowKey]bool),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Open starts a workflow for action on row, closing any workflow already
// open.
func (c *Controller) Open(segment models.SegmentID, action models.OrderSide, row models.StockRow) error {
	if !action.Valid() {
		return apperrors.NewValidationError("action", action, "Action must be BUY or SELL")
	}
	if !segment.Valid() {
		return apperrors.Wrapf(apperrors.ErrUnknownSegment, "segment %q", segment)
	}
	if c.state != StateClosed {
		c.Close()
	}

	draft := models.NewOrderDraft(segment, action, row)
	c.generation++
	c.id = uuid.NewString()
	c.segment = segment
	c.row = row
	c.draft = &draft
	c.estimate = nil
	c.estimating = false
	c.livePrice = decimal.NullDecimal{}
	c.errMsg = ""
	c.errKind = apperrors.KindNone
	c.status = nil
	c.refreshed = false
	c.quoteInFlight = false
	c.pollInFlight = false
	c.scope = c.loop.NewScope()
	c.state = StateConfiguring

	c.logger.Info().
		Str("workflow", c.id).
		Str("segment", string(segment)).
		Str("symbol", row.TradingSymbol).
		Str("action", string(action)).
		Msg("Order workflow opened")

	c.startLivePrice()
	c.scheduleEstimate()
	c.publish()
	return nil
}

// DraftPatch describes an edit to the draft. Nil fields are left untouched.
type DraftPatch struct {
	Quantity      *string           `json:"quantity,omitempty"`
	OrderType     *models.OrderType `json:"order_type,omitempty"`
	LimitPrice    *string           `json:"price,omitempty"`
	Variety       *models.Variety   `json:"variety,omitempty"`
	TradingSymbol *string           `json:"tradingsymbol,omitempty"`
	Token         *uint32           `json:"instrument_token,omitempty"`
}

// UnmarshalJSON accepts quantity and price as JSON numbers or strings.
// Numbers keep their literal text so draft validation sees what was sent.
func (p *DraftPatch) UnmarshalJSON(data []byte) error {
	type plain DraftPatch
	var aux struct {
		plain
		Quantity   json.RawMessage `json:"quantity"`
		LimitPrice json.RawMessage `json:"price"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	qty, err := numericText("quantity", aux.Quantity)
	if err != nil {
		return err
	}
	price, err := numericText("price", aux.LimitPrice)
	if err != nil {
		return err
	}
	*p = DraftPatch(aux.plain)
	p.Quantity = qty
	p.LimitPrice = price
	return nil
}

func numericText(field string, raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%s must be a number or a string", field)
	}
	s := n.String()
	return &s, nil
}

// Edit changes the draft. Every change to a priced field reschedules the
// estimate; an instrument change also restarts the live price.
func (c *Controller) Edit(p DraftPatch) error {
	if c.state == StateClosed {
		return apperrors.ErrWorkflowClosed
	}
	if c.state != StateConfiguring {
		return apperrors.ErrNotEditable
	}

	if p.OrderType != nil && !p.OrderType.Valid() {
		return apperrors.NewValidationError("order_type", *p.OrderType, "Order type must be MARKET or LIMIT")
	}
	if p.Variety != nil && !p.Variety.Valid() {
		return apperrors.NewValidationError("variety", *p.Variety, "Variety must be regular or amo")
	}

	d := c.draft
	priced := false
	instrument := false
	if p.Quantity != nil && *p.Quantity != d.Quantity {
		d.Quantity = *p.Quantity
		priced = true
	}
	if p.OrderType != nil && *p.OrderType != d.OrderType {
		d.OrderType = *p.OrderType
		priced = true
	}
	if p.LimitPrice != nil && *p.LimitPrice != d.LimitPrice {
		d.LimitPrice = *p.LimitPrice
		priced = true
	}
	if p.Variety != nil && *p.Variety != d.Variety {
		d.Variety = *p.Variety
		priced = true
	}
	if p.TradingSymbol != nil && *p.TradingSymbol != d.TradingSymbol {
		d.TradingSymbol = *p.TradingSymbol
		priced, instrument = true, true
	}
	if p.Token != nil && *p.Token != d.Token {
		d.Token = *p.Token
		priced, instrument = true, true
	}

	if c.errKind == apperrors.KindValidation {
		c.errMsg = ""
		c.errKind = apperrors.KindNone
	}
	if instrument {
		c.livePrice = decimal.NullDecimal{}
		c.liveTask.Cancel()
		c.quoteSeq++
		c.quoteInFlight = false
		c.startLivePrice()
	}
	if priced {
		c.scheduleEstimate()
	}
	c.publish()
	return nil
}

// startLivePrice fetches the quote now and then on an interval while the
// workflow is configuring.
func (c *Controller) startLivePrice() {
	c.liveTask = c.scope.Every(c.cfg.LivePriceInterval, c.fetchQuote)
	c.fetchQuote()
}

func (c *Controller) stopLivePrice() {
	c.liveTask.Cancel()
	c.liveTask = nil
}

func (c *Controller) fetchQuote() {
	if c.state != StateConfiguring || c.quoteInFlight || c.draft.TradingSymbol == "" {
		return
	}
	gen := c.generation
	c.quoteSeq++
	seq := c.quoteSeq
	symbol := c.draft.TradingSymbol
	c.quoteInFlight = true
	loop.Go(c.loop, c.ctx, func(ctx context.Context) (models.Quote, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.backend.GetQuote(ctx, symbol)
	}, func(q models.Quote, err error) {
		// A fetch superseded by an instrument change leaves the flag to
		// the fetch that replaced it.
		if gen != c.generation || seq != c.quoteSeq {
			return
		}
		c.quoteInFlight = false
		if c.state != StateConfiguring || symbol != c.draft.TradingSymbol {
			return
		}
		if err != nil {
			logger := logging.WithSymbol(c.logger, symbol)
			logger.Debug().Err(err).Msg("Live price refresh failed")
			return
		}
		c.livePrice = decimal.NewNullDecimal(q.LastPrice)
		c.publish()
	})
}

// scheduleEstimate debounces an estimate for the current draft. An invalid
// draft clears the estimate and issues no call.
func (c *Controller) scheduleEstimate() {
	c.revision++
	c.debounceTask.Cancel()
	c.debounceTask = nil

	req, err := c.draft.Request()
	if err != nil {
		c.estimate = nil
		c.estimating = false
		return
	}

	gen, rev := c.generation, c.revision
	c.estimating = true
	c.debounceTask = c.scope.After(c.cfg.EstimateDebounce, func() {
		if gen != c.generation || rev != c.revision || c.state != StateConfiguring {
			return
		}
		loop.Go(c.loop, c.ctx, func(ctx context.Context) (models.OrderEstimate, error) {
			ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			return c.backend.EstimateOrderMargin(ctx, req)
		}, func(est models.OrderEstimate, err error) {
			if gen != c.generation || rev != c.revision {
				return
			}
			c.estimating = false
			if err != nil {
				c.estimate = nil
				c.logger.Warn().Err(err).Str("symbol", req.TradingSymbol).Msg("Margin estimate failed")
				c.publish()
				return
			}
			c.estimate = &est
			c.publish()
		})
	})
}

// Submit validates the draft and places the order.
func (c *Controller) Submit() error {
	if c.state == StateClosed {
		return apperrors.ErrWorkflowClosed
	}
	if c.state == StateSubmitting || c.state == StateAwaitingResult {
		return apperrors.ErrSubmitInProgress
	}
	if c.state != StateConfiguring {
		return apperrors.ErrNotEditable
	}

	req, err := c.draft.SubmitRequest()
	if err != nil {
		c.errMsg = apperrors.Message(err)
		c.errKind = apperrors.KindValidation
		c.publish()
		return err
	}

	key := rowKey{segment: c.draft.Segment, token: c.draft.Token, symbol: c.draft.TradingSymbol, action: c.draft.Action}
	if c.submitting[key] {
		return apperrors.ErrSubmitInProgress
	}
	c.submitting[key] = true

	c.state = StateSubmitting
	c.errMsg = ""
	c.errKind = apperrors.KindNone
	c.stopLivePrice()
	c.debounceTask.Cancel()
	c.revision++
	c.estimating = false

	gen := c.generation
	id := c.id
	origin := c.draft.Segment
	c.logger.Info().Str("workflow", id).Str("symbol", req.TradingSymbol).
		Str("side", string(req.TransactionType)).Int("quantity", req.Quantity).
		Str("order_type", string(req.OrderType)).Msg("Submitting order")
	c.publish()

	loop.Go(c.loop, c.ctx, func(ctx context.Context) (models.OrderResult, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		res, err := c.backend.PlaceOrder(ctx, req)
		if err == nil && res.OrderID == "" {
			err = apperrors.NewSubmissionError(req.TradingSymbol, string(req.TransactionType), "Broker did not return an order id", nil)
		}
		if c.journal != nil {
			if jerr := c.journal.RecordSubmission(ctx, id, req, res, err); jerr != nil {
				c.logger.Warn().Err(jerr).Msg("Failed to journal submission")
			}
		}
		return res, err
	}, func(res models.OrderResult, err error) {
		delete(c.submitting, key)
		if gen != c.generation {
			c.logger.Info().Str("workflow", id).Str("order_id", res.OrderID).Msg("Placement finished after workflow closed")
			return
		}
		if err != nil {
			msg := apperrors.Message(err)
			c.logger.Error().Err(err).Str("workflow", id).Msg("Order placement failed")
			c.state = StateConfiguring
			c.errMsg = msg
			c.errKind = apperrors.KindSubmission
			if rerr := c.segments.ReportError(origin, msg); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("Failed to mirror submission error")
			}
			c.startLivePrice()
			c.scheduleEstimate()
			c.publish()
			return
		}

		c.state = StateAwaitingResult
		c.status = &models.OrderStatusRecord{
			OrderID:         res.OrderID,
			Status:          models.OrderStatusPending,
			TradingSymbol:   req.TradingSymbol,
			TransactionType: req.TransactionType,
			OrderType:       req.OrderType,
			Quantity:        req.Quantity,
			Timestamp:       time.Now(),
		}
		logging.LogOrder(logging.WithWorkflow(c.logger, id), res.OrderID, req.TradingSymbol, string(req.TransactionType), string(models.OrderStatusPending))
		c.publish()
		c.startPolling()
	})
	return nil
}

// startPolling fetches the order status now and then on an interval until a
// terminal status is seen.
func (c *Controller) startPolling() {
	c.state = StatePolling
	c.pollTask = c.scope.Every(c.cfg.StatusInterval, c.pollStatus)
	c.pollStatus()
}

func (c *Controller) pollStatus() {
	if c.state != StatePolling || c.pollInFlight || c.status == nil {
		return
	}
	gen := c.generation
	id := c.id
	orderID := c.status.OrderID
	c.pollInFlight = true
	loop.Go(c.loop, c.ctx, func(ctx context.Context) (models.OrderStatusRecord, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		rec, err := c.backend.GetOrderStatus(ctx, orderID)
		if err == nil && c.journal != nil {
			if jerr := c.journal.RecordStatus(ctx, id, rec); jerr != nil {
				c.logger.Warn().Err(jerr).Msg("Failed to journal order status")
			}
		}
		return rec, err
	}, func(rec models.OrderStatusRecord, err error) {
		if gen != c.generation {
			return
		}
		c.pollInFlight = false
		if c.state != StatePolling {
			return
		}
		if err != nil {
			c.errMsg = apperrors.Message(err)
			c.errKind = apperrors.KindOf(err)
			logger := logging.WithOrderID(c.logger, orderID)
			logger.Warn().Err(err).Msg("Order status fetch failed")
			c.publish()
			return
		}

		c.errMsg = ""
		c.errKind = apperrors.KindNone
		merged := *c.status
		merged.Status = rec.Status
		merged.StatusMessage = rec.StatusMessage
		if rec.FilledQuantity > 0 {
			merged.FilledQuantity = rec.FilledQuantity
		}
		if !rec.AveragePrice.IsZero() {
			merged.AveragePrice = rec.AveragePrice
		}
		if !rec.Timestamp.IsZero() {
			merged.Timestamp = rec.Timestamp
		}
		c.status = &merged

		if rec.Status.IsTerminal() {
			c.pollTask.Cancel()
			c.pollTask = nil
			c.state = terminalState(rec.Status)
			c.draft = nil
			c.estimate = nil
			logging.LogOrder(c.logger, orderID, merged.TradingSymbol, string(merged.TransactionType), string(rec.Status))
			c.scope.Close()
			c.refreshAffected()
		}
		c.publish()
	})
}

// refreshAffected refreshes positions, holdings and the originating listing,
// once per workflow cycle.
func (c *Controller) refreshAffected() {
	if c.refreshed {
		return
	}
	c.refreshed = true
	targets := []models.SegmentID{models.SegmentPositions, models.SegmentHoldings}
	if c.segment != models.SegmentPositions && c.segment != models.SegmentHoldings {
		targets = append(targets, c.segment)
	}
	for _, id := range targets {
		if err := c.segments.Refresh(id); err != nil {
			c.logger.Warn().Err(err).Str("segment", string(id)).Msg("Failed to refresh segment")
		}
	}
}

// Close cancels every timer, refreshes affected segments if that has not
// happened yet this cycle, and discards the draft.
func (c *Controller) Close() {
	if c.state == StateClosed {
		return
	}
	c.scope.Close()
	c.liveTask, c.debounceTask, c.pollTask = nil, nil, nil
	c.refreshAffected()

	c.logger.Info().Str("workflow", c.id).Str("state", string(c.state)).Msg("Order workflow closed")
	c.generation++
	c.state = StateClosed
	c.draft = nil
	c.estimate = nil
	c.estimating = false
	c.livePrice = decimal.NullDecimal{}
	c.errMsg = ""
	c.errKind = apperrors.KindNone
	c.quoteInFlight = false
	c.pollInFlight = false
	c.publish()
}

// Shutdown closes the workflow and cancels in-flight calls.
func (c *Controller) Shutdown() {
	c.Close()
	c.cancel()
}

// View is a snapshot of the workflow for presentation.
type View struct {
	ID         string                    `json:"id,omitempty"`
	State      State                     `json:"state"`
	Row        *models.StockRow          `json:"row,omitempty"`
	Draft      *models.OrderDraft        `json:"draft,omitempty"`
	Estimate   *models.OrderEstimate     `json:"estimate,omitempty"`
	Estimating bool                      `json:"estimating"`
	LivePrice  decimal.NullDecimal       `json:"live_price"`
	Error      string                    `json:"error,omitempty"`
	ErrorKind  apperrors.Kind            `json:"error_kind,omitempty"`
	Status     *models.OrderStatusRecord `json:"status,omitempty"`
}

// View returns a snapshot of the workflow.
func (c *Controller) View() View {
	v := View{
		State:      c.state,
		Estimating: c.estimating,
		LivePrice:  c.livePrice,
		Error:      c.errMsg,
		ErrorKind:  c.errKind,
	}
	if c.state == StateClosed {
		return v
	}
	v.ID = c.id
	row := c.row
	v.Row = &row
	if c.draft != nil {
		d := *c.draft
		v.Draft = &d
	}
	if c.estimate != nil {
		e := *c.estimate
		v.Estimate = &e
	}
	if c.status != nil {
		s := *c.status
		v.Status = &s
	}
	return v
}

func (c *Controller) publish() {
	if c.pub != nil {
		c.pub.Publish(TopicOrder, c.id, c.View())
	}
}
