package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wysetrade-desk/internal/broker/brokertest"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
)

type segmentRecorder struct {
	mu        sync.Mutex
	refreshes map[models.SegmentID]int
	reported  map[models.SegmentID]string
}

func newSegmentRecorder() *segmentRecorder {
	return &segmentRecorder{
		refreshes: make(map[models.SegmentID]int),
		reported:  make(map[models.SegmentID]string),
	}
}

func (r *segmentRecorder) Refresh(id models.SegmentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes[id]++
	return nil
}

func (r *segmentRecorder) ReportError(id models.SegmentID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported[id] = msg
	return nil
}

func (r *segmentRecorder) count(id models.SegmentID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshes[id]
}

type memJournal struct {
	mu          sync.Mutex
	submissions []models.OrderRequest
	statuses    []models.OrderStatus
}

func (j *memJournal) RecordSubmission(_ context.Context, _ string, req models.OrderRequest, _ models.OrderResult, _ error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.submissions = append(j.submissions, req)
	return nil
}

func (j *memJournal) RecordStatus(_ context.Context, _ string, rec models.OrderStatusRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, rec.Status)
	return nil
}

type harness struct {
	t        *testing.T
	loop     *loop.Loop
	fake     *brokertest.Fake
	segments *segmentRecorder
	journal  *memJournal
	ctrl     *Controller
}

func testConfig() Config {
	return Config{
		LivePriceInterval: time.Hour,
		StatusInterval:    time.Hour,
		EstimateDebounce:  5 * time.Millisecond,
		CallTimeout:       2 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	l := loop.New(zerolog.Nop(), 0)
	go l.Run(context.Background())
	t.Cleanup(l.Stop)

	h := &harness{
		t:        t,
		loop:     l,
		fake:     brokertest.New(),
		segments: newSegmentRecorder(),
		journal:  &memJournal{},
	}
	h.ctrl = New(cfg, l, h.fake, h.segments, h.journal, nil, zerolog.Nop())
	t.Cleanup(func() { l.Call(context.Background(), h.ctrl.Shutdown) })
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.loop.Call(context.Background(), fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
}

func (h *harness) view() View {
	var v View
	h.do(func() { v = h.ctrl.View() })
	return v
}

func (h *harness) eventually(msg string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for: %s", msg)
}

func (h *harness) estimates() []models.OrderRequest {
	var out []models.OrderRequest
	h.fake.Snapshot(func(f *brokertest.Fake) {
		out = append(out, f.EstimateRequests...)
	})
	return out
}

func tcs() models.StockRow {
	return models.StockRow{Token: 2953217, Name: "Tata Consultancy Services", TradingSymbol: "TCS", Price: decimal.NewFromInt(3900)}
}

func strp(s string) *string { return &s }

func (h *harness) open(action models.OrderSide) {
	h.t.Helper()
	var err error
	h.do(func() { err = h.ctrl.Open(models.SegmentNifty, action, tcs()) })
	if err != nil {
		h.t.Fatalf("Open: %v", err)
	}
}

func (h *harness) edit(p DraftPatch) {
	h.t.Helper()
	var err error
	h.do(func() { err = h.ctrl.Edit(p) })
	if err != nil {
		h.t.Fatalf("Edit: %v", err)
	}
}

func (h *harness) submit() error {
	var err error
	h.do(func() { err = h.ctrl.Submit() })
	return err
}

func TestOpenInitializesDraft(t *testing.T) {
	h := newHarness(t, testConfig())
	var v View
	h.do(func() {
		if err := h.ctrl.Open(models.SegmentNifty, models.OrderSideBuy, tcs()); err != nil {
			t.Errorf("Open: %v", err)
		}
		v = h.ctrl.View()
	})

	if v.State != StateConfiguring || v.Draft == nil {
		t.Fatalf("unexpected view %+v", v)
	}
	d := v.Draft
	if d.Quantity != "1" || d.OrderType != models.OrderTypeMarket || d.Variety != models.VarietyRegular || d.LimitPrice != "" {
		t.Errorf("unexpected draft %+v", d)
	}
	if v.Estimate != nil || v.LivePrice.Valid || v.Error != "" {
		t.Errorf("stale state carried into new workflow: %+v", v)
	}
}

func TestEstimateFiresForEditedDraft(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(models.OrderSideBuy)
	h.edit(DraftPatch{Quantity: strp("5")})

	h.eventually("estimate with quantity 5", func() bool {
		for _, r := range h.estimates() {
			if r.Quantity == 5 {
				return true
			}
		}
		return false
	})

	var got models.OrderRequest
	for _, r := range h.estimates() {
		if r.Quantity == 5 {
			got = r
		}
	}
	want := models.OrderRequest{
		TradingSymbol:   "TCS",
		Exchange:        models.NSE,
		TransactionType: models.OrderSideBuy,
		OrderType:       models.OrderTypeMarket,
		Quantity:        5,
		Product:         models.ProductCNC,
		Validity:        models.ValidityDay,
		Variety:         models.VarietyRegular,
	}
	if got != want {
		t.Errorf("estimate request = %+v, want %+v", got, want)
	}
	h.eventually("estimate stored", func() bool { return h.ctrl.View().Estimate != nil })
}

func TestInvalidDraftIssuesNoEstimate(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(models.OrderSideBuy)
	h.eventually("initial estimate", func() bool { return len(h.estimates()) == 1 })

	h.edit(DraftPatch{Quantity: strp("0")})
	h.edit(DraftPatch{Quantity: strp("2.5")})
	time.Sleep(30 * time.Millisecond)

	if n := len(h.estimates()); n != 1 {
		t.Errorf("invalid drafts issued %d estimate calls", n-1)
	}
	if v := h.view(); v.Estimate != nil {
		t.Error("estimate should be cleared for an invalid draft")
	}
}

func TestSubmitRejectsInvalidQuantity(t *testing.T) {
	for _, qty := range []string{"0", "-3", "1.5", "abc", ""} {
		t.Run(qty, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.open(models.OrderSideSell)
			h.edit(DraftPatch{Quantity: strp(qty)})

			err := h.submit()
			if apperrors.KindOf(err) != apperrors.KindValidation {
				t.Fatalf("Submit = %v, want validation error", err)
			}
			v := h.view()
			if v.State != StateConfiguring || v.Error == "" || v.ErrorKind != apperrors.KindValidation {
				t.Errorf("unexpected view %+v", v)
			}
			if n := h.fake.Count(brokertest.PlaceOrder); n != 0 {
				t.Errorf("PlaceOrder called %d times", n)
			}
		})
	}
}

func TestSubmitRejectsLimitWithoutPrice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.open(models.OrderSideBuy)
	limit := models.OrderTypeLimit
	h.edit(DraftPatch{OrderType: &limit})

	if err := h.submit(); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("Submit = %v, want validation error", err)
	}
	h.edit(DraftPatch{LimitPrice: strp("-10")})
	if err := h.submit(); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("Submit = %v, want validation error", err)
	}
	if n := h.fake.Count(brokertest.PlaceOrder); n != 0 {
		t.Errorf("PlaceOrder called %d times", n)
	}

	h.edit(DraftPatch{LimitPrice: strp("3850.5")})
	if err := h.submit(); err != nil {
		t.Fatalf("Submit with price: %v", err)
	}
	h.eventually("order placed", func() bool { return h.fake.Count(brokertest.PlaceOrder) == 1 })
	var placed models.OrderRequest
	h.fake.Snapshot(func(f *brokertest.Fake) { placed = f.PlaceRequests[0] })
	if !placed.Price.Valid || !placed.Price.Decimal.Equal(decimal.RequireFromString("3850.5")) {
		t.Errorf("placed price = %v", placed.Price)
	}
}

func TestTerminalStatusStopsPolling(t *testing.T) {
	// The status interval is long, so the first status call can only come
	// from the immediate fetch on entering Polling.
	h := newHarness(t, testConfig())
	h.open(models.OrderSideBuy)
	h.edit(DraftPatch{Quantity: strp("5")})

	if err := h.submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.eventually("terminal", func() bool { return h.ctrl.State() == StateComplete })

	var requests []string
	h.fake.Snapshot(func(f *brokertest.Fake) { requests = append(requests, f.StatusRequests...) })
	if len(requests) != 1 || requests[0] != "O1" {
		t.Fatalf("status requests = %v, want [O1]", requests)
	}

	v := h.view()
	if v.Status == nil || v.Status.Status != models.OrderStatusComplete || v.Draft != nil {
		t.Errorf("unexpected terminal view %+v", v)
	}
	for _, id := range []models.SegmentID{models.SegmentPositions, models.SegmentHoldings, models.SegmentNifty} {
		if n := h.segments.count(id); n != 1 {
			t.Errorf("%s refreshed %d times, want 1", id, n)
		}
	}

	h.do(h.ctrl.Close)
	for _, id := range []models.SegmentID{models.SegmentPositions, models.SegmentHoldings, models.SegmentNifty} {
		if n := h.segments.count(id); n != 1 {
			t.Errorf("%s refreshed %d times after close, want 1", id, n)
		}
	}
	if n := h.fake.Count(brokertest.GetOrderStatus); n != 1 {
		t.Errorf("GetOrderStatus called %d times", n)
	}
}

func TestPollingContinuesUntilTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.StatusInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.fake.Snapshot(func(f *brokertest.Fake) {
		f.Statuses = []models.OrderStatus{models.OrderStatusPending, models.OrderStatusOpen, models.OrderStatusRejected}
	})

	h.open(models.OrderSideSell)
	if err := h.submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.eventually("rejected", func() bool { return h.ctrl.State() == StateRejected })

	time.Sleep(50 * time.Millisecond)
	if n := h.fake.Count(brokertest.GetOrderStatus); n != 3 {
		t.Errorf("GetOrderStatus called %d times, want 3", n)
	}

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	if len(h.journal.submissions) != 1 || len(h.journal.statuses) != 3 {
		t.Errorf("journal recorded %d submissions and %d statuses", len(h.journal.submissions), len(h.journal.statuses))
	}
}

func TestPlacementFailureReturnsToConfiguring(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fake.SetError(brokertest.PlaceOrder, apperrors.NewSubmissionError("TCS", "BUY", "Insufficient funds", nil))

	h.open(models.OrderSideBuy)
	if err := h.submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.eventually("back to configuring", func() bool { return h.ctrl.State() == StateConfiguring })

	v := h.view()
	if v.Error != "Insufficient funds" || v.ErrorKind != apperrors.KindSubmission {
		t.Errorf("unexpected error %q (%s)", v.Error, v.ErrorKind)
	}
	h.segments.mu.Lock()
	mirrored := h.segments.reported[models.SegmentNifty]
	h.segments.mu.Unlock()
	if mirrored != "Insufficient funds" {
		t.Errorf("segment error = %q", mirrored)
	}
	if n := h.fake.Count(brokertest.GetOrderStatus); n != 0 {
		t.Errorf("status polled after failed placement")
	}
}

func TestSubmitGuardPerRow(t *testing.T) {
	h := newHarness(t, testConfig())
	release := h.fake.Hold(brokertest.PlaceOrder)

	h.open(models.OrderSideBuy)
	if err := h.submit(); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := h.submit(); !errors.Is(err, apperrors.ErrSubmitInProgress) {
		t.Fatalf("second Submit = %v, want ErrSubmitInProgress", err)
	}

	// Reopening the same row does not lift the guard while placement runs.
	h.do(h.ctrl.Close)
	h.open(models.OrderSideBuy)
	if err := h.submit(); !errors.Is(err, apperrors.ErrSubmitInProgress) {
		t.Fatalf("Submit after reopen = %v, want ErrSubmitInProgress", err)
	}
	if n := h.fake.Count(brokertest.PlaceOrder); n != 1 {
		t.Fatalf("PlaceOrder called %d times, want 1", n)
	}

	// The opposite action on the same row is a different guard key.
	h.open(models.OrderSideSell)
	release()
	if err := h.submit(); err != nil {
		t.Fatalf("Submit for SELL: %v", err)
	}
	h.eventually("sell placed", func() bool { return h.fake.Count(brokertest.PlaceOrder) == 2 })
}

func TestCloseCancelsTimers(t *testing.T) {
	cfg := testConfig()
	cfg.LivePriceInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)

	h.open(models.OrderSideBuy)
	h.eventually("live price refreshed", func() bool {
		return h.fake.Count(brokertest.GetQuote) >= 3 && h.ctrl.View().LivePrice.Valid
	})

	h.do(h.ctrl.Close)
	time.Sleep(20 * time.Millisecond)
	stopped := h.fake.Count(brokertest.GetQuote)
	time.Sleep(40 * time.Millisecond)
	if n := h.fake.Count(brokertest.GetQuote); n != stopped {
		t.Errorf("live price polled %d times after close", n-stopped)
	}

	v := h.view()
	if v.State != StateClosed || v.Draft != nil || v.Estimate != nil {
		t.Errorf("unexpected closed view %+v", v)
	}
	for _, id := range []models.SegmentID{models.SegmentPositions, models.SegmentHoldings, models.SegmentNifty} {
		if n := h.segments.count(id); n != 1 {
			t.Errorf("%s refreshed %d times on close, want 1", id, n)
		}
	}
}

func TestLivePriceStopsWhenSubmitting(t *testing.T) {
	cfg := testConfig()
	cfg.LivePriceInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)
	release := h.fake.Hold(brokertest.PlaceOrder)
	defer release()

	h.open(models.OrderSideBuy)
	h.eventually("live price running", func() bool { return h.fake.Count(brokertest.GetQuote) >= 2 })
	if err := h.submit(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	stopped := h.fake.Count(brokertest.GetQuote)
	time.Sleep(40 * time.Millisecond)
	if n := h.fake.Count(brokertest.GetQuote); n != stopped {
		t.Errorf("live price kept polling while submitting")
	}
}

func TestEditAfterCloseFails(t *testing.T) {
	h := newHarness(t, testConfig())
	var err error
	h.do(func() { err = h.ctrl.Edit(DraftPatch{Quantity: strp("3")}) })
	if !errors.Is(err, apperrors.ErrWorkflowClosed) {
		t.Errorf("Edit on closed workflow = %v", err)
	}
	if err := h.submit(); !errors.Is(err, apperrors.ErrWorkflowClosed) {
		t.Errorf("Submit on closed workflow = %v", err)
	}
}

func TestStaleStatusDroppedAfterReopen(t *testing.T) {
	h := newHarness(t, testConfig())
	release := h.fake.Hold(brokertest.GetOrderStatus)
	defer release()

	h.open(models.OrderSideBuy)
	if err := h.submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.eventually("polling with a status call outstanding", func() bool {
		return h.ctrl.State() == StatePolling && h.fake.Count(brokertest.GetOrderStatus) == 1
	})

	h.do(h.ctrl.Close)
	h.open(models.OrderSideSell)
	release()
	time.Sleep(30 * time.Millisecond)

	v := h.view()
	if v.State != StateConfiguring || v.Status != nil {
		t.Fatalf("old status leaked into new workflow: %+v", v)
	}
	if v.Draft == nil || v.Draft.Action != models.OrderSideSell {
		t.Errorf("draft = %+v", v.Draft)
	}
}

func TestStaleEstimateDroppedAfterReopen(t *testing.T) {
	h := newHarness(t, testConfig())
	releaseOld := h.fake.Hold(brokertest.EstimateOrderMargin)
	defer releaseOld()

	h.open(models.OrderSideBuy)
	h.eventually("first estimate outstanding", func() bool { return len(h.estimates()) == 1 })

	h.do(h.ctrl.Close)
	releaseNew := h.fake.Hold(brokertest.EstimateOrderMargin)
	defer releaseNew()
	h.open(models.OrderSideSell)
	h.eventually("second estimate outstanding", func() bool { return len(h.estimates()) == 2 })

	releaseOld()
	time.Sleep(30 * time.Millisecond)
	if v := h.view(); v.Estimate != nil || !v.Estimating {
		t.Fatalf("estimate for the old draft was applied: %+v", v)
	}

	releaseNew()
	h.eventually("new estimate stored", func() bool { return h.ctrl.View().Estimate != nil })
	if got := h.estimates()[1].TransactionType; got != models.OrderSideSell {
		t.Errorf("second estimate side = %s", got)
	}
}

func TestStaleQuoteDroppedAfterReopen(t *testing.T) {
	h := newHarness(t, testConfig())
	releaseOld := h.fake.Hold(brokertest.GetQuote)
	defer releaseOld()

	h.open(models.OrderSideBuy)
	h.eventually("first quote outstanding", func() bool { return h.fake.Count(brokertest.GetQuote) == 1 })

	h.do(h.ctrl.Close)
	releaseNew := h.fake.Hold(brokertest.GetQuote)
	defer releaseNew()
	h.open(models.OrderSideSell)
	h.eventually("second quote outstanding", func() bool { return h.fake.Count(brokertest.GetQuote) == 2 })

	releaseOld()
	time.Sleep(30 * time.Millisecond)
	if v := h.view(); v.LivePrice.Valid {
		t.Fatalf("live price from the old workflow was applied: %+v", v.LivePrice)
	}

	releaseNew()
	h.eventually("new live price", func() bool { return h.ctrl.View().LivePrice.Valid })
}

func TestInstrumentChangeKeepsQuoteFetchesSerial(t *testing.T) {
	h := newHarness(t, testConfig())
	releaseOld := h.fake.Hold(brokertest.GetQuote)
	defer releaseOld()

	h.open(models.OrderSideBuy)
	h.eventually("TCS quote outstanding", func() bool { return h.fake.Count(brokertest.GetQuote) == 1 })

	releaseNew := h.fake.Hold(brokertest.GetQuote)
	defer releaseNew()
	h.edit(DraftPatch{TradingSymbol: strp("INFY")})
	h.eventually("INFY quote outstanding", func() bool { return h.fake.Count(brokertest.GetQuote) == 2 })

	releaseOld()
	time.Sleep(30 * time.Millisecond)

	// The late TCS answer must not free the slot held by the INFY fetch.
	h.do(h.ctrl.fetchQuote)
	if n := h.fake.Count(brokertest.GetQuote); n != 2 {
		t.Fatalf("GetQuote called %d times, want 2", n)
	}
	if v := h.view(); v.LivePrice.Valid {
		t.Fatalf("TCS price applied to INFY draft: %+v", v.LivePrice)
	}

	releaseNew()
	h.eventually("INFY live price", func() bool { return h.ctrl.View().LivePrice.Valid })
	var symbols []string
	h.fake.Snapshot(func(f *brokertest.Fake) { symbols = append(symbols, f.QuoteRequests...) })
	if len(symbols) != 2 || symbols[1] != "INFY" {
		t.Errorf("quote requests = %v", symbols)
	}
}

func TestDraftPatchDecodesNumbersAndStrings(t *testing.T) {
	var p DraftPatch
	if err := json.Unmarshal([]byte(`{"quantity":5,"price":3850.5,"order_type":"LIMIT"}`), &p); err != nil {
		t.Fatalf("numeric patch: %v", err)
	}
	if p.Quantity == nil || *p.Quantity != "5" || p.LimitPrice == nil || *p.LimitPrice != "3850.5" {
		t.Errorf("patch = %+v", p)
	}
	if p.OrderType == nil || *p.OrderType != models.OrderTypeLimit {
		t.Errorf("order type = %v", p.OrderType)
	}

	p = DraftPatch{}
	if err := json.Unmarshal([]byte(`{"quantity":"12","variety":"amo"}`), &p); err != nil {
		t.Fatalf("string patch: %v", err)
	}
	if p.Quantity == nil || *p.Quantity != "12" || p.LimitPrice != nil || p.Variety == nil {
		t.Errorf("patch = %+v", p)
	}

	p = DraftPatch{}
	if err := json.Unmarshal([]byte(`{"price":null}`), &p); err != nil || p.LimitPrice != nil {
		t.Errorf("null price = %+v, %v", p, err)
	}

	for _, body := range []string{`{"quantity":true}`, `{"price":{}}`} {
		if err := json.Unmarshal([]byte(body), &DraftPatch{}); err == nil {
			t.Errorf("%s should not decode", body)
		}
	}
}
