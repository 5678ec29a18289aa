package segment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wysetrade-desk/internal/broker/brokertest"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/gate"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
)

type harness struct {
	t     *testing.T
	loop  *loop.Loop
	gate  *gate.Gate
	fake  *brokertest.Fake
	board *Board
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.InstrumentInterval = time.Hour
	cfg.PositionsInterval = time.Hour
	cfg.MarginsInterval = time.Hour
	cfg.OrdersInterval = time.Hour
	cfg.FetchTimeout = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	l := loop.New(zerolog.Nop(), 0)
	go l.Run(context.Background())
	t.Cleanup(l.Stop)

	fake := brokertest.New()
	g := gate.New(fake, gate.OpenerFunc(func(string) error { return nil }), zerolog.Nop())
	h := &harness{t: t, loop: l, gate: g, fake: fake}
	h.board = NewBoard(cfg, l, g, fake, nil, zerolog.Nop())
	h.do(h.board.Start)
	t.Cleanup(func() { l.Call(context.Background(), h.board.Stop) })
	return h
}

func (h *harness) do(fn func()) {
	h.t.Helper()
	if err := h.loop.Call(context.Background(), fn); err != nil {
		h.t.Fatalf("loop call: %v", err)
	}
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

// settle waits until no segment has a fetch in flight.
func (h *harness) settle() {
	h.t.Helper()
	h.eventually("segments idle", func() bool {
		for _, v := range h.board.View().Segments {
			if v.Loading {
				return false
			}
		}
		return true
	})
}

func (h *harness) connect() {
	h.t.Helper()
	h.gate.Open()
	h.settle()
	h.eventually("gate change applied", func() bool { return !h.board.Nifty.Blocked() })
	h.settle()
}

func TestRefreshWhileDisconnected(t *testing.T) {
	h := newHarness(t, quietConfig())

	h.do(func() { h.board.Refresh(models.SegmentNifty) })

	var v View
	h.do(func() { v = h.board.Nifty.View() })
	if v.Total != 0 || len(v.Rows.([]models.StockRow)) != 0 {
		t.Errorf("expected empty rows, got %+v", v)
	}
	if !v.Blocked || v.Error != ConnectPrompt {
		t.Errorf("expected blocked with connect prompt, got blocked=%v error=%q", v.Blocked, v.Error)
	}
	if n := h.fake.Count(brokertest.ListInstruments); n != 0 {
		t.Errorf("ListInstruments called %d times while disconnected", n)
	}
}

func TestUnauthorizedSuppressesRefresh(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()
	base := h.fake.Count(brokertest.ListInstruments)

	h.fake.SetError(brokertest.ListInstruments, apperrors.NewBrokerError("token", http.StatusForbidden, "Invalid session", nil))
	h.do(func() { h.board.Refresh(models.SegmentNifty) })
	h.settle()

	var v View
	h.do(func() { v = h.board.Nifty.View() })
	if !v.Blocked || v.ErrorKind != apperrors.KindUnauthorized || v.Total != 0 {
		t.Fatalf("expected blocked unauthorized segment, got %+v", v)
	}

	for i := 0; i < 5; i++ {
		h.do(func() { h.board.Refresh(models.SegmentNifty) })
	}
	h.settle()
	if n := h.fake.Count(brokertest.ListInstruments); n != base+1 {
		t.Fatalf("breaker let %d calls through, want 1", n-base)
	}

	// Dismissal allows exactly one attempt.
	h.do(func() { h.board.DismissError(models.SegmentNifty) })
	h.settle()
	if n := h.fake.Count(brokertest.ListInstruments); n != base+2 {
		t.Fatalf("dismiss issued %d calls, want 1", n-base-1)
	}
	h.do(func() { v = h.board.Nifty.View() })
	if !v.Blocked {
		t.Fatal("still unauthorized, segment should block again")
	}

	h.fake.SetError(brokertest.ListInstruments, nil)
	h.do(func() { h.board.DismissError(models.SegmentNifty) })
	h.settle()
	h.do(func() { v = h.board.Nifty.View() })
	if v.Blocked || v.Error != "" || v.Total != 2 {
		t.Fatalf("expected recovered segment, got %+v", v)
	}
}

func TestGateReopenResetsBreaker(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()

	h.fake.SetError(brokertest.ListPositions, apperrors.ErrUnauthorized)
	h.do(func() { h.board.Refresh(models.SegmentPositions) })
	h.settle()
	var blocked bool
	h.do(func() { blocked = h.board.Positions.Blocked() })
	if !blocked {
		t.Fatal("positions should be blocked")
	}

	h.fake.SetError(brokertest.ListPositions, nil)
	h.gate.Close()
	h.eventually("segments gated", func() bool { return h.board.Positions.ErrorMessage() == ConnectPrompt })
	before := h.fake.Count(brokertest.ListPositions)

	h.gate.Open()
	h.eventually("positions refreshed", func() bool {
		return !h.board.Positions.Blocked() && h.board.Positions.ErrorMessage() == ""
	})
	if n := h.fake.Count(brokertest.ListPositions); n != before+1 {
		t.Errorf("reopen issued %d positions calls, want 1", n-before)
	}
}

func TestTransientKeepsBreakerClosed(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()
	base := h.fake.Count(brokertest.ListHoldings)

	h.fake.SetError(brokertest.ListHoldings, errors.New("connection reset by peer"))
	h.do(func() { h.board.Refresh(models.SegmentHoldings) })
	h.settle()

	var v View
	h.do(func() { v = h.board.Holdings.View() })
	if v.Blocked || v.ErrorKind != apperrors.KindTransient || v.Error == "" {
		t.Fatalf("unexpected view %+v", v)
	}

	h.do(func() { h.board.Refresh(models.SegmentHoldings) })
	h.settle()
	if n := h.fake.Count(brokertest.ListHoldings); n != base+2 {
		t.Errorf("transient failure suppressed retries: %d calls", n-base)
	}
}

func TestPaginationWindow(t *testing.T) {
	h := newHarness(t, quietConfig())
	rows := make([]models.StockRow, 10)
	for i := range rows {
		rows[i] = models.StockRow{Token: uint32(100 + i), TradingSymbol: "SYM", Price: decimal.NewFromInt(1)}
	}
	h.fake.Snapshot(func(f *brokertest.Fake) {
		f.Listings[models.SegmentNifty] = models.Page[models.StockRow]{Rows: rows, Total: 25}
	})
	h.connect()

	page := 2
	h.do(func() {
		if err := h.board.SetQuery(models.SegmentNifty, query.Patch{Page: &page}); err != nil {
			t.Fatalf("SetQuery: %v", err)
		}
		h.board.Refresh(models.SegmentNifty)
	})
	h.settle()

	var v View
	h.do(func() { v = h.board.Nifty.View() })
	if v.Label != "Showing 11-20 of 25" || !v.Window.HasNext || !v.Window.HasPrev {
		t.Errorf("unexpected window %+v (%s)", v.Window, v.Label)
	}

	var last models.ListRequest
	h.fake.Snapshot(func(f *brokertest.Fake) { last = f.ListRequests[len(f.ListRequests)-1] })
	if last.Page != 2 || last.PageSize != 10 || last.Scale != "5m" {
		t.Errorf("unexpected request %+v", last)
	}
}

func TestActivePolling(t *testing.T) {
	cfg := quietConfig()
	cfg.PositionsInterval = 10 * time.Millisecond
	cfg.MarginsInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.connect()

	start := h.fake.Count(brokertest.ListPositions)
	h.do(func() {
		if err := h.board.Activate(models.SegmentPositions, models.SegmentMargins); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	})
	h.eventually("positions polled", func() bool {
		return h.fake.Count(brokertest.ListPositions) >= start+3 && h.fake.Count(brokertest.GetMargins) >= 3
	})

	h.do(func() { h.board.Activate(models.SegmentNifty) })
	h.settle()
	time.Sleep(20 * time.Millisecond)
	stopped := h.fake.Count(brokertest.ListPositions)
	time.Sleep(50 * time.Millisecond)
	if n := h.fake.Count(brokertest.ListPositions); n != stopped {
		t.Errorf("inactive segment polled %d more times", n-stopped)
	}
}

func TestSetQueryRefreshesOnlyActive(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()
	h.do(func() { h.board.Activate(models.SegmentNifty) })
	h.settle()

	search := "INF"
	base := h.fake.Count(brokertest.ListInstruments)
	h.do(func() { h.board.SetQuery(models.SegmentNifty, query.Patch{Search: &search}) })
	h.eventually("active segment refreshed", func() bool {
		return h.fake.Count(brokertest.ListInstruments) == base+1
	})

	h.settle()
	base = h.fake.Count(brokertest.ListInstruments)
	h.do(func() { h.board.SetQuery(models.SegmentBankNifty, query.Patch{Search: &search}) })
	time.Sleep(20 * time.Millisecond)
	if n := h.fake.Count(brokertest.ListInstruments); n != base {
		t.Errorf("inactive segment refreshed on query change")
	}

	var q query.Query
	h.do(func() { q = h.board.BankNifty.Query() })
	if q.Search() != "INF" || q.Page() != 1 {
		t.Errorf("query not stored: %+v", q.View())
	}
}

func TestSyncInstrumentsGuard(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()

	release := h.fake.Hold(brokertest.SyncInstruments)
	var first, second error
	h.do(func() {
		first = h.board.SyncInstruments(models.SegmentNifty)
		second = h.board.SyncInstruments(models.SegmentBankNifty)
	})
	if first != nil {
		t.Fatalf("first sync: %v", first)
	}
	if !errors.Is(second, apperrors.ErrSyncInProgress) {
		t.Fatalf("overlapping sync = %v, want ErrSyncInProgress", second)
	}

	base := h.fake.Count(brokertest.ListInstruments)
	release()
	h.eventually("sync finished", func() bool { return !h.board.Syncing() })
	h.settle()
	if n := h.fake.Count(brokertest.ListInstruments); n != base+1 {
		t.Errorf("sync completion refreshed %d times, want 1", n-base)
	}
	if n := h.fake.Count(brokertest.SyncInstruments); n != 1 {
		t.Errorf("SyncInstruments called %d times", n)
	}
}

func TestSyncFailureSurfacesOnSegment(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()

	h.fake.SetError(brokertest.SyncInstruments, errors.New("instrument dump unavailable"))
	h.do(func() { h.board.SyncInstruments(models.SegmentBankNifty) })
	h.eventually("sync finished", func() bool { return !h.board.Syncing() })

	var v View
	h.do(func() { v = h.board.BankNifty.View() })
	if v.ErrorKind != apperrors.KindTransient || v.Blocked {
		t.Errorf("unexpected view after failed sync %+v", v)
	}
}

func TestInFlightResultDroppedAfterDisconnect(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()

	release := h.fake.Hold(brokertest.ListInstruments)
	h.do(func() { h.board.Refresh(models.SegmentNifty) })
	h.eventually("fetch in flight", func() bool { return h.board.Nifty.View().Loading })

	h.gate.Close()
	h.eventually("segment gated", func() bool { return h.board.Nifty.ErrorMessage() == ConnectPrompt })
	release()
	h.eventually("stale result discarded", func() bool { return h.board.Nifty.Stats().Discarded == 1 })

	var v View
	h.do(func() { v = h.board.Nifty.View() })
	if v.Total != 0 || v.Error != ConnectPrompt || !v.Blocked {
		t.Errorf("stale result leaked into view: %+v", v)
	}
}

func TestSetScale(t *testing.T) {
	h := newHarness(t, quietConfig())
	h.connect()
	h.do(func() { h.board.Activate(models.SegmentNifty) })
	h.settle()

	var err error
	h.do(func() { err = h.board.SetScale("2d") })
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("SetScale(2d) = %v, want validation error", err)
	}

	h.do(func() { err = h.board.SetScale("15m") })
	if err != nil {
		t.Fatal(err)
	}
	h.settle()
	var last models.ListRequest
	h.fake.Snapshot(func(f *brokertest.Fake) { last = f.ListRequests[len(f.ListRequests)-1] })
	if last.Scale != "15m" {
		t.Errorf("refresh used scale %q", last.Scale)
	}
}

func TestUnknownSegment(t *testing.T) {
	h := newHarness(t, quietConfig())
	var err error
	h.do(func() { err = h.board.Refresh("crypto") })
	if !errors.Is(err, apperrors.ErrUnknownSegment) {
		t.Errorf("Refresh(crypto) = %v", err)
	}
}

func TestPaginateAccountRows(t *testing.T) {
	rows := []models.Holding{
		{TradingSymbol: "INFY"}, {TradingSymbol: "TCS"}, {TradingSymbol: "INFRATEL"},
	}
	p := paginate(rows, models.ListRequest{Page: 1, PageSize: 10, Search: "inf"}, func(h models.Holding) string { return h.TradingSymbol })
	if p.Total != 2 || len(p.Rows) != 2 {
		t.Errorf("search: %+v", p)
	}
	p = paginate(rows, models.ListRequest{Page: 2, PageSize: 2}, func(h models.Holding) string { return h.TradingSymbol })
	if p.Total != 3 || len(p.Rows) != 1 || p.Rows[0].TradingSymbol != "INFRATEL" {
		t.Errorf("page 2: %+v", p)
	}
}
