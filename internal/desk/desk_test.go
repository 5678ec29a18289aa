package desk

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wysetrade-desk/internal/broker"
	"wysetrade-desk/internal/config"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/gate"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/routes"
	"wysetrade-desk/internal/segment"
	"wysetrade-desk/internal/store"
	"wysetrade-desk/internal/workflow"
)

type capturingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *capturingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Store.Path = filepath.Join(dir, "desk.db")
	cfg.Polling.LivePrice = 50 * time.Millisecond
	cfg.Polling.OrderStatus = 20 * time.Millisecond
	cfg.Polling.EstimateDebounce = 10 * time.Millisecond
	cfg.Polling.FetchTimeout = 2 * time.Second
	return cfg
}

func startDesk(t *testing.T, cfg *config.Config, opener gate.Opener) *Desk {
	t.Helper()
	d, err := New(cfg, zerolog.Nop(), Options{Opener: opener})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return d
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func segmentView(t *testing.T, d *Desk, id models.SegmentID) segment.View {
	t.Helper()
	v, err := d.Segment(context.Background(), id)
	if err != nil {
		t.Fatalf("Segment(%s): %v", id, err)
	}
	return v
}

func TestStartConnectsPaperAndLoadsDefaultTab(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()

	if !d.Connected() {
		t.Fatal("paper backend should connect on start")
	}
	if d.CurrentTab() != routes.TabNifty50 {
		t.Errorf("tab = %q, want %q", d.CurrentTab(), routes.TabNifty50)
	}
	eventually(t, "nifty rows", func() bool {
		v := segmentView(t, d, models.SegmentNifty)
		return v.Total > 0 && v.Error == ""
	})
}

func TestTabAndScaleSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	d := startDesk(t, cfg, &capturingOpener{})
	ctx := context.Background()
	if err := d.Navigate(ctx, routes.TabPositions); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if err := d.SetScale(ctx, "1h"); err != nil {
		t.Fatalf("SetScale: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d = startDesk(t, cfg, &capturingOpener{})
	defer d.Close()
	if d.CurrentTab() != routes.TabPositions {
		t.Errorf("restored tab = %q", d.CurrentTab())
	}
	board, err := d.Board(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if board.Scale != "1h" {
		t.Errorf("restored scale = %q", board.Scale)
	}
	if len(board.Active) != 2 || board.Active[0] != models.SegmentPositions || board.Active[1] != models.SegmentMargins {
		t.Errorf("active = %v", board.Active)
	}
}

func TestSetScaleRejectsUnknown(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()

	var verr *apperrors.ValidationError
	if err := d.SetScale(context.Background(), "2m"); !errors.As(err, &verr) {
		t.Errorf("SetScale(2m) = %v, want validation error", err)
	}
}

func TestDisconnectGatesSegments(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()

	eventually(t, "nifty rows", func() bool { return segmentView(t, d, models.SegmentNifty).Total > 0 })
	d.Disconnect()
	eventually(t, "connect prompt", func() bool {
		v := segmentView(t, d, models.SegmentNifty)
		return v.Error == segment.ConnectPrompt && v.Total == 0
	})

	if err := d.SyncInstruments(context.Background(), models.SegmentNifty); !errors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("SyncInstruments while disconnected = %v", err)
	}
}

func TestConnectAndCompleteLogin(t *testing.T) {
	opener := &capturingOpener{}
	d := startDesk(t, testConfig(t, t.TempDir()), opener)
	defer d.Close()
	ctx := context.Background()

	d.Disconnect()
	url, err := d.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !strings.Contains(url, "/zerodha/callback?request_token=paper") {
		t.Errorf("login url = %q", url)
	}
	if len(opener.urls) != 1 || opener.urls[0] != url {
		t.Errorf("opener saw %v", opener.urls)
	}
	if d.Connected() {
		t.Fatal("Connect must not open the gate")
	}

	var verr *apperrors.ValidationError
	if err := d.CompleteLogin(ctx, " "); !errors.As(err, &verr) {
		t.Errorf("CompleteLogin(blank) = %v", err)
	}
	if err := d.CompleteLogin(ctx, "paper"); err != nil {
		t.Fatalf("CompleteLogin: %v", err)
	}
	if !d.Connected() {
		t.Error("gate should be open after login")
	}
}

func TestSetQueryResetsPage(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()
	ctx := context.Background()

	page := 2
	if _, err := d.SetQuery(ctx, models.SegmentNifty, query.Patch{Page: &page}); err != nil {
		t.Fatalf("SetQuery(page): %v", err)
	}
	search := "bank"
	v, err := d.SetQuery(ctx, models.SegmentNifty, query.Patch{Search: &search})
	if err != nil {
		t.Fatalf("SetQuery(search): %v", err)
	}
	if v.Query.Page != 1 || v.Query.Search != "bank" {
		t.Errorf("query = %+v", v.Query)
	}

	if _, err := d.SetQuery(ctx, "crypto", query.Patch{Search: &search}); !errors.Is(err, apperrors.ErrUnknownSegment) {
		t.Errorf("unknown segment = %v", err)
	}
}

func TestOrderLifecycleIsJournaled(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := d.OpenOrder(ctx, models.SegmentNifty, models.OrderSideBuy, "tcs")
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	if v.State != workflow.StateConfiguring || v.Draft == nil || v.Draft.TradingSymbol != "TCS" {
		t.Fatalf("opened view = %+v", v)
	}

	qty := "2"
	if _, err := d.EditOrder(ctx, workflow.DraftPatch{Quantity: &qty}); err != nil {
		t.Fatalf("EditOrder: %v", err)
	}
	submitted, err := d.SubmitOrder(ctx)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	final, err := d.AwaitOrder(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("AwaitOrder: %v", err)
	}
	if final.State != workflow.StateComplete {
		t.Fatalf("final state = %s (%s)", final.State, final.Error)
	}

	entries, err := d.Journal(ctx, store.JournalFilter{WorkflowID: submitted.ID})
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("journal entries = %d, want submission and status", len(entries))
	}
	if entries[0].Status != models.OrderStatusComplete || entries[0].Quantity != 2 {
		t.Errorf("newest entry = %+v", entries[0])
	}
	submittedEntries := 0
	for _, e := range entries {
		if e.Event == store.EventSubmitted {
			submittedEntries++
		}
	}
	if submittedEntries != 1 {
		t.Errorf("submitted entries = %d, want 1", submittedEntries)
	}

	if err := d.CloseOrder(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Order(ctx); v.State != workflow.StateClosed {
		t.Errorf("state after close = %s", v.State)
	}
}

func TestInvalidDraftIsNotSubmitted(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()
	ctx := context.Background()

	if _, err := d.OpenOrder(ctx, models.SegmentNifty, models.OrderSideSell, "INFY"); err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	qty := "0"
	if _, err := d.EditOrder(ctx, workflow.DraftPatch{Quantity: &qty}); err != nil {
		t.Fatalf("EditOrder: %v", err)
	}
	v, err := d.SubmitOrder(ctx)
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("SubmitOrder = %v", err)
	}
	if v.State != workflow.StateConfiguring || v.Error == "" {
		t.Errorf("view = %+v", v)
	}
	entries, err := d.Journal(ctx, store.JournalFilter{WorkflowID: v.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("invalid draft journaled: %+v", entries)
	}
}

func TestOpenOrderValidation(t *testing.T) {
	d := startDesk(t, testConfig(t, t.TempDir()), &capturingOpener{})
	defer d.Close()
	ctx := context.Background()

	var verr *apperrors.ValidationError
	if _, err := d.OpenOrder(ctx, models.SegmentPositions, models.OrderSideBuy, "TCS"); !errors.As(err, &verr) {
		t.Errorf("positions segment = %v", err)
	}
	if _, err := d.OpenOrder(ctx, models.SegmentNifty, models.OrderSideBuy, "NOSUCH"); !errors.Is(err, apperrors.ErrSymbolNotFound) {
		t.Errorf("unknown symbol = %v", err)
	}
}

func TestNewBackendKinds(t *testing.T) {
	cfg := testConfig(t, t.TempDir())

	cfg.Backend.PaperHoldings = map[string]int{"infy": 5}
	b, err := NewBackend(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	paper, ok := b.(*broker.PaperBackend)
	if !ok {
		t.Fatalf("paper kind built %T", b)
	}
	holdings, err := paper.ListHoldings(context.Background())
	if err != nil || len(holdings) != 1 || holdings[0].TradingSymbol != "INFY" {
		t.Errorf("holdings = %+v, %v", holdings, err)
	}

	cfg.Backend.Kind = config.BackendREST
	if b, _ := NewBackend(cfg, zerolog.Nop()); b == nil {
		t.Error("rest backend not built")
	} else if _, ok := b.(*broker.RESTBackend); !ok {
		t.Errorf("rest kind built %T", b)
	}

	cfg.Backend.Kind = "ibkr"
	if _, err := NewBackend(cfg, zerolog.Nop()); !errors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("unknown kind = %v", err)
	}
}

func TestCallbackURL(t *testing.T) {
	if got := CallbackURL(":8080"); got != "http://localhost:8080/zerodha/callback" {
		t.Errorf("CallbackURL = %q", got)
	}
	if got := CallbackURL("127.0.0.1:9000"); got != "http://127.0.0.1:9000/zerodha/callback" {
		t.Errorf("CallbackURL = %q", got)
	}
}
