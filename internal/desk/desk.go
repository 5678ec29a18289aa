// Package desk assembles the controller core: it picks the backend, opens the
// store, and owns the event loop everything else runs on. Presentation
// adapters (the HTTP server and the CLI) talk to the core only through Desk.
package desk

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wysetrade-desk/internal/broker"
	"wysetrade-desk/internal/config"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/gate"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/resilience"
	"wysetrade-desk/internal/routes"
	"wysetrade-desk/internal/segment"
	"wysetrade-desk/internal/store"
	"wysetrade-desk/internal/stream"
	"wysetrade-desk/internal/workflow"
)

// ScaleStateKey is the ui_state key the chart scale is remembered under.
const ScaleStateKey = "board.scale"

// Options overrides the pieces New would otherwise build from config.
type Options struct {
	Backend broker.Backend
	Store   store.DataStore
	Opener  gate.Opener
}

// Desk is the running controller.
type Desk struct {
	cfg     *config.Config
	logger  zerolog.Logger
	backend broker.Backend
	store   store.DataStore
	timeout time.Duration

	loop   *loop.Loop
	hub    *stream.Hub
	gate   *gate.Gate
	board  *segment.Board
	orders *workflow.Controller
	routes *routes.Binder

	started bool
	loopErr chan error
}

// New builds a desk from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Desk, error) {
	backend := opts.Backend
	if backend == nil {
		var err error
		if backend, err = NewBackend(cfg, logger); err != nil {
			return nil, err
		}
	}

	dataStore := opts.Store
	if dataStore == nil {
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(config.DefaultConfigDir(), "desk.db")
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to open store")
		}
		dataStore = s
	}

	opener := opts.Opener
	if opener == nil {
		opener = defaultOpener(cfg, logger)
	}

	d := &Desk{
		cfg:     cfg,
		logger:  logger.With().Str("component", "desk").Logger(),
		backend: backend,
		store:   dataStore,
		timeout: cfg.WorkflowConfig().CallTimeout,
		loopErr: make(chan error, 1),
	}
	d.loop = loop.New(logger, 0)
	d.hub = stream.NewHub(logger)
	d.gate = gate.New(backend, opener, logger)
	d.board = segment.NewBoard(cfg.SegmentConfig(), d.loop, d.gate, backend, d.hub, logger)
	d.board.SetSyncRecorder(dataStore)
	d.orders = workflow.New(cfg.WorkflowConfig(), d.loop, backend, d.board, dataStore, d.hub, logger)
	d.routes = routes.NewBinder(routes.ActivatorFunc(d.activate), dataStore, logger)
	return d, nil
}

// NewBackend builds the backend cfg.Backend.Kind names.
func NewBackend(cfg *config.Config, logger zerolog.Logger) (broker.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendPaper, "":
		holdings := make(map[string]int, len(cfg.Backend.PaperHoldings))
		for symbol, qty := range cfg.Backend.PaperHoldings {
			// viper lowercases map keys
			holdings[strings.ToUpper(symbol)] = qty
		}
		return broker.NewPaperBackend(broker.PaperConfig{
			Universe:    cfg.Universe(),
			InitialCash: decimal.NewFromFloat(cfg.Backend.PaperCash),
			Candles:     cfg.Polling.Candles,
			LoginURL:    CallbackURL(cfg.Server.Addr) + "?request_token=paper",
			Holdings:    holdings,
		}), nil
	case config.BackendKite:
		return broker.NewKiteBackend(broker.KiteConfig{
			APIKey:         cfg.Credentials.Zerodha.APIKey,
			APISecret:      cfg.Credentials.Zerodha.APISecret,
			AccessToken:    cfg.Credentials.Zerodha.AccessToken,
			Universe:       cfg.Universe(),
			Candles:        cfg.Polling.Candles,
			HistoricalRate: cfg.Backend.HistoricalRate,
			CacheTTL:       cfg.Backend.CacheTTL,
		}, logger), nil
	case config.BackendREST:
		return broker.NewRESTBackend(broker.RESTConfig{
			BaseURL:           cfg.Backend.BaseURL,
			Token:             cfg.Credentials.Desk.APIToken,
			Timeout:           cfg.Backend.Timeout,
			RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		}, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", apperrors.ErrConfigInvalid, cfg.Backend.Kind)
}

// CallbackURL is where the broker redirects after login.
func CallbackURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/zerodha/callback"
}

func defaultOpener(cfg *config.Config, logger zerolog.Logger) gate.Opener {
	if cfg.Server.OpenBrowser {
		return gate.BrowserOpener{}
	}
	return gate.OpenerFunc(func(url string) error {
		logger.Info().Str("url", url).Msg("Open this URL to log in")
		return nil
	})
}

// Start runs the loop, starts the board, restores the remembered tab and
// scale, and opens the gate if the backend already holds a session.
func (d *Desk) Start(ctx context.Context) error {
	if d.started {
		return nil
	}
	d.started = true

	if err := d.hub.Start(context.Background()); err != nil {
		return err
	}
	go func() { d.loopErr <- d.loop.Run(context.Background()) }()

	if err := d.loop.Call(ctx, d.board.Start); err != nil {
		return err
	}
	if scale, ok, err := d.store.GetState(ctx, ScaleStateKey); err == nil && ok {
		if err := d.call(ctx, func() error { return d.board.SetScale(scale) }); err != nil {
			d.logger.Debug().Str("scale", scale).Msg("Ignoring remembered scale")
		}
	}
	tab, err := d.routes.Restore(ctx)
	if err != nil {
		return err
	}

	if checker, ok := d.backend.(broker.SessionChecker); ok && checker.IsAuthenticated() {
		d.gate.Open()
	}
	d.logger.Info().Str("tab", string(tab)).Bool("connected", d.gate.IsOpen()).Msg("Desk started")
	return nil
}

// Close stops every timer and in-flight call, then the loop, the hub and
// the store.
func (d *Desk) Close() error {
	if d.started {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.loop.Call(ctx, func() {
			d.orders.Shutdown()
			d.board.Stop()
		}); err != nil {
			d.logger.Warn().Err(err).Msg("Shutdown did not complete on the loop")
		}
		cancel()
		d.loop.Stop()
		<-d.loopErr
		d.hub.Stop()
	}
	return d.store.Close()
}

// Run starts the desk and blocks until ctx is done.
func (d *Desk) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Close()
		return err
	}
	<-ctx.Done()
	return d.Close()
}

// call runs fn on the loop and returns its error.
func (d *Desk) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := d.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (d *Desk) activate(ids ...models.SegmentID) error {
	return d.call(context.Background(), func() error { return d.board.Activate(ids...) })
}

// Hub returns the event hub views are published on.
func (d *Desk) Hub() *stream.Hub { return d.hub }

// Config returns the configuration the desk was built from.
func (d *Desk) Config() *config.Config { return d.cfg }

// Board returns a snapshot of every segment.
func (d *Desk) Board(ctx context.Context) (segment.BoardView, error) {
	var v segment.BoardView
	err := d.loop.Call(ctx, func() { v = d.board.View() })
	return v, err
}

// Segment returns a snapshot of one segment.
func (d *Desk) Segment(ctx context.Context, id models.SegmentID) (segment.View, error) {
	var v segment.View
	err := d.call(ctx, func() error {
		seg, err := d.board.Segment(id)
		if err != nil {
			return err
		}
		v = seg.View()
		return nil
	})
	return v, err
}

// SetQuery applies patch to a segment's query.
func (d *Desk) SetQuery(ctx context.Context, id models.SegmentID, patch query.Patch) (segment.View, error) {
	if err := d.call(ctx, func() error { return d.board.SetQuery(id, patch) }); err != nil {
		return segment.View{}, err
	}
	return d.Segment(ctx, id)
}

// Refresh fetches a segment once.
func (d *Desk) Refresh(ctx context.Context, id models.SegmentID) error {
	return d.call(ctx, func() error { return d.board.Refresh(id) })
}

// DismissError clears a segment's error and unblocks it.
func (d *Desk) DismissError(ctx context.Context, id models.SegmentID) error {
	return d.call(ctx, func() error { return d.board.DismissError(id) })
}

// SyncInstruments starts an instrument sync on behalf of a segment.
func (d *Desk) SyncInstruments(ctx context.Context, id models.SegmentID) error {
	return d.call(ctx, func() error { return d.board.SyncInstruments(id) })
}

// Syncing reports whether an instrument sync is running.
func (d *Desk) Syncing(ctx context.Context) (bool, error) {
	var syncing bool
	err := d.loop.Call(ctx, func() { syncing = d.board.Syncing() })
	return syncing, err
}

// SetScale changes the chart scale and remembers it.
func (d *Desk) SetScale(ctx context.Context, scale string) error {
	if err := d.call(ctx, func() error { return d.board.SetScale(scale) }); err != nil {
		return err
	}
	if err := d.store.SetState(ctx, ScaleStateKey, scale); err != nil {
		d.logger.Warn().Err(err).Str("scale", scale).Msg("Failed to remember scale")
	}
	return nil
}

// Breakers returns every segment breaker's state.
func (d *Desk) Breakers(ctx context.Context) ([]resilience.BreakerStats, error) {
	var stats []resilience.BreakerStats
	err := d.loop.Call(ctx, func() { stats = d.board.BreakerStats() })
	return stats, err
}

// Navigate makes tab active.
func (d *Desk) Navigate(ctx context.Context, tab routes.Tab) error {
	return d.routes.Navigate(ctx, tab)
}

// NavigatePath resolves a /dashboard location and makes it active.
func (d *Desk) NavigatePath(ctx context.Context, path string) (routes.Tab, error) {
	return d.routes.NavigatePath(ctx, path)
}

// CurrentTab returns the active tab.
func (d *Desk) CurrentTab() routes.Tab {
	return d.routes.Current()
}

// Connected reports whether the broker session is established.
func (d *Desk) Connected() bool {
	return d.gate.IsOpen()
}

// Connect asks the backend for its login page and hands it to the opener.
func (d *Desk) Connect(ctx context.Context) (string, error) {
	return d.gate.RequestConnect(ctx)
}

// CompleteLogin finishes the login redirect and opens the gate.
func (d *Desk) CompleteLogin(ctx context.Context, requestToken string) error {
	if strings.TrimSpace(requestToken) == "" {
		return apperrors.NewValidationError("request_token", requestToken, "Missing request token")
	}
	if completer, ok := d.backend.(broker.SessionCompleter); ok {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := completer.CompleteLogin(ctx, requestToken); err != nil {
			d.logger.Error().Err(err).Msg("Login failed")
			return err
		}
	}
	d.gate.Open()
	return nil
}

// Disconnect closes the gate.
func (d *Desk) Disconnect() {
	d.gate.Close()
}

// Journal lists order journal entries.
func (d *Desk) Journal(ctx context.Context, filter store.JournalFilter) ([]store.JournalEntry, error) {
	return d.store.ListJournal(ctx, filter)
}

// SyncHistory lists recent instrument syncs of a segment.
func (d *Desk) SyncHistory(ctx context.Context, id models.SegmentID, limit int) ([]store.SyncRecord, error) {
	if !id.Valid() {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownSegment, "segment %q", id)
	}
	return d.store.SyncHistory(ctx, string(id), limit)
}

// LastSync returns the last successful instrument sync of a segment.
func (d *Desk) LastSync(id models.SegmentID) time.Time {
	return d.store.GetLastSync(string(id))
}

// Health is a snapshot of the desk's moving parts.
type Health struct {
	Connected bool                      `json:"connected"`
	Tab       routes.Tab                `json:"tab"`
	Loop      loop.Stats                `json:"loop"`
	Hub       stream.HubMetrics         `json:"hub"`
	Breakers  []resilience.BreakerStats `json:"breakers"`
}

// Health reports loop, hub and breaker state.
func (d *Desk) Health(ctx context.Context) (Health, error) {
	breakers, err := d.Breakers(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Connected: d.gate.IsOpen(),
		Tab:       d.routes.Current(),
		Loop:      d.loop.Stats(),
		Hub:       d.hub.GetMetrics(),
		Breakers:  breakers,
	}, nil
}
