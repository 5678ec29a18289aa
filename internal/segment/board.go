package segment

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wysetrade-desk/internal/broker"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/gate"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/resilience"
)

// TopicBoard is the hub topic board-level state is published on.
const TopicBoard = "board"

// Config holds poll intervals and fetch limits.
type Config struct {
	InstrumentInterval time.Duration
	PositionsInterval  time.Duration
	MarginsInterval    time.Duration
	OrdersInterval     time.Duration
	FetchTimeout       time.Duration
	DefaultScale       string
	Breaker            resilience.BreakerConfig
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		InstrumentInterval: 15 * time.Second,
		PositionsInterval:  15 * time.Second,
		MarginsInterval:    30 * time.Second,
		OrdersInterval:     5 * time.Second,
		FetchTimeout:       10 * time.Second,
		DefaultScale:       broker.DefaultScale,
		Breaker:            resilience.DefaultBreakerConfig(),
	}
}

// SyncRecorder persists the outcome of instrument syncs.
type SyncRecorder interface {
	RecordSync(ctx context.Context, segment string, at time.Time, syncErr error) error
}

// BoardView is a snapshot of the whole board.
type BoardView struct {
	Connected bool               `json:"connected"`
	Active    []models.SegmentID `json:"active"`
	Syncing   bool               `json:"syncing"`
	Scale     string             `json:"scale"`
	Segments  []View             `json:"segments"`
}

// Board owns every segment, the active-tab pollers and the sync guard.
type Board struct {
	env      *env
	cfg      Config
	backend  broker.Backend
	breakers *resilience.Registry
	recorder SyncRecorder
	logger   zerolog.Logger

	Nifty     *Synchronizer[models.StockRow]
	BankNifty *Synchronizer[models.StockRow]
	Positions *Synchronizer[models.Position]
	Holdings  *Synchronizer[models.Holding]
	Margins   *Synchronizer[models.MarginSnapshot]
	Orders    *Synchronizer[models.OrderStatusRecord]

	segments map[models.SegmentID]Segment
	active   []models.SegmentID
	pollers  *loop.Scope
	syncing  bool
	scale    string

	cancel      context.CancelFunc
	unsubscribe func()
}

// NewBoard builds the six segments over backend. Call Start on the loop to
// begin following the gate.
func NewBoard(cfg Config, l *loop.Loop, g *gate.Gate, backend broker.Backend, pub Publisher, logger zerolog.Logger) *Board {
	if pub == nil {
		pub = nopPublisher{}
	}
	if cfg.DefaultScale == "" {
		cfg.DefaultScale = broker.DefaultScale
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With().Str("component", "board").Logger()
	b := &Board{
		env: &env{
			ctx:       ctx,
			loop:      l,
			gate:      g,
			publisher: pub,
			logger:    logger,
			timeout:   cfg.FetchTimeout,
		},
		cfg:      cfg,
		backend:  backend,
		breakers: resilience.NewRegistry(cfg.Breaker),
		logger:   logger,
		segments: make(map[models.SegmentID]Segment),
		pollers:  l.NewScope(),
		scale:    cfg.DefaultScale,
		cancel:   cancel,
	}

	withScale := func(req *models.ListRequest) { req.Scale = b.scale }

	b.Nifty = register(b, Descriptor[models.StockRow]{
		ID:       models.SegmentNifty,
		Interval: cfg.InstrumentInterval,
		Gated:    true,
		Fetch:    b.listing(models.SegmentNifty),
		Fixed:    withScale,
	})
	b.BankNifty = register(b, Descriptor[models.StockRow]{
		ID:       models.SegmentBankNifty,
		Interval: cfg.InstrumentInterval,
		Gated:    true,
		Fetch:    b.listing(models.SegmentBankNifty),
		Fixed:    withScale,
	})
	b.Positions = register(b, Descriptor[models.Position]{
		ID:       models.SegmentPositions,
		Interval: cfg.PositionsInterval,
		Gated:    true,
		Fetch: func(ctx context.Context, req models.ListRequest) (models.Page[models.Position], error) {
			rows, err := backend.ListPositions(ctx)
			if err != nil {
				return models.Page[models.Position]{}, err
			}
			return paginate(rows, req, func(p models.Position) string { return p.TradingSymbol }), nil
		},
	})
	b.Holdings = register(b, Descriptor[models.Holding]{
		ID:       models.SegmentHoldings,
		Interval: cfg.PositionsInterval,
		Gated:    true,
		Fetch: func(ctx context.Context, req models.ListRequest) (models.Page[models.Holding], error) {
			rows, err := backend.ListHoldings(ctx)
			if err != nil {
				return models.Page[models.Holding]{}, err
			}
			return paginate(rows, req, func(h models.Holding) string { return h.TradingSymbol }), nil
		},
	})
	b.Margins = register(b, Descriptor[models.MarginSnapshot]{
		ID:       models.SegmentMargins,
		Interval: cfg.MarginsInterval,
		Gated:    true,
		Fetch: func(ctx context.Context, _ models.ListRequest) (models.Page[models.MarginSnapshot], error) {
			m, err := backend.GetMargins(ctx)
			if err != nil {
				return models.Page[models.MarginSnapshot]{}, err
			}
			return models.Page[models.MarginSnapshot]{Rows: []models.MarginSnapshot{m}, Total: 1}, nil
		},
	})
	b.Orders = register(b, Descriptor[models.OrderStatusRecord]{
		ID:       models.SegmentOrders,
		Interval: cfg.OrdersInterval,
		Gated:    true,
		Fetch: func(ctx context.Context, req models.ListRequest) (models.Page[models.OrderStatusRecord], error) {
			rows, err := backend.ListOrders(ctx)
			if err != nil {
				return models.Page[models.OrderStatusRecord]{}, err
			}
			return paginate(rows, req, func(o models.OrderStatusRecord) string { return o.TradingSymbol }), nil
		},
	})
	return b
}

func register[R any](b *Board, desc Descriptor[R]) *Synchronizer[R] {
	s := newSynchronizer(desc, b.env, b.breakers.Get(string(desc.ID)))
	b.segments[desc.ID] = s
	return s
}

func (b *Board) listing(id models.SegmentID) FetchFunc[models.StockRow] {
	return func(ctx context.Context, req models.ListRequest) (models.Page[models.StockRow], error) {
		return b.backend.ListInstruments(ctx, id, req)
	}
}

// paginate applies search and paging to an unpaginated account list.
func paginate[R any](rows []R, req models.ListRequest, key func(R) string) models.Page[R] {
	search := strings.ToUpper(strings.TrimSpace(req.Search))
	filtered := rows
	if search != "" {
		filtered = make([]R, 0, len(rows))
		for _, r := range rows {
			if strings.Contains(strings.ToUpper(key(r)), search) {
				filtered = append(filtered, r)
			}
		}
	}
	total := len(filtered)
	start := req.Offset()
	if start > total {
		start = total
	}
	end := total
	if req.PageSize > 0 && start+req.PageSize < total {
		end = start + req.PageSize
	}
	return models.Page[R]{Rows: filtered[start:end], Total: total}
}

// Start subscribes the board to the gate and brings every segment in line
// with its current state. Must run on the loop.
func (b *Board) Start() {
	b.unsubscribe = b.env.gate.Subscribe(func(c gate.Change) {
		b.env.loop.Post(func() { b.onGate(c) })
	})
	if !b.env.gate.IsOpen() {
		for _, id := range models.AllSegments {
			b.segments[id].Refresh()
		}
	}
	b.publish()
}

func (b *Board) onGate(c gate.Change) {
	if c.Epoch != b.env.gate.Epoch() {
		// A later transition is already queued behind this one.
		return
	}
	b.logger.Info().Bool("open", c.Open).Msg("Re-evaluating segments after connection change")
	for _, id := range models.AllSegments {
		seg := b.segments[id]
		if c.Open {
			seg.ResetBreaker()
		}
		seg.Refresh()
	}
	b.publish()
}

// Stop cancels pollers and in-flight fetch contexts. Must run on the loop.
func (b *Board) Stop() {
	b.pollers.Close()
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.cancel()
}

// Segment looks up a segment by id.
func (b *Board) Segment(id models.SegmentID) (Segment, error) {
	s, ok := b.segments[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownSegment, "segment %q", id)
	}
	return s, nil
}

// Activate makes ids the visible segments: pollers for the previous set stop,
// and each new segment refreshes now and then on its interval.
func (b *Board) Activate(ids ...models.SegmentID) error {
	for _, id := range ids {
		if _, err := b.Segment(id); err != nil {
			return err
		}
	}
	b.pollers.Close()
	b.pollers = b.env.loop.NewScope()
	b.active = append([]models.SegmentID(nil), ids...)

	for _, id := range ids {
		seg := b.segments[id]
		seg.Refresh()
		if seg.Interval() > 0 {
			b.pollers.Every(seg.Interval(), seg.Refresh)
		}
	}
	b.logger.Debug().Interface("active", ids).Msg("Active segments changed")
	b.publish()
	return nil
}

// Active returns the visible segments.
func (b *Board) Active() []models.SegmentID {
	return append([]models.SegmentID(nil), b.active...)
}

// IsActive reports whether id is visible.
func (b *Board) IsActive(id models.SegmentID) bool {
	for _, a := range b.active {
		if a == id {
			return true
		}
	}
	return false
}

// Refresh refreshes one segment.
func (b *Board) Refresh(id models.SegmentID) error {
	seg, err := b.Segment(id)
	if err != nil {
		return err
	}
	seg.Refresh()
	return nil
}

// DismissError clears a segment's error and retries once.
func (b *Board) DismissError(id models.SegmentID) error {
	seg, err := b.Segment(id)
	if err != nil {
		return err
	}
	seg.DismissError()
	return nil
}

// SetQuery patches a segment's query. A visible segment refreshes on the next
// loop tick.
func (b *Board) SetQuery(id models.SegmentID, p query.Patch) error {
	seg, err := b.Segment(id)
	if err != nil {
		return err
	}
	if err := seg.SetQuery(p); err != nil {
		return err
	}
	if b.IsActive(id) {
		b.env.loop.Post(seg.Refresh)
	}
	return nil
}

// ReportError mirrors a failure from another component onto a segment.
func (b *Board) ReportError(id models.SegmentID, msg string) error {
	seg, err := b.Segment(id)
	if err != nil {
		return err
	}
	seg.ReportError(msg, apperrors.KindSubmission)
	return nil
}

// Syncing reports whether an instrument sync is running.
func (b *Board) Syncing() bool {
	return b.syncing
}

// SyncInstruments runs the backend's instrument sync on behalf of segment id.
// Only one sync may run at a time across the board.
func (b *Board) SyncInstruments(id models.SegmentID) error {
	seg, err := b.Segment(id)
	if err != nil {
		return err
	}
	if b.syncing {
		return apperrors.ErrSyncInProgress
	}
	if !b.env.gate.IsOpen() {
		return apperrors.ErrNotConnected
	}
	b.syncing = true
	b.publish()
	b.logger.Info().Str("segment", string(id)).Msg("Syncing instruments")

	started := time.Now()
	loop.Go(b.env.loop, b.env.ctx, func(ctx context.Context) (struct{}, error) {
		err := b.backend.SyncInstruments(ctx)
		if b.recorder != nil {
			if recErr := b.recorder.RecordSync(ctx, string(id), started, err); recErr != nil {
				b.logger.Warn().Err(recErr).Msg("Failed to record sync")
			}
		}
		return struct{}{}, err
	}, func(_ struct{}, err error) {
		b.syncing = false
		if err != nil {
			b.logger.Error().Err(err).Str("segment", string(id)).Msg("Instrument sync failed")
			seg.ReportError(apperrors.Message(err), apperrors.KindOf(err))
		} else {
			b.logger.Info().Str("segment", string(id)).Dur("took", time.Since(started)).Msg("Instrument sync complete")
			seg.Refresh()
		}
		b.publish()
	})
	return nil
}

// SetSyncRecorder sets where sync outcomes are persisted.
func (b *Board) SetSyncRecorder(r SyncRecorder) {
	b.recorder = r
}

// Scale returns the active chart scale.
func (b *Board) Scale() string {
	return b.scale
}

// SetScale changes the chart scale and refreshes visible listings.
func (b *Board) SetScale(scale string) error {
	if !broker.ValidScale(scale) {
		return apperrors.NewValidationError("scale", scale, "Unknown chart scale")
	}
	if scale == b.scale {
		return nil
	}
	b.scale = scale
	for _, id := range b.active {
		if id.IsListing() {
			b.segments[id].Refresh()
		}
	}
	b.publish()
	return nil
}

// BreakerStats returns the state of every segment breaker.
func (b *Board) BreakerStats() []resilience.BreakerStats {
	return b.breakers.AllStats()
}

// View returns a snapshot of the board.
func (b *Board) View() BoardView {
	v := BoardView{
		Connected: b.env.gate.IsOpen(),
		Active:    b.Active(),
		Syncing:   b.syncing,
		Scale:     b.scale,
	}
	for _, id := range models.AllSegments {
		v.Segments = append(v.Segments, b.segments[id].View())
	}
	return v
}

func (b *Board) publish() {
	b.env.publisher.Publish(TopicBoard, "", BoardView{
		Connected: b.env.gate.IsOpen(),
		Active:    b.Active(),
		Syncing:   b.syncing,
		Scale:     b.scale,
	})
}
