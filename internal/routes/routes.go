// Package routes binds dashboard tabs to navigable locations and to the
// segments each tab shows.
package routes

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// Tab is a dashboard tab.
type Tab string

const (
	TabNifty50   Tab = "nifty50"
	TabBankNifty Tab = "banknifty"
	TabPositions Tab = "positions"
	TabHoldings  Tab = "holdings"
	TabOrders    Tab = "orders"
	TabFunds     Tab = "funds"
)

// DefaultTab is shown when nothing else is known.
const DefaultTab = TabNifty50

// Prefix is the location prefix every tab lives under.
const Prefix = "/dashboard"

// StateKey is the state store key the active tab is kept under.
const StateKey = "dashboard.tab"

// Tabs lists every tab in display order.
var Tabs = []Tab{TabNifty50, TabBankNifty, TabPositions, TabHoldings, TabOrders, TabFunds}

var tabSegments = map[Tab][]models.SegmentID{
	TabNifty50:   {models.SegmentNifty},
	TabBankNifty: {models.SegmentBankNifty},
	TabPositions: {models.SegmentPositions, models.SegmentMargins},
	TabHoldings:  {models.SegmentHoldings},
	TabOrders:    {models.SegmentOrders},
	TabFunds:     {models.SegmentMargins},
}

// Valid reports whether t is a known tab.
func (t Tab) Valid() bool {
	_, ok := tabSegments[t]
	return ok
}

// Path returns the location of t.
func (t Tab) Path() string {
	return Prefix + "/" + string(t)
}

// Segments returns the segments shown on t.
func (t Tab) Segments() []models.SegmentID {
	return append([]models.SegmentID(nil), tabSegments[t]...)
}

// Parse returns the tab named s, case-insensitively.
func Parse(s string) (Tab, error) {
	t := Tab(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", apperrors.NewValidationError("tab", s, "Unknown tab")
	}
	return t, nil
}

// Resolve parses a location such as "/dashboard/positions". The bare prefix
// resolves to DefaultTab.
func Resolve(path string) (Tab, error) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == Prefix || path == "" {
		return DefaultTab, nil
	}
	rest, ok := strings.CutPrefix(path, Prefix+"/")
	if !ok || strings.Contains(rest, "/") {
		return "", apperrors.NewValidationError("path", path, "Not a dashboard location")
	}
	return Parse(rest)
}

// TabFor returns the tab a segment is primarily shown on.
func TabFor(id models.SegmentID) (Tab, bool) {
	switch id {
	case models.SegmentNifty:
		return TabNifty50, true
	case models.SegmentBankNifty:
		return TabBankNifty, true
	case models.SegmentPositions:
		return TabPositions, true
	case models.SegmentHoldings:
		return TabHoldings, true
	case models.SegmentOrders:
		return TabOrders, true
	case models.SegmentMargins:
		return TabFunds, true
	}
	return "", false
}

// Activator makes a set of segments the visible ones.
type Activator interface {
	Activate(ids ...models.SegmentID) error
}

// ActivatorFunc adapts a function to Activator.
type ActivatorFunc func(ids ...models.SegmentID) error

// Activate implements Activator.
func (f ActivatorFunc) Activate(ids ...models.SegmentID) error { return f(ids...) }

// StateStore persists the active tab.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// Binder keeps the active tab, the visible segments and the stored location
// in step.
type Binder struct {
	activator Activator
	store     StateStore
	logger    zerolog.Logger

	mu      sync.Mutex
	current Tab
}

// NewBinder creates a binder. store may be nil, in which case nothing is
// remembered across restarts.
func NewBinder(activator Activator, store StateStore, logger zerolog.Logger) *Binder {
	return &Binder{
		activator: activator,
		store:     store,
		logger:    logger.With().Str("component", "routes").Logger(),
	}
}

// Current returns the active tab, or "" before the first navigation.
func (b *Binder) Current() Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Navigate makes tab active: its segments become the visible ones and the
// tab is remembered. A failure to persist is logged, not returned.
func (b *Binder) Navigate(ctx context.Context, tab Tab) error {
	if !tab.Valid() {
		return apperrors.NewValidationError("tab", tab, "Unknown tab")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.activator.Activate(tab.Segments()...); err != nil {
		return err
	}
	b.current = tab

	if b.store != nil {
		if err := b.store.SetState(ctx, StateKey, string(tab)); err != nil {
			b.logger.Warn().Err(err).Str("tab", string(tab)).Msg("Failed to remember tab")
		}
	}
	b.logger.Debug().Str("tab", string(tab)).Msg("Navigated")
	return nil
}

// NavigatePath resolves path and navigates to it.
func (b *Binder) NavigatePath(ctx context.Context, path string) (Tab, error) {
	tab, err := Resolve(path)
	if err != nil {
		return "", err
	}
	return tab, b.Navigate(ctx, tab)
}

// Restore navigates to the remembered tab, falling back to DefaultTab when
// nothing valid is stored.
func (b *Binder) Restore(ctx context.Context) (Tab, error) {
	tab := DefaultTab
	if b.store != nil {
		stored, ok, err := b.store.GetState(ctx, StateKey)
		switch {
		case err != nil:
			b.logger.Warn().Err(err).Msg("Failed to read remembered tab")
		case ok:
			if t, perr := Parse(stored); perr == nil {
				tab = t
			} else {
				b.logger.Debug().Str("stored", stored).Msg("Ignoring unknown remembered tab")
			}
		}
	}
	return tab, b.Navigate(ctx, tab)
}
