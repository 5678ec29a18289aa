// Package gate owns the process-wide "brokerage link established" flag.
package gate

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	apperrors "wysetrade-desk/internal/errors"
)

// LoginURLSource returns the broker login page to send the user to.
type LoginURLSource interface {
	GetBrokerLoginURL(ctx context.Context) (string, error)
}

// Opener hands a URL to whatever can show it to the user.
type Opener interface {
	Open(url string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(url string) error

// Open calls f(url).
func (f OpenerFunc) Open(url string) error { return f(url) }

// Change describes a gate transition. Epoch increases on every transition, so
// work tagged with an older epoch belongs to a previous connection.
type Change struct {
	Open  bool
	Epoch uint64
}

// Gate holds the connected flag and notifies listeners when it flips.
type Gate struct {
	source LoginURLSource
	opener Opener
	logger zerolog.Logger

	mu         sync.Mutex
	open       bool
	epoch      uint64
	listeners  map[int]func(Change)
	nextID     int
	connecting atomic.Bool
}

// New creates a closed gate.
func New(source LoginURLSource, opener Opener, logger zerolog.Logger) *Gate {
	if opener == nil {
		opener = BrowserOpener{}
	}
	return &Gate{
		source:    source,
		opener:    opener,
		logger:    logger.With().Str("component", "gate").Logger(),
		listeners: make(map[int]func(Change)),
	}
}

// IsOpen reports whether the broker session is established.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Epoch returns the current transition count.
func (g *Gate) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Open marks the session as established. It reports whether the flag changed.
func (g *Gate) Open() bool {
	return g.set(true)
}

// Close marks the session as gone. It reports whether the flag changed.
func (g *Gate) Close() bool {
	return g.set(false)
}

func (g *Gate) set(open bool) bool {
	g.mu.Lock()
	if g.open == open {
		g.mu.Unlock()
		return false
	}
	g.open = open
	g.epoch++
	change := Change{Open: open, Epoch: g.epoch}
	listeners := make([]func(Change), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()

	g.logger.Info().Bool("open", open).Uint64("epoch", change.Epoch).Msg("Connection state changed")
	for _, fn := range listeners {
		fn(change)
	}
	return true
}

// Subscribe registers fn for future transitions. Listeners run on the
// goroutine that flipped the gate and must not block.
func (g *Gate) Subscribe(fn func(Change)) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Connecting reports whether a connect request is in flight.
func (g *Gate) Connecting() bool {
	return g.connecting.Load()
}

// RequestConnect fetches the login URL and hands it to the opener. It does
// not open the gate; that happens when the login callback completes.
func (g *Gate) RequestConnect(ctx context.Context) (string, error) {
	if !g.connecting.CompareAndSwap(false, true) {
		return "", apperrors.ErrConnectInProgress
	}
	defer g.connecting.Store(false)

	url, err := g.source.GetBrokerLoginURL(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to get login URL")
		return "", apperrors.Wrap(err, "failed to get login URL")
	}
	if url == "" {
		return "", fmt.Errorf("broker returned an empty login URL")
	}
	if err := g.opener.Open(url); err != nil {
		g.logger.Warn().Err(err).Str("url", url).Msg("Could not open login URL")
	}
	return url, nil
}

// BrowserOpener opens URLs in the system browser.
type BrowserOpener struct{}

// Open launches the platform's URL handler.
func (BrowserOpener) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
