// Package segment keeps each independently paginated market or account view
// in step with the broker. Every segment shares one Synchronizer
// implementation parameterized by a Descriptor, so the breaker and gating
// rules are identical across segments.
//
// All methods are loop-owned: they must run on the event loop.
package segment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/gate"
	"wysetrade-desk/internal/logging"
	"wysetrade-desk/internal/loop"
	"wysetrade-desk/internal/models"
	"wysetrade-desk/internal/query"
	"wysetrade-desk/internal/resilience"
)

// ConnectPrompt is the error a gated segment shows while the broker is not
// connected.
const ConnectPrompt = "connect to continue"

// TopicSegment is the hub topic segment views are published on.
const TopicSegment = "segment"

// Publisher receives state snapshots for presentation.
type Publisher interface {
	Publish(topic, key string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, any) {}

// FetchFunc loads one page of a segment.
type FetchFunc[R any] func(ctx context.Context, req models.ListRequest) (models.Page[R], error)

// Descriptor defines a segment: what it fetches, how often, and whether the
// connection gate applies.
type Descriptor[R any] struct {
	ID       models.SegmentID
	Interval time.Duration
	Gated    bool
	Fetch    FetchFunc[R]
	// Fixed adds filters that are not part of the user's query, such as the
	// active chart scale.
	Fixed func(req *models.ListRequest)
}

// env is what every synchronizer on a board shares.
type env struct {
	ctx       context.Context
	loop      *loop.Loop
	gate      *gate.Gate
	publisher Publisher
	logger    zerolog.Logger
	timeout   time.Duration
}

// Segment is the type-erased view of a Synchronizer the board works with.
type Segment interface {
	ID() models.SegmentID
	Interval() time.Duration
	Refresh()
	DismissError()
	SetQuery(p query.Patch) error
	Query() query.Query
	ReportError(msg string, kind apperrors.Kind)
	ResetBreaker()
	Blocked() bool
	View() View
	Stats() Stats
}

// View is a snapshot of a segment for presentation.
type View struct {
	ID        models.SegmentID `json:"id"`
	Rows      any              `json:"rows"`
	Total     int              `json:"total"`
	Query     query.View       `json:"query"`
	Window    query.Window     `json:"window"`
	Label     string           `json:"label"`
	Error     string           `json:"error,omitempty"`
	ErrorKind apperrors.Kind   `json:"error_kind,omitempty"`
	Blocked   bool             `json:"blocked"`
	Loading   bool             `json:"loading"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

// Stats holds per-segment counters.
type Stats struct {
	Fetches   int64                   `json:"fetches"`
	Discarded int64                   `json:"discarded"`
	Breaker   resilience.BreakerStats `json:"breaker"`
}

// Synchronizer holds one segment's rows, query and error state.
type Synchronizer[R any] struct {
	desc    Descriptor[R]
	env     *env
	breaker *resilience.Breaker
	logger  zerolog.Logger

	query     query.Query
	rows      []R
	total     int
	errMsg    string
	errKind   apperrors.Kind
	inflight  int
	updatedAt time.Time

	fetches   int64
	discarded int64
}

func newSynchronizer[R any](desc Descriptor[R], e *env, breaker *resilience.Breaker) *Synchronizer[R] {
	return &Synchronizer[R]{
		desc:    desc,
		env:     e,
		breaker: breaker,
		logger:  logging.WithSegment(e.logger, string(desc.ID)),
		query:   query.Default(),
		rows:    []R{},
	}
}

// ID returns the segment identifier.
func (s *Synchronizer[R]) ID() models.SegmentID { return s.desc.ID }

// Interval returns the poll interval while the segment is active.
func (s *Synchronizer[R]) Interval() time.Duration { return s.desc.Interval }

// Query returns the current query.
func (s *Synchronizer[R]) Query() query.Query { return s.query }

// Rows returns the current row set.
func (s *Synchronizer[R]) Rows() []R { return s.rows }

// Total returns the unpaginated row count of the last successful fetch.
func (s *Synchronizer[R]) Total() int { return s.total }

// ErrorMessage returns the message in the segment's error slot.
func (s *Synchronizer[R]) ErrorMessage() string { return s.errMsg }

// Blocked reports whether the breaker is suppressing fetches.
func (s *Synchronizer[R]) Blocked() bool { return s.breaker.IsOpen() }

// Refresh fetches the segment unless the gate is closed or the breaker is
// open. The result replaces the row set wholesale.
func (s *Synchronizer[R]) Refresh() {
	if s.desc.Gated && !s.env.gate.IsOpen() {
		s.rows = []R{}
		s.total = 0
		s.errMsg = ConnectPrompt
		s.errKind = apperrors.KindUnauthorized
		s.breaker.Trip("disconnected")
		s.publish()
		return
	}
	if !s.breaker.Allow() {
		s.logger.Debug().Msg("Refresh suppressed by open breaker")
		return
	}

	req := s.query.Request()
	if s.desc.Fixed != nil {
		s.desc.Fixed(&req)
	}
	epoch := s.env.gate.Epoch()
	s.inflight++
	s.fetches++
	if s.inflight == 1 {
		s.publish()
	}

	fetch := s.desc.Fetch
	timeout := s.env.timeout
	loop.Go(s.env.loop, s.env.ctx, func(ctx context.Context) (models.Page[R], error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fetch(ctx, req)
	}, func(page models.Page[R], err error) {
		s.inflight--
		if s.desc.Gated && epoch != s.env.gate.Epoch() {
			s.discarded++
			s.logger.Debug().Uint64("epoch", epoch).Msg("Dropping result from previous connection")
			return
		}
		s.apply(page, err)
	})
}

func (s *Synchronizer[R]) apply(page models.Page[R], err error) {
	s.updatedAt = time.Now()
	s.breaker.Record(err)
	if err == nil {
		s.rows = page.Rows
		if s.rows == nil {
			s.rows = []R{}
		}
		s.total = page.Total
		s.errMsg = ""
		s.errKind = apperrors.KindNone
		s.publish()
		return
	}

	s.rows = []R{}
	s.total = 0
	s.errMsg = apperrors.Message(err)
	s.errKind = apperrors.KindOf(err)
	if s.errKind == apperrors.KindUnauthorized {
		s.logger.Warn().Err(err).Msg("Segment unauthorized, polling suspended")
	} else {
		s.logger.Error().Err(err).Msg("Segment refresh failed")
	}
	s.publish()
}

// DismissError clears the error, unblocks the segment and refreshes once.
func (s *Synchronizer[R]) DismissError() {
	s.errMsg = ""
	s.errKind = apperrors.KindNone
	s.breaker.Reset()
	s.Refresh()
}

// SetQuery applies a query patch. It does not refresh; the board decides
// whether the segment is visible.
func (s *Synchronizer[R]) SetQuery(p query.Patch) error {
	q, err := s.query.Apply(p)
	if err != nil {
		return err
	}
	s.query = q
	s.publish()
	return nil
}

// ReportError puts msg in the error slot without touching rows or breaker.
func (s *Synchronizer[R]) ReportError(msg string, kind apperrors.Kind) {
	s.errMsg = msg
	s.errKind = kind
	s.publish()
}

// ResetBreaker closes the breaker without refreshing.
func (s *Synchronizer[R]) ResetBreaker() {
	s.breaker.Reset()
}

// View returns a snapshot of the segment.
func (s *Synchronizer[R]) View() View {
	rows := make([]R, len(s.rows))
	copy(rows, s.rows)
	w := s.query.Window(s.total)
	return View{
		ID:        s.desc.ID,
		Rows:      rows,
		Total:     s.total,
		Query:     s.query.View(),
		Window:    w,
		Label:     w.Label(),
		Error:     s.errMsg,
		ErrorKind: s.errKind,
		Blocked:   s.breaker.IsOpen(),
		Loading:   s.inflight > 0,
		UpdatedAt: s.updatedAt,
	}
}

// Stats returns the segment's counters.
func (s *Synchronizer[R]) Stats() Stats {
	return Stats{
		Fetches:   s.fetches,
		Discarded: s.discarded,
		Breaker:   s.breaker.Stats(),
	}
}

func (s *Synchronizer[R]) publish() {
	s.env.publisher.Publish(TopicSegment, string(s.desc.ID), s.View())
}
