// Package store provides local persistence for the desk: UI state, the order
// journal and instrument sync history.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"wysetrade-desk/internal/models"
)

// DataStore defines the interface for local persistence.
type DataStore interface {
	StateStore
	JournalStore
	SyncLog

	Close() error
}

// StateStore keeps small key/value UI state such as the active tab.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

// JournalStore records every submitted order and each status observed for it.
type JournalStore interface {
	RecordSubmission(ctx context.Context, workflowID string, req models.OrderRequest, result models.OrderResult, submitErr error) error
	RecordStatus(ctx context.Context, workflowID string, rec models.OrderStatusRecord) error
	ListJournal(ctx context.Context, filter JournalFilter) ([]JournalEntry, error)
}

// SyncLog records instrument sync runs.
type SyncLog interface {
	RecordSync(ctx context.Context, segment string, at time.Time, syncErr error) error
	GetLastSync(segment string) time.Time
	SetLastSync(segment string, t time.Time) error
	SyncHistory(ctx context.Context, segment string, limit int) ([]SyncRecord, error)
}

// JournalEvent is the kind of a journal entry.
type JournalEvent string

const (
	EventSubmitted JournalEvent = "submitted"
	EventRejected  JournalEvent = "rejected"
	EventStatus    JournalEvent = "status"
)

// JournalEntry is one row of the order journal.
type JournalEntry struct {
	ID             int64               `json:"id"`
	WorkflowID     string              `json:"workflow_id"`
	Event          JournalEvent        `json:"event"`
	OrderID        string              `json:"order_id,omitempty"`
	TradingSymbol  string              `json:"tradingsymbol,omitempty"`
	Side           models.OrderSide    `json:"transaction_type,omitempty"`
	OrderType      models.OrderType    `json:"order_type,omitempty"`
	Variety        models.Variety      `json:"variety,omitempty"`
	Quantity       int                 `json:"quantity,omitempty"`
	FilledQuantity int                 `json:"filled_quantity,omitempty"`
	Price          decimal.NullDecimal `json:"price"`
	Status         models.OrderStatus  `json:"status,omitempty"`
	Message        string              `json:"message,omitempty"`
	At             time.Time           `json:"at"`
}

// JournalFilter narrows ListJournal. Zero values match everything.
type JournalFilter struct {
	WorkflowID string
	OrderID    string
	Symbol     string
	Since      time.Time
	Limit      int
}

// SyncRecord is one instrument sync run.
type SyncRecord struct {
	Segment string    `json:"segment"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// OK reports whether the sync succeeded.
func (r SyncRecord) OK() bool {
	return r.Error == ""
}
