package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

var _ DataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Small key/value UI state (active tab, chart scale)
	CREATE TABLE IF NOT EXISTS ui_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Order journal: one row per submission attempt and per observed status
	CREATE TABLE IF NOT EXISTS order_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		event TEXT NOT NULL,
		order_id TEXT,
		symbol TEXT,
		side TEXT,
		order_type TEXT,
		variety TEXT,
		quantity INTEGER,
		filled_quantity INTEGER,
		price TEXT,
		status TEXT,
		message TEXT,
		created_at DATETIME NOT NULL
	);

	-- Every instrument sync run
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		segment TEXT NOT NULL,
		synced_at DATETIME NOT NULL,
		error TEXT
	);

	-- Last successful sync per segment
	CREATE TABLE IF NOT EXISTS sync_status (
		segment TEXT PRIMARY KEY,
		last_sync DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_workflow ON order_journal(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_journal_order ON order_journal(order_id);
	CREATE INDEX IF NOT EXISTS idx_journal_created ON order_journal(created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_segment ON sync_log(segment, synced_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetState returns the value stored under key.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ui_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get state %q: %w", key, err)
	}
	return value, true, nil
}

// SetState stores value under key.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ui_state (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set state %q: %w", key, err)
	}
	return nil
}

// RecordSubmission journals a placement attempt. A non-nil submitErr is
// recorded as a rejection with its human message.
func (s *SQLiteStore) RecordSubmission(ctx context.Context, workflowID string, req models.OrderRequest, result models.OrderResult, submitErr error) error {
	entry := JournalEntry{
		WorkflowID:    workflowID,
		Event:         EventSubmitted,
		OrderID:       result.OrderID,
		TradingSymbol: req.TradingSymbol,
		Side:          req.TransactionType,
		OrderType:     req.OrderType,
		Variety:       req.Variety,
		Quantity:      req.Quantity,
		Price:         req.Price,
		At:            time.Now().UTC(),
	}
	if submitErr != nil {
		entry.Event = EventRejected
		entry.Message = apperrors.Message(submitErr)
	}
	return s.insertEntry(ctx, entry)
}

// RecordStatus journals one observed order status.
func (s *SQLiteStore) RecordStatus(ctx context.Context, workflowID string, rec models.OrderStatusRecord) error {
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	entry := JournalEntry{
		WorkflowID:     workflowID,
		Event:          EventStatus,
		OrderID:        rec.OrderID,
		TradingSymbol:  rec.TradingSymbol,
		Side:           rec.TransactionType,
		OrderType:      rec.OrderType,
		Quantity:       rec.Quantity,
		FilledQuantity: rec.FilledQuantity,
		Status:         rec.Status,
		Message:        rec.StatusMessage,
		At:             at.UTC(),
	}
	if !rec.AveragePrice.IsZero() {
		entry.Price.Decimal = rec.AveragePrice
		entry.Price.Valid = true
	}
	return s.insertEntry(ctx, entry)
}

func (s *SQLiteStore) insertEntry(ctx context.Context, e JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_journal (
			workflow_id, event, order_id, symbol, side, order_type, variety,
			quantity, filled_quantity, price, status, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.WorkflowID, string(e.Event), e.OrderID, e.TradingSymbol, string(e.Side),
		string(e.OrderType), string(e.Variety), e.Quantity, e.FilledQuantity,
		e.Price, string(e.Status), e.Message, e.At,
	)
	if err != nil {
		return fmt.Errorf("failed to journal %s for %s: %w", e.Event, e.WorkflowID, err)
	}
	return nil
}

// ListJournal returns journal entries matching filter, newest first.
func (s *SQLiteStore) ListJournal(ctx context.Context, filter JournalFilter) ([]JournalEntry, error) {
	query := `
		SELECT id, workflow_id, event, order_id, symbol, side, order_type, variety,
			quantity, filled_quantity, price, status, message, created_at
		FROM order_journal
	`
	var conditions []string
	var args []interface{}

	if filter.WorkflowID != "" {
		conditions = append(conditions, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.OrderID != "" {
		conditions = append(conditions, "order_id = ?")
		args = append(args, filter.OrderID)
	}
	if filter.Symbol != "" {
		conditions = append(conditions, "symbol = ?")
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var event, orderID, symbol, side, orderType, variety, status, message sql.NullString
		var qty, filled sql.NullInt64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &event, &orderID, &symbol, &side, &orderType,
			&variety, &qty, &filled, &e.Price, &status, &message, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Event = JournalEvent(event.String)
		e.OrderID = orderID.String
		e.TradingSymbol = symbol.String
		e.Side = models.OrderSide(side.String)
		e.OrderType = models.OrderType(orderType.String)
		e.Variety = models.Variety(variety.String)
		e.Quantity = int(qty.Int64)
		e.FilledQuantity = int(filled.Int64)
		e.Status = models.OrderStatus(status.String)
		e.Message = message.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordSync logs a sync run and, when it succeeded, advances the segment's
// last sync time.
func (s *SQLiteStore) RecordSync(ctx context.Context, segment string, at time.Time, syncErr error) error {
	var msg sql.NullString
	if syncErr != nil {
		msg = sql.NullString{String: apperrors.Message(syncErr), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (segment, synced_at, error) VALUES (?, ?, ?)
	`, segment, at.UTC(), msg)
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	if syncErr != nil {
		return nil
	}
	return s.SetLastSync(segment, at)
}

// SyncHistory returns the most recent sync runs for segment, newest first.
// An empty segment returns runs for every segment.
func (s *SQLiteStore) SyncHistory(ctx context.Context, segment string, limit int) ([]SyncRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT segment, synced_at, error FROM sync_log`
	var args []interface{}
	if segment != "" {
		query += ` WHERE segment = ?`
		args = append(args, segment)
	}
	query += fmt.Sprintf(` ORDER BY synced_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var out []SyncRecord
	for rows.Next() {
		var r SyncRecord
		var msg sql.NullString
		if err := rows.Scan(&r.Segment, &r.At, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLastSync returns the last successful sync time for a segment.
func (s *SQLiteStore) GetLastSync(segment string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[segment]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync time.Time
	err := s.db.QueryRow(`
		SELECT last_sync FROM sync_status WHERE segment = ?
	`, segment).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.syncTimes[segment] = lastSync
	s.mu.Unlock()

	return lastSync
}

// SetLastSync sets the last successful sync time for a segment.
func (s *SQLiteStore) SetLastSync(segment string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sync_status (segment, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, segment, t.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[segment] = t
	s.mu.Unlock()

	return nil
}
