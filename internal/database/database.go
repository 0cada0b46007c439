package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vmihailenco/msgpack/v5"

	"ping-upload-coordinator/internal/models"
)

// Outcomes recorded when a ping leaves the queue
const (
	OutcomeUploaded = "uploaded"
	OutcomeDropped  = "dropped"
)

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB
}

// New creates a new database connection. SQLite serializes writers, so
// the pool is kept to a single connection.
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_pings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL UNIQUE,
		ping_name TEXT NOT NULL,
		path TEXT NOT NULL,
		body BLOB NOT NULL,
		body_size INTEGER NOT NULL,
		headers BLOB,
		capabilities BLOB,
		in_flight INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_in_flight ON pending_pings(in_flight);
	CREATE INDEX IF NOT EXISTS idx_pending_ping_name ON pending_pings(ping_name);

	CREATE TABLE IF NOT EXISTS upload_totals (
		outcome TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS counters (
		ping_name TEXT NOT NULL,
		name TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (ping_name, name)
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertPing queues a ping for upload
func (db *DB) InsertPing(ctx context.Context, req models.PingRequest, createdAt time.Time) error {
	return db.QueuePing(ctx, req, createdAt, nil)
}

// QueuePing inserts a ping and subtracts the counters it carries in one
// transaction. Either both happen or neither does.
func (db *DB) QueuePing(ctx context.Context, req models.PingRequest, createdAt time.Time, counters map[string]int64) error {
	headers, err := msgpack.Marshal(req.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	capabilities, err := msgpack.Marshal(req.UploaderCapabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO pending_pings (document_id, ping_name, path, body, body_size, headers, capabilities, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, req.DocumentID, req.PingName, req.Path, req.Body, len(req.Body), headers, capabilities, createdAt); err != nil {
		return err
	}

	for name, value := range counters {
		if _, err := tx.ExecContext(ctx,
			"UPDATE counters SET value = value - ? WHERE ping_name = ? AND name = ?",
			value, req.PingName, name,
		); err != nil {
			return fmt.Errorf("consume counter %s: %w", name, err)
		}
	}
	if len(counters) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM counters WHERE ping_name = ? AND value <= 0", req.PingName,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// HasQueuedPings reports whether a ping is waiting that is not in flight
func (db *DB) HasQueuedPings(ctx context.Context) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pending_pings WHERE in_flight = 0)",
	).Scan(&exists)
	return exists == 1, err
}

// LeasePing atomically marks the oldest queued ping as in flight and
// returns it. It returns nil when nothing is queued.
func (db *DB) LeasePing(ctx context.Context) (*models.PingRequest, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var req models.PingRequest
	var headers, capabilities []byte

	err = tx.QueryRowContext(ctx, `
		SELECT document_id, ping_name, path, body, headers, capabilities
		FROM pending_pings
		WHERE in_flight = 0
		ORDER BY id ASC
		LIMIT 1
	`).Scan(&req.DocumentID, &req.PingName, &req.Path, &req.Body, &headers, &capabilities)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx,
		"UPDATE pending_pings SET in_flight = 1 WHERE document_id = ?", req.DocumentID,
	); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := msgpack.Unmarshal(headers, &req.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", req.DocumentID, err)
		}
	}
	if len(capabilities) > 0 {
		if err := msgpack.Unmarshal(capabilities, &req.UploaderCapabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities of %s: %w", req.DocumentID, err)
		}
	}

	return &req, nil
}

// DeletePing removes a ping from the queue and counts the outcome
func (db *DB) DeletePing(ctx context.Context, documentID, outcome string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM pending_pings WHERE document_id = ?", documentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := bumpTotal(ctx, tx, outcome, n); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReleasePing puts an in-flight ping back into the queue
func (db *DB) ReleasePing(ctx context.Context, documentID string) error {
	_, err := db.ExecContext(ctx,
		"UPDATE pending_pings SET in_flight = 0 WHERE document_id = ?", documentID)
	return err
}

// ResetInFlight releases every lease. Leases never survive a restart.
func (db *DB) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, "UPDATE pending_pings SET in_flight = 0 WHERE in_flight = 1")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearPendingPings drops every queued ping except those named keep
func (db *DB) ClearPendingPings(ctx context.Context, keep string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM pending_pings WHERE ping_name != ?", keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := bumpTotal(ctx, tx, OutcomeDropped, n); err != nil {
			return 0, err
		}
	}

	return n, tx.Commit()
}

// EnforceQuota deletes the oldest pings until the queued bodies fit in
// maxBytes. Deletion-request pings are never evicted.
func (db *DB) EnforceQuota(ctx context.Context, maxBytes int64) (int64, error) {
	if maxBytes <= 0 {
		return 0, nil
	}

	var total int64
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(body_size), 0) FROM pending_pings",
	).Scan(&total); err != nil {
		return 0, err
	}
	if total <= maxBytes {
		return 0, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT document_id, body_size FROM pending_pings
		WHERE ping_name != ?
		ORDER BY id ASC
	`, models.DeletionRequestPing)
	if err != nil {
		return 0, err
	}

	var victims []string
	for rows.Next() && total > maxBytes {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, id)
		total -= size
	}
	rows.Close()

	for _, id := range victims {
		if err := db.DeletePing(ctx, id, OutcomeDropped); err != nil {
			return 0, err
		}
	}
	return int64(len(victims)), nil
}

// ListPending returns queued pings, oldest first
func (db *DB) ListPending(ctx context.Context, limit int) ([]models.PendingPing, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT document_id, ping_name, path, body_size, in_flight, created_at
		FROM pending_pings ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pings := []models.PendingPing{}
	for rows.Next() {
		var p models.PendingPing
		if err := rows.Scan(&p.DocumentID, &p.PingName, &p.Path, &p.BodySize, &p.InFlight, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending ping: %w", err)
		}
		pings = append(pings, p)
	}
	return pings, rows.Err()
}

// GetQueueStats retrieves queue metrics
func (db *DB) GetQueueStats(ctx context.Context) (*models.QueueStats, error) {
	var stats models.QueueStats

	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(body_size), 0) FROM pending_pings",
	).Scan(&stats.PendingPings, &stats.PendingBytes); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_pings WHERE in_flight = 1",
	).Scan(&stats.InFlightPings); err != nil {
		return nil, fmt.Errorf("count in-flight pings: %w", err)
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(CASE WHEN outcome = ? THEN count END), 0), COALESCE(SUM(CASE WHEN outcome = ? THEN count END), 0) FROM upload_totals",
		OutcomeUploaded, OutcomeDropped,
	).Scan(&stats.Uploaded, &stats.Dropped); err != nil {
		return nil, fmt.Errorf("read upload totals: %w", err)
	}

	return &stats, nil
}

// AddToCounter adds amount to a counter stored for a ping
func (db *DB) AddToCounter(ctx context.Context, ping, name string, amount int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO counters (ping_name, name, value) VALUES (?, ?, ?)
		ON CONFLICT(ping_name, name) DO UPDATE SET value = value + excluded.value
	`, ping, name, amount)
	return err
}

// Counters returns the counters stored for a ping. They stay stored
// until QueuePing consumes them.
func (db *DB) Counters(ctx context.Context, ping string) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, value FROM counters WHERE ping_name = ? AND value > 0", ping)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		counters[name] = value
	}
	return counters, rows.Err()
}

// ClearCounters drops every stored counter
func (db *DB) ClearCounters(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "DELETE FROM counters")
	return err
}

// GetString implements kvstore.Store
func (db *DB) GetString(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// SetString implements kvstore.Store
func (db *DB) SetString(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return err
}

// Helper functions

func bumpTotal(ctx context.Context, tx *sql.Tx, outcome string, n int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO upload_totals (outcome, count) VALUES (?, ?)
		ON CONFLICT(outcome) DO UPDATE SET count = count + excluded.count
	`, outcome, n)
	return err
}
