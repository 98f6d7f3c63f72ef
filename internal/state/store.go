// Package state persists per-integration processing records so repeated
// sessions skip recently handled integrations. One sqlite file, single
// writer, concurrent readers.
package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/catherinevee/integraudit/internal/apperrors"
	"github.com/catherinevee/integraudit/internal/logger"
)

// ResetConfirmation is the literal a caller must supply to wipe the store.
const ResetConfirmation = "RESET"

// Record is one (operator, integration) processing entry.
type Record struct {
	OperatorID      string    `json:"operatorId"`
	IntegrationID   string    `json:"integrationId"`
	LastProcessedAt time.Time `json:"lastProcessedAt"`
	ResultHash      string    `json:"resultHash,omitempty"`
	Status          string    `json:"status"`
	EventCount      int       `json:"eventCount"`
	ActionCount     int       `json:"actionCount"`
}

// Stats summarizes the store contents.
type Stats struct {
	TotalRecords int            `json:"totalRecords"`
	ByStatus     map[string]int `json:"byStatus"`
	Operators    int            `json:"operators"`
	Oldest       time.Time      `json:"oldest,omitempty"`
	Newest       time.Time      `json:"newest,omitempty"`
}

// Store wraps the sqlite connection. Writes are serialized behind one
// mutex; sqlite WAL keeps readers unblocked.
type Store struct {
	conn  *sql.DB
	mu    sync.Mutex
	nowFn func() time.Time
	log   logger.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS processing_state (
	operator_id       TEXT NOT NULL,
	integration_id    TEXT NOT NULL,
	last_processed_at TIMESTAMP NOT NULL,
	result_hash       TEXT,
	status            TEXT NOT NULL,
	event_count       INTEGER DEFAULT 0,
	action_count      INTEGER DEFAULT 0,
	PRIMARY KEY (operator_id, integration_id)
);
CREATE INDEX IF NOT EXISTS idx_processing_state_last ON processing_state(last_processed_at);
CREATE INDEX IF NOT EXISTS idx_processing_state_status ON processing_state(status);
`

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}

	return &Store{conn: conn, nowFn: time.Now, log: logger.New("state")}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.conn.Close() }

// ShouldReprocess reports whether an integration needs processing again: no
// prior record, a failed prior run, a record older than maxAgeHours, or an
// explicit force.
func (s *Store) ShouldReprocess(ctx context.Context, integrationID, operatorID string,
	maxAgeHours int, force bool) (bool, error) {

	if force {
		return true, nil
	}

	var lastProcessed time.Time
	var status string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_processed_at, status FROM processing_state
		 WHERE operator_id = ? AND integration_id = ?`,
		operatorID, integrationID).Scan(&lastProcessed, &status)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying processing state: %w", err)
	}

	if status == "failed" {
		return true, nil
	}
	if maxAgeHours <= 0 {
		return false, nil
	}
	return s.nowFn().Sub(lastProcessed) > time.Duration(maxAgeHours)*time.Hour, nil
}

// Record upserts the processing entry for one integration.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.LastProcessedAt.IsZero() {
		rec.LastProcessedAt = s.nowFn().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO processing_state
		 (operator_id, integration_id, last_processed_at, result_hash, status, event_count, action_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(operator_id, integration_id) DO UPDATE SET
		   last_processed_at = excluded.last_processed_at,
		   result_hash       = excluded.result_hash,
		   status            = excluded.status,
		   event_count       = excluded.event_count,
		   action_count      = excluded.action_count`,
		rec.OperatorID, rec.IntegrationID, rec.LastProcessedAt,
		rec.ResultHash, rec.Status, rec.EventCount, rec.ActionCount)
	if err != nil {
		return fmt.Errorf("recording processing state: %w", err)
	}
	return nil
}

// GetProcessingStats aggregates the store contents.
func (s *Store) GetProcessingStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[string]int)}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM processing_state GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("querying state stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scanning state stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalRecords += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("reading state stats: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT operator_id) FROM processing_state`).Scan(&stats.Operators); err != nil {
		return stats, fmt.Errorf("counting operators: %w", err)
	}

	// Aggregates over a TIMESTAMP column lose the declared type, so the
	// driver would hand back strings; select the column directly instead.
	if stats.TotalRecords > 0 {
		if err := s.conn.QueryRowContext(ctx,
			`SELECT last_processed_at FROM processing_state ORDER BY last_processed_at ASC LIMIT 1`).
			Scan(&stats.Oldest); err != nil {
			return stats, fmt.Errorf("reading oldest state record: %w", err)
		}
		if err := s.conn.QueryRowContext(ctx,
			`SELECT last_processed_at FROM processing_state ORDER BY last_processed_at DESC LIMIT 1`).
			Scan(&stats.Newest); err != nil {
			return stats, fmt.Errorf("reading newest state record: %w", err)
		}
	}
	return stats, nil
}

// Cleanup deletes records older than the cutoff and returns how many went.
func (s *Store) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, apperrors.New(apperrors.KindState, apperrors.SeverityMedium,
			"cleanup requires a positive age in days")
	}
	cutoff := s.nowFn().UTC().AddDate(0, 0, -olderThanDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM processing_state WHERE last_processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up processing state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("state cleanup removed records", logger.Int64("removed", n))
	}
	return n, nil
}

// ExportState serializes every record as JSON.
func (s *Store) ExportState(ctx context.Context) ([]byte, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT operator_id, integration_id, last_processed_at, result_hash, status, event_count, action_count
		 FROM processing_state ORDER BY operator_id, integration_id`)
	if err != nil {
		return nil, fmt.Errorf("exporting state: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var hash sql.NullString
		if err := rows.Scan(&rec.OperatorID, &rec.IntegrationID, &rec.LastProcessedAt,
			&hash, &rec.Status, &rec.EventCount, &rec.ActionCount); err != nil {
			return nil, fmt.Errorf("scanning state record: %w", err)
		}
		rec.ResultHash = hash.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading state records: %w", err)
	}
	return json.MarshalIndent(records, "", "  ")
}

// ImportState merges exported records into the store.
func (s *Store) ImportState(ctx context.Context, data []byte) (int, error) {
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, apperrors.Wrap(apperrors.KindState, apperrors.SeverityHigh,
			"parsing state import", err)
	}
	for _, rec := range records {
		if rec.OperatorID == "" || rec.IntegrationID == "" {
			return 0, apperrors.New(apperrors.KindState, apperrors.SeverityHigh,
				"state import record missing operator or integration id")
		}
	}
	for _, rec := range records {
		if err := s.Record(ctx, rec); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}

// Reset wipes the store. The caller must pass ResetConfirmation verbatim.
func (s *Store) Reset(ctx context.Context, confirm string) error {
	if confirm != ResetConfirmation {
		return apperrors.New(apperrors.KindState, apperrors.SeverityHigh,
			fmt.Sprintf("reset requires the confirmation string %q", ResetConfirmation))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM processing_state`); err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}
	s.log.Warn("state store reset")
	return nil
}

// HashResult produces a stable content hash for de-duplication.
func HashResult(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
