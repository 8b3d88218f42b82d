package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

// SQLiteStore keeps interaction records in a local SQLite database, for
// single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and applies the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; this also keeps shared in-memory databases alive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an already open handle. The schema is left
// to the caller.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureSchema applies schema_sqlite.sql. Safe to run multiple times.
func (s *SQLiteStore) EnsureSchema() error {
	_, err := s.db.Exec(schemaSQLite)
	return err
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// InsertInteraction implements Store.
func (s *SQLiteStore) InsertInteraction(ctx context.Context, tenantID, sessionID string, rec correlator.Record) (bool, error) {
	if tenantID == "" || rec.ID == "" || rec.Type == "" {
		return false, errors.New("tenantID/record id/type required")
	}

	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return false, fmt.Errorf("encode resources: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions(tenant_id, record_id, session_id, type, url, page_url,
		                         start_ms, end_ms, duration_ms, timed_out, resources)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (tenant_id, record_id) DO NOTHING
	`, tenantID, string(rec.ID), sessionID, string(rec.Type), rec.URL, rec.PageURL,
		rec.Start.UnixMilli(), rec.End.UnixMilli(), rec.DurationMS, rec.TimedOut, string(resources))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListInteractions implements Store.
func (s *SQLiteStore) ListInteractions(ctx context.Context, tenantID string, q Query) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, record_id, type, url, page_url, start_ms, end_ms,
		       duration_ms, timed_out, resources
		FROM interactions
		WHERE tenant_id = ?
		  AND (? = '' OR type = ?)
		  AND start_ms >= ?
		  AND start_ms <  ?
		ORDER BY start_ms, record_id
		LIMIT ?
	`, tenantID, q.Type, q.Type, q.From.UnixMilli(), q.To.UnixMilli(), q.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			it             = Interaction{TenantID: tenantID}
			id, typ, res   string
			startMS, endMS int64
		)
		if err := rows.Scan(&it.SessionID, &id, &typ, &it.Record.URL, &it.Record.PageURL,
			&startMS, &endMS, &it.Record.DurationMS, &it.Record.TimedOut, &res); err != nil {
			return nil, err
		}
		it.Record.ID = correlator.EventID(id)
		it.Record.Type = correlator.RecordType(typ)
		it.Record.Start = time.UnixMilli(startMS).UTC()
		it.Record.End = time.UnixMilli(endMS).UTC()
		if err := json.Unmarshal([]byte(res), &it.Record.Resources); err != nil {
			return nil, fmt.Errorf("decode resources of %s: %w", id, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// InteractionStats implements Store.
func (s *SQLiteStore) InteractionStats(ctx context.Context, tenantID, recordType string, from, to time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(timed_out), 0),
		       COALESCE(AVG(duration_ms), 0.0)
		FROM interactions
		WHERE tenant_id = ?
		  AND type = ?
		  AND start_ms >= ?
		  AND start_ms <  ?
	`, tenantID, recordType, from.UnixMilli(), to.UnixMilli()).Scan(&st.Count, &st.TimedOut, &st.MeanDuration)

	return st, err
}
