package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable persistence layer for interaction records.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema() error {
	_, err := p.pool.Exec(context.Background(), schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// InsertInteraction persists a record and returns inserted=false when it is a duplicate.
//
// Duplicate detection is enforced by the primary key on (tenant_id, record_id),
// so a record handed over twice is stored once.
func (p *PostgresStore) InsertInteraction(ctx context.Context, tenantID, sessionID string, rec correlator.Record) (bool, error) {
	if tenantID == "" || rec.ID == "" || rec.Type == "" {
		return false, errors.New("tenantID/record id/type required")
	}

	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return false, fmt.Errorf("encode resources: %w", err)
	}

	// RETURNING 1 only when inserted; duplicates return no rows.
	var one int
	err = p.pool.QueryRow(ctx, `
		INSERT INTO interactions(tenant_id, record_id, session_id, type, url, page_url,
		                         start_ts, end_ts, duration_ms, timed_out, resources)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, record_id) DO NOTHING
		RETURNING 1
	`, tenantID, string(rec.ID), sessionID, string(rec.Type), rec.URL, rec.PageURL,
		rec.Start.UTC(), rec.End.UTC(), rec.DurationMS, rec.TimedOut, resources).Scan(&one)

	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, err
}

// ListInteractions returns records whose start falls in [q.From, q.To), oldest first.
func (p *PostgresStore) ListInteractions(ctx context.Context, tenantID string, q Query) ([]Interaction, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT session_id, record_id, type, url, page_url, start_ts, end_ts,
		       duration_ms, timed_out, resources
		FROM interactions
		WHERE tenant_id=$1
		  AND ($2 = '' OR type=$2)
		  AND start_ts >= $3
		  AND start_ts <  $4
		ORDER BY start_ts, record_id
		LIMIT $5
	`, tenantID, q.Type, q.From.UTC(), q.To.UTC(), q.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			it        = Interaction{TenantID: tenantID}
			id, typ   string
			resources []byte
		)
		if err := rows.Scan(&it.SessionID, &id, &typ, &it.Record.URL, &it.Record.PageURL,
			&it.Record.Start, &it.Record.End, &it.Record.DurationMS, &it.Record.TimedOut, &resources); err != nil {
			return nil, err
		}
		it.Record.ID = correlator.EventID(id)
		it.Record.Type = correlator.RecordType(typ)
		if err := json.Unmarshal(resources, &it.Record.Resources); err != nil {
			return nil, fmt.Errorf("decode resources of %s: %w", id, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// InteractionStats aggregates records of recordType in the window [from,to).
// Using a half-open interval avoids double counting at window boundaries.
func (p *PostgresStore) InteractionStats(ctx context.Context, tenantID, recordType string, from, to time.Time) (Stats, error) {
	var st Stats
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE timed_out),
		       COALESCE(AVG(duration_ms), 0)::float8
		FROM interactions
		WHERE tenant_id=$1
		  AND type=$2
		  AND start_ts >= $3
		  AND start_ts <  $4
	`, tenantID, recordType, from.UTC(), to.UTC()).Scan(&st.Count, &st.TimedOut, &st.MeanDuration)

	return st, err
}
