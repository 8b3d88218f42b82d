package store

import (
	"context"
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// Interaction is a persisted Interaction Record with its tenancy.
type Interaction struct {
	TenantID  string            `json:"tenant_id"`
	SessionID string            `json:"session_id"`
	Record    correlator.Record `json:"record"`
}

// Query selects stored interactions by start time in [From, To).
type Query struct {
	From  time.Time
	To    time.Time
	Type  string // empty matches every type
	Limit int
}

// DefaultLimit caps ListInteractions when Query.Limit is unset.
const DefaultLimit = 100

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return DefaultLimit
	}
	return q.Limit
}

// Stats summarizes interactions in a window.
type Stats struct {
	Count        int64   `json:"count"`
	TimedOut     int64   `json:"timed_out"`
	MeanDuration float64 `json:"mean_duration_ms"`
}

// Store persists Interaction Records.
type Store interface {
	// InsertInteraction returns inserted=false when (tenantID, record id)
	// already exists.
	InsertInteraction(ctx context.Context, tenantID, sessionID string, rec correlator.Record) (bool, error)
	ListInteractions(ctx context.Context, tenantID string, q Query) ([]Interaction, error)
	InteractionStats(ctx context.Context, tenantID, recordType string, from, to time.Time) (Stats, error)
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
