package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rum.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, typ correlator.RecordType, startOffset time.Duration, durMS int64, timedOut bool) correlator.Record {
	start := t0.Add(startOffset)
	return correlator.Record{
		ID:         correlator.EventID(id),
		Type:       typ,
		Start:      start,
		End:        start.Add(time.Duration(durMS) * time.Millisecond),
		DurationMS: durMS,
		URL:        "https://app.example/" + id,
		PageURL:    "https://app.example/",
		TimedOut:   timedOut,
		Resources: []correlator.ResourceSummary{{
			URL:        "https://app.example/api/" + id,
			Method:     "GET",
			Initiator:  resource.XHR,
			Status:     resource.Loaded,
			HTTPStatus: 200,
			Start:      start,
			DurationMS: durMS,
		}},
	}
}

////////////////////////////////////////////////////////////////////////////////
// INGESTION
////////////////////////////////////////////////////////////////////////////////

func TestSQLiteStore_InsertIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := record("r1", correlator.RecordXHR, 0, 250, false)

	inserted, err := st.InsertInteraction(ctx, "tenant1", "s1", rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertInteraction(ctx, "tenant1", "s1", rec)
	require.NoError(t, err)
	assert.False(t, inserted, "same tenant and record id is a duplicate")

	inserted, err = st.InsertInteraction(ctx, "tenant2", "s1", rec)
	require.NoError(t, err)
	assert.True(t, inserted, "record ids are scoped per tenant")
}

func TestSQLiteStore_InsertValidates(t *testing.T) {
	st := newTestStore(t)
	_, err := st.InsertInteraction(context.Background(), "", "s1", record("r1", correlator.RecordXHR, 0, 1, false))
	assert.Error(t, err)
	_, err = st.InsertInteraction(context.Background(), "tenant1", "s1", correlator.Record{Type: correlator.RecordXHR})
	assert.Error(t, err)
}

////////////////////////////////////////////////////////////////////////////////
// QUERIES
////////////////////////////////////////////////////////////////////////////////

func TestSQLiteStore_ListInteractions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		typ := correlator.RecordXHR
		if i%2 == 1 {
			typ = correlator.RecordSPA
		}
		_, err := st.InsertInteraction(ctx, "tenant1", "s1", record(fmt.Sprintf("r%d", i), typ, time.Duration(i)*time.Minute, 100, false))
		require.NoError(t, err)
	}
	_, err := st.InsertInteraction(ctx, "tenant2", "s9", record("other", correlator.RecordXHR, 0, 1, false))
	require.NoError(t, err)

	all, err := st.ListInteractions(ctx, "tenant1", Query{From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, correlator.EventID("r0"), all[0].Record.ID)
	assert.Equal(t, "s1", all[0].SessionID)
	assert.Equal(t, t0, all[0].Record.Start)
	require.Len(t, all[0].Record.Resources, 1)
	assert.Equal(t, 200, all[0].Record.Resources[0].HTTPStatus)

	spa, err := st.ListInteractions(ctx, "tenant1", Query{From: t0, To: t0.Add(time.Hour), Type: "spa"})
	require.NoError(t, err)
	assert.Len(t, spa, 2)

	// Half-open window: r2 starts exactly at To and is excluded.
	window, err := st.ListInteractions(ctx, "tenant1", Query{From: t0.Add(time.Minute), To: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, correlator.EventID("r1"), window[0].Record.ID)

	limited, err := st.ListInteractions(ctx, "tenant1", Query{From: t0, To: t0.Add(time.Hour), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_InteractionStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i, d := range []int64{100, 300, 60000} {
		_, err := st.InsertInteraction(ctx, "tenant1", "s1",
			record(fmt.Sprintf("r%d", i), correlator.RecordSPAHard, time.Duration(i)*time.Second, d, d == 60000))
		require.NoError(t, err)
	}

	stats, err := st.InteractionStats(ctx, "tenant1", "spa_hard", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(1), stats.TimedOut)
	assert.InDelta(t, 20133.33, stats.MeanDuration, 0.01)

	empty, err := st.InteractionStats(ctx, "tenant1", "click", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty)
}
