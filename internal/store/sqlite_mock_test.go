package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStoreWithDB(db), mock
}

func TestSQLiteInsertReportsConflictAsDuplicate(t *testing.T) {
	st, mock := newMockStore(t)
	rec := record("r1", correlator.RecordXHR, 0, 100, false)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
		WithArgs("tenant1", "r1", "s1", "xhr", rec.URL, rec.PageURL,
			rec.Start.UnixMilli(), rec.End.UnixMilli(), int64(100), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := st.InsertInteraction(context.Background(), "tenant1", "s1", rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteQueryErrorsPropagate(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta("FROM interactions")).WillReturnError(boom)
	_, err := st.ListInteractions(context.Background(), "tenant1", Query{From: t0, To: t0.Add(1)})
	assert.ErrorIs(t, err, boom)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*)")).WillReturnError(boom)
	_, err = st.InteractionStats(context.Background(), "tenant1", "xhr", t0, t0.Add(1))
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteListRejectsCorruptResources(t *testing.T) {
	st, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"session_id", "record_id", "type", "url", "page_url",
		"start_ms", "end_ms", "duration_ms", "timed_out", "resources"}).
		AddRow("s1", "r1", "xhr", "/a", "/", t0.UnixMilli(), t0.UnixMilli(), int64(0), false, "{not json")
	mock.ExpectQuery(regexp.QuoteMeta("FROM interactions")).
		WithArgs("tenant1", "", "", t0.UnixMilli(), t0.UnixMilli()+1000, DefaultLimit).
		WillReturnRows(rows)

	_, err := st.ListInteractions(context.Background(), "tenant1", Query{From: t0, To: t0.Add(1e9)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode resources of r1")
}
