package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikDhanave/rum-correlator/internal/config"
	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/handlers"
	"github.com/PratikDhanave/rum-correlator/internal/models"
	"github.com/PratikDhanave/rum-correlator/internal/session"
	"github.com/PratikDhanave/rum-correlator/internal/store"
)

////////////////////////////////////////////////////////////////////////////////
// END-TO-END SUITE
//
// These tests drive the router in-process:
//
//   Browser signals → HTTP API → Auth → Session engine → SQLite → Query
//
////////////////////////////////////////////////////////////////////////////////

const (
	tenant1Key = "tenant-key-123"
	tenant2Key = "tenant-key-456"
)

// t0 is the page time every batch starts from.
var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ms(d time.Duration) int64 { return t0.Add(d).UnixMilli() }

type testServer struct {
	http.Handler
	mgr *session.Manager
	st  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "rum.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return newTestServerOn(t, st)
}

// newTestServerOn builds the router over st, with flush retries short
// enough for tests.
func newTestServerOn(t *testing.T, st store.Store) *testServer {
	t.Helper()

	rec := handlers.NewRecorder(st, nil, nil, handlers.WithFlushRetry(2, time.Millisecond))
	mgr := session.NewManager(session.ManagerConfig{
		Session: session.Config{Engine: correlator.DefaultConfig()},
	}, rec.Flush)
	t.Cleanup(mgr.CloseAll)

	cfg := config.Config{
		APIKeys:   map[string]string{tenant1Key: "tenant1", tenant2Key: "tenant2"},
		RateLimit: config.RateLimit{RPS: 1000, Burst: 1000},
	}
	return &testServer{Handler: NewRouter(cfg, st, mgr, rec), mgr: mgr, st: st}
}

func (s *testServer) do(t *testing.T, method, apiKey, path string, payload any) (int, []byte) {
	t.Helper()

	var body *bytes.Reader
	switch p := payload.(type) {
	case nil:
		body = bytes.NewReader(nil)
	case string:
		body = bytes.NewReader([]byte(p))
	default:
		b, err := json.Marshal(p)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func window() string {
	return fmt.Sprintf("from=%s&to=%s",
		t0.Add(-time.Minute).Format(time.RFC3339),
		t0.Add(time.Hour).Format(time.RFC3339))
}

// clickXHR is a click whose request finishes 200ms later.
func clickXHR() models.SignalBatchRequest {
	return models.SignalBatchRequest{
		PageURL: "https://app.example/",
		SentAt:  ms(time.Second),
		Signals: []models.Signal{
			{Type: models.SignalClick, TS: ms(0)},
			{Type: models.SignalRequestOpen, TS: ms(0), Object: "x1", Method: "GET", URL: "/api/items"},
			{Type: models.SignalRequestLoad, TS: ms(200 * time.Millisecond), Object: "x1", Status: 200},
		},
	}
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH / AUTH
////////////////////////////////////////////////////////////////////////////////

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "", "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodGet, "", "/ready", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "ready")
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "", "/sessions/s1/signals", clickXHR())
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodGet, "bad-key", "/interactions?"+window(), nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

////////////////////////////////////////////////////////////////////////////////
// INGESTION
////////////////////////////////////////////////////////////////////////////////

func TestSignalsProduceStoredInteraction(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", clickXHR())
	require.Equal(t, http.StatusOK, code, string(body))

	var resp models.SignalBatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, 3, resp.Accepted)
	assert.False(t, resp.InFlight)
	require.Len(t, resp.Emitted, 1)

	code, body = s.do(t, http.MethodGet, tenant1Key, "/interactions?"+window(), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var list struct {
		Count        int                 `json:"count"`
		Interactions []store.Interaction `json:"interactions"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Count)
	got := list.Interactions[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, resp.Emitted[0], string(got.Record.ID))
	assert.Equal(t, correlator.RecordXHR, got.Record.Type)
	assert.Equal(t, "https://app.example/", got.Record.PageURL)
	assert.Equal(t, int64(200), got.Record.DurationMS)

	code, body = s.do(t, http.MethodGet, tenant1Key, "/metrics?type=xhr&"+window(), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var stats struct {
		Count    int64   `json:"count"`
		TimedOut int64   `json:"timed_out"`
		Mean     float64 `json:"mean_duration_ms"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Count)
	assert.Equal(t, int64(0), stats.TimedOut)
	assert.InDelta(t, 200.0, stats.Mean, 0.001)
}

func TestTenantIsolation(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, tenant1Key, "/sessions/shared/signals", clickXHR())
	require.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodGet, tenant2Key, "/metrics?type=xhr&"+window(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"count":0`)

	code, body = s.do(t, http.MethodGet, tenant2Key, "/interactions?"+window(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"interactions":[]`)
}

func TestSignalsValidation(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", "{not json")
	assert.Equal(t, http.StatusBadRequest, code)

	long := strings.Repeat("s", 129)
	code, _ = s.do(t, http.MethodPost, tenant1Key, "/sessions/"+long+"/signals", clickXHR())
	assert.Equal(t, http.StatusBadRequest, code)

	big := models.SignalBatchRequest{Signals: make([]models.Signal, handlers.MaxSignalsPerBatch+1)}
	code, _ = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	// A body over the byte limit is cut off while decoding.
	huge := `{"signals":[{"type":"click","url":"` + strings.Repeat("a", handlers.MaxBatchBytes) + `"}]}`
	code, body := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code, string(body))
	_, live := s.mgr.Lookup("tenant1", "s1")
	assert.False(t, live, "rejected body never reaches a session")

	// Malformed signals are reported per index, not fatal to the batch.
	code, body = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", models.SignalBatchRequest{
		Signals: []models.Signal{
			{Type: "teleport", TS: ms(0)},
			{Type: models.SignalClick, TS: ms(0)},
		},
	})
	require.Equal(t, http.StatusOK, code)
	var resp models.SignalBatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, 1, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, 0, resp.Rejected[0].Index)
}

////////////////////////////////////////////////////////////////////////////////
// STORE FAILURES
////////////////////////////////////////////////////////////////////////////////

func TestStoreFailureKeepsRecordsForNextBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := newTestServerOn(t, store.NewSQLiteStoreWithDB(db))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
		WillReturnError(errors.New("database is locked"))
	code, body := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", clickXHR())
	require.Equal(t, http.StatusInternalServerError, code, string(body))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
		WithArgs("tenant1", sqlmock.AnyArg(), "s1", "xhr", "/api/items", "https://app.example/",
			ms(0), ms(200*time.Millisecond), int64(200), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	code, body = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals",
		models.SignalBatchRequest{SentAt: ms(2 * time.Second)})
	require.Equal(t, http.StatusOK, code, string(body))

	var resp models.SignalBatchResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, 0, resp.Accepted)
	assert.Len(t, resp.Emitted, 1, "the record from the failed batch is stored now")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreFailureOnCloseIsRetried(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := newTestServerOn(t, store.NewSQLiteStoreWithDB(db))

	code, _ := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", models.SignalBatchRequest{
		Signals: []models.Signal{{Type: models.SignalClick, TS: ms(0)}},
	})
	require.Equal(t, http.StatusOK, code)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO interactions")).
		WithArgs("tenant1", sqlmock.AnyArg(), "s1", "click", sqlmock.AnyArg(), sqlmock.AnyArg(),
			ms(0), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	code, _ = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/close", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NoError(t, mock.ExpectationsWereMet(), "the failed insert was retried before answering")
}

////////////////////////////////////////////////////////////////////////////////
// SESSION LIFECYCLE
////////////////////////////////////////////////////////////////////////////////

func TestInFlightAndClose(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/signals", models.SignalBatchRequest{
		SentAt: ms(time.Second),
		Signals: []models.Signal{
			{Type: models.SignalRequestOpen, TS: ms(0), Object: "f1", Initiator: "fetch", URL: "/api/slow"},
		},
	})
	require.Equal(t, http.StatusOK, code)

	code, body := s.do(t, http.MethodGet, tenant1Key, "/sessions/s1/inflight", nil)
	require.Equal(t, http.StatusOK, code)
	var inflight models.InFlightResponse
	require.NoError(t, json.Unmarshal(body, &inflight))
	assert.True(t, inflight.InFlight)
	require.Len(t, inflight.Events, 1)
	assert.Equal(t, "/api/slow", inflight.Events[0].URL)
	assert.Equal(t, 1, inflight.Events[0].Resources)

	// Another tenant cannot see or close it.
	code, body = s.do(t, http.MethodGet, tenant2Key, "/sessions/s1/inflight", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"in_flight":false`)
	code, _ = s.do(t, http.MethodPost, tenant2Key, "/sessions/s1/close", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/close", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var closed models.CloseSessionResponse
	require.NoError(t, json.Unmarshal(body, &closed))
	require.Len(t, closed.Emitted, 1)

	code, body = s.do(t, http.MethodGet, tenant1Key, "/metrics?type=fetch&"+window(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"timed_out":1`)

	code, _ = s.do(t, http.MethodPost, tenant1Key, "/sessions/s1/close", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 0, s.mgr.Len())
}

////////////////////////////////////////////////////////////////////////////////
// QUERY VALIDATION
////////////////////////////////////////////////////////////////////////////////

func TestQueryValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name string
		path string
	}{
		{"metrics missing type", "/metrics?" + window()},
		{"metrics unknown type", "/metrics?type=scroll&" + window()},
		{"metrics missing window", "/metrics?type=xhr"},
		{"interactions bad from", "/interactions?from=yesterday&to=2024-03-01T13:00:00Z"},
		{"interactions inverted window", "/interactions?from=2024-03-01T13:00:00Z&to=2024-03-01T12:00:00Z"},
		{"interactions bad limit", "/interactions?limit=-1&" + window()},
		{"interactions unknown type", "/interactions?type=scroll&" + window()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := s.do(t, http.MethodGet, tenant1Key, tc.path, nil)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}
