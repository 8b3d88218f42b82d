package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/store"
)

// Publisher fans stored records out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, recs []correlator.Record) error
}

// Recorder persists emitted records and publishes the ones that were new.
type Recorder struct {
	st  store.Store
	pub Publisher
	log *slog.Logger

	flushAttempts int
	flushBackoff  time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithFlushRetry sets how many times Flush tries to store a batch and the
// base delay between tries, which grows linearly.
func WithFlushRetry(attempts int, backoff time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.flushAttempts = attempts
		r.flushBackoff = backoff
	}
}

// NewRecorder returns a Recorder. pub may be nil.
func NewRecorder(st store.Store, pub Publisher, log *slog.Logger, opts ...RecorderOption) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		st:            st,
		pub:           pub,
		log:           log.With("component", "recorder"),
		flushAttempts: 3,
		flushBackoff:  500 * time.Millisecond,
	}
	for _, o := range opts {
		o(r)
	}
	if r.flushAttempts < 1 {
		r.flushAttempts = 1
	}
	return r
}

// Persist stores recs in order and returns their ids and how many were
// already stored. On a store error ids covers the records stored before it,
// so recs[len(ids):] is what still needs storing. Publishing failures are
// logged; the records are durable by then.
func (r *Recorder) Persist(ctx context.Context, tenantID, sessionID string, recs []correlator.Record) (ids []string, duplicates int, err error) {
	ids = make([]string, 0, len(recs))
	var fresh []correlator.Record
	for _, rec := range recs {
		inserted, insErr := r.st.InsertInteraction(ctx, tenantID, sessionID, rec)
		if insErr != nil {
			err = insErr
			break
		}
		ids = append(ids, string(rec.ID))
		if !inserted {
			duplicates++
			continue
		}
		fresh = append(fresh, rec)
	}

	if r.pub != nil && len(fresh) > 0 {
		if pubErr := r.pub.Publish(ctx, tenantID, fresh); pubErr != nil {
			r.log.Warn("publish failed",
				slog.String("tenant_id", tenantID),
				slog.Int("records", len(fresh)),
				slog.String("error", pubErr.Error()))
		}
	}
	return ids, duplicates, err
}

// Flush is a session.FlushFunc for sessions that are gone. Nothing can
// take the records back, so it retries until the attempts or ctx run out.
func (r *Recorder) Flush(ctx context.Context, tenantID, sessionID string, recs []correlator.Record) {
	for attempt := 1; ; attempt++ {
		ids, _, err := r.Persist(ctx, tenantID, sessionID, recs)
		if err == nil {
			return
		}
		recs = recs[len(ids):]
		if attempt < r.flushAttempts {
			r.log.Warn("flush failed, retrying",
				slog.String("tenant_id", tenantID),
				slog.String("session_id", sessionID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			select {
			case <-time.After(time.Duration(attempt) * r.flushBackoff):
				continue
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		r.log.Error("flush failed, records dropped",
			slog.String("tenant_id", tenantID),
			slog.String("session_id", sessionID),
			slog.Int("records", len(recs)),
			slog.String("error", err.Error()))
		return
	}
}
