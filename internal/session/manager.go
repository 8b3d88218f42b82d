package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/models"
)

// FlushFunc persists the records a session finalized on its own, when it
// expired or was pushed out of the cache.
type FlushFunc func(ctx context.Context, tenantID, sessionID string, recs []correlator.Record)

// MetricsFunc returns the engine metrics for a tenant.
type MetricsFunc func(tenantID string) correlator.Metrics

// ManagerConfig sizes the session cache.
type ManagerConfig struct {
	Session    Config
	MaxActive  int
	IdleExpiry time.Duration
}

// Manager owns the live sessions. Sessions idle for longer than
// IdleExpiry, or pushed out when MaxActive is reached, are closed and
// their remaining records flushed by a background worker.
type Manager struct {
	cfg     Config
	cache   *expirable.LRU[string, *Session]
	flush   FlushFunc
	metrics MetricsFunc
	log     *slog.Logger

	// mu makes get-or-create atomic; the cache locks itself otherwise.
	mu sync.Mutex

	// Evicted sessions wait here until the worker closes them.
	evictMu  sync.Mutex
	evictQ   []*Session
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	worker   sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTenantMetrics sets the per-tenant engine metrics.
func WithTenantMetrics(fn MetricsFunc) ManagerOption { return func(m *Manager) { m.metrics = fn } }

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager flushing evicted sessions through flush.
func NewManager(cfg ManagerConfig, flush FlushFunc, opts ...ManagerOption) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 10000
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 30 * time.Minute
	}
	m := &Manager{
		cfg:   cfg.Session,
		flush: flush,
		log:   slog.Default(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "session_manager")
	m.cache = expirable.NewLRU[string, *Session](cfg.MaxActive, m.evicted, cfg.IdleExpiry)

	m.worker.Add(1)
	go m.run()
	return m
}

func key(tenantID, sessionID string) string { return tenantID + "\x00" + sessionID }

// evicted runs under the cache's lock. It only queues the session; closing
// and flushing happen on the worker.
func (m *Manager) evicted(_ string, s *Session) {
	m.evictMu.Lock()
	m.evictQ = append(m.evictQ, s)
	m.evictMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.worker.Done()
	for {
		select {
		case <-m.wake:
			m.drainEvicted()
		case <-m.done:
			return
		}
	}
}

// drainEvicted closes and flushes every queued session.
func (m *Manager) drainEvicted() {
	for {
		m.evictMu.Lock()
		q := m.evictQ
		m.evictQ = nil
		m.evictMu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, s := range q {
			m.retire(s)
		}
	}
}

func (m *Manager) retire(s *Session) {
	recs := s.Close()
	if len(recs) == 0 || m.flush == nil {
		return
	}
	m.log.Info("session evicted",
		slog.String("tenant_id", s.TenantID),
		slog.String("session_id", s.ID),
		slog.Int("records", len(recs)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.flush(ctx, s.TenantID, s.ID, recs)
}

// session returns the live session, creating it when needed. Every call
// renews the session's idle expiry.
func (m *Manager) session(tenantID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, sessionID)
	s, ok := m.cache.Get(k)
	if !ok {
		var opts []Option
		opts = append(opts, WithLogger(m.log))
		if m.metrics != nil {
			opts = append(opts, WithMetrics(m.metrics(tenantID)))
		}
		s = New(tenantID, sessionID, m.cfg, opts...)
	}
	m.cache.Add(k, s)
	return s
}

// Apply replays batch into the tenant's session.
func (m *Manager) Apply(ctx context.Context, tenantID, sessionID string, batch models.SignalBatchRequest) (Result, error) {
	_, span := otel.Tracer("rum-correlator/session").Start(ctx, "session.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("session_id", sessionID),
		attribute.Int("signals", len(batch.Signals)),
	)

	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.session(tenantID, sessionID).Apply(batch)
		if errors.Is(err, ErrClosed) {
			// Expired between lookup and apply; the next lookup starts over.
			continue
		}
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}
		span.SetAttributes(
			attribute.Int("emitted", len(res.Records)),
			attribute.Int("rejected", len(res.Rejected)),
		)
		return res, nil
	}
	return Result{}, ErrClosed
}

// Lookup returns a live session without renewing it.
func (m *Manager) Lookup(tenantID, sessionID string) (*Session, bool) {
	return m.cache.Peek(key(tenantID, sessionID))
}

// Close finalizes a session and returns its remaining records. ok is false
// when no such session is live.
func (m *Manager) Close(tenantID, sessionID string) (recs []correlator.Record, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, sessionID)
	s, ok := m.cache.Peek(k)
	if !ok {
		return nil, false
	}
	recs = s.Close()
	// The eviction callback finds the session already closed.
	m.cache.Remove(k)
	return recs, true
}

// Requeue returns records that Apply handed out but the caller could not
// store. They come back from the session's next Apply, or are flushed when
// it closes. It reports false when the session is gone.
func (m *Manager) Requeue(tenantID, sessionID string, recs []correlator.Record) bool {
	if len(recs) == 0 {
		return true
	}
	s, ok := m.cache.Peek(key(tenantID, sessionID))
	if !ok {
		return false
	}
	return s.Requeue(recs)
}

// Len reports how many sessions are live.
func (m *Manager) Len() int { return m.cache.Len() }

// CloseAll finalizes and flushes every live session and stops the eviction
// worker, for shutdown. Sessions evicted afterwards are not flushed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.done) })
	m.worker.Wait()
	m.drainEvicted()
}
