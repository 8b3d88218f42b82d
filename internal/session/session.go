// Package session replays browser signal batches through one correlation
// engine per page session. Each engine runs on a manual clock that only
// moves to the timestamps the browser reported, so quiet windows and
// deadlines are measured in page time, not collector time.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/beacon"
	"github.com/PratikDhanave/rum-correlator/internal/clock"
	"github.com/PratikDhanave/rum-correlator/internal/correlator"
	"github.com/PratikDhanave/rum-correlator/internal/dom"
	"github.com/PratikDhanave/rum-correlator/internal/interceptor"
	"github.com/PratikDhanave/rum-correlator/internal/models"
	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// ErrClosed is returned when a batch reaches a session that was closed or
// expired in the meantime.
var ErrClosed = errors.New("session: closed")

// Config is shared by every session of a Manager.
type Config struct {
	Engine       correlator.Config
	Interceptor  interceptor.Config
	PollInterval time.Duration
}

// Session is one page session's engine.
type Session struct {
	ID       string
	TenantID string

	mu     sync.Mutex
	closed bool
	clk    *clock.Manual
	corr   *correlator.Correlator
	doc    *dom.Document
	remote *interceptor.Remote
	timing *timingTable
	out    *beacon.Outbox
	log    *slog.Logger
}

// Option configures a Session.
type Option func(*options)

type options struct {
	metrics correlator.Metrics
	log     *slog.Logger
}

// WithMetrics sets the engine metrics.
func WithMetrics(m correlator.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// New builds the engine for a session.
func New(tenantID, id string, cfg Config, opts ...Option) *Session {
	o := options{log: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	log := o.log.With(slog.String("tenant_id", tenantID), slog.String("session_id", id))

	s := &Session{
		ID:       id,
		TenantID: tenantID,
		clk:      clock.NewManual(time.UnixMilli(0).UTC()),
		doc:      dom.NewDocument(),
		timing:   &timingTable{entries: map[string][]correlator.TimingEntry{}},
		out:      &beacon.Outbox{},
		log:      log,
	}

	copts := []correlator.Option{
		correlator.WithScheduler(s.clk),
		correlator.WithTimingSource(s.timing),
		correlator.WithLogger(log),
	}
	if o.metrics != nil {
		copts = append(copts, correlator.WithMetrics(o.metrics))
	}
	s.corr = correlator.New(cfg.Engine, s.out, copts...)
	s.corr.SetWatcher(dom.NewWatcher(s.corr,
		dom.WithObserver(s.doc),
		dom.WithNodeEvents(s.doc),
		dom.WithPoller(s.doc),
		dom.WithScheduler(s.clk),
		dom.WithPollInterval(cfg.PollInterval),
		dom.WithLogger(log),
	))
	s.remote = interceptor.New(s.corr, cfg.Interceptor,
		interceptor.WithScheduler(s.clk),
		interceptor.WithLogger(log),
	).Remote()
	return s
}

// Result is the outcome of applying a batch.
type Result struct {
	Accepted int
	Rejected []models.SignalError
	Records  []correlator.Record
	InFlight bool
}

// Apply replays a batch in timestamp order. Signals older than the
// session's clock are applied at the current session time. When SentAt is
// set the clock finally moves there, letting quiet windows that ended
// before the batch was sent close.
func (s *Session) Apply(batch models.SignalBatchRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, ErrClosed
	}

	if batch.PageURL != "" && s.corr.PageURL() == "" {
		s.corr.SetPageURL(batch.PageURL)
	}

	order := make([]int, len(batch.Signals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return batch.Signals[order[a]].TS < batch.Signals[order[b]].TS
	})

	var res Result
	for _, i := range order {
		sig := batch.Signals[i]
		if sig.TS > 0 {
			s.clk.AdvanceTo(time.UnixMilli(sig.TS).UTC())
		}
		if err := s.apply(sig); err != nil {
			res.Rejected = append(res.Rejected, models.SignalError{Index: i, Error: err.Error()})
			continue
		}
		res.Accepted++
	}
	if batch.SentAt > 0 {
		s.clk.AdvanceTo(time.UnixMilli(batch.SentAt).UTC())
	}

	res.Records = s.out.Drain()
	res.InFlight = s.corr.InFlight()
	return res, nil
}

func (s *Session) apply(sig models.Signal) error {
	switch sig.Type {
	case models.SignalHardNav:
		if sig.URL == "" {
			return errors.New("hard_nav requires url")
		}
		if err := s.doc.Reset(sig.Node); err != nil {
			return err
		}
		var existing *dom.Node
		if sig.Node != nil {
			existing = s.doc.Root()
		}
		s.corr.HardNavigation(sig.URL, existing)

	case models.SignalRouteChange:
		if sig.URL == "" {
			return errors.New("route_change requires url")
		}
		s.corr.RouteChange(sig.URL)

	case models.SignalClick:
		s.corr.Click()

	case models.SignalRequestOpen:
		if sig.Object == "" || sig.URL == "" {
			return errors.New("request_open requires object and url")
		}
		init := resource.XHR
		if sig.Initiator == string(resource.Fetch) {
			init = resource.Fetch
		}
		method := sig.Method
		if method == "" {
			method = "GET"
		}
		s.remote.Open(sig.Object, method, sig.URL, sig.Parent, init)

	case models.SignalRequestLoad:
		if sig.Object == "" {
			return errors.New("request_load requires object")
		}
		s.remote.Load(sig.Object, sig.Status, sig.ResponseURL, body(sig.RequestBody), body(sig.ResponseBody))

	case models.SignalRequestError:
		if sig.Object == "" {
			return errors.New("request_error requires object")
		}
		s.remote.Error(sig.Object, sig.Status)

	case models.SignalRequestAbort:
		if sig.Object == "" {
			return errors.New("request_abort requires object")
		}
		s.remote.Abort(sig.Object)

	case models.SignalNodeInsert:
		return s.doc.Insert(dom.NodeID(sig.ParentNode), sig.Node)

	case models.SignalNodeAttr:
		if sig.Attr == "" {
			return errors.New("node_attr requires attr")
		}
		return s.doc.SetAttr(dom.NodeID(sig.NodeID), sig.Attr, sig.Value)

	case models.SignalNodeRemove:
		s.doc.Remove(dom.NodeID(sig.NodeID))

	case models.SignalNodeLoad, models.SignalNodeError, models.SignalNodeAbort:
		if sig.NodeID == "" {
			return fmt.Errorf("%s requires node_id", sig.Type)
		}
		st := resource.Loaded
		switch sig.Type {
		case models.SignalNodeError:
			st = resource.Errored
		case models.SignalNodeAbort:
			st = resource.Aborted
		}
		s.doc.Fire(dom.NodeID(sig.NodeID), st)

	case models.SignalTiming:
		if sig.URL == "" || sig.StartTS <= 0 {
			return errors.New("timing requires url and start_ts")
		}
		e := correlator.TimingEntry{
			URL:        sig.URL,
			Start:      time.UnixMilli(sig.StartTS).UTC(),
			HTTPStatus: sig.Status,
		}
		if sig.EndTS > 0 {
			e.End = time.UnixMilli(sig.EndTS).UTC()
		}
		s.timing.add(e)
		s.corr.Flush()

	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return nil
}

func body(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// Close runs the clock past every in-flight deadline and returns whatever
// that finalizes. Later calls return nothing.
func (s *Session) Close() []correlator.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var last time.Time
	for _, ev := range s.corr.Pending() {
		if ev.Deadline.After(last) {
			last = ev.Deadline
		}
	}
	if !last.IsZero() {
		s.clk.AdvanceTo(last)
	}
	recs := s.out.Drain()
	s.log.Debug("session closed", slog.Int("records", len(recs)))
	return recs
}

// Requeue hands back records a caller drained but could not store; the
// next Apply or Close returns them first. It reports false once the
// session is closed.
func (s *Session) Requeue(recs []correlator.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.out.Requeue(recs)
	return true
}

// InFlight reports whether any interaction is still being tracked.
func (s *Session) InFlight() bool { return s.corr.InFlight() }

// Pending describes the interactions still being tracked.
func (s *Session) Pending() []correlator.EventInfo { return s.corr.Pending() }

// Now returns the session clock.
func (s *Session) Now() time.Time { return s.clk.Now() }

// timingTable is the session's ResourceTiming buffer.
type timingTable struct {
	mu      sync.Mutex
	entries map[string][]correlator.TimingEntry
}

func (t *timingTable) add(e correlator.TimingEntry) {
	t.mu.Lock()
	t.entries[e.URL] = append(t.entries[e.URL], e)
	t.mu.Unlock()
}

// Lookup returns the earliest entry for url that started no earlier than
// notBefore.
func (t *timingTable) Lookup(url string, notBefore time.Time) (correlator.TimingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		best  correlator.TimingEntry
		found bool
	)
	for _, e := range t.entries[url] {
		if e.Start.Before(notBefore) {
			continue
		}
		if !found || e.Start.Before(best.Start) {
			best, found = e, true
		}
	}
	return best, found
}
