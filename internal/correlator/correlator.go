package correlator

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/rum-correlator/internal/clock"
	"github.com/PratikDhanave/rum-correlator/internal/dom"
	"github.com/PratikDhanave/rum-correlator/internal/interceptor"
	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// Config is read once at construction.
type Config struct {
	// QuietWindow is the idle time required before an event with nothing
	// pending settles.
	QuietWindow time.Duration
	// Deadlines holds the hard timeout per event type.
	Deadlines map[EventType]time.Duration
}

// DefaultConfig returns the default quiet window and deadlines.
func DefaultConfig() Config {
	return Config{
		QuietWindow: 200 * time.Millisecond,
		Deadlines: map[EventType]time.Duration{
			TypeHardNav:  60 * time.Second,
			TypeSPARoute: 60 * time.Second,
			TypeClick:    10 * time.Second,
			TypeXHR:      60 * time.Second,
			TypeFetch:    60 * time.Second,
		},
	}
}

func (c Config) deadline(t EventType) time.Duration {
	if d, ok := c.Deadlines[t]; ok && d > 0 {
		return d
	}
	return DefaultConfig().Deadlines[t]
}

// Watcher is the part of the mutation watcher the correlator drives.
type Watcher interface {
	Open(id dom.WindowID)
	Close(id dom.WindowID)
	Scan(id dom.WindowID, root *dom.Node) int
}

type event struct {
	id     EventID
	typ    EventType
	origin EventType
	state  State

	trigger      time.Time
	deadline     time.Time
	lastActivity time.Time
	decision     Decision

	url     string
	pageURL string

	resources []*ResourceRecord
	keys      map[resourceKey]*ResourceRecord
	requests  []interceptor.RequestID
	nodes     []dom.NodeID

	alwaysSend bool
	watching   bool
	quiet      clock.Timer
	hard       clock.Timer
}

func (e *event) pending() int {
	n := 0
	for _, r := range e.resources {
		if r.Status == resource.Pending {
			n++
		}
	}
	return n
}

type owned struct {
	ev  *event
	rec *ResourceRecord
}

// Correlator is the single owner of in-flight interaction events. All
// transitions run under one lock; watcher calls and beacon emissions run
// after it is released.
type Correlator struct {
	cfg     Config
	sched   clock.Scheduler
	beacon  Beacon
	watcher Watcher
	timing  TimingSource
	metrics Metrics
	newID   func() EventID
	log     *slog.Logger

	mu       sync.Mutex
	queue    []*event
	byID     map[EventID]*event
	requests map[interceptor.RequestID]owned
	nodes    map[dom.NodeID]owned
	pageURL  string
}

var (
	_ interceptor.Sink = (*Correlator)(nil)
	_ dom.Sink         = (*Correlator)(nil)
)

// Option configures a Correlator.
type Option func(*Correlator)

// WithScheduler sets the clock.
func WithScheduler(s clock.Scheduler) Option { return func(c *Correlator) { c.sched = s } }

// WithWatcher sets the mutation watcher that windows are opened on.
func WithWatcher(w Watcher) Option { return func(c *Correlator) { c.watcher = w } }

// WithTimingSource sets the ResourceTiming lookup.
func WithTimingSource(t TimingSource) Option { return func(c *Correlator) { c.timing = t } }

// WithMetrics sets the metrics observer.
func WithMetrics(m Metrics) Option { return func(c *Correlator) { c.metrics = m } }

// WithIDs overrides event id generation.
func WithIDs(fn func() EventID) Option { return func(c *Correlator) { c.newID = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Correlator) { c.log = l } }

// New returns a Correlator emitting to beacon.
func New(cfg Config, beacon Beacon, opts ...Option) *Correlator {
	if cfg.QuietWindow < 0 {
		cfg.QuietWindow = 0
	}
	c := &Correlator{
		cfg:      cfg,
		sched:    clock.Real{},
		beacon:   beacon,
		metrics:  noopMetrics{},
		newID:    func() EventID { return EventID(uuid.NewString()) },
		log:      slog.Default(),
		byID:     map[EventID]*event{},
		requests: map[interceptor.RequestID]owned{},
		nodes:    map[dom.NodeID]owned{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "correlator")
	return c
}

// SetWatcher attaches the mutation watcher after construction, for when
// the watcher itself needs the correlator as its sink.
func (c *Correlator) SetWatcher(w Watcher) {
	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()
}

// txn collects work that must run after the lock is released, in order.
type txn struct {
	after []func()
}

func (t *txn) later(fn func()) { t.after = append(t.after, fn) }

func (c *Correlator) do(fn func(now time.Time, tx *txn)) {
	tx := &txn{}
	c.mu.Lock()
	fn(c.sched.Now(), tx)
	c.mu.Unlock()
	for _, f := range tx.after {
		f()
	}
}

////////////////////////////////////////////////////////////////////////////////
// Triggers
////////////////////////////////////////////////////////////////////////////////

// HardNavigation opens the event for a full page load. Events still in
// flight belong to the previous document and are finalized as timed out.
// existing, if not nil, is scanned for resources already loading.
func (c *Correlator) HardNavigation(pageURL string, existing *dom.Node) EventID {
	var id EventID
	c.do(func(now time.Time, tx *txn) {
		for _, ev := range append([]*event(nil), c.queue...) {
			c.finalize(ev, ForceTimeout, now, tx)
		}
		c.pageURL = pageURL
		ev := c.open(TypeHardNav, pageURL, now, true, existing, tx)
		c.evaluate(ev, now, tx)
		id = ev.id
	})
	return id
}

// RouteChange opens an SPA route-change event, or folds the change into a
// navigation event that is still watching.
func (c *Correlator) RouteChange(routeURL string) EventID {
	var id EventID
	c.do(func(now time.Time, tx *txn) {
		c.pageURL = routeURL
		if ev := c.newestWatching(TypeHardNav, TypeSPARoute); ev != nil {
			ev.url = routeURL
			c.touch(ev, now)
			id = ev.id
			return
		}
		ev := c.open(TypeSPARoute, routeURL, now, true, nil, tx)
		c.evaluate(ev, now, tx)
		id = ev.id
	})
	return id
}

// Click opens a click event unless a click or navigation event is already
// watching, in which case the click belongs to it.
func (c *Correlator) Click() EventID {
	var id EventID
	c.do(func(now time.Time, tx *txn) {
		if ev := c.newestWatching(TypeClick, TypeHardNav, TypeSPARoute); ev != nil {
			id = ev.id
			return
		}
		ev := c.open(TypeClick, c.pageURL, now, true, nil, tx)
		c.evaluate(ev, now, tx)
		id = ev.id
	})
	return id
}

// SetPageURL records the page URL without opening an event, for when
// tracking starts after the page has already loaded.
func (c *Correlator) SetPageURL(url string) {
	c.mu.Lock()
	c.pageURL = url
	c.mu.Unlock()
}

// PageURL returns the page or route URL currently in effect.
func (c *Correlator) PageURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageURL
}

////////////////////////////////////////////////////////////////////////////////
// Interceptor signals
////////////////////////////////////////////////////////////////////////////////

// RequestStart implements interceptor.Sink.
func (c *Correlator) RequestStart(s interceptor.Start) {
	c.do(func(now time.Time, tx *txn) {
		ev := c.ownerFor(s)
		if ev == nil {
			typ := TypeXHR
			if s.Initiator == resource.Fetch {
				typ = TypeFetch
			}
			// Always-send events stay out of the DOM so they cannot take
			// mutations from the event they were fired under.
			ev = c.open(typ, s.URL, now, !s.AlwaysSend, nil, tx)
			ev.alwaysSend = s.AlwaysSend
		} else if ev.typ == TypeClick {
			ev.typ = TypeXHR
			if s.Initiator == resource.Fetch {
				ev.typ = TypeFetch
			}
			ev.url = s.URL
		} else if o, ok := c.requests[s.Replaces]; ok && s.Replaces != 0 && o.ev == ev && ev.url == o.rec.URL {
			// A re-opened request object reports the attempt that counts.
			ev.url = s.URL
		}

		init := s.Initiator
		if init == "" {
			init = resource.XHR
		}
		rec := c.attach(ev, &ResourceRecord{
			URL:       s.URL,
			Method:    s.Method,
			Initiator: init,
			Start:     now,
			Status:    resource.Pending,
			source:    "req:" + strconv.FormatUint(uint64(s.ID), 10),
		})
		c.requests[s.ID] = owned{ev: ev, rec: rec}
		ev.requests = append(ev.requests, s.ID)
		c.touch(ev, now)
		c.evaluate(ev, now, tx)
	})
}

// RequestFinish implements interceptor.Sink.
func (c *Correlator) RequestFinish(f interceptor.Finish) {
	c.settleRequest("finish", f.ID, func(r *ResourceRecord) {
		r.Status = resource.Loaded
		r.HTTPStatus = f.HTTPStatus
		if f.ResponseURL != "" && f.ResponseURL != r.URL {
			r.ResolvedURL = f.ResponseURL
		}
		if f.Payload != nil {
			p := *f.Payload
			r.Payload = &p
		}
	})
}

// RequestError implements interceptor.Sink.
func (c *Correlator) RequestError(f interceptor.Failure) {
	c.settleRequest("error", f.ID, func(r *ResourceRecord) {
		r.Status = resource.Errored
		r.HTTPStatus = f.HTTPStatus
		r.ErrorCode = f.HTTPStatus
	})
}

// RequestAbort implements interceptor.Sink.
func (c *Correlator) RequestAbort(id interceptor.RequestID) {
	c.settleRequest("abort", id, func(r *ResourceRecord) {
		r.Status = resource.Aborted
		r.ErrorCode = resource.AbortCode
	})
}

// RequestPayload implements interceptor.Sink. It only annotates; it is not
// activity and never moves an event forward.
func (c *Correlator) RequestPayload(id interceptor.RequestID, p resource.Payload) {
	c.do(func(now time.Time, tx *txn) {
		o, ok := c.requests[id]
		if !ok || o.ev.state.Terminal() {
			c.drop("payload", slog.Uint64("request_id", uint64(id)))
			return
		}
		o.rec.Payload = &p
	})
}

func (c *Correlator) settleRequest(signal string, id interceptor.RequestID, apply func(*ResourceRecord)) {
	c.do(func(now time.Time, tx *txn) {
		o, ok := c.requests[id]
		if !ok || o.ev.state.Terminal() {
			c.drop(signal, slog.Uint64("request_id", uint64(id)))
			return
		}
		if o.rec.Status.Terminal() {
			return
		}
		o.rec.End = now
		apply(o.rec)
		c.touch(o.ev, now)
		c.evaluate(o.ev, now, tx)
	})
}

// ownerFor picks the in-flight event a new request belongs to, or nil when
// it needs its own event.
func (c *Correlator) ownerFor(s interceptor.Start) *event {
	if s.AlwaysSend {
		return nil
	}
	for _, rel := range []interceptor.RequestID{s.Replaces, s.Parent} {
		if rel == 0 {
			continue
		}
		if o, ok := c.requests[rel]; ok && !o.ev.state.Terminal() {
			return o.ev
		}
	}
	return c.newestWatching(TypeClick, TypeHardNav, TypeSPARoute)
}

////////////////////////////////////////////////////////////////////////////////
// Watcher signals
////////////////////////////////////////////////////////////////////////////////

// NodeResource implements dom.Sink.
func (c *Correlator) NodeResource(window dom.WindowID, d dom.Descriptor) {
	c.do(func(now time.Time, tx *txn) {
		ev, ok := c.byID[EventID(window)]
		if !ok || ev.state.Terminal() {
			c.drop("node_resource", slog.String("node", string(d.Node)))
			return
		}
		rec := c.attach(ev, &ResourceRecord{
			URL:       d.URL,
			Method:    "GET",
			Initiator: d.Initiator,
			Start:     now,
			Status:    resource.Pending,
			source:    "node:" + string(d.Node),
		})
		c.nodes[d.Node] = owned{ev: ev, rec: rec}
		ev.nodes = append(ev.nodes, d.Node)
		c.touch(ev, now)
		c.evaluate(ev, now, tx)
	})
}

// NodeSettled implements dom.Sink.
func (c *Correlator) NodeSettled(window dom.WindowID, node dom.NodeID, st resource.Status) {
	c.do(func(now time.Time, tx *txn) {
		o, ok := c.nodes[node]
		if !ok || o.ev.id != EventID(window) || o.ev.state.Terminal() {
			c.drop("node_settled", slog.String("node", string(node)))
			return
		}
		if o.rec.Status.Terminal() {
			return
		}
		if !st.Terminal() {
			st = resource.Loaded
		}
		o.rec.End = now
		o.rec.Status = st
		if st == resource.Aborted {
			o.rec.ErrorCode = resource.AbortCode
		}
		c.touch(o.ev, now)
		c.evaluate(o.ev, now, tx)
	})
}

////////////////////////////////////////////////////////////////////////////////
// Query surface
////////////////////////////////////////////////////////////////////////////////

// InFlight reports whether any interaction is still being tracked.
func (c *Correlator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// Pending describes the in-flight events, oldest first.
func (c *Correlator) Pending() []EventInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventInfo, 0, len(c.queue))
	for _, ev := range c.queue {
		out = append(out, EventInfo{
			ID:           ev.id,
			Type:         ev.typ,
			State:        ev.state,
			URL:          ev.url,
			PageURL:      ev.pageURL,
			Trigger:      ev.trigger,
			Deadline:     ev.deadline,
			Resources:    len(ev.resources),
			NodesWatched: ev.pending(),
		})
	}
	return out
}

// Flush re-evaluates every in-flight event at the current time.
func (c *Correlator) Flush() {
	c.do(func(now time.Time, tx *txn) {
		for _, ev := range append([]*event(nil), c.queue...) {
			c.evaluate(ev, now, tx)
		}
	})
}

////////////////////////////////////////////////////////////////////////////////
// State machine
////////////////////////////////////////////////////////////////////////////////

func (c *Correlator) open(typ EventType, url string, now time.Time, watch bool, existing *dom.Node, tx *txn) *event {
	ev := &event{
		id:           c.newID(),
		typ:          typ,
		origin:       typ,
		state:        StateOpen,
		trigger:      now,
		deadline:     now.Add(c.cfg.deadline(typ)),
		lastActivity: now,
		url:          url,
		pageURL:      c.pageURL,
		keys:         map[resourceKey]*ResourceRecord{},
	}
	c.queue = append(c.queue, ev)
	c.byID[ev.id] = ev

	id := ev.id
	ev.hard = c.sched.AfterFunc(ev.deadline.Sub(now), func() { c.fire(id) })

	if watch && c.watcher != nil {
		ev.watching = true
		w := c.watcher
		tx.later(func() {
			w.Open(dom.WindowID(id))
			if existing != nil {
				w.Scan(dom.WindowID(id), existing)
			}
		})
	}
	ev.state = StateWatching
	c.armQuiet(ev, now)
	return ev
}

// attach adds rec to ev unless the same request or node already reported
// the same URL, method and start, in which case that record is returned.
// Distinct requests or nodes loading one URL keep a record each.
func (c *Correlator) attach(ev *event, rec *ResourceRecord) *ResourceRecord {
	if existing, ok := ev.keys[rec.key()]; ok {
		return existing
	}
	ev.keys[rec.key()] = rec
	ev.resources = append(ev.resources, rec)
	return rec
}

func (c *Correlator) touch(ev *event, now time.Time) {
	ev.lastActivity = now
	c.armQuiet(ev, now)
}

func (c *Correlator) armQuiet(ev *event, now time.Time) {
	if ev.quiet != nil {
		ev.quiet.Stop()
	}
	id := ev.id
	ev.quiet = c.sched.AfterFunc(ev.lastActivity.Add(c.cfg.QuietWindow).Sub(now), func() { c.fire(id) })
}

func (c *Correlator) fire(id EventID) {
	c.do(func(now time.Time, tx *txn) {
		if ev, ok := c.byID[id]; ok {
			c.evaluate(ev, now, tx)
		}
	})
}

func (c *Correlator) evaluate(ev *event, now time.Time, tx *txn) {
	if ev.state.Terminal() {
		return
	}
	if end, ok := c.corroborate(ev, now); ok && end.After(ev.lastActivity) {
		// A load seen only through timing counts as activity at its end.
		ev.lastActivity = end
		c.armQuiet(ev, now)
	}
	d := Decide(View{
		Now:          now,
		Trigger:      ev.trigger,
		Deadline:     ev.deadline,
		LastActivity: ev.lastActivity,
		QuietWindow:  c.cfg.QuietWindow,
		Pending:      ev.pending(),
		Previous:     ev.decision,
	})
	if d == StillPending {
		return
	}
	c.finalize(ev, d, now, tx)
}

func (c *Correlator) finalize(ev *event, d Decision, now time.Time, tx *txn) {
	if ev.state.Terminal() {
		return
	}
	ev.decision = d

	c.corroborate(ev, now)
	if d == ForceTimeout {
		ev.state = StateTimedOut
		for _, r := range ev.resources {
			if r.Status == resource.Pending {
				r.Status = resource.Errored
				r.ErrorCode = resource.TimeoutCode
				r.End = now
			}
		}
	} else {
		ev.state = StateSettled
	}

	snapshot := make([]ResourceRecord, 0, len(ev.resources))
	for _, r := range ev.resources {
		snapshot = append(snapshot, *r)
	}
	out := Finalize(ev.typ, ev.trigger, ev.lastActivity, snapshot, d)
	rec := buildRecord(ev, out, snapshot)

	if ev.quiet != nil {
		ev.quiet.Stop()
	}
	if ev.hard != nil {
		ev.hard.Stop()
	}
	c.remove(ev)

	if ev.watching && c.watcher != nil {
		w := c.watcher
		id := dom.WindowID(ev.id)
		tx.later(func() { w.Close(id) })
	}
	beacon, metrics := c.beacon, c.metrics
	tx.later(func() {
		metrics.Emitted(rec)
		if beacon != nil {
			beacon.Emit(rec)
		}
	})
}

// corroborate fills gaps from ResourceTiming: a missing HTTP status, or a
// load whose event never reached the watcher. It returns the latest end of
// the loads it settled.
func (c *Correlator) corroborate(ev *event, now time.Time) (time.Time, bool) {
	var latest time.Time
	var settled bool
	if c.timing == nil {
		return latest, false
	}
	for _, r := range ev.resources {
		entry, ok := c.timing.Lookup(r.URL, r.Start)
		if !ok {
			continue
		}
		if r.Status == resource.Pending && !entry.End.IsZero() && !entry.End.After(now) {
			r.Status = resource.Loaded
			r.End = entry.End
			if r.End.Before(r.Start) {
				r.End = r.Start
			}
			if !settled || r.End.After(latest) {
				latest = r.End
			}
			settled = true
		}
		if r.HTTPStatus == 0 && entry.HTTPStatus != 0 && r.Status == resource.Loaded {
			r.HTTPStatus = entry.HTTPStatus
		}
	}
	return latest, settled
}

func (c *Correlator) remove(ev *event) {
	delete(c.byID, ev.id)
	for i, x := range c.queue {
		if x == ev {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	for _, id := range ev.requests {
		if o, ok := c.requests[id]; ok && o.ev == ev {
			delete(c.requests, id)
		}
	}
	for _, n := range ev.nodes {
		if o, ok := c.nodes[n]; ok && o.ev == ev {
			delete(c.nodes, n)
		}
	}
}

// newestWatching returns the most recent watching event opened by one of
// the given trigger types. Click events keep their origin after being
// upgraded to xhr or fetch.
func (c *Correlator) newestWatching(origins ...EventType) *event {
	for i := len(c.queue) - 1; i >= 0; i-- {
		ev := c.queue[i]
		if ev.state == StateWatching && !ev.alwaysSend && hasType(origins, ev.origin) {
			return ev
		}
	}
	return nil
}

func hasType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (c *Correlator) drop(signal string, attrs ...any) {
	c.metrics.Dropped(signal)
	c.log.Debug("unmatched signal dropped", append([]any{slog.String("signal", signal)}, attrs...)...)
}

func buildRecord(ev *event, out Outcome, resources []ResourceRecord) Record {
	rec := Record{
		ID:         ev.id,
		Type:       out.Type,
		Start:      ev.trigger,
		End:        out.End,
		DurationMS: ms(out.End.Sub(ev.trigger)),
		URL:        ev.url,
		PageURL:    ev.pageURL,
		Resources:  make([]ResourceSummary, 0, len(resources)),
		TimedOut:   out.TimedOut,
	}
	for _, r := range resources {
		rec.Resources = append(rec.Resources, ResourceSummary{
			URL:         r.URL,
			ResolvedURL: r.ResolvedURL,
			Method:      r.Method,
			Initiator:   r.Initiator,
			Status:      r.Status,
			HTTPStatus:  r.HTTPStatus,
			ErrorCode:   r.ErrorCode,
			Start:       r.Start,
			DurationMS:  ms(r.End.Sub(r.Start)),
			Payload:     r.Payload,
		})
	}
	return rec
}
