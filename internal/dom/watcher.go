package dom

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/clock"
	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// WindowID identifies a watch window; the correlator uses its event id.
type WindowID string

// Mutation is one observed DOM change: inserted subtrees, or an attribute
// change on Target.
type Mutation struct {
	Added     []*Node
	Target    *Node
	Attribute string
}

// ErrObserverUnavailable is returned by Observers that cannot observe.
var ErrObserverUnavailable = errors.New("dom: mutation observer unavailable")

// Observer delivers mutation batches. Observe must not call fn before it
// returns.
type Observer interface {
	Observe(fn func([]Mutation)) (stop func(), err error)
}

// NodeEvents delivers an element's load, error and abort events.
type NodeEvents interface {
	Subscribe(id NodeID, fn func(resource.Status)) (unsubscribe func())
}

// Poller returns the current state of the tracked container.
type Poller interface {
	Snapshot() *Node
}

// Sink receives the watcher's findings.
type Sink interface {
	NodeResource(window WindowID, d Descriptor)
	NodeSettled(window WindowID, node NodeID, status resource.Status)
}

const defaultPollInterval = 50 * time.Millisecond

// Watcher attributes interesting DOM nodes to the newest open watch window.
// It never holds its lock while calling the Sink.
type Watcher struct {
	sink     Sink
	observer Observer
	events   NodeEvents
	poller   Poller
	sched    clock.Scheduler
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	windows   []WindowID
	watched   map[NodeID]*watch
	stop      func()
	pollTimer clock.Timer
	pollGen   int
	seen      map[NodeID]string
}

type watch struct {
	window WindowID
	unsub  func()
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithObserver sets the mutation source.
func WithObserver(o Observer) Option { return func(w *Watcher) { w.observer = o } }

// WithNodeEvents sets the element event source.
func WithNodeEvents(e NodeEvents) Option { return func(w *Watcher) { w.events = e } }

// WithPoller sets the fallback used when no Observer is available.
func WithPoller(p Poller) Option { return func(w *Watcher) { w.poller = p } }

// WithScheduler sets the clock driving the poll fallback.
func WithScheduler(s clock.Scheduler) Option { return func(w *Watcher) { w.sched = s } }

// WithPollInterval overrides the poll fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.log = l } }

// NewWatcher returns a Watcher publishing to sink.
func NewWatcher(sink Sink, opts ...Option) *Watcher {
	w := &Watcher{
		sink:     sink,
		sched:    clock.Real{},
		interval: defaultPollInterval,
		log:      slog.Default(),
		watched:  map[NodeID]*watch{},
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "mutation_watcher")
	return w
}

// Open starts a watch window. Observation begins with the first window.
func (w *Watcher) Open(id WindowID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, x := range w.windows {
		if x == id {
			return
		}
	}
	w.windows = append(w.windows, id)
	if len(w.windows) == 1 {
		w.startLocked()
	}
}

// Close ends a watch window and forgets nodes still pending in it.
// Observation stops with the last window.
func (w *Watcher) Close(id WindowID) {
	var unsubs []func()

	w.mu.Lock()
	for i, x := range w.windows {
		if x == id {
			w.windows = append(w.windows[:i], w.windows[i+1:]...)
			break
		}
	}
	for node, wt := range w.watched {
		if wt.window == id {
			delete(w.watched, node)
			if wt.unsub != nil {
				unsubs = append(unsubs, wt.unsub)
			}
		}
	}
	if len(w.windows) == 0 {
		w.stopLocked()
	}
	w.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Scan classifies an existing subtree into window id, for content already
// present when the window opened.
func (w *Watcher) Scan(id WindowID, root *Node) int {
	return w.attach(id, Classify(root))
}

// Watching reports how many nodes are pending across all windows.
func (w *Watcher) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Polling reports whether the poll fallback is active.
func (w *Watcher) Polling() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollTimer != nil
}

func (w *Watcher) startLocked() {
	if w.observer != nil {
		stop, err := w.observer.Observe(w.onMutations)
		if err == nil {
			w.stop = stop
			return
		}
		w.log.Debug("mutation observer unavailable, polling", slog.String("error", err.Error()))
	}
	if w.poller == nil {
		return
	}
	w.seen = map[NodeID]string{}
	w.poller.Snapshot().Walk(func(n *Node) {
		url, _ := resourceURL(n)
		w.seen[n.ID] = url
	})
	w.pollGen++
	gen := w.pollGen
	w.pollTimer = w.sched.AfterFunc(w.interval, func() { w.poll(gen) })
}

func (w *Watcher) stopLocked() {
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
	if w.pollTimer != nil {
		w.pollTimer.Stop()
		w.pollTimer = nil
	}
	w.seen = nil
}

func (w *Watcher) onMutations(muts []Mutation) {
	var found []Descriptor
	for _, m := range muts {
		for _, n := range m.Added {
			found = append(found, Classify(n)...)
		}
		if m.Target != nil && (m.Attribute == "src" || m.Attribute == "href") {
			if d, ok := classifyNode(m.Target); ok {
				found = append(found, d)
			}
		}
	}

	w.mu.Lock()
	if len(w.windows) == 0 {
		w.mu.Unlock()
		return
	}
	window := w.windows[len(w.windows)-1]
	w.mu.Unlock()

	w.attach(window, found)
}

// poll diffs the container against what was seen before: new elements and
// elements whose resource URL changed are classified on their own.
func (w *Watcher) poll(gen int) {
	w.mu.Lock()
	if w.pollTimer == nil || w.pollGen != gen || len(w.windows) == 0 {
		w.mu.Unlock()
		return
	}
	window := w.windows[len(w.windows)-1]
	w.mu.Unlock()

	snap := w.poller.Snapshot()

	var found []Descriptor
	w.mu.Lock()
	if w.seen == nil {
		w.mu.Unlock()
		return
	}
	snap.Walk(func(n *Node) {
		url, _ := resourceURL(n)
		prev, known := w.seen[n.ID]
		w.seen[n.ID] = url
		if known && prev == url {
			return
		}
		if d, ok := classifyNode(n); ok {
			found = append(found, d)
		}
	})
	w.mu.Unlock()

	w.attach(window, found)

	w.mu.Lock()
	if w.pollTimer != nil && w.pollGen == gen {
		w.pollTimer = w.sched.AfterFunc(w.interval, func() { w.poll(gen) })
	}
	w.mu.Unlock()
}

// attach reports new descriptors to window and subscribes to their
// settlement. Nodes already watched, in any window, are skipped; this is
// what keeps a reused or re-parented frame from counting twice.
func (w *Watcher) attach(window WindowID, found []Descriptor) int {
	var fresh []Descriptor
	w.mu.Lock()
	open := false
	for _, x := range w.windows {
		if x == window {
			open = true
			break
		}
	}
	if open {
		for _, d := range found {
			if _, ok := w.watched[d.Node]; ok {
				continue
			}
			w.watched[d.Node] = &watch{window: window}
			fresh = append(fresh, d)
		}
	}
	w.mu.Unlock()

	for _, d := range fresh {
		w.sink.NodeResource(window, d)
		if w.events == nil {
			continue
		}
		node := d.Node
		unsub := w.events.Subscribe(node, func(st resource.Status) { w.onSettled(node, st) })

		w.mu.Lock()
		wt, still := w.watched[node]
		if still {
			wt.unsub = unsub
		}
		w.mu.Unlock()
		if !still && unsub != nil {
			unsub()
		}
	}
	return len(fresh)
}

func (w *Watcher) onSettled(node NodeID, st resource.Status) {
	w.mu.Lock()
	wt, ok := w.watched[node]
	if ok {
		delete(w.watched, node)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if wt.unsub != nil {
		wt.unsub()
	}
	w.sink.NodeSettled(wt.window, node, st)
}
