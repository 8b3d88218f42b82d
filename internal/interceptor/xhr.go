package interceptor

import (
	"context"
	"errors"
	"sync"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// Native request object events.
const (
	EventLoad    = "load"
	EventError   = "error"
	EventAbort   = "abort"
	EventTimeout = "timeout"
)

// ReadyStateDone is the ready state of a completed request object.
const ReadyStateDone = 4

// ErrListenersUnsupported is returned by request objects that cannot take
// event listeners.
var ErrListenersUnsupported = errors.New("interceptor: event listeners unsupported")

// XMLHttpRequest is the request object surface the interceptor proxies.
type XMLHttpRequest interface {
	Open(method, url string, async bool) error
	Send(body []byte) error
	Abort()
	AddEventListener(event string, fn func()) error
	ReadyState() int
	Status() int
	ResponseURL() string
	ResponseBody() []byte
}

// Event is delivered to listeners registered on a proxied request. Its
// Context attributes follow-up requests to the request that fired it.
type Event struct {
	Type    string
	Context context.Context
}

// XHR is an instrumented XMLHttpRequest. It behaves exactly like the native
// object it wraps; errors and panics from the native object reach the
// caller unchanged.
type XHR struct {
	i      *Interceptor
	native XMLHttpRequest

	mu          sync.Mutex
	cur         *attempt
	ctx         context.Context
	reqBody     []byte
	listeners   map[string][]func(Event)
	listenersOK bool
}

var _ XMLHttpRequest = (*XHR)(nil)

// Wrap instruments native.
func (i *Interceptor) Wrap(native XMLHttpRequest) *XHR {
	x := &XHR{
		i:           i,
		native:      native,
		ctx:         context.Background(),
		listeners:   map[string][]func(Event){},
		listenersOK: true,
	}
	for _, ev := range []string{EventLoad, EventError, EventAbort, EventTimeout} {
		ev := ev
		if err := native.AddEventListener(ev, func() { x.onNative(ev) }); err != nil {
			x.listenersOK = false
			break
		}
	}
	return x
}

// NewXHR wraps native with the installed interceptor, or returns native
// untouched when none is installed.
func NewXHR(native XMLHttpRequest) XMLHttpRequest {
	if i := Installed(); i != nil {
		return i.Wrap(native)
	}
	return native
}

// Open implements XMLHttpRequest.
func (x *XHR) Open(method, url string, async bool) error {
	return x.OpenContext(context.Background(), method, url, async)
}

// OpenContext opens the request on behalf of whatever request ctx carries.
// Opening again before the previous attempt settled aborts that attempt.
func (x *XHR) OpenContext(ctx context.Context, method, url string, async bool) error {
	x.mu.Lock()
	prev := x.cur
	x.cur = nil
	x.reqBody = nil
	x.mu.Unlock()

	var replaces RequestID
	if prev.pending() {
		x.i.abort(prev)
		replaces = prev.id
	}

	if err := x.native.Open(method, url, async); err != nil {
		return err
	}

	a := x.i.begin(ctx, url, method, resource.XHR, replaces)

	x.mu.Lock()
	x.cur = a
	x.ctx = ctx
	x.mu.Unlock()
	return nil
}

// Send implements XMLHttpRequest.
func (x *XHR) Send(body []byte) error {
	x.mu.Lock()
	a := x.cur
	if x.i.cfg.CapturePayloads && body != nil {
		x.reqBody = append([]byte(nil), body...)
	}
	poll := !x.listenersOK
	x.mu.Unlock()

	if poll && a.pending() {
		x.poll(a)
	}
	return x.native.Send(body)
}

// Abort implements XMLHttpRequest.
func (x *XHR) Abort() {
	x.native.Abort()
	if x.listenersOK {
		return
	}
	x.mu.Lock()
	a := x.cur
	x.mu.Unlock()
	x.i.abort(a)
}

// AddEventListener implements XMLHttpRequest.
func (x *XHR) AddEventListener(event string, fn func()) error {
	x.AddListener(event, func(Event) { fn() })
	return nil
}

// AddListener registers a context-aware listener.
func (x *XHR) AddListener(event string, fn func(Event)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners[event] = append(x.listeners[event], fn)
}

// ReadyState implements XMLHttpRequest.
func (x *XHR) ReadyState() int { return x.native.ReadyState() }

// Status implements XMLHttpRequest.
func (x *XHR) Status() int { return x.native.Status() }

// ResponseURL implements XMLHttpRequest.
func (x *XHR) ResponseURL() string { return x.native.ResponseURL() }

// ResponseBody implements XMLHttpRequest.
func (x *XHR) ResponseBody() []byte { return x.native.ResponseBody() }

// RequestID returns the id of the current attempt, or 0 if untracked.
func (x *XHR) RequestID() RequestID {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cur == nil {
		return 0
	}
	return x.cur.id
}

func (x *XHR) onNative(ev string) {
	x.mu.Lock()
	a := x.cur
	reqBody := x.reqBody
	x.mu.Unlock()

	x.settle(a, ev, reqBody)
	x.dispatch(a, ev)
}

func (x *XHR) settle(a *attempt, ev string, reqBody []byte) {
	switch ev {
	case EventLoad:
		var resp []byte
		if x.i.cfg.CapturePayloads {
			resp = x.native.ResponseBody()
		}
		x.i.finish(a, x.native.Status(), x.native.ResponseURL(), x.i.capture(reqBody, resp))
	case EventError, EventTimeout:
		x.i.fail(a, x.native.Status())
	case EventAbort:
		x.i.abort(a)
	}
}

// dispatch runs page listeners. Their panics propagate to whoever fired
// the native event.
func (x *XHR) dispatch(a *attempt, ev string) {
	x.mu.Lock()
	fns := append([]func(Event){}, x.listeners[ev]...)
	ctx := x.ctx
	x.mu.Unlock()

	if a != nil {
		ctx = ContextWithRequest(ctx, a.id)
	}
	for _, fn := range fns {
		fn(Event{Type: ev, Context: ctx})
	}
}

// poll watches the ready state of request objects that cannot take
// listeners. Sync requests that never complete are left to the
// correlator's deadline.
func (x *XHR) poll(a *attempt) {
	started := x.i.sched.Now()
	var tick func()
	tick = func() {
		x.mu.Lock()
		cur := x.cur
		reqBody := x.reqBody
		x.mu.Unlock()
		if cur != a || !a.pending() {
			return
		}
		if x.native.ReadyState() == ReadyStateDone {
			ev := EventLoad
			if x.native.Status() == 0 {
				ev = EventError
			}
			x.settle(a, ev, reqBody)
			x.dispatch(a, ev)
			return
		}
		if x.i.sched.Now().Sub(started) >= x.i.cfg.PollTimeout {
			return
		}
		x.i.sched.AfterFunc(x.i.cfg.PollInterval, tick)
	}
	x.i.sched.AfterFunc(x.i.cfg.PollInterval, tick)
}
