// Package interceptor instruments XHR-style request objects and fetch
// calls, publishing normalized start/finish/error/abort signals for every
// request the page issues without changing what the caller observes.
package interceptor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/clock"
	"github.com/PratikDhanave/rum-correlator/internal/filter"
	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// RequestID identifies one tracked request attempt.
type RequestID uint64

// Start is published when a tracked request is opened.
type Start struct {
	ID        RequestID
	URL       string
	Method    string
	Initiator resource.Initiator
	Parent    RequestID // request whose completion handler issued this one; 0 if none
	// Replaces is the attempt this one implicitly aborted by re-opening the
	// same request object.
	Replaces   RequestID
	AlwaysSend bool
}

// Finish is published when a request loads.
type Finish struct {
	ID          RequestID
	HTTPStatus  int
	ResponseURL string
	Payload     *resource.Payload
}

// Failure is published when a request fails at the network level.
type Failure struct {
	ID         RequestID
	HTTPStatus int
}

// Sink receives interceptor signals. Implementations own all state; the
// interceptor never reads anything back.
type Sink interface {
	RequestStart(Start)
	RequestFinish(Finish)
	RequestError(Failure)
	RequestAbort(id RequestID)
	RequestPayload(id RequestID, p resource.Payload)
}

// Config is read once at construction.
type Config struct {
	Exclude         filter.Filter
	AlwaysSend      filter.Filter
	CapturePayloads bool
	MaxPayloadBytes int
	// PollInterval is used for request objects that cannot take listeners.
	PollInterval time.Duration
	// PollTimeout bounds how long such objects are polled.
	PollTimeout time.Duration
}

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultPollTimeout  = time.Minute
)

// Fetcher performs a request the way the host runtime would.
type Fetcher func(ctx context.Context, req *http.Request) (*http.Response, error)

// Interceptor publishes request lifecycle signals to a Sink.
type Interceptor struct {
	cfg     Config
	sink    Sink
	sched   clock.Scheduler
	fetcher Fetcher
	log     *slog.Logger
	nextID  atomic.Uint64
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithFetcher injects the real fetch implementation.
func WithFetcher(f Fetcher) Option { return func(i *Interceptor) { i.fetcher = f } }

// WithScheduler sets the clock used for listener-less polling.
func WithScheduler(s clock.Scheduler) Option { return func(i *Interceptor) { i.sched = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(i *Interceptor) { i.log = l } }

// New returns an Interceptor publishing to sink.
func New(sink Sink, cfg Config, opts ...Option) *Interceptor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	i := &Interceptor{
		cfg:   cfg,
		sink:  sink,
		sched: clock.Real{},
		fetcher: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return http.DefaultClient.Do(req.WithContext(ctx))
		},
		log: slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	i.log = i.log.With("component", "interceptor")
	return i
}

var installed atomic.Pointer[Interceptor]

// ErrAlreadyInstalled is returned by Install when another interceptor is active.
var ErrAlreadyInstalled = errors.New("interceptor: another interceptor is installed")

// Install makes i the process-wide interceptor used by NewXHR, Fetch and
// Transport.
func (i *Interceptor) Install() error {
	if installed.Load() == i {
		return nil
	}
	if !installed.CompareAndSwap(nil, i) {
		return ErrAlreadyInstalled
	}
	return nil
}

// Uninstall removes i if it is the installed interceptor.
func (i *Interceptor) Uninstall() {
	installed.CompareAndSwap(i, nil)
}

// Installed returns the active interceptor, or nil.
func Installed() *Interceptor { return installed.Load() }

// attempt is one tracked open of a request object.
type attempt struct {
	id      RequestID
	url     string
	start   time.Time
	settled atomic.Bool
}

func (a *attempt) settle() bool {
	return a != nil && a.settled.CompareAndSwap(false, true)
}

func (a *attempt) pending() bool { return a != nil && !a.settled.Load() }

// begin starts tracking a request. It returns nil for excluded URLs, which
// produce no signals at all.
func (i *Interceptor) begin(ctx context.Context, url, method string, init resource.Initiator, replaces RequestID) *attempt {
	if i.cfg.Exclude.Matches(url) {
		return nil
	}
	a := &attempt{
		id:    RequestID(i.nextID.Add(1)),
		url:   url,
		start: i.sched.Now(),
	}
	s := Start{
		ID:         a.id,
		URL:        url,
		Method:     method,
		Initiator:  init,
		Parent:     RequestIDFromContext(ctx),
		Replaces:   replaces,
		AlwaysSend: i.cfg.AlwaysSend.Matches(url),
	}
	i.publish("start", a.id, func() { i.sink.RequestStart(s) })
	return a
}

func (i *Interceptor) finish(a *attempt, status int, responseURL string, p *resource.Payload) {
	if !a.settle() {
		return
	}
	f := Finish{ID: a.id, HTTPStatus: status, ResponseURL: responseURL, Payload: p}
	i.publish("finish", a.id, func() { i.sink.RequestFinish(f) })
}

func (i *Interceptor) fail(a *attempt, status int) {
	if !a.settle() {
		return
	}
	i.publish("error", a.id, func() { i.sink.RequestError(Failure{ID: a.id, HTTPStatus: status}) })
}

func (i *Interceptor) abort(a *attempt) {
	if !a.settle() {
		return
	}
	i.publish("abort", a.id, func() { i.sink.RequestAbort(a.id) })
}

func (i *Interceptor) payload(a *attempt, p resource.Payload) {
	if a == nil {
		return
	}
	i.publish("payload", a.id, func() { i.sink.RequestPayload(a.id, p) })
}

func (i *Interceptor) capture(req, resp []byte) *resource.Payload {
	if !i.cfg.CapturePayloads {
		return nil
	}
	p := &resource.Payload{}
	var cutReq, cutResp bool
	p.Request, cutReq = resource.Clip(req, i.cfg.MaxPayloadBytes)
	p.Response, cutResp = resource.Clip(resp, i.cfg.MaxPayloadBytes)
	p.Truncated = cutReq || cutResp
	return p
}

// publish shields the host call from instrumentation failures.
func (i *Interceptor) publish(signal string, id RequestID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Debug("sink panicked",
				slog.String("signal", signal),
				slog.Uint64("request_id", uint64(id)),
				slog.Any("panic", r))
		}
	}()
	fn()
}

type requestIDKey struct{}

// ContextWithRequest marks ctx as running on behalf of request id, so
// requests opened with it are attributed to id's interaction.
func ContextWithRequest(ctx context.Context, id RequestID) context.Context {
	if id == 0 {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request recorded by ContextWithRequest.
func RequestIDFromContext(ctx context.Context) RequestID {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(requestIDKey{}).(RequestID)
	return id
}
