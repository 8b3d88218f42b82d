package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// Fetch issues req through the injected fetcher and tracks it. The
// response and error are returned unchanged. Cancelling ctx before the
// response arrives is reported as an abort.
func (i *Interceptor) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return i.track(ctx, req, func(r *http.Request) (*http.Response, error) {
		return i.fetcher(r.Context(), r)
	})
}

// RoundTripper instruments every request passing through next.
func (i *Interceptor) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return i.track(req.Context(), req, next.RoundTrip)
	})
}

// Fetch uses the installed interceptor, or http.DefaultClient when none is
// installed.
func Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if i := Installed(); i != nil {
		return i.Fetch(ctx, req)
	}
	return http.DefaultClient.Do(req.WithContext(ctx))
}

// Transport returns a RoundTripper that is instrumented whenever an
// interceptor is installed and a plain pass-through otherwise.
func Transport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if i := Installed(); i != nil {
			return i.track(req.Context(), req, next.RoundTrip)
		}
		return next.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func (i *Interceptor) track(ctx context.Context, req *http.Request, do func(*http.Request) (*http.Response, error)) (*http.Response, error) {
	a := i.begin(ctx, req.URL.String(), req.Method, resource.Fetch, 0)
	if a == nil {
		return do(req.WithContext(ctx))
	}

	var reqBody []byte
	if i.cfg.CapturePayloads && req.GetBody != nil {
		if rc, err := req.GetBody(); err == nil {
			reqBody, _ = io.ReadAll(rc)
			_ = rc.Close()
		}
	}

	// Responses carry the request id in their request context so handlers
	// can attribute follow-up requests.
	resp, err := do(req.WithContext(ContextWithRequest(ctx, a.id)))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			i.abort(a)
		} else {
			i.fail(a, 0)
		}
		return resp, err
	}

	responseURL := req.URL.String()
	if resp.Request != nil && resp.Request.URL != nil {
		responseURL = resp.Request.URL.String()
	}

	if i.cfg.CapturePayloads && resp.Body != nil {
		resp.Body = &capturingBody{
			rc:  resp.Body,
			max: i.cfg.MaxPayloadBytes,
			done: func(body []byte) {
				if p := i.capture(reqBody, body); p != nil {
					i.payload(a, *p)
				}
			},
		}
	}
	i.finish(a, resp.StatusCode, responseURL, nil)
	return resp, nil
}

// capturingBody copies what the caller reads and reports it once, at EOF or
// Close, whichever comes first.
type capturingBody struct {
	rc   io.ReadCloser
	max  int
	buf  bytes.Buffer
	once sync.Once
	done func([]byte)
}

func (c *capturingBody) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 && (c.max <= 0 || c.buf.Len() < c.max+1) {
		c.buf.Write(p[:n])
	}
	if err == io.EOF {
		c.report()
	}
	return n, err
}

func (c *capturingBody) Close() error {
	err := c.rc.Close()
	c.report()
	return err
}

func (c *capturingBody) report() {
	c.once.Do(func() { c.done(c.buf.Bytes()) })
}
