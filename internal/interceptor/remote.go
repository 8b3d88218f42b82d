package interceptor

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// rememberedObjects bounds how many settled objects can still parent a
// request issued from their completion handler.
const rememberedObjects = 1024

// Remote applies the interceptor's rules to request objects observed in a
// browser and reported by object id, as the collector receives them.
type Remote struct {
	i *Interceptor

	mu      sync.Mutex
	current map[string]*attempt
	// last keeps the most recent attempt id per object so that a request
	// issued from an already-settled object's handler can still be
	// attributed to it. Least recently opened objects fall out first.
	last *lru.Cache[string, RequestID]
}

// Remote returns an adapter publishing through i.
func (i *Interceptor) Remote() *Remote {
	last, _ := lru.New[string, RequestID](rememberedObjects)
	return &Remote{
		i:       i,
		current: map[string]*attempt{},
		last:    last,
	}
}

// Open starts an attempt for object obj. parentObj names the object whose
// completion handler issued the request, if any. Opening an object whose
// previous attempt has not settled aborts that attempt first.
func (r *Remote) Open(obj, method, url, parentObj string, init resource.Initiator) RequestID {
	if init == "" {
		init = resource.XHR
	}

	r.mu.Lock()
	prev := r.current[obj]
	delete(r.current, obj)
	var parent RequestID
	if parentObj != "" {
		parent, _ = r.last.Get(parentObj)
	}
	r.mu.Unlock()

	var replaces RequestID
	if prev.pending() {
		r.i.abort(prev)
		replaces = prev.id
	}

	ctx := ContextWithRequest(context.Background(), parent)
	a := r.i.begin(ctx, url, method, init, replaces)
	if a == nil {
		return 0
	}

	r.mu.Lock()
	r.current[obj] = a
	r.last.Add(obj, a.id)
	r.mu.Unlock()
	return a.id
}

// Load settles obj's attempt as loaded.
func (r *Remote) Load(obj string, status int, responseURL string, reqBody, respBody []byte) {
	a := r.take(obj)
	if a == nil {
		return
	}
	if responseURL == "" {
		responseURL = a.url
	}
	r.i.finish(a, status, responseURL, r.i.capture(reqBody, respBody))
}

// Error settles obj's attempt as a network error.
func (r *Remote) Error(obj string, status int) {
	r.i.fail(r.take(obj), status)
}

// Abort settles obj's attempt as aborted.
func (r *Remote) Abort(obj string) {
	r.i.abort(r.take(obj))
}

// Pending reports how many objects have an unsettled attempt.
func (r *Remote) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.current {
		if a.pending() {
			n++
		}
	}
	return n
}

// Remembered reports how many objects can still be named as a parent.
func (r *Remote) Remembered() int {
	return r.last.Len()
}

func (r *Remote) take(obj string) *attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.current[obj]
	delete(r.current, obj)
	return a
}
