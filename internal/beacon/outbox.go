// Package beacon delivers finished interaction records: an in-memory
// outbox drained by the collector, and a Redis stream publisher for
// downstream consumers.
package beacon

import (
	"sync"

	"github.com/PratikDhanave/rum-correlator/internal/correlator"
)

// Outbox buffers emitted records until they are drained.
type Outbox struct {
	mu   sync.Mutex
	recs []correlator.Record
}

var _ correlator.Beacon = (*Outbox)(nil)

// Emit implements correlator.Beacon.
func (o *Outbox) Emit(r correlator.Record) {
	o.mu.Lock()
	o.recs = append(o.recs, r)
	o.mu.Unlock()
}

// Drain returns the buffered records, oldest first, and empties the outbox.
func (o *Outbox) Drain() []correlator.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.recs
	o.recs = nil
	return out
}

// Requeue puts records back ahead of anything emitted since, for a caller
// that drained them but could not deliver them.
func (o *Outbox) Requeue(recs []correlator.Record) {
	if len(recs) == 0 {
		return
	}
	o.mu.Lock()
	o.recs = append(append([]correlator.Record(nil), recs...), o.recs...)
	o.mu.Unlock()
}

// Len reports how many records are buffered.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.recs)
}
