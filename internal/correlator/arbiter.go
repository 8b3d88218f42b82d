package correlator

import (
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// Decision is the arbiter's verdict for an event.
type Decision int

const (
	StillPending Decision = iota
	SettleNow
	ForceTimeout
)

func (d Decision) String() string {
	switch d {
	case SettleNow:
		return "settle_now"
	case ForceTimeout:
		return "force_timeout"
	}
	return "still_pending"
}

// View is what the arbiter needs to know about an event.
type View struct {
	Now          time.Time
	Trigger      time.Time
	Deadline     time.Time
	LastActivity time.Time
	QuietWindow  time.Duration
	// Pending is nodes_watched: resources still loading.
	Pending int
	// Previous is the last decision taken for the event.
	Previous Decision
}

// Decide returns the verdict for v. Once an event is decided the verdict
// never changes. A clean quiet window wins over a deadline reached at the
// same instant.
func Decide(v View) Decision {
	if v.Previous != StillPending {
		return v.Previous
	}
	if v.Pending <= 0 && v.Now.Sub(v.LastActivity) >= v.QuietWindow {
		return SettleNow
	}
	if !v.Now.Before(v.Deadline) {
		return ForceTimeout
	}
	return StillPending
}

// Outcome is the finalized shape of an event.
type Outcome struct {
	End      time.Time
	Type     RecordType
	TimedOut bool
}

// Finalize computes an event's end and classification. End is the latest
// resource end, or the last activity when no resource was ever attached.
func Finalize(typ EventType, trigger, lastActivity time.Time, resources []ResourceRecord, d Decision) Outcome {
	end := time.Time{}
	for _, r := range resources {
		if r.Status == resource.Pending || r.End.IsZero() {
			continue
		}
		if r.End.After(end) {
			end = r.End
		}
	}
	if len(resources) == 0 || end.IsZero() {
		end = lastActivity
	}
	if end.Before(trigger) {
		end = trigger
	}
	return Outcome{End: end, Type: Classify(typ), TimedOut: d == ForceTimeout}
}

// Classify maps an event type to the record type reported for it.
func Classify(typ EventType) RecordType {
	switch typ {
	case TypeHardNav:
		return RecordSPAHard
	case TypeSPARoute:
		return RecordSPA
	case TypeFetch:
		return RecordFetch
	case TypeXHR:
		return RecordXHR
	}
	return RecordClick
}
