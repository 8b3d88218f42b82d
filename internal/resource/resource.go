// Package resource holds the vocabulary shared by the interceptor, the
// mutation watcher and the correlator: what started a resource load and how
// it ended.
package resource

// Initiator names what issued a tracked load.
type Initiator string

const (
	XHR    Initiator = "xhr"
	Fetch  Initiator = "fetch"
	Img    Initiator = "img"
	Script Initiator = "script"
	Link   Initiator = "link"
	IFrame Initiator = "iframe"
	Frame  Initiator = "frame"
)

// IsNetworkCall reports whether the initiator is a script-issued request
// rather than a DOM node.
func (i Initiator) IsNetworkCall() bool { return i == XHR || i == Fetch }

// Status is the lifecycle state of a tracked load.
type Status string

const (
	Pending Status = "pending"
	Loaded  Status = "loaded"
	Errored Status = "errored"
	Aborted Status = "aborted"
)

// Terminal reports whether s is a settled state.
func (s Status) Terminal() bool { return s != Pending && s != "" }

const (
	// AbortCode is the error code recorded for aborted loads.
	AbortCode = -999
	// TimeoutCode is the error code recorded for loads still pending when
	// their interaction hit its deadline.
	TimeoutCode = -1000
)

// Payload holds captured request and response bodies.
type Payload struct {
	Request   []byte `json:"request,omitempty"`
	Response  []byte `json:"response,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Clip copies at most max bytes of b. It reports whether b was cut.
func Clip(b []byte, max int) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	if max > 0 && len(b) > max {
		out := make([]byte, max)
		copy(out, b[:max])
		return out, true
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, false
}
