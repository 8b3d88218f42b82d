package models

import "github.com/PratikDhanave/rum-correlator/internal/dom"

// Signal types accepted by POST /sessions/:session_id/signals.
const (
	SignalHardNav      = "hard_nav"
	SignalRouteChange  = "route_change"
	SignalClick        = "click"
	SignalRequestOpen  = "request_open"
	SignalRequestLoad  = "request_load"
	SignalRequestError = "request_error"
	SignalRequestAbort = "request_abort"
	SignalNodeInsert   = "node_insert"
	SignalNodeAttr     = "node_attr"
	SignalNodeRemove   = "node_remove"
	SignalNodeLoad     = "node_load"
	SignalNodeError    = "node_error"
	SignalNodeAbort    = "node_abort"
	SignalTiming       = "timing"
)

// SignalBatchRequest is the POST /sessions/:session_id/signals payload.
// Signals may arrive out of order; they are replayed by ts. SentAt, in
// epoch milliseconds, is when the browser sent the batch; the session's
// clock moves there after the replay.
type SignalBatchRequest struct {
	PageURL string   `json:"page_url,omitempty"`
	SentAt  int64    `json:"sent_at,omitempty"`
	Signals []Signal `json:"signals"`
}

// Signal is one raw browser observation. TS is epoch milliseconds.
//
// Request signals name the request object in Object; a request issued from
// another request's completion handler names that object in Parent.
// Node signals name the element in NodeID; node_insert carries the inserted
// subtree in Node and its container in ParentNode. hard_nav may carry the
// document as it stood when the navigation began.
type Signal struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`

	URL string `json:"url,omitempty"`

	Object       string `json:"object,omitempty"`
	Parent       string `json:"parent,omitempty"`
	Method       string `json:"method,omitempty"`
	Initiator    string `json:"initiator,omitempty"`
	Status       int    `json:"status,omitempty"`
	ResponseURL  string `json:"response_url,omitempty"`
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`

	Node       *dom.Node `json:"node,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	ParentNode string    `json:"parent_node,omitempty"`
	Attr       string    `json:"attr,omitempty"`
	Value      string    `json:"value,omitempty"`

	// Timing entries: ResourceTiming start and end, epoch milliseconds.
	StartTS int64 `json:"start_ts,omitempty"`
	EndTS   int64 `json:"end_ts,omitempty"`
}

// SignalError reports a signal that could not be applied.
type SignalError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// SignalBatchResponse is returned by POST /sessions/:session_id/signals.
// Emitted lists the records finished by this batch; Duplicate counts those
// already stored.
type SignalBatchResponse struct {
	SessionID string        `json:"session_id"`
	Accepted  int           `json:"accepted"`
	Rejected  []SignalError `json:"rejected,omitempty"`
	Emitted   []string      `json:"emitted"`
	Duplicate int           `json:"duplicate"`
	InFlight  bool          `json:"in_flight"`
}
