// Package correlator owns the in-flight interaction events, attributes
// interceptor and mutation-watcher signals to them, and emits exactly one
// Record per event once it settles or times out.
package correlator

import (
	"time"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// EventID identifies an interaction event.
type EventID string

// EventType is what caused an interaction event.
type EventType string

const (
	TypeHardNav  EventType = "hard_nav"
	TypeSPARoute EventType = "spa_route"
	TypeClick    EventType = "click"
	TypeXHR      EventType = "xhr"
	TypeFetch    EventType = "fetch"
)

// State is an interaction event's lifecycle state.
type State int

const (
	StateOpen State = iota
	StateWatching
	StateSettled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateWatching:
		return "WATCHING"
	case StateSettled:
		return "SETTLED"
	case StateTimedOut:
		return "TIMED_OUT"
	}
	return "UNKNOWN"
}

// Terminal reports whether s is SETTLED or TIMED_OUT.
func (s State) Terminal() bool { return s == StateSettled || s == StateTimedOut }

// RecordType is the classification reported for a finished event.
type RecordType string

const (
	RecordSPAHard RecordType = "spa_hard"
	RecordSPA     RecordType = "spa"
	RecordXHR     RecordType = "xhr"
	RecordFetch   RecordType = "fetch"
	RecordClick   RecordType = "click"
)

// ResourceRecord is one tracked network call or network-bound node.
type ResourceRecord struct {
	URL         string
	ResolvedURL string
	Method      string
	Initiator   resource.Initiator
	Start       time.Time
	End         time.Time // zero while pending
	Status      resource.Status
	HTTPStatus  int
	ErrorCode   int
	Payload     *resource.Payload

	// source names the request or node that produced the record.
	source string
}

type resourceKey struct {
	source string
	url    string
	method string
	start  time.Time
}

func (r *ResourceRecord) key() resourceKey {
	return resourceKey{source: r.source, url: r.URL, method: r.Method, start: r.Start}
}

// Record is the Interaction Record handed to the Beacon.
type Record struct {
	ID         EventID           `json:"id"`
	Type       RecordType        `json:"type"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	DurationMS int64             `json:"duration_ms"`
	URL        string            `json:"url"`
	PageURL    string            `json:"page_url"`
	Resources  []ResourceSummary `json:"resources"`
	TimedOut   bool              `json:"timed_out"`
}

// ResourceSummary is the per-resource part of a Record.
type ResourceSummary struct {
	URL         string             `json:"url"`
	ResolvedURL string             `json:"resolved_url,omitempty"`
	Method      string             `json:"method,omitempty"`
	Initiator   resource.Initiator `json:"initiator"`
	Status      resource.Status    `json:"status"`
	HTTPStatus  int                `json:"http_status,omitempty"`
	ErrorCode   int                `json:"error_code,omitempty"`
	Start       time.Time          `json:"start"`
	DurationMS  int64              `json:"duration_ms"`
	Payload     *resource.Payload  `json:"payload,omitempty"`
}

// Beacon receives finished records, once per event id.
type Beacon interface {
	Emit(Record)
}

// BeaconFunc adapts a function to Beacon.
type BeaconFunc func(Record)

// Emit implements Beacon.
func (f BeaconFunc) Emit(r Record) { f(r) }

// TimingEntry is a ResourceTiming observation for a URL.
type TimingEntry struct {
	URL        string
	Start      time.Time
	End        time.Time
	HTTPStatus int
}

// TimingSource looks up ResourceTiming entries. It is optional; a missing
// entry never blocks settlement.
type TimingSource interface {
	Lookup(url string, notBefore time.Time) (TimingEntry, bool)
}

// Metrics observes the correlator.
type Metrics interface {
	Emitted(Record)
	Dropped(signal string)
}

type noopMetrics struct{}

func (noopMetrics) Emitted(Record) {}
func (noopMetrics) Dropped(string) {}

// EventInfo describes an in-flight event.
type EventInfo struct {
	ID           EventID
	Type         EventType
	State        State
	URL          string
	PageURL      string
	Trigger      time.Time
	Deadline     time.Time
	Resources    int
	NodesWatched int
}

func ms(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
