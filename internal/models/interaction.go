package models

// InFlightResponse is returned by GET /sessions/:session_id/inflight.
type InFlightResponse struct {
	SessionID string          `json:"session_id"`
	InFlight  bool            `json:"in_flight"`
	Events    []InFlightEvent `json:"events"`
}

// InFlightEvent describes one interaction still being tracked.
type InFlightEvent struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	State        string `json:"state"`
	URL          string `json:"url"`
	Trigger      string `json:"trigger"`
	Deadline     string `json:"deadline"`
	Resources    int    `json:"resources"`
	NodesWatched int    `json:"nodes_watched"`
}

// CloseSessionResponse is returned by POST /sessions/:session_id/close.
type CloseSessionResponse struct {
	SessionID string   `json:"session_id"`
	Emitted   []string `json:"emitted"`
	Duplicate int      `json:"duplicate"`
}
