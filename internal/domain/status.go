package domain

import "time"

// StatusReport is the payload of a remote status event.
type StatusReport struct {
	Online  bool
	Latency time.Duration
	Rate    float64
}

// StatusSnapshot is the tracked connection state exposed to consumers.
// Online reflects the remote report unless ManualOverride is set.
type StatusSnapshot struct {
	Online         bool          `json:"online"`
	Latency        time.Duration `json:"latency"`
	Rate           float64       `json:"rate"`
	ManualOverride bool          `json:"manual_override"`

	// Connected is the heartbeat's view of the channel; RoundTrip is the last
	// measured ping/pong latency.
	Connected bool          `json:"connected"`
	RoundTrip time.Duration `json:"round_trip"`
	UpdatedAt time.Time     `json:"updated_at,omitzero"`
}

// ConnectionEvent is the payload of the local EventConnection envelope.
type ConnectionEvent struct {
	Connected bool `json:"connected"`
}
