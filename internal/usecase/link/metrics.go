package link

import "sync/atomic"

// Metrics is a point-in-time copy of the link counters.
type Metrics struct {
	FramesIn          uint64 `json:"frames_in"`
	MalformedFrames   uint64 `json:"malformed_frames"`
	HandlerFailures   uint64 `json:"handler_failures"`
	Published         uint64 `json:"published"`
	PublishFailures   uint64 `json:"publish_failures"`
	HeartbeatTimeouts uint64 `json:"heartbeat_timeouts"`
	Reconnects        uint64 `json:"reconnects"`
	Frozen            bool   `json:"frozen"`
	Pending           int    `json:"pending"`
	Subscriptions     int    `json:"subscriptions"`
}

type counters struct {
	framesIn        atomic.Uint64
	malformed       atomic.Uint64
	handlerFailures atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	reconnects      atomic.Uint64
}
