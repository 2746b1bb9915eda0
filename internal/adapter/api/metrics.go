package api

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// handleMetrics serves GET /metrics in the Prometheus text format.
// The text format is written directly instead of pulling in the prometheus client.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := s.core.Metrics()
	snap := s.core.ConnectionStatus()

	counter(w, "m2dash_frames_received_total", "Inbound frames read from the transport.", m.FramesIn)
	counter(w, "m2dash_frames_malformed_total", "Inbound frames dropped as malformed.", m.MalformedFrames)
	counter(w, "m2dash_handler_failures_total", "Subscriber handler failures.", m.HandlerFailures)
	counter(w, "m2dash_published_total", "Envelopes published to the transport.", m.Published)
	counter(w, "m2dash_publish_failures_total", "Publishes dropped by the transport.", m.PublishFailures)
	counter(w, "m2dash_heartbeat_timeouts_total", "Heartbeat probes that went unanswered.", m.HeartbeatTimeouts)
	counter(w, "m2dash_reconnects_total", "Reconnects requested by the heartbeat.", m.Reconnects)

	gauge(w, "m2dash_frozen", "Whether inbound delivery is frozen.", boolValue(m.Frozen))
	gauge(w, "m2dash_frozen_queue_length", "Envelopes waiting in the frozen queue.", float64(m.Pending))
	gauge(w, "m2dash_subscriptions", "Active event subscriptions.", float64(m.Subscriptions))
	gauge(w, "m2dash_relay_clients", "Connected WebSocket relay clients.", float64(s.relay.Clients()))
	gauge(w, "m2dash_connected", "Heartbeat view of the channel.", boolValue(snap.Connected))
	gauge(w, "m2dash_transport_connected", "Whether the transport has a connection.", boolValue(s.core.TransportConnected()))
	gauge(w, "m2dash_online", "Remote online flag, after any manual override.", boolValue(snap.Online))
	gauge(w, "m2dash_manual_override", "Whether a manual override is in effect.", boolValue(snap.ManualOverride))
	gauge(w, "m2dash_round_trip_seconds", "Last heartbeat round trip.", snap.RoundTrip.Seconds())
	gauge(w, "m2dash_remote_latency_seconds", "Latency reported by the remote.", snap.Latency.Seconds())
	gauge(w, "m2dash_remote_rate", "Rate reported by the remote.", snap.Rate)
	gauge(w, "m2dash_uptime_seconds", "Seconds since the process started.", time.Since(s.start).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
	gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", float64(mem.Alloc))
	gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", float64(mem.Sys))
}

func counter(w io.Writer, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
