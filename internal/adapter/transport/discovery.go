package transport

import (
	"context"
	"net"
	"strconv"
	"strings"

	"m2dash/internal/domain"
)

// Endpoint is a discovered telemetry source.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	// Path is the WebSocket path advertised in the TXT record ("path=/ws").
	Path string
	// Proto is "websocket" or "grpc", from the TXT record ("proto=grpc").
	Proto string
}

// WebSocketURL returns the ws:// URL of the endpoint.
func (e Endpoint) WebSocketURL() string {
	path := e.Path
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + e.Address() + path
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Resolver finds the telemetry source on the network.
type Resolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// NoopResolver is used when mDNS support is not compiled in.
type NoopResolver struct{}

// NewNoopResolver creates a NoopResolver.
func NewNoopResolver() *NoopResolver { return &NoopResolver{} }

// Resolve always fails with ErrNotFound.
func (NoopResolver) Resolve(_ context.Context) (Endpoint, error) {
	return Endpoint{}, domain.NewDomainError("transport.Resolve", domain.ErrNotFound, "mdns discovery not compiled in")
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
