//go:build mdns

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/grandcat/zeroconf"

	"m2dash/internal/domain"
)

// MDNSResolver finds the telemetry source via mDNS/DNS-SD.
type MDNSResolver struct {
	service string
	domain  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewMDNSResolver creates a resolver browsing service in domain.
func NewMDNSResolver(service, domainName string, timeout time.Duration, logger *slog.Logger) *MDNSResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MDNSResolver{service: service, domain: domainName, timeout: timeout, logger: logger}
}

// Resolve returns the first instance that answers within the timeout.
func (r *MDNSResolver) Resolve(ctx context.Context) (Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("mdns resolver: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan Endpoint, 1)
	go func() {
		for entry := range entries {
			ep, ok := entryToEndpoint(entry)
			if !ok {
				continue
			}
			r.logger.Debug("mdns discovered telemetry source", "instance", ep.Instance, "address", ep.Address())
			select {
			case found <- ep:
				cancel()
			default:
			}
		}
	}()

	if err := resolver.Browse(scanCtx, r.service, r.domain, entries); err != nil {
		return Endpoint{}, fmt.Errorf("mdns browse: %w", err)
	}

	select {
	case ep := <-found:
		return ep, nil
	case <-scanCtx.Done():
		select {
		case ep := <-found:
			return ep, nil
		default:
		}
		return Endpoint{}, domain.NewDomainError("MDNSResolver.Resolve", domain.ErrNotFound,
			fmt.Sprintf("no %s instance answered within %s", r.service, r.timeout))
	}
}

// Advertise registers a telemetry source on the local network. It blocks
// until ctx is cancelled.
func Advertise(ctx context.Context, instance, service, domainName string, port int, txt []string, logger *slog.Logger) error {
	server, err := zeroconf.Register(instance, service, domainName, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns advertising", "instance", instance, "service", service, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

func entryToEndpoint(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, false
	}

	txt := parseTXTRecords(entry.Text)
	return Endpoint{
		Instance: entry.ServiceRecord.Instance,
		Host:     host,
		Port:     entry.Port,
		Path:     txt["path"],
		Proto:    txt["proto"],
	}, true
}
