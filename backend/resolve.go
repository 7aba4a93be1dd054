package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/openkim/kimgate/pkg/retry"
)

// ResolveAddr resolves the host part of a host:port address to an IP,
// keeping the port. Literal IP addresses skip resolution entirely. A lookup
// failure is retried once; DNS hiccups should not fail an authentication
// attempt outright.
func ResolveAddr(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid backend address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return addr, nil
	}

	var ips []net.IP
	lookup := func() error {
		var lerr error
		ips, lerr = net.DefaultResolver.LookupIP(ctx, "ip", host)
		return lerr
	}
	cfg := retry.BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      1,
	}
	if err := retry.WithRetry(ctx, lookup, cfg); err != nil {
		return "", fmt.Errorf("failed to resolve backend host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("backend host %q resolved to no addresses", host)
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}
