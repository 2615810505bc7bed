package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"unveil/internal/types"
)

// LookupFunc resolves a hostname. Swappable for tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// SSRFGuard refuses URLs whose hosts resolve to addresses an outbound
// proxy must never touch.
type SSRFGuard struct {
	lookup LookupFunc
	logger *slog.Logger
}

// NewSSRFGuard creates a guard using the default resolver.
func NewSSRFGuard(logger *slog.Logger) *SSRFGuard {
	return &SSRFGuard{
		lookup: net.DefaultResolver.LookupIPAddr,
		logger: logger.With("component", "ssrf_guard"),
	}
}

// Check resolves host and errors if any resolved address is private,
// loopback, link-local, reserved, or unspecified.
func (g *SSRFGuard) Check(ctx context.Context, host string) error {
	// Literal IPs skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("%w: %s", types.ErrSSRFRefused, ip)
		}
		return nil
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return &types.FetchError{URL: host, Err: fmt.Errorf("resolve: %w", err), Retryable: true}
	}
	if len(addrs) == 0 {
		return &types.FetchError{URL: host, Err: fmt.Errorf("no addresses for %s", host), Retryable: true}
	}
	for _, addr := range addrs {
		if isForbiddenIP(addr.IP) {
			g.logger.Warn("refused private address", "host", host, "ip", addr.IP.String())
			return fmt.Errorf("%w: %s resolves to %s", types.ErrSSRFRefused, host, addr.IP)
		}
	}
	return nil
}

// carrierGradeNAT is 100.64.0.0/10, reserved but not covered by IsPrivate.
var carrierGradeNAT = net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		carrierGradeNAT.Contains(ip)
}
