package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// LookupFunc resolves a hostname. Swappable in tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Guard validates webhook endpoints against SSRF: only public HTTPS endpoints
// are accepted, resolved addresses are pinned at registration, and every
// delivery re-resolves and compares against the pin.
type Guard struct {
	production bool
	lookup     LookupFunc
}

// blockedPorts are infrastructure ports no webhook endpoint may use.
var blockedPorts = map[int]bool{
	22:    true, // ssh
	23:    true, // telnet
	25:    true, // smtp
	3306:  true, // mysql
	5432:  true, // postgres
	6379:  true, // redis
	9200:  true, // elasticsearch
	11211: true, // memcached
	27017: true, // mongodb
}

// blockedSuffixes are hostname suffixes that resolve inside cluster or
// corporate networks.
var blockedSuffixes = []string{".internal", ".local", ".svc", ".cluster.local"}

// NewGuard builds a guard. Production mode refuses plain HTTP and loopback
// endpoints outright.
func NewGuard(production bool) *Guard {
	return &Guard{
		production: production,
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
}

// SetLookup overrides DNS resolution. Test hook.
func (g *Guard) SetLookup(fn LookupFunc) { g.lookup = fn }

// ValidateURL vets a webhook endpoint at registration time and returns the
// resolved addresses to pin.
func (g *Guard) ValidateURL(ctx context.Context, raw string) ([]string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("webhook url has no host")
	}
	local := isLoopbackName(host)
	if u.Scheme != "https" {
		// Plain HTTP is a development convenience for loopback targets only.
		if g.production || u.Scheme != "http" || !local {
			return nil, fmt.Errorf("webhook url must use https")
		}
	}
	if local && g.production {
		return nil, fmt.Errorf("loopback webhook targets are not allowed")
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || blockedPorts[n] {
			return nil, fmt.Errorf("webhook port %s is not allowed", port)
		}
	}
	lower := strings.ToLower(host)
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return nil, fmt.Errorf("webhook host %s resolves to an internal zone", host)
		}
	}
	if local {
		return []string{"127.0.0.1"}, nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook host %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("webhook host %s did not resolve", host)
	}
	pinned := make([]string, 0, len(ips))
	for _, ip := range ips {
		if g.unsafeIP(ip) {
			return nil, fmt.Errorf("webhook host %s resolves to a restricted address %s", host, ip)
		}
		pinned = append(pinned, ip.String())
	}
	return pinned, nil
}

// DialAddr re-resolves the host before a delivery attempt and returns the
// address to dial. Without allowChange the resolution must overlap the pinned
// set recorded at registration; a fully changed answer fails the attempt.
func (g *Guard) DialAddr(ctx context.Context, host string, pinned []string, allowChange bool) (string, error) {
	if isLoopbackName(host) {
		if g.production {
			return "", fmt.Errorf("loopback webhook targets are not allowed")
		}
		return "127.0.0.1", nil
	}
	ips, err := g.lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve webhook host %s: %w", host, err)
	}
	pinnedSet := make(map[string]bool, len(pinned))
	for _, p := range pinned {
		pinnedSet[p] = true
	}
	var fallback string
	for _, ip := range ips {
		if g.unsafeIP(ip) {
			return "", fmt.Errorf("webhook host %s now resolves to a restricted address %s", host, ip)
		}
		if pinnedSet[ip.String()] {
			return ip.String(), nil
		}
		if fallback == "" {
			fallback = ip.String()
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("webhook host %s did not resolve", host)
	}
	if !allowChange {
		return "", fmt.Errorf("webhook host %s no longer resolves to its pinned addresses", host)
	}
	return fallback, nil
}

// unsafeIP reports whether deliveries to ip could reach internal
// infrastructure. Loopback is tolerated outside production for local testing.
func (g *Guard) unsafeIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return g.production
	}
	return ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified()
}

func isLoopbackName(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
