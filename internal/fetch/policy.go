package fetch

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrHostDenied is returned when the host policy rejects a target.
var ErrHostDenied = errors.New("outbound host not allowed")

// HostPolicy decides which targets may be dispatched. Patterns are exact
// hostnames or "*.example.com" suffix wildcards.
type HostPolicy struct {
	allowed []string
	blocked []string
}

// NewHostPolicy builds a policy. An empty allowed list permits any host not
// blocked.
func NewHostPolicy(allowed, blocked []string) *HostPolicy {
	return &HostPolicy{
		allowed: normalizeHosts(allowed),
		blocked: normalizeHosts(blocked),
	}
}

// Check returns nil if target may be dispatched.
func (p *HostPolicy) Check(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrHostDenied, u.Scheme)
	}
	host := canonicalHost(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid target: missing host")
	}

	if matchAny(p.blocked, host) {
		return fmt.Errorf("%w: %s is blocked", ErrHostDenied, host)
	}
	if len(p.allowed) > 0 && !matchAny(p.allowed, host) {
		return fmt.Errorf("%w: %s is not in the allow list", ErrHostDenied, host)
	}
	return nil
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(h), "["), "]")
		if h = canonicalHost(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// canonicalHost lowercases host, drops a trailing root dot and unmaps
// IPv4-mapped IPv6 literals so equivalent spellings compare equal.
func canonicalHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if suffix, ok := strings.CutPrefix(p, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}
