// ssrf.go implements validate_url: the SSRF-hardening gate every outbound
// connector call passes through before (and immediately before) dispatch.
// Explicit A/AAAA resolution via miekg/dns replaces net.LookupIP so the
// resolver is swappable and the gateway controls the query timeout
// independently of the Go runtime's resolver configuration.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	// errSchemeTmpl formats the error returned when the URL scheme is not
	// http/https.
	errSchemeTmpl = "connector: scheme %q is not allowed, only http/https"

	// ErrDomainNotAllowed distinguishes the allowlist rejection (maps to
	// DOMAIN_NOT_ALLOWED) from the IP-class rejection below (SSRF_BLOCKED).
	ErrDomainNotAllowed = errors.New("connector: host is not in the tool's allowed domain list")
	// ErrSSRFBlocked covers the reasons ValidateURL refuses a host after
	// the allowlist check: disallowed IP class or failed resolution. DNS
	// drift is reported separately by CheckDrift's bool result.
	ErrSSRFBlocked = errors.New("connector: destination blocked by SSRF policy")
)

// ResolvedHost is the outcome of resolving a hostname to its address set,
// kept so a caller can re-resolve immediately before dispatch and compare.
type ResolvedHost struct {
	Host string
	IPs  []net.IP
}

// ValidateURL checks rawURL's scheme and that its host resolves to
// addresses that are not private, loopback, link-local, unique-local, or
// otherwise internal-only, and that the host is present in allowedDomains
// (exact match or subdomain of an allowed entry). It returns the resolved
// address set so the caller can re-resolve just before dispatch and detect
// DNS drift (an attacker repointing a previously-safe domain mid-flight).
func ValidateURL(ctx context.Context, rawURL string, allowedDomains []string) (ResolvedHost, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ResolvedHost{}, fmt.Errorf("connector: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ResolvedHost{}, fmt.Errorf(errSchemeTmpl, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return ResolvedHost{}, fmt.Errorf("connector: URL has no host")
	}
	if !domainAllowed(host, allowedDomains) {
		return ResolvedHost{}, fmt.Errorf("%w: %q", ErrDomainNotAllowed, host)
	}

	ips, err := resolve(ctx, host)
	if err != nil {
		return ResolvedHost{}, fmt.Errorf("%w: resolve %q: %v", ErrSSRFBlocked, host, err)
	}
	if len(ips) == 0 {
		return ResolvedHost{}, fmt.Errorf("%w: host %q did not resolve to any address", ErrSSRFBlocked, host)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return ResolvedHost{}, fmt.Errorf("%w: host %q resolves to disallowed address %s", ErrSSRFBlocked, host, ip)
		}
	}
	return ResolvedHost{Host: host, IPs: ips}, nil
}

// CheckDrift re-resolves host and reports whether the address set differs
// from prev — called immediately before dispatch so a DNS record changed
// between validation and the actual request is caught.
func CheckDrift(ctx context.Context, prev ResolvedHost) (bool, error) {
	fresh, err := resolve(ctx, prev.Host)
	if err != nil {
		return false, err
	}
	if len(fresh) != len(prev.IPs) {
		return true, nil
	}
	seen := make(map[string]bool, len(prev.IPs))
	for _, ip := range prev.IPs {
		seen[ip.String()] = true
	}
	for _, ip := range fresh {
		if !seen[ip.String()] {
			return true, nil
		}
		if isDisallowedIP(ip) {
			return true, nil
		}
	}
	return false, nil
}

func domainAllowed(host string, allowedDomains []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range allowedDomains {
		allowed = strings.ToLower(strings.TrimSuffix(allowed, "."))
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// resolveTimeout bounds a single DNS query; validate_url and the
// pre-dispatch drift check both use it so a slow resolver can't be used
// to stall the request pipeline.
const resolveTimeout = 3 * time.Second

func resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resolved, err := queryType(ctx, host, qtype)
		if err != nil {
			continue
		}
		ips = append(ips, resolved...)
	}
	if len(ips) == 0 {
		// Fall back to the system resolver if the explicit queries above
		// failed entirely (e.g. no local recursive resolver reachable in
		// a sandboxed test environment).
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}
	return ips, nil
}

func queryType(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: resolveTimeout}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	server := "127.0.0.1:53"
	if err == nil && len(conf.Servers) > 0 {
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			ips = append(ips, rec.A)
		case *dns.AAAA:
			ips = append(ips, rec.AAAA)
		}
	}
	return ips, nil
}

// isDisallowedIP rejects loopback, private (RFC1918/RFC4193), link-local,
// unspecified and multicast/broadcast-range addresses — the classes an
// SSRF attacker would repoint an allowed hostname to in order to reach the
// gateway's internal network.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return true
	}
	return false
}
