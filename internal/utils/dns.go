// Package utils provides network, DNS and formatting helpers for dirhound.
package utils

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrNoRecord is returned when a lookup succeeds but yields no usable answer.
var ErrNoRecord = errors.New("no matching DNS record")

// DNSResolve resolves a host name to an IPv4 address. With a nameserver it
// queries that server directly, UDP first and TCP as a fallback; without one
// the system resolver is used.
func DNSResolve(ctx context.Context, name, nameserver string, timeout time.Duration) (string, error) {
	if nameserver == "" {
		return systemResolve(ctx, name, timeout)
	}

	answers, err := exchange(ctx, dns.Fqdn(name), dns.TypeA, nameserver, timeout)
	if err != nil {
		return "", err
	}
	for _, ans := range answers {
		if a, ok := ans.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", ErrNoRecord
}

// DNSReverse returns the host name registered for an IP address through a PTR
// lookup, without the trailing dot.
func DNSReverse(ctx context.Context, ip, nameserver string, timeout time.Duration) (string, error) {
	if nameserver == "" {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		names, err := net.DefaultResolver.LookupAddr(ctx, ip)
		if err != nil {
			return "", err
		}
		if len(names) == 0 {
			return "", ErrNoRecord
		}
		return strings.TrimSuffix(names[0], "."), nil
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", errors.Wrapf(err, "invalid address %s", ip)
	}
	answers, err := exchange(ctx, arpa, dns.TypePTR, nameserver, timeout)
	if err != nil {
		return "", err
	}
	for _, ans := range answers {
		if ptr, ok := ans.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", ErrNoRecord
}

// exchange sends one question over UDP and retries over TCP when UDP fails
// or the answer was truncated.
func exchange(ctx context.Context, name string, qtype uint16, server string, timeout time.Duration) ([]dns.RR, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, network := range []string{"udp", "tcp"} {
		c := &dns.Client{Net: network, Timeout: timeout}
		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = errors.Wrapf(err, "dns %s query for %s", network, name)
			continue
		}
		if r.Truncated && network == "udp" {
			continue
		}
		if r.Rcode != dns.RcodeSuccess {
			return nil, errors.Wrapf(ErrNoRecord, "%s: %s", name, dns.RcodeToString[r.Rcode])
		}
		return r.Answer, nil
	}
	return nil, lastErr
}

// systemResolve uses the system resolver to resolve a hostname.
func systemResolve(ctx context.Context, hostname string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, hostname)
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if IsIPv4Addr(addr) {
			return addr, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return "", ErrNoRecord
}
