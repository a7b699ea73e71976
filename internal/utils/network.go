package utils

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"
)

// IsPortOpen checks if a TCP port on a target host accepts connections within
// timeout. The parent context cancels the attempt early.
func IsPortOpen(ctx context.Context, target string, port int, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}

// IsIPv4Addr checks if a string is a valid IPv4 address.
func IsIPv4Addr(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// IsIPAddr checks if a string is a valid IPv4 or IPv6 address.
func IsIPAddr(s string) bool {
	return net.ParseIP(s) != nil
}

// IsIPv4CIDR checks if a string is a valid IPv4 CIDR notation.
func IsIPv4CIDR(s string) bool {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return false
	}
	return ipnet.IP.To4() != nil
}

// ExpandCIDR expands a CIDR notation to a list of host addresses.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		ips = append(ips, ip.String())
	}

	// Drop network and broadcast addresses
	if len(ips) > 2 {
		return ips[1 : len(ips)-1], nil
	}
	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// ShortName returns the first label of a DNS name, upper-cased.
func ShortName(host string) string {
	if IsIPAddr(host) {
		return host
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	return strings.ToUpper(host)
}

// DomainToBaseDN converts a DNS domain name into its LDAP base DN.
func DomainToBaseDN(domain string) string {
	parts := strings.Split(strings.Trim(domain, "."), ".")
	for i, p := range parts {
		parts[i] = "DC=" + p
	}
	return strings.Join(parts, ",")
}

// DNToDomain converts the DC= components of a distinguished name into a DNS
// domain name, upper-cased.
func DNToDomain(dn string) string {
	var labels []string
	for _, rdn := range strings.Split(dn, ",") {
		rdn = strings.TrimSpace(rdn)
		if len(rdn) > 3 && strings.EqualFold(rdn[:3], "dc=") {
			labels = append(labels, rdn[3:])
		}
	}
	return strings.ToUpper(strings.Join(labels, "."))
}
