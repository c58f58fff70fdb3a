package ddns

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// Updater is the interface for DNS update backends.
type Updater interface {
	AddA(ctx context.Context, zone, fqdn string, ip net.IP, ttl uint32) error
	RemoveA(ctx context.Context, zone, fqdn string) error
	AddPTR(ctx context.Context, zone, reverseName, fqdn string, ttl uint32) error
	RemovePTR(ctx context.Context, zone, reverseName string) error
}

// ensureDot ensures a DNS name ends with a trailing dot.
func ensureDot(name string) string {
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// ReverseIPName converts an IPv4 address to its in-addr.arpa PTR name.
// e.g., 192.168.1.100 → 100.1.168.192.in-addr.arpa
func ReverseIPName(ip net.IP) string {
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", ip4[3], ip4[2], ip4[1], ip4[0])
}

// FQDN joins a sanitized hostname and zone. It returns "" when nothing usable
// remains of the hostname.
func FQDN(hostname, zone string) string {
	host := SanitizeHostname(hostname)
	if host == "" {
		return ""
	}
	zone = strings.TrimSuffix(zone, ".")
	if zone == "" {
		return ensureDot(host)
	}
	return ensureDot(host + "." + zone)
}

// SanitizeHostname lowercases a hostname into a single DNS label.
// Underscores become hyphens; other invalid characters are dropped.
func SanitizeHostname(hostname string) string {
	if hostname == "" {
		return ""
	}

	var b strings.Builder
	for _, c := range []byte(hostname) {
		switch {
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c + ('a' - 'A'))
		case c == '_':
			b.WriteByte('-')
		}
	}

	s := strings.Trim(b.String(), "-")
	// RFC 1035 label limit
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}
