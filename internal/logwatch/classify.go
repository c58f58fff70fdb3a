// Package logwatch tails the system log and reports devices that dnsmasq
// refused an address.
package logwatch

import (
	"regexp"
	"strings"
)

// Kind classifies a syslog line.
type Kind int

const (
	// KindIgnored is a line not written by dnsmasq.
	KindIgnored Kind = iota
	// KindOther is a dnsmasq line of no interest.
	KindOther
	// KindNoAddress is a DHCP request that got no address.
	KindNoAddress
	// KindRestart is dnsmasq's startup banner.
	KindRestart
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindOther:
		return "other"
	case KindNoAddress:
		return "no_address"
	case KindRestart:
		return "restart"
	default:
		return "unknown"
	}
}

var reNoAddress = regexp.MustCompile(`(?i)([0-9a-f]+:[0-9a-f]+:[0-9a-f]+:[0-9a-f]+:[0-9a-f]+:[0-9a-f]+).* no address available`)

// Classify returns the line's kind and, for KindNoAddress, the lower-cased MAC.
func Classify(line string) (string, Kind) {
	if !strings.Contains(line, " dnsmasq") {
		return "", KindIgnored
	}
	if m := reNoAddress.FindStringSubmatch(line); m != nil {
		return strings.ToLower(m[1]), KindNoAddress
	}
	if strings.Contains(line, "started, version") {
		return "", KindRestart
	}
	return "", KindOther
}
