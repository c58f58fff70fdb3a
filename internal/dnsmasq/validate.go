package dnsmasq

import (
	"fmt"
	"net"
	"strings"

	"github.com/carpie/sid/pkg/ipv4"
)

// ParseMAC parses six colon-separated hex pairs, case-insensitively.
// net.ParseMAC alone would also accept EUI-64 and dash/dot forms, which
// dnsmasq dhcp-host lines written by sid never use.
func ParseMAC(s string) (net.HardwareAddr, error) {
	s = strings.TrimSpace(s)
	if !reMAC.MatchString(s) {
		return nil, fmt.Errorf("%w: MAC %q", ipv4.ErrInvalidFormat, s)
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("%w: MAC %q: %v", ipv4.ErrInvalidFormat, s, err)
	}
	return mac, nil
}

// ValidateHostname checks name against the dhcp-host hostname charset.
func ValidateHostname(name string) error {
	if !reHostname.MatchString(name) {
		return fmt.Errorf("%w: hostname %q", ipv4.ErrInvalidFormat, name)
	}
	if reLeaseTime.MatchString(name) {
		return fmt.Errorf("%w: hostname %q would be read back as a lease time", ipv4.ErrInvalidFormat, name)
	}
	return nil
}
