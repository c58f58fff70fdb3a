// Package ipv4 implements the address arithmetic sid needs to pick static
// leases: strict dotted-quad parsing, ordering, subnet membership and a
// carrying successor.
package ipv4

import (
	"errors"
	"fmt"
	"iter"
	"net"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned for malformed address (and MAC/hostname) text.
var ErrInvalidFormat = errors.New("invalid format")

// Addr is an IPv4 address, most significant octet first.
type Addr [4]byte

// Parse parses exactly four dot-separated decimal groups in 0-255.
// Leading zeros are accepted, so "01.002.03.04" parses as 1.2.3.4.
func Parse(s string) (Addr, error) {
	var a Addr
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return a, fmt.Errorf("%w: %q is not a dotted-quad address", ErrInvalidFormat, s)
	}
	for i, p := range parts {
		if p == "" || len(p) > 3 || !isDigits(p) {
			return a, fmt.Errorf("%w: %q has a bad octet %q", ErrInvalidFormat, s, p)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return a, fmt.Errorf("%w: %q has an out of range octet %q", ErrInvalidFormat, s, p)
		}
		a[i] = byte(n)
	}
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Addr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromIP converts a net.IP. ok is false if ip is not an IPv4 address.
func FromIP(ip net.IP) (Addr, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return Addr{}, false
	}
	return Addr{ip4[0], ip4[1], ip4[2], ip4[3]}, true
}

// IP returns the address as a net.IP.
func (a Addr) IP() net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3]).To4()
}

// String returns the canonical a.b.c.d form.
func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = p
	return nil
}

// Compare returns -1, 0 or 1 comparing octets most significant first.
func Compare(a, b Addr) int {
	for i := 0; i < 4; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Compare is the method form of Compare.
func (a Addr) Compare(b Addr) int {
	return Compare(a, b)
}

// Next returns the successor of a, carrying into more significant octets.
// 255.255.255.255 wraps to 0.0.0.0.
func (a Addr) Next() Addr {
	for i := 3; i >= 0; i-- {
		a[i]++
		if a[i] != 0 {
			break
		}
	}
	return a
}

// SequenceFrom yields start and then every successor, forever.
// The consumer decides when to stop.
func SequenceFrom(start Addr) iter.Seq[Addr] {
	return func(yield func(Addr) bool) {
		for ip := start; ; ip = ip.Next() {
			if !yield(ip) {
				return
			}
		}
	}
}

// Sort orders addrs ascending in place.
func Sort(addrs []Addr) {
	slices.SortFunc(addrs, Compare)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
