package ipv4

import "fmt"

// Network is an address/mask pair. Masks are applied per octet and need not
// be contiguous.
type Network struct {
	Address Addr `json:"address"`
	Mask    Addr `json:"mask"`
}

// ParseNetwork parses a dotted-quad address and mask.
func ParseNetwork(address, mask string) (Network, error) {
	a, err := Parse(address)
	if err != nil {
		return Network{}, fmt.Errorf("network address: %w", err)
	}
	m, err := Parse(mask)
	if err != nil {
		return Network{}, fmt.Errorf("network mask: %w", err)
	}
	return Network{Address: a, Mask: m}, nil
}

// Contains reports whether ip is on the network.
func (n Network) Contains(ip Addr) bool {
	for i := 0; i < 4; i++ {
		if n.Address[i]&n.Mask[i] != ip[i]&n.Mask[i] {
			return false
		}
	}
	return true
}

// IsNetworkAddress reports whether ip is the network address under mask,
// i.e. every host bit is zero.
func (n Network) IsNetworkAddress(ip Addr) bool {
	return IsNetworkAddress(ip, n.Mask)
}

// IsBroadcastAddress reports whether ip is the broadcast address under mask.
func (n Network) IsBroadcastAddress(ip Addr) bool {
	return IsBroadcastAddress(ip, n.Mask)
}

// String returns "address/mask".
func (n Network) String() string {
	return n.Address.String() + "/" + n.Mask.String()
}

// IsNetworkAddress reports whether every host bit of ip is 0.
func IsNetworkAddress(ip, mask Addr) bool {
	for i := 0; i < 4; i++ {
		if ip[i]&^mask[i] != 0 {
			return false
		}
	}
	return true
}

// IsBroadcastAddress reports whether every host bit of ip is 1.
func IsBroadcastAddress(ip, mask Addr) bool {
	for i := 0; i < 4; i++ {
		if ip[i]|mask[i] != 0xff {
			return false
		}
	}
	return true
}
