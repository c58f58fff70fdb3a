// Package allocator picks and commits static leases for newly approved
// devices. Allocation is read-check-append against a plain text file, so
// every Allocate call on an Engine is serialized.
package allocator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/metrics"
	"github.com/carpie/sid/pkg/ipv4"
)

var (
	// ErrHostnameInUse is returned when another lease on the network has the hostname.
	ErrHostnameInUse = errors.New("hostname is already in use")
	// ErrMACAlreadyAssigned is returned when the MAC already has a lease on the network.
	ErrMACAlreadyAssigned = errors.New("MAC is already assigned an address")
	// ErrNoAddressAvailable is returned when the range is exhausted.
	ErrNoAddressAvailable = errors.New("no address available")
)

var reGuest = regexp.MustCompile(`^guest(\d+)$`)

// LeaseStore is the configuration the engine reads and appends to.
type LeaseStore interface {
	ReadLeaseRange() (dnsmasq.LeaseRange, error)
	ReadLeases() ([]dnsmasq.LeaseEntry, error)
	AppendLease(entry dnsmasq.LeaseEntry) error
}

// Reloader makes the DHCP service pick up a changed configuration.
type Reloader interface {
	Restart(ctx context.Context) (dnsmasq.ExecResult, error)
}

// Prober reports whether something already answers on ip.
type Prober interface {
	Probe(ctx context.Context, ip net.IP) (bool, error)
}

// Engine allocates static leases on a single managed network.
type Engine struct {
	store    LeaseStore
	reloader Reloader
	network  ipv4.Network
	logger   *slog.Logger

	prober       Prober
	probeTimeout time.Duration

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithProber skips candidate addresses that answer p within timeout.
func WithProber(p Prober, timeout time.Duration) Option {
	return func(e *Engine) {
		e.prober = p
		e.probeTimeout = timeout
	}
}

// NewEngine creates an allocation engine.
func NewEngine(store LeaseStore, reloader Reloader, network ipv4.Network, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		reloader:     reloader,
		network:      network,
		logger:       logger,
		probeTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Network returns the managed network.
func (e *Engine) Network() ipv4.Network {
	return e.network
}

// Allocate assigns the lowest free address to mac and commits it. An empty
// hostname is replaced by the next free guest<N> name. The entry is
// committed only when both the append and the service restart succeed; a
// failed restart leaves the line on disk and returns a *dnsmasq.RestartError.
func (e *Engine) Allocate(ctx context.Context, mac net.HardwareAddr, hostname string) (dnsmasq.LeaseEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	entry, err := e.allocate(ctx, mac, hostname)
	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	metrics.Allocations.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		e.logger.Warn("allocation failed",
			"mac", mac.String(),
			"hostname", hostname,
			"error", err)
		return entry, err
	}

	e.logger.Info("static lease allocated",
		"mac", entry.MAC.String(),
		"hostname", entry.Hostname,
		"ip", entry.IP.String(),
		"duration", time.Since(start).String())
	return entry, nil
}

func (e *Engine) allocate(ctx context.Context, mac net.HardwareAddr, hostname string) (dnsmasq.LeaseEntry, error) {
	if len(mac) != 6 {
		return dnsmasq.LeaseEntry{}, fmt.Errorf("%w: MAC %q", ipv4.ErrInvalidFormat, mac.String())
	}
	if hostname != "" {
		if err := dnsmasq.ValidateHostname(hostname); err != nil {
			return dnsmasq.LeaseEntry{}, err
		}
	}

	leases, err := e.store.ReadLeases()
	if err != nil {
		return dnsmasq.LeaseEntry{}, fmt.Errorf("reading leases: %w", err)
	}
	onNet := OnNetwork(leases, e.network)
	metrics.StaticLeases.Set(float64(len(onNet)))

	if err := CheckNotAssigned(onNet, mac, hostname); err != nil {
		return dnsmasq.LeaseEntry{}, err
	}

	lr, err := e.store.ReadLeaseRange()
	if err != nil {
		return dnsmasq.LeaseEntry{}, fmt.Errorf("reading lease range: %w", err)
	}

	assigned := make(map[ipv4.Addr]struct{}, len(onNet))
	for _, l := range onNet {
		assigned[l.IP] = struct{}{}
	}
	ip, err := nextAvailable(lr, e.network,
		func(ip ipv4.Addr) bool {
			_, ok := assigned[ip]
			return ok
		},
		func(ip ipv4.Addr) bool { return e.alive(ctx, ip) },
	)
	if err != nil {
		return dnsmasq.LeaseEntry{}, err
	}

	if hostname == "" {
		hostname = GuestHostname(leases)
	}
	entry := dnsmasq.LeaseEntry{MAC: mac, Hostname: hostname, IP: ip}

	if err := e.store.AppendLease(entry); err != nil {
		return dnsmasq.LeaseEntry{}, err
	}
	if _, err := e.reloader.Restart(ctx); err != nil {
		return entry, err
	}
	return entry, nil
}

// alive probes ip when a prober is configured. Probe errors count as clear.
func (e *Engine) alive(ctx context.Context, ip ipv4.Addr) bool {
	if e.prober == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	up, err := e.prober.Probe(pctx, ip.IP())
	switch {
	case err != nil:
		metrics.LivenessProbes.WithLabelValues("error").Inc()
		e.logger.Warn("liveness probe failed, treating address as free",
			"ip", ip.String(),
			"error", err)
		return false
	case up:
		metrics.LivenessProbes.WithLabelValues("alive").Inc()
		e.logger.Warn("candidate address answered probe, skipping",
			"ip", ip.String())
		return true
	default:
		metrics.LivenessProbes.WithLabelValues("clear").Inc()
		return false
	}
}

// OnNetwork returns the leases whose address is on network.
func OnNetwork(leases []dnsmasq.LeaseEntry, network ipv4.Network) []dnsmasq.LeaseEntry {
	out := make([]dnsmasq.LeaseEntry, 0, len(leases))
	for _, l := range leases {
		if network.Contains(l.IP) {
			out = append(out, l)
		}
	}
	return out
}

// CheckNotAssigned rejects a hostname or MAC that an existing lease already
// uses. An empty hostname is not checked. Hostnames are compared exactly, MACs
// byte-wise.
func CheckNotAssigned(leases []dnsmasq.LeaseEntry, mac net.HardwareAddr, hostname string) error {
	if hostname != "" {
		for _, l := range leases {
			if l.Hostname == hostname {
				return fmt.Errorf("%w: %s has %s", ErrHostnameInUse, l.IP, hostname)
			}
		}
	}
	for _, l := range leases {
		if bytes.Equal(l.MAC, mac) {
			return fmt.Errorf("%w: %s has %s", ErrMACAlreadyAssigned, mac, l.IP)
		}
	}
	return nil
}

// NextAvailable returns the lowest address at or above lr.Start that is not
// in assigned, stays on network, is neither the network nor the broadcast
// address, and does not pass lr.End.
func NextAvailable(lr dnsmasq.LeaseRange, network ipv4.Network, assigned []ipv4.Addr) (ipv4.Addr, error) {
	set := make(map[ipv4.Addr]struct{}, len(assigned))
	for _, ip := range assigned {
		set[ip] = struct{}{}
	}
	return nextAvailable(lr, network, func(ip ipv4.Addr) bool {
		_, ok := set[ip]
		return ok
	}, nil)
}

// nextAvailable walks from lr.Start. alive, if set, is consulted only for
// candidates that passed every other check.
func nextAvailable(lr dnsmasq.LeaseRange, network ipv4.Network, taken, alive func(ipv4.Addr) bool) (ipv4.Addr, error) {
	for ip := range ipv4.SequenceFrom(lr.Start) {
		if !network.Contains(ip) || network.IsNetworkAddress(ip) || network.IsBroadcastAddress(ip) {
			break
		}
		if taken(ip) {
			continue
		}
		if lr.End != nil && ipv4.Compare(ip, *lr.End) > 0 {
			break
		}
		if alive != nil && alive(ip) {
			continue
		}
		return ip, nil
	}
	return ipv4.Addr{}, fmt.Errorf("%w on %s from %s", ErrNoAddressAvailable, network, lr.Start)
}

// GuestHostname returns guest<k> for the smallest k >= 1 not used by any lease.
func GuestHostname(leases []dnsmasq.LeaseEntry) string {
	used := make(map[int]struct{})
	for _, l := range leases {
		m := reGuest.FindStringSubmatch(l.Hostname)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil {
			used[n] = struct{}{}
		}
	}
	k := 1
	for {
		if _, ok := used[k]; !ok {
			break
		}
		k++
	}
	return "guest" + strconv.Itoa(k)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrHostnameInUse):
		return "hostname_in_use"
	case errors.Is(err, ErrMACAlreadyAssigned):
		return "mac_already_assigned"
	case errors.Is(err, ErrNoAddressAvailable):
		return "no_address_available"
	case errors.Is(err, dnsmasq.ErrServiceRestart):
		return "restart_failed"
	case errors.Is(err, ipv4.ErrInvalidFormat):
		return "invalid_format"
	default:
		return "error"
	}
}
