// Package approval implements the operator workflow around pending
// requests: approving allocates a static lease, denying dismisses the
// request, and both start the device's suppression window.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/carpie/sid/internal/allocator"
	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/metrics"
	"github.com/carpie/sid/internal/pending"
)

// ErrNotPending is returned when denying a MAC that has no pending request.
var ErrNotPending = errors.New("no pending request for MAC")

// Allocator commits a static lease for a device.
type Allocator interface {
	Allocate(ctx context.Context, mac net.HardwareAddr, hostname string) (dnsmasq.LeaseEntry, error)
}

// VendorLookup resolves a MAC to a vendor name, "" when unknown.
type VendorLookup interface {
	Lookup(mac string) string
}

// Publisher receives workflow events.
type Publisher interface {
	Publish(evt events.Event)
}

// Service owns the tracker and serializes decisions through the allocator.
type Service struct {
	alloc   Allocator
	tracker *pending.Tracker
	bus     Publisher
	vendors VendorLookup
	network string
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithVendorLookup annotates requests and events with vendor names.
func WithVendorLookup(v VendorLookup) Option {
	return func(s *Service) { s.vendors = v }
}

// WithNetwork labels lease events with the managed network.
func WithNetwork(network string) Option {
	return func(s *Service) { s.network = network }
}

// NewService creates the approval workflow.
func NewService(alloc Allocator, tracker *pending.Tracker, bus Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		alloc:   alloc,
		tracker: tracker,
		bus:     bus,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PendingRequest is a pending request annotated for display.
type PendingRequest struct {
	pending.Request
	Vendor string `json:"vendor,omitempty"`
}

// Pending lists requests awaiting a decision in discovery order.
func (s *Service) Pending() []PendingRequest {
	reqs := s.tracker.List()
	out := make([]PendingRequest, len(reqs))
	for i, r := range reqs {
		out[i] = PendingRequest{Request: r, Vendor: s.vendor(r.MAC)}
	}
	return out
}

// PendingCount returns the number of requests awaiting a decision.
func (s *Service) PendingCount() int {
	return s.tracker.Len()
}

// IsPending reports whether mac awaits a decision.
func (s *Service) IsPending(mac string) bool {
	return s.tracker.IsPending(mac)
}

// Observe records a detection from the log and announces new requests.
func (s *Service) Observe(mac string, ts time.Time) bool {
	if !s.tracker.Observe(mac, ts) {
		return false
	}
	s.bus.Publish(events.Event{
		Type:      events.EventRequestDetected,
		Timestamp: time.Now(),
		Request:   &events.RequestData{MAC: mac, FirstSeen: ts, Vendor: s.vendor(mac)},
	})
	return true
}

// Approve allocates a lease for mac. hostname may be empty to get the next
// guest name. The request is resolved once the lease is on disk, including
// when the service restart fails; business rejections leave it pending so
// the operator can retry. actor is recorded on the event.
//
// The allocation is not cancelled with ctx once it starts.
func (s *Service) Approve(ctx context.Context, mac net.HardwareAddr, hostname, actor string) (dnsmasq.LeaseEntry, error) {
	ctx = context.WithoutCancel(ctx)
	macStr := mac.String()

	entry, err := s.alloc.Allocate(ctx, mac, hostname)

	var restartErr *dnsmasq.RestartError
	switch {
	case err == nil:
		s.tracker.Resolve(macStr)
		metrics.Decisions.WithLabelValues("approve", "success").Inc()
		s.bus.Publish(events.Event{
			Type:      events.EventRequestApproved,
			Timestamp: time.Now(),
			Lease:     s.leaseData(entry),
			Request:   &events.RequestData{MAC: macStr, Vendor: s.vendor(macStr)},
			Actor:     actor,
		})
		s.logger.Info("request approved",
			"mac", macStr,
			"hostname", entry.Hostname,
			"ip", entry.IP.String(),
			"actor", actor)
		return entry, nil

	case errors.As(err, &restartErr):
		s.tracker.Resolve(macStr)
		metrics.Decisions.WithLabelValues("approve", "restart_failed").Inc()
		s.bus.Publish(events.Event{
			Type:      events.EventRestartFailed,
			Timestamp: time.Now(),
			Lease:     s.leaseData(entry),
			Restart: &events.RestartData{
				Command:  restartErr.Command,
				ExitCode: restartErr.ExitCode,
				Stderr:   restartErr.Stderr,
			},
			Actor:  actor,
			Reason: err.Error(),
		})
		return entry, err

	default:
		result := "error"
		if IsRejection(err) {
			result = "rejected"
		}
		metrics.Decisions.WithLabelValues("approve", result).Inc()
		s.bus.Publish(events.Event{
			Type:      events.EventRequestRejected,
			Timestamp: time.Now(),
			Request:   &events.RequestData{MAC: macStr},
			Actor:     actor,
			Reason:    err.Error(),
		})
		return dnsmasq.LeaseEntry{}, err
	}
}

// Deny dismisses the pending request for mac.
func (s *Service) Deny(mac, actor string) error {
	if !s.tracker.Resolve(mac) {
		metrics.Decisions.WithLabelValues("deny", "not_pending").Inc()
		return fmt.Errorf("%w: %s", ErrNotPending, mac)
	}
	metrics.Decisions.WithLabelValues("deny", "success").Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventRequestDenied,
		Timestamp: time.Now(),
		Request:   &events.RequestData{MAC: mac, Vendor: s.vendor(mac)},
		Actor:     actor,
	})
	s.logger.Info("request denied", "mac", mac, "actor", actor)
	return nil
}

// Clear drops every pending request and suppression window.
func (s *Service) Clear(actor string) {
	s.tracker.ClearAll()
	metrics.Decisions.WithLabelValues("clear", "success").Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventRequestsCleared,
		Timestamp: time.Now(),
		Actor:     actor,
	})
}

func (s *Service) vendor(mac string) string {
	if s.vendors == nil {
		return ""
	}
	return s.vendors.Lookup(mac)
}

func (s *Service) leaseData(e dnsmasq.LeaseEntry) *events.LeaseData {
	return &events.LeaseData{
		MAC:      e.MAC.String(),
		Hostname: e.Hostname,
		IP:       e.IP.IP(),
		Network:  s.network,
	}
}

// IsRejection reports whether err is a business-rule rejection that leaves
// the request pending.
func IsRejection(err error) bool {
	return errors.Is(err, allocator.ErrHostnameInUse) ||
		errors.Is(err, allocator.ErrMACAlreadyAssigned) ||
		errors.Is(err, allocator.ErrNoAddressAvailable)
}
