package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/carpie/sid/internal/allocator"
	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/pending"
	"github.com/carpie/sid/pkg/ipv4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAllocator struct {
	err   error
	calls int
	ctx   context.Context
}

func (f *fakeAllocator) Allocate(ctx context.Context, mac net.HardwareAddr, hostname string) (dnsmasq.LeaseEntry, error) {
	f.calls++
	f.ctx = ctx
	if hostname == "" {
		hostname = "guest1"
	}
	entry := dnsmasq.LeaseEntry{MAC: mac, Hostname: hostname, IP: ipv4.MustParse("192.168.0.12")}
	var re *dnsmasq.RestartError
	if f.err != nil && !errors.As(f.err, &re) {
		return dnsmasq.LeaseEntry{}, f.err
	}
	return entry, f.err
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingBus) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingBus) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recordingBus) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type staticVendors map[string]string

func (v staticVendors) Lookup(mac string) string { return v[mac] }

const testMAC = "11:22:33:44:55:66"

func newTestService(t *testing.T, alloc Allocator) (*Service, *pending.Tracker, *recordingBus) {
	t.Helper()
	tracker := pending.NewTracker(time.Hour, testLogger())
	bus := &recordingBus{}
	svc := NewService(alloc, tracker, bus, testLogger(),
		WithVendorLookup(staticVendors{testMAC: "Raspberry Pi Foundation"}),
		WithNetwork("192.168.0.0/255.255.255.0"))
	return svc, tracker, bus
}

func mustMAC(t *testing.T) net.HardwareAddr {
	t.Helper()
	mac, err := dnsmasq.ParseMAC(testMAC)
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestObservePublishesOnce(t *testing.T) {
	svc, _, bus := newTestService(t, &fakeAllocator{})

	if !svc.Observe(testMAC, time.Now()) {
		t.Fatal("Observe() = false, want true")
	}
	if svc.Observe(testMAC, time.Now()) {
		t.Error("duplicate Observe() = true, want false")
	}

	types := bus.types()
	if len(types) != 1 || types[0] != events.EventRequestDetected {
		t.Fatalf("events = %v, want [request.detected]", types)
	}
	if v := bus.last().Request.Vendor; v != "Raspberry Pi Foundation" {
		t.Errorf("vendor = %q", v)
	}
}

func TestPendingIncludesVendor(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeAllocator{})
	svc.Observe(testMAC, time.Now())
	svc.Observe("aa:bb:cc:dd:ee:ff", time.Now())

	reqs := svc.Pending()
	if len(reqs) != 2 {
		t.Fatalf("Pending() = %d requests, want 2", len(reqs))
	}
	if reqs[0].MAC != testMAC || reqs[0].Vendor != "Raspberry Pi Foundation" {
		t.Errorf("Pending()[0] = %+v", reqs[0])
	}
	if reqs[1].Vendor != "" {
		t.Errorf("Pending()[1].Vendor = %q, want empty", reqs[1].Vendor)
	}
	if n := svc.PendingCount(); n != 2 {
		t.Errorf("PendingCount() = %d, want 2", n)
	}
}

func TestApproveSuccess(t *testing.T) {
	alloc := &fakeAllocator{}
	svc, tracker, bus := newTestService(t, alloc)
	svc.Observe(testMAC, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entry, err := svc.Approve(ctx, mustMAC(t), "tv", "admin")
	if err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if alloc.ctx.Err() != nil {
		t.Error("allocation context should not carry the caller's cancellation")
	}
	if entry.Hostname != "tv" {
		t.Errorf("Hostname = %q, want tv", entry.Hostname)
	}
	if tracker.IsPending(testMAC) {
		t.Error("request still pending after approval")
	}
	if !tracker.IsSuppressed(testMAC) {
		t.Error("approved MAC should be suppressed")
	}

	evt := bus.last()
	if evt.Type != events.EventRequestApproved {
		t.Fatalf("last event = %s, want request.approved", evt.Type)
	}
	if evt.Lease.IP.String() != "192.168.0.12" || evt.Lease.Network != "192.168.0.0/255.255.255.0" || evt.Actor != "admin" {
		t.Errorf("lease event = %+v actor=%q", evt.Lease, evt.Actor)
	}
}

func TestApproveWithoutPendingRequest(t *testing.T) {
	alloc := &fakeAllocator{}
	svc, _, _ := newTestService(t, alloc)

	if _, err := svc.Approve(context.Background(), mustMAC(t), "", "admin"); err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if alloc.calls != 1 {
		t.Errorf("Allocate calls = %d, want 1", alloc.calls)
	}
}

func TestApproveRejectionKeepsPending(t *testing.T) {
	for _, rejection := range []error{
		allocator.ErrHostnameInUse,
		allocator.ErrMACAlreadyAssigned,
		allocator.ErrNoAddressAvailable,
		fmt.Errorf("%w: disk full", dnsmasq.ErrIO),
	} {
		t.Run(rejection.Error(), func(t *testing.T) {
			svc, tracker, bus := newTestService(t, &fakeAllocator{err: rejection})
			svc.Observe(testMAC, time.Now())

			_, err := svc.Approve(context.Background(), mustMAC(t), "tardis", "admin")
			if !errors.Is(err, rejection) {
				t.Fatalf("Approve() error = %v, want %v", err, rejection)
			}
			if !tracker.IsPending(testMAC) {
				t.Error("request should stay pending after rejection")
			}
			if got := bus.last().Type; got != events.EventRequestRejected {
				t.Errorf("last event = %s, want request.rejected", got)
			}
		})
	}
}

func TestApproveRestartFailureResolves(t *testing.T) {
	restartErr := &dnsmasq.RestartError{Command: "sudo service dnsmasq restart", ExitCode: 1, Stderr: []string{"failed"}}
	svc, tracker, bus := newTestService(t, &fakeAllocator{err: restartErr})
	svc.Observe(testMAC, time.Now())

	entry, err := svc.Approve(context.Background(), mustMAC(t), "tv", "admin")
	if !errors.Is(err, dnsmasq.ErrServiceRestart) {
		t.Fatalf("Approve() error = %v, want ErrServiceRestart", err)
	}
	if entry.IP.String() != "192.168.0.12" {
		t.Errorf("entry IP = %s, want the committed address", entry.IP)
	}
	if tracker.IsPending(testMAC) {
		t.Error("request should be resolved once the lease is on disk")
	}

	evt := bus.last()
	if evt.Type != events.EventRestartFailed {
		t.Fatalf("last event = %s, want service.restart_failed", evt.Type)
	}
	if evt.Restart == nil || evt.Restart.ExitCode != 1 {
		t.Errorf("restart data = %+v", evt.Restart)
	}
}

func TestDeny(t *testing.T) {
	svc, tracker, bus := newTestService(t, &fakeAllocator{})
	svc.Observe(testMAC, time.Now())

	if err := svc.Deny(testMAC, "admin"); err != nil {
		t.Fatalf("Deny() error: %v", err)
	}
	if tracker.IsPending(testMAC) {
		t.Error("request still pending after deny")
	}
	if got := bus.last().Type; got != events.EventRequestDenied {
		t.Errorf("last event = %s, want request.denied", got)
	}

	// Inside the suppression window the device does not come back.
	if svc.Observe(testMAC, time.Now()) {
		t.Error("Observe() after deny = true, want false")
	}
}

func TestDenyNotPending(t *testing.T) {
	svc, _, bus := newTestService(t, &fakeAllocator{})

	if err := svc.Deny(testMAC, "admin"); !errors.Is(err, ErrNotPending) {
		t.Errorf("Deny() error = %v, want ErrNotPending", err)
	}
	if len(bus.types()) != 0 {
		t.Errorf("events = %v, want none", bus.types())
	}
}

func TestClear(t *testing.T) {
	svc, tracker, bus := newTestService(t, &fakeAllocator{})
	svc.Observe(testMAC, time.Now())
	svc.Deny(testMAC, "admin")
	svc.Observe("aa:bb:cc:dd:ee:ff", time.Now())

	svc.Clear("admin")
	if tracker.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tracker.Len())
	}
	if tracker.IsSuppressed(testMAC) {
		t.Error("suppression survived Clear")
	}
	if got := bus.last().Type; got != events.EventRequestsCleared {
		t.Errorf("last event = %s, want requests.cleared", got)
	}
}

func TestIsRejection(t *testing.T) {
	if !IsRejection(fmt.Errorf("wrapped: %w", allocator.ErrNoAddressAvailable)) {
		t.Error("IsRejection(no address) = false, want true")
	}
	if IsRejection(dnsmasq.ErrIO) {
		t.Error("IsRejection(io) = true, want false")
	}
}
