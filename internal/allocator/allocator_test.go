package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/pkg/ipv4"
)

const homeDNS = `
# General configuration
domain-needed
bogus-priv
dhcp-range=192.168.0.10,static,48h
dhcp-option=3,192.168.0.1

# Static IPs
dhcp-host=11:22:33:00:89:01,thedoctor,192.168.0.10
dhcp-host=11:22:44:10:88:02,tardis,192.168.0.42
dhcp-host=11:22:55:42:87:03,sonicscrewdriver,192.168.0.11
`

type fakeReloader struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReloader) Restart(ctx context.Context) (dnsmasq.ExecResult, error) {
	f.calls.Add(1)
	return dnsmasq.ExecResult{}, f.err
}

type fakeProber struct {
	alive map[ipv4.Addr]bool
	err   error
}

func (f *fakeProber) Probe(ctx context.Context, ip net.IP) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	a, _ := ipv4.FromIP(ip)
	return f.alive[a], nil
}

type failingStore struct {
	*dnsmasq.Repository
}

func (failingStore) AppendLease(dnsmasq.LeaseEntry) error {
	return fmt.Errorf("%w: disk full", dnsmasq.ErrIO)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testNetwork(t *testing.T) ipv4.Network {
	t.Helper()
	n, err := ipv4.ParseNetwork("192.168.0.0", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func newRepo(t *testing.T, content string) *dnsmasq.Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "home.dns")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return dnsmasq.NewRepository(path)
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := dnsmasq.ParseMAC(s)
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func countLine(t *testing.T, repo *dnsmasq.Repository, line string) int {
	t.Helper()
	data, err := os.ReadFile(repo.Path())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, l := range strings.Split(string(data), "\n") {
		if l == line {
			n++
		}
	}
	return n
}

func TestAllocateNextFreeAddress(t *testing.T) {
	repo := newRepo(t, homeDNS)
	rl := &fakeReloader{}
	e := NewEngine(repo, rl, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if entry.IP != ipv4.MustParse("192.168.0.12") {
		t.Errorf("IP = %s, want 192.168.0.12", entry.IP)
	}
	if rl.calls.Load() != 1 {
		t.Errorf("restart calls = %d, want 1", rl.calls.Load())
	}
	if n := countLine(t, repo, "dhcp-host=11:22:33:44:55:66,foo,192.168.0.12"); n != 1 {
		t.Errorf("appended line count = %d, want 1", n)
	}
}

func TestAllocateRangeStartWhenEmpty(t *testing.T) {
	repo := newRepo(t, "dhcp-range=192.168.0.10,192.168.0.12,static,48h\ndhcp-option=3,192.168.0.1\n\n# Static IPs\n")
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got := entry.Line(); got != "dhcp-host=11:22:33:44:55:66,foo,192.168.0.10" {
		t.Errorf("entry = %s", got)
	}
}

func TestAllocateGuestHostname(t *testing.T) {
	repo := newRepo(t, `dhcp-range=192.168.0.10,192.168.0.12,static,48h
dhcp-host=11:22:33:00:89:01,guest1,192.168.0.10
dhcp-host=11:22:44:10:88:02,guest3,192.168.0.42
dhcp-host=11:22:55:42:87:03,guest42,192.168.0.11
`)
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got := entry.Line(); got != "dhcp-host=11:22:33:44:55:66,guest2,192.168.0.12" {
		t.Errorf("entry = %s, want guest2 at 192.168.0.12", got)
	}
}

func TestAllocateFirstGuestHostname(t *testing.T) {
	repo := newRepo(t, "dhcp-range=192.168.0.10,192.168.0.12,static,48h\n")
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got := entry.Line(); got != "dhcp-host=11:22:33:44:55:66,guest1,192.168.0.10" {
		t.Errorf("entry = %s, want guest1 at 192.168.0.10", got)
	}
}

func TestAllocateRejections(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		mac      string
		hostname string
		want     error
	}{
		{"mac already assigned", homeDNS, "11:22:33:00:89:01", "foo", ErrMACAlreadyAssigned},
		{"mac assigned without hostname", homeDNS, "11:22:33:00:89:01", "", ErrMACAlreadyAssigned},
		{"hostname in use", homeDNS, "11:22:33:44:55:66", "tardis", ErrHostnameInUse},
		{"invalid hostname", homeDNS, "11:22:33:44:55:66", "bad name", ipv4.ErrInvalidFormat},
		{"range exhausted", `dhcp-range=192.168.0.10,192.168.0.12,static,48h
dhcp-host=11:22:33:00:89:01,thedoctor,192.168.0.10
dhcp-host=11:22:44:10:88:02,tardis,192.168.0.11
dhcp-host=11:22:55:42:87:03,sonicscrewdriver,192.168.0.12
`, "11:22:33:44:55:66", "foo", ErrNoAddressAvailable},
		{"next is broadcast", `dhcp-range=192.168.0.252,static,48h
dhcp-host=11:22:33:00:89:01,thedoctor,192.168.0.252
dhcp-host=11:22:44:10:88:02,tardis,192.168.0.253
dhcp-host=11:22:55:42:87:03,sonicscrewdriver,192.168.0.254
`, "11:22:33:44:55:66", "foo", ErrNoAddressAvailable},
		{"no range", "dhcp-host=11:22:33:00:89:01,thedoctor,192.168.0.10\n", "11:22:33:44:55:66", "foo", dnsmasq.ErrMalformedConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo(t, tt.config)
			rl := &fakeReloader{}
			e := NewEngine(repo, rl, testNetwork(t), testLogger())

			before, _ := os.ReadFile(repo.Path())
			_, err := e.Allocate(context.Background(), mustMAC(t, tt.mac), tt.hostname)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Allocate() error = %v, want %v", err, tt.want)
			}
			after, _ := os.ReadFile(repo.Path())
			if string(before) != string(after) {
				t.Error("config changed on rejected allocation")
			}
			if rl.calls.Load() != 0 {
				t.Errorf("restart calls = %d, want 0", rl.calls.Load())
			}
		})
	}
}

func TestAllocateIgnoresLeasesOffNetwork(t *testing.T) {
	repo := newRepo(t, `dhcp-range=192.168.0.10,static,48h
dhcp-host=11:22:33:00:89:01,tardis,10.0.0.10
`)
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:00:89:01"), "tardis")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if entry.IP != ipv4.MustParse("192.168.0.10") {
		t.Errorf("IP = %s, want 192.168.0.10", entry.IP)
	}
}

func TestAllocateRestartFailure(t *testing.T) {
	repo := newRepo(t, homeDNS)
	rl := &fakeReloader{err: &dnsmasq.RestartError{Command: "restart", ExitCode: 1, Stderr: []string{"boom"}}}
	e := NewEngine(repo, rl, testNetwork(t), testLogger())

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if !errors.Is(err, dnsmasq.ErrServiceRestart) {
		t.Fatalf("Allocate() error = %v, want ErrServiceRestart", err)
	}
	var re *dnsmasq.RestartError
	if !errors.As(err, &re) || re.ExitCode != 1 {
		t.Errorf("error = %#v, want RestartError with exit code 1", err)
	}
	if entry.IP != ipv4.MustParse("192.168.0.12") {
		t.Errorf("entry IP = %s, want 192.168.0.12", entry.IP)
	}
	if n := countLine(t, repo, "dhcp-host=11:22:33:44:55:66,foo,192.168.0.12"); n != 1 {
		t.Errorf("line persisted %d times, want 1", n)
	}
}

func TestAllocateAppendFailureSkipsRestart(t *testing.T) {
	rl := &fakeReloader{}
	e := NewEngine(failingStore{newRepo(t, homeDNS)}, rl, testNetwork(t), testLogger())

	_, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if !errors.Is(err, dnsmasq.ErrIO) {
		t.Fatalf("Allocate() error = %v, want ErrIO", err)
	}
	if rl.calls.Load() != 0 {
		t.Errorf("restart calls = %d, want 0", rl.calls.Load())
	}
}

func TestAllocateSkipsLiveAddress(t *testing.T) {
	repo := newRepo(t, homeDNS)
	p := &fakeProber{alive: map[ipv4.Addr]bool{ipv4.MustParse("192.168.0.12"): true}}
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger(), WithProber(p, time.Second))

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if entry.IP != ipv4.MustParse("192.168.0.13") {
		t.Errorf("IP = %s, want 192.168.0.13", entry.IP)
	}
}

func TestAllocateProbeErrorTreatedAsFree(t *testing.T) {
	repo := newRepo(t, homeDNS)
	p := &fakeProber{err: errors.New("permission denied")}
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger(), WithProber(p, time.Second))

	entry, err := e.Allocate(context.Background(), mustMAC(t, "11:22:33:44:55:66"), "foo")
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if entry.IP != ipv4.MustParse("192.168.0.12") {
		t.Errorf("IP = %s, want 192.168.0.12", entry.IP)
	}
}

func TestAllocateConcurrentUnique(t *testing.T) {
	repo := newRepo(t, "dhcp-range=192.168.0.10,static,48h\n")
	e := NewEngine(repo, &fakeReloader{}, testNetwork(t), testLogger())

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mac := net.HardwareAddr{0x02, 0, 0, 0, 0, byte(i)}
			if _, err := e.Allocate(context.Background(), mac, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Allocate() error: %v", err)
	}

	leases, err := repo.ReadLeases()
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != n {
		t.Fatalf("leases = %d, want %d", len(leases), n)
	}
	ips := make(map[ipv4.Addr]bool)
	names := make(map[string]bool)
	for _, l := range leases {
		if ips[l.IP] {
			t.Errorf("duplicate IP %s", l.IP)
		}
		if names[l.Hostname] {
			t.Errorf("duplicate hostname %s", l.Hostname)
		}
		ips[l.IP] = true
		names[l.Hostname] = true
	}
}

func TestNextAvailable(t *testing.T) {
	network := testNetwork(t)
	end := ipv4.MustParse("192.168.0.12")
	tests := []struct {
		name     string
		lr       dnsmasq.LeaseRange
		assigned []string
		want     string
		wantErr  bool
	}{
		{"fills gap", dnsmasq.LeaseRange{Start: ipv4.MustParse("192.168.0.10")}, []string{"192.168.0.10", "192.168.0.11"}, "192.168.0.12", false},
		{"start free", dnsmasq.LeaseRange{Start: ipv4.MustParse("192.168.0.10"), End: &end}, nil, "192.168.0.10", false},
		{"past end", dnsmasq.LeaseRange{Start: ipv4.MustParse("192.168.0.10"), End: &end}, []string{"192.168.0.10", "192.168.0.11", "192.168.0.12"}, "", true},
		{"broadcast", dnsmasq.LeaseRange{Start: ipv4.MustParse("192.168.0.254")}, []string{"192.168.0.254"}, "", true},
		{"network address", dnsmasq.LeaseRange{Start: ipv4.MustParse("192.168.0.0")}, nil, "", true},
		{"off network", dnsmasq.LeaseRange{Start: ipv4.MustParse("10.0.0.1")}, nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var assigned []ipv4.Addr
			for _, s := range tt.assigned {
				assigned = append(assigned, ipv4.MustParse(s))
			}
			got, err := NextAvailable(tt.lr, network, assigned)
			if tt.wantErr {
				if !errors.Is(err, ErrNoAddressAvailable) {
					t.Errorf("NextAvailable() error = %v, want ErrNoAddressAvailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextAvailable() error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("NextAvailable() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGuestHostname(t *testing.T) {
	mk := func(names ...string) []dnsmasq.LeaseEntry {
		out := make([]dnsmasq.LeaseEntry, len(names))
		for i, n := range names {
			out[i] = dnsmasq.LeaseEntry{Hostname: n}
		}
		return out
	}
	tests := []struct {
		leases []dnsmasq.LeaseEntry
		want   string
	}{
		{nil, "guest1"},
		{mk("guest1", "guest3", "guest42"), "guest2"},
		{mk("guest2", "guest3"), "guest1"},
		{mk("guest1", "guest2", "guestx", "myguest3"), "guest3"},
	}
	for _, tt := range tests {
		if got := GuestHostname(tt.leases); got != tt.want {
			t.Errorf("GuestHostname(%v) = %s, want %s", tt.leases, got, tt.want)
		}
	}
}
