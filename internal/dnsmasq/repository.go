// Package dnsmasq reads and appends the static lease directives of a dnsmasq
// configuration file and restarts the dnsmasq service so it picks them up.
package dnsmasq

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/carpie/sid/pkg/ipv4"
)

var (
	// ErrMalformedConfig is returned when the dhcp-range directive is missing or unparseable.
	ErrMalformedConfig = errors.New("malformed config")
	// ErrIO wraps read and write failures on the configuration file.
	ErrIO = errors.New("config I/O error")
)

const (
	rangePrefix = "dhcp-range="
	hostPrefix  = "dhcp-host="
)

var (
	reHostname  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	reMAC       = regexp.MustCompile(`^[A-Fa-f0-9]{2}(:[A-Fa-f0-9]{2}){5}$`)
	reLeaseTime = regexp.MustCompile(`^(\d+[smhdw]?|infinite)$`)
)

// LeaseRange is the configured dynamic range. End is nil for an open-ended range.
type LeaseRange struct {
	Start ipv4.Addr  `json:"start"`
	End   *ipv4.Addr `json:"end,omitempty"`
}

// LeaseEntry is one static MAC to IP (and hostname) assignment.
type LeaseEntry struct {
	MAC      net.HardwareAddr
	Hostname string
	IP       ipv4.Addr
}

// MarshalJSON renders the MAC in its canonical colon form.
func (e LeaseEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		MAC      string    `json:"mac"`
		Hostname string    `json:"hostname"`
		IP       ipv4.Addr `json:"ip"`
	}{e.MAC.String(), e.Hostname, e.IP})
}

// Line renders the entry as a dhcp-host directive without a trailing newline.
func (e LeaseEntry) Line() string {
	return fmt.Sprintf("%s%s,%s,%s", hostPrefix, e.MAC, e.Hostname, e.IP)
}

// Repository is a dnsmasq configuration file on disk.
type Repository struct {
	path string
}

// NewRepository returns a repository backed by the file at path.
func NewRepository(path string) *Repository {
	return &Repository{path: path}
}

// Path returns the backing file path.
func (r *Repository) Path() string {
	return r.path
}

// ReadLeaseRange returns the first dhcp-range directive.
func (r *Repository) ReadLeaseRange() (LeaseRange, error) {
	var (
		lr    LeaseRange
		found bool
		perr  error
	)
	err := r.scan(func(line string) bool {
		if !strings.HasPrefix(line, rangePrefix) {
			return true
		}
		found = true
		lr, perr = parseRange(strings.TrimPrefix(line, rangePrefix))
		return false
	})
	if err != nil {
		return LeaseRange{}, err
	}
	if !found {
		return LeaseRange{}, fmt.Errorf("%w: no dhcp-range directive in %s", ErrMalformedConfig, r.path)
	}
	if perr != nil {
		return LeaseRange{}, perr
	}
	return lr, nil
}

// ReadLeases returns every static lease in the file. Lines missing a MAC or
// an IP are skipped; a line listing several MACs yields one entry per MAC.
func (r *Repository) ReadLeases() ([]LeaseEntry, error) {
	var leases []LeaseEntry
	err := r.scan(func(line string) bool {
		if strings.HasPrefix(line, hostPrefix) {
			leases = append(leases, parseHost(strings.TrimPrefix(line, hostPrefix))...)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// AppendLease appends entry as a new dhcp-host line.
func (r *Repository) AppendLease(entry LeaseEntry) error {
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrIO, r.path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if missingNewline(f) {
		buf.WriteByte('\n')
	}
	buf.WriteString(entry.Line())
	buf.WriteByte('\n')

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: appending to %s: %w", ErrIO, r.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %w", ErrIO, r.path, err)
	}
	return nil
}

// scan calls fn for every trimmed, non-comment line until fn returns false.
func (r *Repository) scan(fn func(line string) bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrIO, r.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrIO, r.path, err)
	}
	return nil
}

// missingNewline reports whether a non-empty file does not end in '\n'.
func missingNewline(f *os.File) bool {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil && err != io.EOF {
		return false
	}
	return last[0] != '\n'
}

func parseRange(value string) (LeaseRange, error) {
	fields := splitFields(value)
	// tag:/set: qualifiers precede the start address
	for len(fields) > 0 && isTag(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return LeaseRange{}, fmt.Errorf("%w: empty dhcp-range", ErrMalformedConfig)
	}
	start, err := ipv4.Parse(fields[0])
	if err != nil {
		return LeaseRange{}, fmt.Errorf("%w: dhcp-range start %q", ErrMalformedConfig, fields[0])
	}
	lr := LeaseRange{Start: start}
	if len(fields) > 1 {
		if end, err := ipv4.Parse(fields[1]); err == nil {
			lr.End = &end
		}
	}
	return lr, nil
}

func parseHost(value string) []LeaseEntry {
	var (
		macs     []net.HardwareAddr
		hostname string
		ip       ipv4.Addr
		haveIP   bool
	)
	for _, f := range splitFields(value) {
		switch {
		case reMAC.MatchString(f):
			if mac, err := net.ParseMAC(f); err == nil {
				macs = append(macs, mac)
			}
		case !haveIP && isIP(f):
			ip, _ = ipv4.Parse(f)
			haveIP = true
		case hostname == "" && isHostnameField(f):
			hostname = f
		}
	}
	if len(macs) == 0 || !haveIP {
		return nil
	}
	entries := make([]LeaseEntry, 0, len(macs))
	for _, mac := range macs {
		entries = append(entries, LeaseEntry{MAC: mac, Hostname: hostname, IP: ip})
	}
	return entries
}

func splitFields(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTag(f string) bool {
	return strings.HasPrefix(f, "tag:") || strings.HasPrefix(f, "set:")
}

func isIP(f string) bool {
	_, err := ipv4.Parse(f)
	return err == nil
}

func isHostnameField(f string) bool {
	if !reHostname.MatchString(f) || reLeaseTime.MatchString(f) || f == "ignore" {
		return false
	}
	return true
}
