// Package siem forwards request decisions to a remote syslog collector as
// RFC 5424 messages carrying key=value, CEF or JSON bodies.
package siem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/carpie/sid/internal/config"
	"github.com/carpie/sid/internal/events"
)

// Facility values (RFC 5424)
const (
	FacilityDaemon = 3
	FacilityLocal0 = 16
	FacilityLocal7 = 23
)

// Severity values (RFC 5424)
const (
	SeverityEmergency = iota
	SeverityAlert
	SeverityCritical
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityInfo
	SeverityDebug
)

// Format constants
const (
	FormatKV   = "kv"
	FormatCEF  = "cef"
	FormatJSON = "json"
)

// Forwarder subscribes to the event bus and writes each event to the collector.
type Forwarder struct {
	cfg      config.SIEMConfig
	bus      *events.Bus
	logger   *slog.Logger
	ch       chan events.Event
	done     chan struct{}
	stopOnce sync.Once
	hostname string
	version  string

	mu   sync.Mutex
	conn net.Conn
}

// NewForwarder creates a forwarder. It returns nil when forwarding is disabled.
func NewForwarder(cfg config.SIEMConfig, version string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if !cfg.Enabled {
		return nil
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	return &Forwarder{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		done:     make(chan struct{}),
		hostname: hostname,
		version:  version,
	}
}

// Start dials the collector and forwards events in the background.
func (f *Forwarder) Start() error {
	conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to syslog %s://%s: %w", f.cfg.Protocol, f.cfg.Address, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.ch = f.bus.Subscribe(500)
	go f.loop()

	f.logger.Info("SIEM forwarder started",
		"address", f.cfg.Address,
		"protocol", f.cfg.Protocol,
		"format", f.cfg.Format)
	return nil
}

// Stop shuts down the forwarder and closes the connection.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.done)
		if f.ch != nil {
			f.bus.Unsubscribe(f.ch)
		}
		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
			f.conn = nil
		}
		f.mu.Unlock()
		f.logger.Info("SIEM forwarder stopped")
	})
}

func (f *Forwarder) loop() {
	for {
		select {
		case evt, ok := <-f.ch:
			if !ok {
				return
			}
			f.send(evt)
		case <-f.done:
			return
		}
	}
}

// send writes one syslog line, redialing once if the write fails.
func (f *Forwarder) send(evt events.Event) {
	line := f.line(evt)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 3*time.Second)
		if err != nil {
			f.logger.Warn("syslog reconnect failed", "error", err)
			return
		}
		f.conn = conn
	}

	if _, err := f.conn.Write([]byte(line)); err != nil {
		f.logger.Debug("syslog write failed, reconnecting", "error", err)
		f.conn.Close()
		conn, err := net.DialTimeout(f.cfg.Protocol, f.cfg.Address, 3*time.Second)
		if err != nil {
			f.logger.Warn("syslog reconnect failed", "error", err)
			f.conn = nil
			return
		}
		f.conn = conn
		f.conn.Write([]byte(line))
	}
}

// line renders evt as a complete RFC 5424 message with trailing newline.
func (f *Forwarder) line(evt events.Event) string {
	priority := f.cfg.Facility*8 + eventSeverity(evt.Type)
	ts := evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	return fmt.Sprintf("<%d>1 %s %s %s - - - %s\n", priority, ts, f.hostname, f.cfg.Tag, f.format(evt))
}

func (f *Forwarder) format(evt events.Event) string {
	switch f.cfg.Format {
	case FormatCEF:
		return FormatCEFMessage(evt, f.version)
	case FormatJSON:
		data, _ := json.Marshal(evt)
		return string(data)
	default:
		return FormatMessage(evt)
	}
}

// FormatMessage formats an event into a key=value string.
func FormatMessage(evt events.Event) string {
	parts := []string{"event=" + string(evt.Type)}

	if mac := evt.MAC(); mac != "" {
		parts = append(parts, "mac="+mac)
	}
	if evt.Lease != nil {
		if evt.Lease.IP != nil {
			parts = append(parts, "ip="+evt.Lease.IP.String())
		}
		if evt.Lease.Hostname != "" {
			parts = append(parts, "hostname="+evt.Lease.Hostname)
		}
	}
	if evt.Request != nil && evt.Request.Vendor != "" {
		parts = append(parts, fmt.Sprintf("vendor=%q", evt.Request.Vendor))
	}
	if evt.Restart != nil {
		parts = append(parts, fmt.Sprintf("exit_code=%d", evt.Restart.ExitCode))
	}
	if evt.Actor != "" {
		parts = append(parts, "actor="+evt.Actor)
	}
	if evt.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%q", evt.Reason))
	}
	return strings.Join(parts, " ")
}

// FormatCEFMessage produces ArcSight Common Event Format messages.
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func FormatCEFMessage(evt events.Event, version string) string {
	ext := []string{fmt.Sprintf("rt=%d", evt.Timestamp.UnixMilli())}

	if mac := evt.MAC(); mac != "" {
		ext = append(ext, "smac="+mac)
	}
	if evt.Lease != nil {
		if evt.Lease.IP != nil {
			ext = append(ext, "src="+evt.Lease.IP.String())
		}
		if evt.Lease.Hostname != "" {
			ext = append(ext, "shost="+cefEscape(evt.Lease.Hostname))
		}
		if evt.Lease.Network != "" {
			ext = append(ext, fmt.Sprintf("cs1=%s cs1Label=Network", cefEscape(evt.Lease.Network)))
		}
	}
	if evt.Request != nil && evt.Request.Vendor != "" {
		ext = append(ext, fmt.Sprintf("cs2=%s cs2Label=Vendor", cefEscape(evt.Request.Vendor)))
	}
	if evt.Restart != nil {
		ext = append(ext, fmt.Sprintf("cn1=%d cn1Label=ExitCode", evt.Restart.ExitCode))
	}
	if evt.Actor != "" {
		ext = append(ext, "suser="+cefEscape(evt.Actor))
	}
	if evt.Reason != "" {
		ext = append(ext, "msg="+cefEscape(evt.Reason))
	}

	return fmt.Sprintf("CEF:0|sid|DHCP Approval|%s|%s|%s|%d|%s",
		cefHeaderEscape(version),
		cefSignatureID(evt.Type),
		cefHeaderEscape(cefEventName(evt.Type)),
		cefSeverity(evt.Type),
		strings.Join(ext, " "),
	)
}

// cefHeaderEscape escapes pipes and backslashes in header fields.
func cefHeaderEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `|`, `\|`)
}

// cefEscape escapes extension values.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `=`, `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

func cefSignatureID(t events.EventType) string {
	switch t {
	case events.EventRequestDetected:
		return "100"
	case events.EventRequestApproved:
		return "101"
	case events.EventRequestRejected:
		return "102"
	case events.EventRequestDenied:
		return "103"
	case events.EventRequestsCleared:
		return "104"
	case events.EventRestartFailed:
		return "200"
	default:
		return "999"
	}
}

func cefEventName(t events.EventType) string {
	switch t {
	case events.EventRequestDetected:
		return "DHCP Request Pending"
	case events.EventRequestApproved:
		return "Static Lease Approved"
	case events.EventRequestRejected:
		return "Approval Rejected"
	case events.EventRequestDenied:
		return "Request Denied"
	case events.EventRequestsCleared:
		return "Pending Requests Cleared"
	case events.EventRestartFailed:
		return "dnsmasq Restart Failed"
	default:
		return string(t)
	}
}

// cefSeverity maps event types to CEF severity (0-10 scale).
func cefSeverity(t events.EventType) int {
	switch t {
	case events.EventRestartFailed:
		return 7
	case events.EventRequestDetected:
		return 3
	case events.EventRequestRejected, events.EventRequestDenied:
		return 2
	default:
		return 1
	}
}

func eventSeverity(t events.EventType) int {
	switch t {
	case events.EventRestartFailed:
		return SeverityError
	case events.EventRequestDetected:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}
