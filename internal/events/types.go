// Package events provides the event bus and hook dispatcher for sid.
package events

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// EventType names a request lifecycle or service event.
type EventType string

const (
	EventRequestDetected EventType = "request.detected"
	EventRequestApproved EventType = "request.approved"
	EventRequestRejected EventType = "request.rejected"
	EventRequestDenied   EventType = "request.denied"
	EventRequestsCleared EventType = "requests.cleared"
	EventRestartFailed   EventType = "service.restart_failed"
)

// Event is the payload passed through the event bus.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Request   *RequestData `json:"request,omitempty"`
	Lease     *LeaseData   `json:"lease,omitempty"`
	Restart   *RestartData `json:"restart,omitempty"`
	Actor     string       `json:"actor,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// RequestData describes a device that asked for an address.
type RequestData struct {
	MAC       string    `json:"mac"`
	FirstSeen time.Time `json:"first_seen,omitzero"`
	Vendor    string    `json:"vendor,omitempty"`
}

// LeaseData describes a static lease written for an approved device.
type LeaseData struct {
	MAC      string `json:"mac"`
	Hostname string `json:"hostname"`
	IP       net.IP `json:"ip"`
	Network  string `json:"network,omitempty"`
}

// RestartData carries the outcome of a failed service restart.
type RestartData struct {
	Command  string   `json:"command"`
	ExitCode int      `json:"exit_code"`
	Stderr   []string `json:"stderr,omitempty"`
}

// MAC returns the device MAC the event is about, if any.
func (e *Event) MAC() string {
	switch {
	case e.Lease != nil:
		return e.Lease.MAC
	case e.Request != nil:
		return e.Request.MAC
	default:
		return ""
	}
}

// ToEnvVars converts an event to environment variables for script hooks.
func (e *Event) ToEnvVars() map[string]string {
	env := map[string]string{
		"SID_EVENT":     string(e.Type),
		"SID_TIMESTAMP": e.Timestamp.Format(time.RFC3339),
	}

	if mac := e.MAC(); mac != "" {
		env["SID_MAC"] = mac
	}
	if e.Request != nil {
		if !e.Request.FirstSeen.IsZero() {
			env["SID_FIRST_SEEN"] = e.Request.FirstSeen.Format(time.RFC3339)
		}
		if e.Request.Vendor != "" {
			env["SID_VENDOR"] = e.Request.Vendor
		}
	}
	if e.Lease != nil {
		if e.Lease.IP != nil {
			env["SID_IP"] = e.Lease.IP.String()
		}
		if e.Lease.Hostname != "" {
			env["SID_HOSTNAME"] = e.Lease.Hostname
		}
		if e.Lease.Network != "" {
			env["SID_NETWORK"] = e.Lease.Network
		}
	}
	if e.Restart != nil {
		env["SID_RESTART_COMMAND"] = e.Restart.Command
		env["SID_RESTART_EXIT_CODE"] = strconv.Itoa(e.Restart.ExitCode)
		if len(e.Restart.Stderr) > 0 {
			env["SID_RESTART_STDERR"] = strings.Join(e.Restart.Stderr, "\n")
		}
	}
	if e.Actor != "" {
		env["SID_ACTOR"] = e.Actor
	}
	if e.Reason != "" {
		env["SID_REASON"] = e.Reason
	}
	return env
}
