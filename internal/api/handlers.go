package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/carpie/sid/internal/allocator"
	"github.com/carpie/sid/internal/approval"
	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/pkg/ipv4"
)

// handleHealth returns server health status (no auth required).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    int64(time.Since(s.startTime).Seconds()),
		"network":   s.network.String(),
		"pending":   s.approvals.PendingCount(),
		"timestamp": time.Now().Unix(),
	})
}

// handleListRequests returns pending requests in discovery order.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, s.approvals.Pending())
}

// handleClearRequests drops every pending request and suppression window.
func (s *Server) handleClearRequests(w http.ResponseWriter, r *http.Request) {
	s.approvals.Clear(actor(r))
	w.WriteHeader(http.StatusNoContent)
}

type approveRequest struct {
	Hostname string `json:"hostname"`
}

// handleApprove allocates a static lease for the MAC in the path.
// The body is optional; an empty hostname selects the next guest name.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	mac, err := dnsmasq.ParseMAC(r.PathValue("mac"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}

	var body approveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		JSONError(w, http.StatusBadRequest, "invalid_format", "invalid request body")
		return
	}

	entry, err := s.approvals.Approve(r.Context(), mac, body.Hostname, actor(r))
	if err != nil {
		s.writeApproveError(w, entry, err)
		return
	}
	JSONResponse(w, http.StatusCreated, entry)
}

// writeApproveError maps allocation failures to HTTP statuses.
func (s *Server) writeApproveError(w http.ResponseWriter, entry dnsmasq.LeaseEntry, err error) {
	var restartErr *dnsmasq.RestartError
	switch {
	case errors.As(err, &restartErr):
		JSONResponse(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"code":      "service_restart_error",
			"exit_code": restartErr.ExitCode,
			"stderr":    restartErr.Stderr,
			"lease":     entry,
		})
	case errors.Is(err, ipv4.ErrInvalidFormat):
		JSONError(w, http.StatusBadRequest, "invalid_format", err.Error())
	case errors.Is(err, allocator.ErrHostnameInUse):
		JSONError(w, http.StatusConflict, "hostname_in_use", err.Error())
	case errors.Is(err, allocator.ErrMACAlreadyAssigned):
		JSONError(w, http.StatusConflict, "mac_already_assigned", err.Error())
	case errors.Is(err, allocator.ErrNoAddressAvailable):
		JSONError(w, http.StatusConflict, "no_address_available", err.Error())
	case errors.Is(err, dnsmasq.ErrMalformedConfig):
		s.logger.Error("dnsmasq config is malformed", "error", err)
		JSONError(w, http.StatusInternalServerError, "malformed_config", err.Error())
	case errors.Is(err, dnsmasq.ErrIO):
		s.logger.Error("dnsmasq config I/O failed", "error", err)
		JSONError(w, http.StatusInternalServerError, "io_error", err.Error())
	default:
		s.logger.Error("approval failed", "error", err)
		JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// handleDeny dismisses the pending request for the MAC in the path.
func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	mac, err := dnsmasq.ParseMAC(r.PathValue("mac"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_format", err.Error())
		return
	}
	if err := s.approvals.Deny(mac.String(), actor(r)); err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			JSONError(w, http.StatusNotFound, "not_pending", err.Error())
			return
		}
		JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListLeases returns the static leases on the managed network.
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases, err := s.leases.ReadLeases()
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	onNet := allocator.OnNetwork(leases, s.network)
	if onNet == nil {
		onNet = []dnsmasq.LeaseEntry{}
	}
	JSONResponse(w, http.StatusOK, onNet)
}

// handleGetRange returns the configured dynamic range.
func (s *Server) handleGetRange(w http.ResponseWriter, r *http.Request) {
	lr, err := s.leases.ReadLeaseRange()
	if err != nil {
		s.writeConfigError(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, lr)
}

func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	if errors.Is(err, dnsmasq.ErrMalformedConfig) {
		JSONError(w, http.StatusInternalServerError, "malformed_config", err.Error())
		return
	}
	s.logger.Error("reading dnsmasq config failed", "error", err)
	JSONError(w, http.StatusInternalServerError, "io_error", err.Error())
}
