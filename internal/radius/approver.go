package radius

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/carpie/sid/internal/dnsmasq"
	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/metrics"
)

// Actor is recorded as the decision maker for automatic approvals.
const Actor = "radius"

// Authorizer decides whether a MAC may be approved.
type Authorizer interface {
	Authorize(ctx context.Context, mac net.HardwareAddr) AuthResult
}

// Approver writes the static lease for an accepted device. Devices that are
// no longer pending have been decided by an operator and are left alone.
type Approver interface {
	IsPending(mac string) bool
	Approve(ctx context.Context, mac net.HardwareAddr, hostname, actor string) (dnsmasq.LeaseEntry, error)
}

// AutoApprover consumes request.detected events and approves devices the
// RADIUS server accepts. Rejected devices stay pending for an operator.
type AutoApprover struct {
	auth     Authorizer
	approver Approver
	bus      *events.Bus
	timeout  time.Duration
	logger   *slog.Logger
	ch       chan events.Event
	done     chan struct{}
	stopOnce sync.Once
}

// NewAutoApprover subscribes to bus. timeout bounds the RADIUS authorization
// only; the approval itself runs to completion.
func NewAutoApprover(auth Authorizer, approver Approver, bus *events.Bus, timeout time.Duration, logger *slog.Logger) *AutoApprover {
	return &AutoApprover{
		auth:     auth,
		approver: approver,
		bus:      bus,
		timeout:  timeout,
		logger:   logger,
		ch:       bus.Subscribe(100),
		done:     make(chan struct{}),
	}
}

// Start handles detected requests one at a time until Stop is called.
func (a *AutoApprover) Start() {
	a.logger.Info("RADIUS auto-approval started")
	for {
		select {
		case evt, ok := <-a.ch:
			if !ok {
				return
			}
			if evt.Type == events.EventRequestDetected && evt.Request != nil {
				a.handle(evt.Request.MAC)
			}
		case <-a.done:
			return
		}
	}
}

// Stop ends the event loop.
func (a *AutoApprover) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.bus.Unsubscribe(a.ch)
	})
}

func (a *AutoApprover) handle(macStr string) {
	mac, err := dnsmasq.ParseMAC(macStr)
	if err != nil {
		a.logger.Warn("skipping RADIUS authorization for unparsable MAC", "mac", macStr, "error", err)
		return
	}

	if !a.approver.IsPending(mac.String()) {
		a.logger.Debug("skipping RADIUS authorization, request already decided", "mac", mac.String())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	res := a.auth.Authorize(ctx, mac)
	switch {
	case res.Code == "error":
		metrics.RADIUSRequests.WithLabelValues("error").Inc()
		return
	case !res.Accepted:
		metrics.RADIUSRequests.WithLabelValues("reject").Inc()
		a.logger.Info("RADIUS rejected device, leaving it pending",
			"mac", mac.String(),
			"code", res.Code,
			"message", res.Message)
		return
	}
	metrics.RADIUSRequests.WithLabelValues("accept").Inc()

	// the operator may have decided while the server was answering
	if !a.approver.IsPending(mac.String()) {
		a.logger.Info("RADIUS accepted device that is no longer pending, not approving", "mac", mac.String())
		return
	}

	entry, err := a.approver.Approve(ctx, mac, "", Actor)
	if err != nil {
		a.logger.Warn("automatic approval failed",
			"mac", mac.String(),
			"error", err)
		return
	}
	a.logger.Info("device approved by RADIUS",
		"mac", mac.String(),
		"hostname", entry.Hostname,
		"ip", entry.IP.String())
}
