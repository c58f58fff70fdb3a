// Package pending tracks devices whose DHCP requests went unanswered and
// are waiting for an operator decision.
package pending

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/carpie/sid/internal/metrics"
)

// DefaultSuppressionWindow is how long detections of a resolved MAC are ignored.
const DefaultSuppressionWindow = 60 * time.Second

// Request is a device awaiting approval.
type Request struct {
	MAC       string    `json:"mac"`
	FirstSeen time.Time `json:"first_seen"`
}

type suppression struct {
	generation uint64
	timer      *time.Timer
}

// Tracker holds pending requests in discovery order plus the suppression
// windows of recently resolved MACs. It is safe for concurrent use.
type Tracker struct {
	window time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	requests   []Request
	suppressed map[string]*suppression
	generation uint64
}

// NewTracker creates a tracker. A non-positive window selects DefaultSuppressionWindow.
func NewTracker(window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	return &Tracker{
		window:     window,
		logger:     logger,
		suppressed: make(map[string]*suppression),
	}
}

// Window returns the suppression window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Observe records a failed address request for mac seen at ts. It returns
// true only when mac became pending; a MAC that is already pending or
// inside its suppression window is ignored.
func (t *Tracker) Observe(mac string, ts time.Time) bool {
	mac = normalize(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.indexOf(mac) >= 0 {
		metrics.Observations.WithLabelValues("duplicate").Inc()
		return false
	}
	if _, ok := t.suppressed[mac]; ok {
		metrics.Observations.WithLabelValues("suppressed").Inc()
		t.logger.Debug("ignoring detection during suppression window", "mac", mac)
		return false
	}

	t.requests = append(t.requests, Request{MAC: mac, FirstSeen: ts})
	metrics.Observations.WithLabelValues("added").Inc()
	t.updateGauges()
	return true
}

// List returns a snapshot of pending requests in discovery order.
func (t *Tracker) List() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// Resolve removes mac from the pending set and (re)starts its suppression
// window. It reports whether mac was pending.
func (t *Tracker) Resolve(mac string) bool {
	mac = normalize(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.indexOf(mac)
	if i < 0 {
		return false
	}
	t.requests = append(t.requests[:i], t.requests[i+1:]...)

	if old, ok := t.suppressed[mac]; ok {
		old.timer.Stop()
	}
	t.generation++
	gen := t.generation
	t.suppressed[mac] = &suppression{
		generation: gen,
		timer:      time.AfterFunc(t.window, func() { t.expire(mac, gen) }),
	}
	t.updateGauges()
	return true
}

// expire clears mac's suppression if it still belongs to generation gen.
func (t *Tracker) expire(mac string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.suppressed[mac]
	if !ok || s.generation != gen {
		return
	}
	delete(t.suppressed, mac)
	t.updateGauges()
	t.logger.Debug("suppression window expired", "mac", mac)
}

// IsPending reports whether mac awaits a decision.
func (t *Tracker) IsPending(mac string) bool {
	mac = normalize(mac)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexOf(mac) >= 0
}

// IsSuppressed reports whether detections of mac are currently ignored.
func (t *Tracker) IsSuppressed(mac string) bool {
	mac = normalize(mac)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.suppressed[mac]
	return ok
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// ClearAll drops every pending request and suppression window.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.suppressed {
		s.timer.Stop()
	}
	n := len(t.requests)
	t.requests = nil
	t.suppressed = make(map[string]*suppression)
	t.updateGauges()
	t.logger.Info("pending requests cleared", "dropped", n)
}

func (t *Tracker) indexOf(mac string) int {
	for i, r := range t.requests {
		if r.MAC == mac {
			return i
		}
	}
	return -1
}

// updateGauges must be called with mu held.
func (t *Tracker) updateGauges() {
	metrics.PendingRequests.Set(float64(len(t.requests)))
	metrics.SuppressedMACs.Set(float64(len(t.suppressed)))
}

func normalize(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
