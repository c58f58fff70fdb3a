package ddns

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/carpie/sid/internal/config"
	"github.com/carpie/sid/internal/events"
	"github.com/carpie/sid/internal/metrics"
)

// Manager registers approved hosts in DNS. It consumes request.approved events
// from the bus; updates never block the approval itself.
type Manager struct {
	cfg          *config.DDNSConfig
	updater      Updater
	timeout      time.Duration
	bus          *events.Bus
	logger       *slog.Logger
	ch           chan events.Event
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	retryBackoff time.Duration
	maxRetries   int
}

// NewManager creates a DDNS manager. It returns nil when DDNS is disabled.
func NewManager(cfg *config.DDNSConfig, bus *events.Bus, logger *slog.Logger) *Manager {
	if !cfg.Enabled {
		return nil
	}
	timeout := config.Duration(cfg.Timeout, config.DefaultDDNSTimeout)
	client := NewRFC2136Client(cfg.Server, cfg.TSIGName, cfg.TSIGAlgorithm, cfg.TSIGSecret, timeout, logger)
	return newManager(cfg, client, bus, logger, 5*time.Second, 3)
}

func newManager(cfg *config.DDNSConfig, u Updater, bus *events.Bus, logger *slog.Logger, backoff time.Duration, retries int) *Manager {
	return &Manager{
		cfg:          cfg,
		updater:      u,
		timeout:      config.Duration(cfg.Timeout, config.DefaultDDNSTimeout),
		bus:          bus,
		logger:       logger,
		ch:           bus.Subscribe(500),
		done:         make(chan struct{}),
		retryBackoff: backoff,
		maxRetries:   retries,
	}
}

// Start processes events until Stop is called.
func (m *Manager) Start() {
	m.logger.Info("DDNS manager started",
		"server", m.cfg.Server,
		"zone", m.cfg.Zone,
		"reverse_zone", m.cfg.ReverseZone)

	for {
		select {
		case evt, ok := <-m.ch:
			if !ok {
				return
			}
			m.handleEvent(evt)
		case <-m.done:
			return
		}
	}
}

// Stop shuts down the manager and waits for in-flight updates.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.bus.Unsubscribe(m.ch)
	})
	m.wg.Wait()
	m.logger.Info("DDNS manager stopped")
}

func (m *Manager) handleEvent(evt events.Event) {
	if evt.Type != events.EventRequestApproved || evt.Lease == nil {
		return
	}
	lease := *evt.Lease
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Register(context.Background(), lease.Hostname, lease.IP)
	}()
}

// Register creates the forward A record and, when a reverse zone is
// configured, the PTR record for an approved host. Failures are logged.
func (m *Manager) Register(ctx context.Context, hostname string, ip net.IP) {
	fqdn := FQDN(hostname, m.cfg.Zone)
	if fqdn == "" || ip.To4() == nil {
		m.logger.Debug("skipping DDNS update, no usable name",
			"hostname", hostname,
			"ip", ip.String())
		return
	}
	ttl := uint32(m.cfg.TTL)

	m.run(ctx, "add_a", fqdn, func(ctx context.Context) error {
		return m.updater.AddA(ctx, m.cfg.Zone, fqdn, ip, ttl)
	})

	if m.cfg.ReverseZone != "" {
		ptrName := ReverseIPName(ip)
		m.run(ctx, "add_ptr", ptrName, func(ctx context.Context) error {
			return m.updater.AddPTR(ctx, m.cfg.ReverseZone, ptrName, fqdn, ttl)
		})
	}
}

// run executes op with retries and records metrics for the final outcome.
func (m *Manager) run(ctx context.Context, op, name string, fn func(context.Context) error) {
	start := time.Now()
	err := m.withRetry(ctx, op, name, fn)
	metrics.DDNSDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DDNSUpdates.WithLabelValues(op, "error").Inc()
		m.logger.Error("DDNS operation failed after all retries",
			"op", op, "name", name, "error", err)
		return
	}
	metrics.DDNSUpdates.WithLabelValues(op, "success").Inc()
	m.logger.Info("DDNS record registered", "op", op, "name", name)
}

// withRetry retries an operation with exponential backoff.
func (m *Manager) withRetry(ctx context.Context, op, name string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-m.done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		actx, cancel := context.WithTimeout(ctx, m.timeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		m.logger.Warn("DDNS operation failed, retrying",
			"op", op, "name", name, "attempt", attempt+1,
			"max_retries", m.maxRetries, "error", err)
	}
	return err
}

var _ Updater = (*RFC2136Client)(nil)
