// Package conflict checks whether a candidate address is already in use on
// the wire before it is written to the dnsmasq configuration.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

var probePayload = []byte("sid-probe")

// ICMPProber sends ICMP Echo Requests to candidate addresses (RFC 792).
// The socket is opened once and shared; probes are serialized on it.
type ICMPProber struct {
	conn       *icmp.PacketConn
	privileged bool
	id         int
	seq        uint16
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewICMPProber opens a raw ICMP socket, falling back to an unprivileged
// datagram ping socket. When neither is available the prober is returned in
// degraded mode and reports every address as clear.
func NewICMPProber(logger *slog.Logger) *ICMPProber {
	p := &ICMPProber{
		id:     os.Getpid() & 0xffff,
		logger: logger,
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err == nil {
		p.conn = conn
		p.privileged = true
		logger.Info("ICMP prober initialized", "socket", "raw")
		return p
	}

	conn, udpErr := icmp.ListenPacket("udp4", "0.0.0.0")
	if udpErr == nil {
		p.conn = conn
		logger.Info("ICMP prober initialized", "socket", "datagram")
		return p
	}

	logger.Error("failed to open ICMP socket, liveness probing is disabled",
		"error", errors.Join(err, udpErr),
		"hint", "grant CAP_NET_RAW or widen net.ipv4.ping_group_range")
	return p
}

// Available returns true if the prober has a working socket.
func (p *ICMPProber) Available() bool {
	return p.conn != nil
}

// Close closes the ICMP socket.
func (p *ICMPProber) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Probe sends one Echo Request to target and waits for the matching reply.
// It returns true when the address answered and false when ctx expires first.
func (p *ICMPProber) Probe(ctx context.Context, target net.IP) (bool, error) {
	if p.conn == nil {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	seq := int(p.seq)
	start := time.Now()

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: probePayload,
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshalling ICMP echo request: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := p.conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("setting ICMP deadline: %w", err)
	}

	if _, err := p.conn.WriteTo(wb, p.destination(target)); err != nil {
		return false, fmt.Errorf("sending ICMP echo to %s: %w", target, err)
	}

	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				p.logger.Debug("ICMP probe timeout (clear)",
					"target_ip", target.String(),
					"duration", time.Since(start).String())
				return false, nil
			}
			return false, fmt.Errorf("reading ICMP reply: %w", err)
		}

		if !p.isReply(buf[:n], peer, target, seq) {
			continue
		}
		p.logger.Debug("ICMP probe reply received (in use)",
			"target_ip", target.String(),
			"duration", time.Since(start).String())
		return true, nil
	}
}

func (p *ICMPProber) destination(target net.IP) net.Addr {
	if p.privileged {
		return &net.IPAddr{IP: target}
	}
	return &net.UDPAddr{IP: target}
}

// isReply reports whether b is the echo reply for seq sent to target.
// Datagram sockets rewrite the echo ID, so it is only checked on raw sockets.
func (p *ICMPProber) isReply(b []byte, peer net.Addr, target net.IP, seq int) bool {
	if !peerIP(peer).Equal(target) {
		return false
	}
	reply, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	echo, ok := reply.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	return !p.privileged || echo.ID == p.id
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}
