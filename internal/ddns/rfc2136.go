// Package ddns registers approved hosts in DNS using RFC 2136 dynamic updates.
package ddns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// RFC2136Client performs DNS updates using RFC 2136 (DNS UPDATE) with optional TSIG.
type RFC2136Client struct {
	server   string
	tsigName string
	tsigAlgo string
	tsigKey  string
	timeout  time.Duration
	network  string
	logger   *slog.Logger
}

// NewRFC2136Client creates a new RFC 2136 DNS update client.
func NewRFC2136Client(server, tsigName, tsigAlgo, tsigKey string, timeout time.Duration, logger *slog.Logger) *RFC2136Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RFC2136Client{
		server:   server,
		tsigName: tsigName,
		tsigAlgo: tsigAlgo,
		tsigKey:  tsigKey,
		timeout:  timeout,
		network:  "tcp",
		logger:   logger,
	}
}

// AddA replaces the A RRset for fqdn with ip.
func (c *RFC2136Client) AddA(ctx context.Context, zone, fqdn string, ip net.IP, ttl uint32) error {
	msg := c.newUpdateMsg(zone)
	name := dns.Fqdn(fqdn)

	msg.RemoveRRset([]dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassANY},
	}})
	msg.Insert([]dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   ip.To4(),
	}})

	return c.send(ctx, msg, "AddA", fqdn, ip.String())
}

// RemoveA deletes the A RRset for fqdn.
func (c *RFC2136Client) RemoveA(ctx context.Context, zone, fqdn string) error {
	msg := c.newUpdateMsg(zone)
	msg.RemoveRRset([]dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(fqdn), Rrtype: dns.TypeA, Class: dns.ClassANY},
	}})
	return c.send(ctx, msg, "RemoveA", fqdn, "")
}

// AddPTR replaces the PTR RRset at reverseName with fqdn.
func (c *RFC2136Client) AddPTR(ctx context.Context, zone, reverseName, fqdn string, ttl uint32) error {
	msg := c.newUpdateMsg(zone)
	name := dns.Fqdn(reverseName)

	msg.RemoveRRset([]dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassANY},
	}})
	msg.Insert([]dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: dns.Fqdn(fqdn),
	}})

	return c.send(ctx, msg, "AddPTR", reverseName, fqdn)
}

// RemovePTR deletes the PTR RRset at reverseName.
func (c *RFC2136Client) RemovePTR(ctx context.Context, zone, reverseName string) error {
	msg := c.newUpdateMsg(zone)
	msg.RemoveRRset([]dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: dns.Fqdn(reverseName), Rrtype: dns.TypePTR, Class: dns.ClassANY},
	}})
	return c.send(ctx, msg, "RemovePTR", reverseName, "")
}

func (c *RFC2136Client) newUpdateMsg(zone string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetUpdate(dns.Fqdn(zone))
	return msg
}

// send transmits a DNS UPDATE message with optional TSIG signing.
func (c *RFC2136Client) send(ctx context.Context, msg *dns.Msg, op, name, value string) error {
	client := &dns.Client{
		Timeout: c.timeout,
		Net:     c.network,
	}

	if c.tsigName != "" && c.tsigKey != "" {
		keyName := dns.Fqdn(c.tsigName)
		msg.SetTsig(keyName, c.tsigAlgorithm(), 300, time.Now().Unix())
		client.TsigSecret = map[string]string{keyName: c.tsigKey}
	}

	start := time.Now()
	resp, _, err := client.ExchangeContext(ctx, msg, c.server)
	duration := time.Since(start)

	if err != nil {
		return fmt.Errorf("DNS UPDATE %s for %s: %w", op, name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("DNS UPDATE %s for %s: server returned %s", op, name, dns.RcodeToString[resp.Rcode])
	}

	c.logger.Debug("DNS UPDATE success",
		"op", op,
		"name", name,
		"value", value,
		"server", c.server,
		"duration", duration.String())

	return nil
}

// tsigAlgorithm returns the TSIG algorithm string for miekg/dns.
func (c *RFC2136Client) tsigAlgorithm() string {
	switch c.tsigAlgo {
	case "hmac-sha512":
		return dns.HmacSHA512
	case "hmac-sha1":
		return dns.HmacSHA1
	case "hmac-md5":
		return dns.HmacMD5
	default:
		return dns.HmacSHA256
	}
}
