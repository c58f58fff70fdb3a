// Package radius authorizes waiting devices by MAC address against a RADIUS
// server and approves the ones it accepts.
package radius

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/carpie/sid/internal/config"
)

// ServerConfig holds RADIUS server settings.
type ServerConfig struct {
	Address        string
	Secret         string
	Timeout        time.Duration
	Retries        int
	NASIdentifier  string
	CallingStation bool // send MAC as Calling-Station-Id
}

// ServerConfigFrom converts the [radius] config section.
func ServerConfigFrom(cfg config.RADIUSConfig) ServerConfig {
	return ServerConfig{
		Address:        cfg.Address,
		Secret:         cfg.Secret,
		Timeout:        config.Duration(cfg.Timeout, config.DefaultRADIUSTimeout),
		Retries:        cfg.Retries,
		NASIdentifier:  cfg.NASIdentifier,
		CallingStation: cfg.CallingStation,
	}
}

// AuthResult holds the result of a RADIUS authorization attempt.
type AuthResult struct {
	Accepted bool    `json:"accepted"`
	Code     string  `json:"code"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
	Latency  float64 `json:"latency_ms"`
}

// Client performs MAC authentication bypass style Access-Requests: the
// User-Name and User-Password are both the bare lowercase MAC.
type Client struct {
	cfg    ServerConfig
	logger *slog.Logger
}

// NewClient creates a new RADIUS client.
func NewClient(cfg ServerConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultRADIUSTimeout
	}
	return &Client{cfg: cfg, logger: logger}
}

// Authorize sends an Access-Request for mac and reports whether it was accepted.
func (c *Client) Authorize(ctx context.Context, mac net.HardwareAddr) AuthResult {
	username := MACUsername(mac)

	packet := radius.New(radius.CodeAccessRequest, []byte(c.cfg.Secret))
	rfc2865.UserName_SetString(packet, username)
	rfc2865.UserPassword_SetString(packet, username)
	if c.cfg.CallingStation {
		rfc2865.CallingStationID_SetString(packet, strings.ToUpper(strings.ReplaceAll(mac.String(), ":", "-")))
	}
	if c.cfg.NASIdentifier != "" {
		rfc2865.NASIdentifier_SetString(packet, c.cfg.NASIdentifier)
	}

	client := &radius.Client{
		Retry: c.cfg.Timeout / time.Duration(c.cfg.Retries+1),
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := client.Exchange(ctx, packet, c.cfg.Address)
	latency := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		c.logger.Warn("RADIUS authorization failed",
			"server", c.cfg.Address,
			"mac", mac.String(),
			"error", err)
		return AuthResult{
			Accepted: false,
			Code:     "error",
			Error:    err.Error(),
			Latency:  latency,
		}
	}

	result := AuthResult{
		Accepted: resp.Code == radius.CodeAccessAccept,
		Code:     resp.Code.String(),
		Message:  rfc2865.ReplyMessage_GetString(resp),
		Latency:  latency,
	}

	c.logger.Debug("RADIUS authorization result",
		"server", c.cfg.Address,
		"mac", mac.String(),
		"accepted", result.Accepted,
		"code", result.Code,
		"latency_ms", result.Latency)

	return result
}

// MACUsername formats mac as twelve lowercase hex digits.
func MACUsername(mac net.HardwareAddr) string {
	return strings.ReplaceAll(strings.ToLower(mac.String()), ":", "")
}
