// Package config handles TOML configuration parsing and validation for sid.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/carpie/sid/pkg/ipv4"
)

// Environment variables that override deployment-specific settings.
const (
	EnvDnsmasqConfFile = "SID_DNSMASQ_CONF_FILE"
	EnvNetworkAddr     = "SID_NETWORK_ADDR"
	EnvNetworkMask     = "SID_NETWORK_MASK"
	EnvSyslogFile      = "SID_SYSLOG_FILE"
)

// Config is the top-level configuration for sid.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Dnsmasq   DnsmasqConfig   `toml:"dnsmasq"`
	Network   NetworkConfig   `toml:"network"`
	Syslog    SyslogConfig    `toml:"syslog"`
	Tracker   TrackerConfig   `toml:"tracker"`
	API       APIConfig       `toml:"api"`
	Probe     ProbeConfig     `toml:"probe"`
	DDNS      DDNSConfig      `toml:"ddns"`
	RADIUS    RADIUSConfig    `toml:"radius"`
	Hooks     HooksConfig     `toml:"hooks"`
	MACVendor MACVendorConfig `toml:"macvendor"`
	SIEM      SIEMConfig      `toml:"siem"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	DBPath    string `toml:"db_path"`
}

// DnsmasqConfig locates the managed dnsmasq configuration.
type DnsmasqConfig struct {
	ConfFile       string   `toml:"conf_file"`
	RestartCommand []string `toml:"restart_command"`
}

// NetworkConfig is the managed IPv4 network in address/mask form.
type NetworkConfig struct {
	Address string `toml:"address"`
	Mask    string `toml:"mask"`
}

// SyslogConfig names the log file dnsmasq writes to.
type SyslogConfig struct {
	File string `toml:"file"`
}

// TrackerConfig holds pending-request tracker settings.
type TrackerConfig struct {
	SuppressionWindow string `toml:"suppression_window"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Enabled bool          `toml:"enabled"`
	Listen  string        `toml:"listen"`
	Auth    APIAuthConfig `toml:"auth"`
	TLS     APITLSConfig  `toml:"tls"`
}

// APIAuthConfig holds auth settings.
type APIAuthConfig struct {
	AuthToken string       `toml:"auth_token"`
	Users     []UserConfig `toml:"users"`
}

// UserConfig holds an API user.
type UserConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	Role         string `toml:"role"`
}

// APITLSConfig holds API TLS settings.
type APITLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// ProbeConfig controls the ICMP liveness probe run before an address is handed out.
type ProbeConfig struct {
	Enabled bool   `toml:"enabled"`
	Timeout string `toml:"timeout"`
}

// DDNSConfig holds dynamic DNS settings for approved hosts.
type DDNSConfig struct {
	Enabled       bool   `toml:"enabled"`
	Server        string `toml:"server"`
	Zone          string `toml:"zone"`
	ReverseZone   string `toml:"reverse_zone"`
	TTL           int    `toml:"ttl"`
	Timeout       string `toml:"timeout"`
	TSIGName      string `toml:"tsig_name"`
	TSIGAlgorithm string `toml:"tsig_algorithm"`
	TSIGSecret    string `toml:"tsig_secret"`
}

// RADIUSConfig holds MAC authorization settings used for automatic approval.
type RADIUSConfig struct {
	Enabled        bool   `toml:"enabled"`
	Address        string `toml:"address"`
	Secret         string `toml:"secret"`
	Timeout        string `toml:"timeout"`
	Retries        int    `toml:"retries"`
	NASIdentifier  string `toml:"nas_identifier"`
	CallingStation bool   `toml:"calling_station"`
	ApproveTimeout string `toml:"approve_timeout"`
}

// HooksConfig holds event hook settings.
type HooksConfig struct {
	EventBufferSize   int           `toml:"event_buffer_size"`
	ScriptConcurrency int           `toml:"script_concurrency"`
	ScriptTimeout     string        `toml:"script_timeout"`
	WebhookTimeout    string        `toml:"webhook_timeout"`
	Scripts           []ScriptHook  `toml:"script"`
	Webhooks          []WebhookHook `toml:"webhook"`
}

// ScriptHook defines a script hook.
type ScriptHook struct {
	Name    string   `toml:"name"`
	Events  []string `toml:"events"`
	Command string   `toml:"command"`
	Timeout string   `toml:"timeout"`
}

// WebhookHook defines a webhook hook.
type WebhookHook struct {
	Name         string            `toml:"name"`
	Events       []string          `toml:"events"`
	URL          string            `toml:"url"`
	Method       string            `toml:"method"`
	Headers      map[string]string `toml:"headers"`
	Retries      int               `toml:"retries"`
	RetryBackoff string            `toml:"retry_backoff"`
	Secret       string            `toml:"secret"`
	Template     string            `toml:"template"`
}

// MACVendorConfig points at an optional OUI database (JSON map or IEEE CSV).
type MACVendorConfig struct {
	File string `toml:"file"`
}

// SIEMConfig holds remote syslog forwarding of decision events.
type SIEMConfig struct {
	Enabled  bool   `toml:"enabled"`
	Address  string `toml:"address"`  // host:port of the collector
	Protocol string `toml:"protocol"` // "udp" or "tcp"
	Facility int    `toml:"facility"`
	Tag      string `toml:"tag"`
	Format   string `toml:"format"` // "kv", "cef" or "json"
}

// Load reads and parses a TOML config file, applies environment overrides
// and defaults, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file settings with any non-empty SID_* variables.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvDnsmasqConfFile); v != "" {
		cfg.Dnsmasq.ConfFile = v
	}
	if v := getenv(EnvNetworkAddr); v != "" {
		cfg.Network.Address = v
	}
	if v := getenv(EnvNetworkMask); v != "" {
		cfg.Network.Mask = v
	}
	if v := getenv(EnvSyslogFile); v != "" {
		cfg.Syslog.File = v
	}
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath
	}
	if cfg.Dnsmasq.ConfFile == "" {
		cfg.Dnsmasq.ConfFile = DefaultDnsmasqConfFile
	}
	if cfg.Syslog.File == "" {
		cfg.Syslog.File = DefaultSyslogFile
	}
	if cfg.Tracker.SuppressionWindow == "" {
		cfg.Tracker.SuppressionWindow = DefaultSuppressionWindow.String()
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	for i := range cfg.API.Auth.Users {
		if cfg.API.Auth.Users[i].Role == "" {
			cfg.API.Auth.Users[i].Role = "admin"
		}
	}

	if cfg.Probe.Timeout == "" {
		cfg.Probe.Timeout = DefaultProbeTimeout.String()
	}

	// DDNS defaults
	if cfg.DDNS.TTL == 0 {
		cfg.DDNS.TTL = DefaultDDNSTTL
	}
	if cfg.DDNS.Timeout == "" {
		cfg.DDNS.Timeout = DefaultDDNSTimeout.String()
	}
	if cfg.DDNS.TSIGAlgorithm == "" {
		cfg.DDNS.TSIGAlgorithm = DefaultDDNSTSIGAlgorithm
	}

	// RADIUS defaults
	if cfg.RADIUS.Timeout == "" {
		cfg.RADIUS.Timeout = DefaultRADIUSTimeout.String()
	}
	if cfg.RADIUS.Retries == 0 {
		cfg.RADIUS.Retries = DefaultRADIUSRetries
	}
	if cfg.RADIUS.NASIdentifier == "" {
		cfg.RADIUS.NASIdentifier = DefaultRADIUSNASIdentifier
	}
	if cfg.RADIUS.ApproveTimeout == "" {
		cfg.RADIUS.ApproveTimeout = DefaultRADIUSApproveTimeout.String()
	}

	// Hooks defaults
	if cfg.Hooks.EventBufferSize == 0 {
		cfg.Hooks.EventBufferSize = DefaultEventBufferSize
	}
	if cfg.Hooks.ScriptConcurrency == 0 {
		cfg.Hooks.ScriptConcurrency = DefaultScriptConcurrency
	}
	if cfg.Hooks.ScriptTimeout == "" {
		cfg.Hooks.ScriptTimeout = DefaultScriptTimeout.String()
	}
	if cfg.Hooks.WebhookTimeout == "" {
		cfg.Hooks.WebhookTimeout = DefaultWebhookTimeout.String()
	}
	for i := range cfg.Hooks.Webhooks {
		if cfg.Hooks.Webhooks[i].Method == "" {
			cfg.Hooks.Webhooks[i].Method = "POST"
		}
		if cfg.Hooks.Webhooks[i].Retries == 0 {
			cfg.Hooks.Webhooks[i].Retries = DefaultWebhookRetries
		}
		if cfg.Hooks.Webhooks[i].RetryBackoff == "" {
			cfg.Hooks.Webhooks[i].RetryBackoff = DefaultWebhookRetryBackoff.String()
		}
	}

	// SIEM defaults
	if cfg.SIEM.Protocol == "" {
		cfg.SIEM.Protocol = DefaultSIEMProtocol
	}
	if cfg.SIEM.Facility == 0 {
		cfg.SIEM.Facility = DefaultSIEMFacility
	}
	if cfg.SIEM.Tag == "" {
		cfg.SIEM.Tag = DefaultSIEMTag
	}
	if cfg.SIEM.Format == "" {
		cfg.SIEM.Format = DefaultSIEMFormat
	}
}

// validate checks the configuration for errors.
func validate(cfg *Config) error {
	switch cfg.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("server.log_format must be \"json\" or \"text\", got %q", cfg.Server.LogFormat)
	}

	if cfg.Network.Address == "" || cfg.Network.Mask == "" {
		return fmt.Errorf("network.address and network.mask are required")
	}
	if _, err := ipv4.ParseNetwork(cfg.Network.Address, cfg.Network.Mask); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	if _, err := time.ParseDuration(cfg.Tracker.SuppressionWindow); err != nil {
		return fmt.Errorf("tracker.suppression_window: %w", err)
	}

	// Validate API auth
	for i, u := range cfg.API.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("api.auth.users[%d]: username and password_hash are required", i)
		}
		if u.Role != "admin" && u.Role != "viewer" {
			return fmt.Errorf("api.auth.users[%d]: role must be \"admin\" or \"viewer\", got %q", i, u.Role)
		}
	}
	if cfg.API.TLS.Enabled && (cfg.API.TLS.CertFile == "" || cfg.API.TLS.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if cfg.Probe.Enabled {
		if _, err := time.ParseDuration(cfg.Probe.Timeout); err != nil {
			return fmt.Errorf("probe.timeout: %w", err)
		}
	}

	// Validate DDNS
	if cfg.DDNS.Enabled {
		if cfg.DDNS.Zone == "" {
			return fmt.Errorf("ddns.zone is required when DDNS is enabled")
		}
		if cfg.DDNS.Server == "" {
			return fmt.Errorf("ddns.server is required when DDNS is enabled")
		}
		if _, err := time.ParseDuration(cfg.DDNS.Timeout); err != nil {
			return fmt.Errorf("ddns.timeout: %w", err)
		}
	}

	// Validate RADIUS
	if cfg.RADIUS.Enabled {
		if cfg.RADIUS.Address == "" || cfg.RADIUS.Secret == "" {
			return fmt.Errorf("radius.address and radius.secret are required when RADIUS is enabled")
		}
		if _, err := time.ParseDuration(cfg.RADIUS.Timeout); err != nil {
			return fmt.Errorf("radius.timeout: %w", err)
		}
		if _, err := time.ParseDuration(cfg.RADIUS.ApproveTimeout); err != nil {
			return fmt.Errorf("radius.approve_timeout: %w", err)
		}
	}

	// Validate hooks
	for i, s := range cfg.Hooks.Scripts {
		if s.Command == "" {
			return fmt.Errorf("hooks.script[%d]: command is required", i)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("hooks.script[%d].timeout: %w", i, err)
			}
		}
	}
	for i, w := range cfg.Hooks.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("hooks.webhook[%d]: url is required", i)
		}
		if _, err := time.ParseDuration(w.RetryBackoff); err != nil {
			return fmt.Errorf("hooks.webhook[%d].retry_backoff: %w", i, err)
		}
	}

	// Validate SIEM forwarding
	if cfg.SIEM.Enabled {
		if cfg.SIEM.Address == "" {
			return fmt.Errorf("siem.address is required when SIEM forwarding is enabled")
		}
		if cfg.SIEM.Protocol != "udp" && cfg.SIEM.Protocol != "tcp" {
			return fmt.Errorf("siem.protocol must be \"udp\" or \"tcp\", got %q", cfg.SIEM.Protocol)
		}
		switch cfg.SIEM.Format {
		case "kv", "cef", "json":
		default:
			return fmt.Errorf("siem.format must be \"kv\", \"cef\" or \"json\", got %q", cfg.SIEM.Format)
		}
		if cfg.SIEM.Facility < 0 || cfg.SIEM.Facility > 23 {
			return fmt.Errorf("siem.facility must be 0-23, got %d", cfg.SIEM.Facility)
		}
	}

	return nil
}

// ManagedNetwork returns the parsed [network] section.
func (cfg *Config) ManagedNetwork() (ipv4.Network, error) {
	return ipv4.ParseNetwork(cfg.Network.Address, cfg.Network.Mask)
}

// Duration parses s, falling back to def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SuppressionWindow returns the tracker's grace window.
func (cfg *Config) SuppressionWindow() time.Duration {
	return Duration(cfg.Tracker.SuppressionWindow, DefaultSuppressionWindow)
}
