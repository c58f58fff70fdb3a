package config

import "time"

// Default configuration values.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultDBPath               = "/var/lib/sid/sid.db"
	DefaultDnsmasqConfFile      = "/etc/dnsmasq.conf"
	DefaultSyslogFile           = "/var/log/syslog"
	DefaultSuppressionWindow    = 60 * time.Second
	DefaultAPIListen            = "0.0.0.0:8080"
	DefaultProbeTimeout         = 500 * time.Millisecond
	DefaultEventBufferSize      = 1000
	DefaultScriptConcurrency    = 4
	DefaultScriptTimeout        = 10 * time.Second
	DefaultWebhookRetries       = 3
	DefaultWebhookRetryBackoff  = 2 * time.Second
	DefaultWebhookTimeout       = 10 * time.Second
	DefaultDDNSTTL              = 300
	DefaultDDNSTimeout          = 10 * time.Second
	DefaultDDNSTSIGAlgorithm    = "hmac-sha256"
	DefaultRADIUSTimeout        = 5 * time.Second
	DefaultRADIUSRetries        = 1
	DefaultRADIUSNASIdentifier  = "sid"
	DefaultRADIUSApproveTimeout = 30 * time.Second
	DefaultSIEMProtocol         = "udp"
	DefaultSIEMFacility         = 16 // local0
	DefaultSIEMTag              = "sid"
	DefaultSIEMFormat           = "kv"
)

