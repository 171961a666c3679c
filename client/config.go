package client

import (
	"fmt"
	"net"
	"time"
)

// FileConfig is the on-disk form of Config, loaded from YAML by the
// cmd/dhcp4c entry point. String/seconds fields keep the file format
// plain text; Resolve converts them to the typed Config the state
// machine uses. HWAddr is optional here: when empty, the entry point
// falls back to the hardware address of the bound interface.
type FileConfig struct {
	HWAddr          string `yaml:"hw_addr,omitempty"`
	PreferredServer string `yaml:"preferred_server,omitempty"`

	InitialBackoffSec uint32 `yaml:"initial_backoff_sec,omitempty"`
	BackoffCapSec     uint32 `yaml:"backoff_cap_sec,omitempty"`
	RetryLimit        int    `yaml:"retry_limit,omitempty"`
}

// Resolve converts fc into a Config. defaultHWAddr is used when fc does
// not specify one (the common case: the entry point derives it from the
// interface it is binding to).
func (fc FileConfig) Resolve(defaultHWAddr net.HardwareAddr) (Config, error) {
	c := Config{
		HWAddr:         defaultHWAddr,
		InitialBackoff: time.Duration(fc.InitialBackoffSec) * time.Second,
		BackoffCap:     time.Duration(fc.BackoffCapSec) * time.Second,
		RetryLimit:     fc.RetryLimit,
	}

	if fc.HWAddr != "" {
		mac, err := net.ParseMAC(fc.HWAddr)
		if err != nil {
			return Config{}, fmt.Errorf("client: hw_addr: %w", err)
		}
		c.HWAddr = mac
	}

	if fc.PreferredServer != "" {
		ip := net.ParseIP(fc.PreferredServer)
		if ip == nil || ip.To4() == nil {
			return Config{}, fmt.Errorf("client: preferred_server: %q is not an IPv4 address", fc.PreferredServer)
		}
		c.PreferredServer = ip.To4()
	}

	return c, nil
}

// Config configures a Client. Only HWAddr is mandatory; everything else
// is optional (no preferred server, 4s initial backoff, 64s backoff cap,
// unlimited retries).
type Config struct {
	// HWAddr is this client's hardware address. Required: this module
	// never derives it from an OS interface lookup itself — that belongs
	// to the cmd/ entry point.
	HWAddr net.HardwareAddr

	// PreferredServer, if set, is unicast for the initial DISCOVER and
	// the SELECTING-state REQUEST instead of broadcasting them; left nil
	// the client broadcasts both. RENEWING always unicasts to the server
	// identified by the active lease regardless of this setting, and
	// REBINDING always broadcasts per the protocol.
	PreferredServer net.IP

	// InitialBackoff is the first retry delay; it doubles on each
	// retry up to BackoffCap. Defaults to 4s / 64s.
	InitialBackoff time.Duration
	BackoffCap     time.Duration

	// RetryLimit bounds how many times each DISCOVER/REQUEST is sent,
	// the first transmission included, before that exchange is given up.
	// Zero means unlimited.
	RetryLimit int
}

func (c *Config) setDefaults() error {
	if len(c.HWAddr) == 0 {
		return fmt.Errorf("client: HWAddr is required")
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 4 * time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 64 * time.Second
	}
	return nil
}
