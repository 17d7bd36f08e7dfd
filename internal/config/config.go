// Package config describes how a single netstack interface is brought
// up: device selection, addressing, and the metrics endpoint. It
// follows the functional-options constructor pattern used throughout
// the example corpus (e.g. controller.NewController's Option/With*
// pair) rather than a struct literal callers fill in by hand, so
// required fields can be validated in one place.
package config

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/netstack/internal/ipaddr"
)

var (
	ErrDeviceNameRequired = errors.New("config: device name is required")
	ErrUnicastRequired    = errors.New("config: unicast address is required")
	ErrNetmaskRequired    = errors.New("config: netmask is required")
)

// Config describes one TAP-backed IPv4 interface and the TCP engine
// bound to it. The timers in spec.md §6 (user timeout, MSL, reassembly
// idle/sweep) are fixed protocol constants, not per-deployment knobs, so
// they live as package constants in tcpstack and ipv4 rather than here.
type Config struct {
	DeviceName string
	MTU        int

	Unicast ipaddr.Addr
	Netmask ipaddr.Addr
	Gateway ipaddr.Addr

	MetricsAddr string
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config from defaults plus the given options, the
// equivalent of the teacher's NewController(options ...Option).
func New(options ...Option) (*Config, error) {
	cfg := &Config{
		MTU: 1500,
	}
	for _, o := range options {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports whether cfg has everything required to bring an
// interface up.
func (cfg *Config) Validate() error {
	if cfg.DeviceName == "" {
		return ErrDeviceNameRequired
	}
	if cfg.Unicast == (ipaddr.Addr{}) {
		return ErrUnicastRequired
	}
	if cfg.Netmask == (ipaddr.Addr{}) {
		return ErrNetmaskRequired
	}
	if cfg.MTU < 68 {
		return fmt.Errorf("config: mtu %d below minimum IPv4 MTU of 68", cfg.MTU)
	}
	return nil
}

// WithDevice sets the TAP device name and MTU.
func WithDevice(name string, mtu int) Option {
	return func(cfg *Config) {
		cfg.DeviceName = name
		if mtu > 0 {
			cfg.MTU = mtu
		}
	}
}

// WithAddress sets the interface's unicast address, netmask, and default
// gateway.
func WithAddress(unicast, netmask, gateway ipaddr.Addr) Option {
	return func(cfg *Config) {
		cfg.Unicast = unicast
		cfg.Netmask = netmask
		cfg.Gateway = gateway
	}
}

// WithMetricsAddr sets the listen address for the Prometheus /metrics
// endpoint. Empty disables it.
func WithMetricsAddr(addr string) Option {
	return func(cfg *Config) { cfg.MetricsAddr = addr }
}
