// Package config loads the natrouter TOML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"

	"natrouter/pkg/nat"
	"natrouter/pkg/router"
	"natrouter/pkg/routing"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultLogLevel = "info"
	DefaultMTU      = 1500
)

type Config struct {
	Logging    Logging     `toml:"logging,omitempty"`
	Router     Router      `toml:"router,omitempty"`
	Interfaces []Interface `toml:"interfaces,omitempty"`
	Routes     []Route     `toml:"routes,omitempty"`
	NAT        NAT         `toml:"nat,omitempty"`
	Metrics    Metrics     `toml:"metrics,omitempty"`
	Analyzers  Analyzers   `toml:"analyzers,omitempty"`
}

type Logging struct {
	Level string `toml:"level,omitempty"`
}

type Router struct {
	MulticastExclusion bool `toml:"multicast_exclusion,omitempty"`
}

// Interface describes a TUN device attached to the router.
type Interface struct {
	Name string `toml:"name"`
	// Addresses in CIDR notation, e.g. "192.168.1.1/24".
	Addresses []string `toml:"addresses,omitempty"`
	MTU       int      `toml:"mtu,omitempty"`
	// NAT marks the interface facing the external network. Frames routed
	// onto it are translated outbound, frames read from it inbound.
	NAT bool `toml:"nat,omitempty"`
}

type Route struct {
	Destination string `toml:"destination"`
	NextHop     string `toml:"next_hop,omitempty"`
	Interface   string `toml:"interface,omitempty"`
	Metric      int    `toml:"metric,omitempty"`
	Owner       string `toml:"owner,omitempty"`
}

type NAT struct {
	Enabled        bool     `toml:"enabled,omitempty"`
	InternalRanges []string `toml:"internal_ranges,omitempty"`
	ExternalRanges []string `toml:"external_ranges,omitempty"`
	PortRangeStart uint16   `toml:"port_range_start,omitempty"`
	PortRangeEnd   uint16   `toml:"port_range_end,omitempty"`
	// IdleTimeout is in seconds.
	IdleTimeout       int  `toml:"idle_timeout,omitempty"`
	RejectUnsolicited bool `toml:"reject_unsolicited,omitempty"`
}

type Metrics struct {
	// Prometheus is the listen address of the /metrics endpoint. Empty
	// disables it.
	Prometheus string `toml:"prometheus,omitempty"`
}

type Analyzers struct {
	DNS   bool `toml:"dns,omitempty"`
	Drops bool `toml:"drops,omitempty"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.InitDefaults()
	return cfg
}

func (cfg *Config) InitDefaults() {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	for i := range cfg.Interfaces {
		if cfg.Interfaces[i].MTU == 0 {
			cfg.Interfaces[i].MTU = DefaultMTU
		}
	}
	if cfg.NAT.PortRangeStart == 0 && cfg.NAT.PortRangeEnd == 0 {
		cfg.NAT.PortRangeStart, cfg.NAT.PortRangeEnd = nat.DefaultPortRangeStart, nat.DefaultPortRangeEnd
	}
	if cfg.NAT.IdleTimeout == 0 {
		cfg.NAT.IdleTimeout = int(nat.DefaultIdleTimeout / time.Second)
	}
}

// Load decodes the file at path, rejecting unknown keys, and validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

func Decode(raw []byte) (*Config, error) {
	var cfg Config
	if err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strict.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if _, err := cfg.Logging.ParseLevel(); err != nil {
		return err
	}

	names := make(map[string]struct{}, len(cfg.Interfaces))
	natInterfaces := 0
	for _, iface := range cfg.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("%w: interface without name", ErrInvalidConfig)
		}
		if _, ok := names[iface.Name]; ok {
			return fmt.Errorf("%w: duplicate interface %q", ErrInvalidConfig, iface.Name)
		}
		names[iface.Name] = struct{}{}
		if _, err := iface.Prefixes(); err != nil {
			return err
		}
		if iface.MTU < 576 {
			return fmt.Errorf("%w: interface %s: mtu %d", ErrInvalidConfig, iface.Name, iface.MTU)
		}
		if iface.NAT {
			natInterfaces++
		}
	}

	for i, r := range cfg.Routes {
		e, err := r.Entry()
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if e.Owner == routing.OwnerInterface {
			if _, ok := names[e.Interface]; !ok {
				return fmt.Errorf("%w: route %d: unknown interface %q", ErrInvalidConfig, i, e.Interface)
			}
		}
	}

	if cfg.NAT.Enabled {
		if natInterfaces != 1 {
			return fmt.Errorf("%w: nat requires exactly one interface with nat = true, got %d",
				ErrInvalidConfig, natInterfaces)
		}
		if _, err := cfg.NAT.Options(); err != nil {
			return err
		}
		if _, _, err := cfg.NAT.Ranges(); err != nil {
			return err
		}
	} else if natInterfaces > 0 {
		return fmt.Errorf("%w: interface marked nat but [nat] is not enabled", ErrInvalidConfig)
	}

	return nil
}

func (l Logging) ParseLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return level, nil
}

func (r Router) Options() router.Options {
	return router.Options{MulticastExclusion: r.MulticastExclusion}
}

func (i Interface) Prefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(i.Addresses))
	for _, a := range i.Addresses {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %s: %v", ErrInvalidConfig, i.Name, err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// Entry converts the route into a routing entry. Owner defaults to static,
// or to interface when only an interface is named.
func (r Route) Entry() (routing.Entry, error) {
	dst, err := netip.ParsePrefix(r.Destination)
	if err != nil {
		return routing.Entry{}, fmt.Errorf("%w: destination: %v", ErrInvalidConfig, err)
	}

	owner := r.Owner
	if owner == "" && r.NextHop == "" && r.Interface != "" {
		owner = routing.OwnerInterface.String()
	}
	o, err := routing.ParseOwner(owner)
	if err != nil {
		return routing.Entry{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	e := routing.Entry{
		Destination: dst.Addr(),
		PrefixLen:   dst.Bits(),
		Interface:   r.Interface,
		Metric:      r.Metric,
		Owner:       o,
	}
	if r.NextHop != "" {
		if e.NextHop, err = netip.ParseAddr(r.NextHop); err != nil {
			return routing.Entry{}, fmt.Errorf("%w: next_hop: %v", ErrInvalidConfig, err)
		}
	}
	if err := e.Validate(); err != nil {
		return routing.Entry{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return e, nil
}

func (n NAT) Options() (nat.Options, error) {
	if n.PortRangeStart == 0 || n.PortRangeStart >= n.PortRangeEnd {
		return nat.Options{}, fmt.Errorf("%w: nat port range [%d, %d)",
			ErrInvalidConfig, n.PortRangeStart, n.PortRangeEnd)
	}
	if n.IdleTimeout <= 0 {
		return nat.Options{}, fmt.Errorf("%w: nat idle_timeout %d", ErrInvalidConfig, n.IdleTimeout)
	}
	return nat.Options{
		PortRangeStart:    n.PortRangeStart,
		PortRangeEnd:      n.PortRangeEnd,
		IdleTimeout:       time.Duration(n.IdleTimeout) * time.Second,
		RejectUnsolicited: n.RejectUnsolicited,
	}, nil
}

func (n NAT) Ranges() (internal, external []nat.AddressRange, err error) {
	parse := func(in []string) ([]nat.AddressRange, error) {
		out := make([]nat.AddressRange, 0, len(in))
		for _, s := range in {
			r, err := nat.ParseAddressRange(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			out = append(out, r)
		}
		return out, nil
	}

	if internal, err = parse(n.InternalRanges); err != nil {
		return nil, nil, err
	}
	if external, err = parse(n.ExternalRanges); err != nil {
		return nil, nil, err
	}
	return internal, external, nil
}

// Sample writes an annotated example configuration.
func Sample(w io.Writer) error {
	_, err := io.WriteString(w, sample)
	return err
}

const sample = `[logging]
# One of debug, info, warn, error.
level = "info"

[router]
# Drop frames addressed to multicast groups instead of forwarding them.
multicast_exclusion = true

[[interfaces]]
name = "lan0"
addresses = ["10.0.0.1/24"]
mtu = 1500

[[interfaces]]
name = "wan0"
addresses = ["203.0.113.2/24"]
mtu = 1500
# Translate traffic leaving through this interface.
nat = true

[[routes]]
destination = "0.0.0.0/0"
next_hop = "203.0.113.1"
metric = 10

[nat]
enabled = true
internal_ranges = ["10.0.0.0/24"]
external_ranges = ["203.0.113.2/32"]
port_range_start = 1024
port_range_end = 65535
# Seconds a flow may stay idle before its entry is removed.
idle_timeout = 60
reject_unsolicited = false

[metrics]
# Listen address of the Prometheus endpoint. Leave empty to disable.
prometheus = "127.0.0.1:9100"

[analyzers]
dns = true
drops = true
`
