// Package api holds the user-facing runtime configuration.
package api

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/akerouanton/passt/internal/errx"
)

// Mode selects how the guest side of the bridge is reached.
type Mode string

const (
	// ModePasta bridges an existing network namespace through a tap
	// device, splicing loopback TCP connections between the two
	// contexts. This is the only namespace-bridging mode.
	ModePasta Mode = "pasta"
)

const (
	DefaultMTU        = 1500
	DefaultGuestMAC   = "9a:55:9a:55:9a:55"
	DefaultGuestIP    = "192.168.122.2"
	DefaultGatewayIP  = "192.168.122.1"
	DefaultGuestIP6   = "fd00:9a55::2"
	DefaultGatewayIP6 = "fd00:9a55::1"
)

// PortMap maps a listening port on one side to a destination port on
// the other. Listen and Dest are equal unless the user asked for a
// remapping.
type PortMap struct {
	Listen uint16 `json:"listen"`
	Dest   uint16 `json:"dest"`
}

// Config is the full runtime configuration. Default returns one with
// the optional fields set; Validate does not fill in zero values.
type Config struct {
	Mode Mode `json:"mode"`

	// NetNSPath is the path of the guest network namespace, e.g.
	// /proc/<pid>/ns/net or a bind mount under /run/netns.
	NetNSPath string `json:"netns_path"`

	// TCPPorts are the host-side ports forwarded into the guest.
	TCPPorts []PortMap `json:"tcp_ports,omitempty"`

	// IPv4 and IPv6 enable the corresponding address family. At
	// least one must be set.
	IPv4 bool `json:"ipv4"`
	IPv6 bool `json:"ipv6"`

	// TapName is the tap interface created in the guest namespace.
	TapName string `json:"tap_name,omitempty"`

	MTU       int    `json:"mtu,omitempty"`
	GuestMAC  string `json:"guest_mac,omitempty"`
	GuestIP   string `json:"guest_ip,omitempty"`
	GatewayIP string `json:"gateway_ip,omitempty"`

	// PcapPath enables packet capture of tap frames when set.
	PcapPath string `json:"pcap_path,omitempty"`

	// FlowLogPath enables the JSONL flow event log when set.
	FlowLogPath string `json:"flow_log_path,omitempty"`

	// DiagSocket enables the diagnostics snapshot socket when set.
	DiagSocket string `json:"diag_socket,omitempty"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Mode:      ModePasta,
		IPv4:      true,
		IPv6:      true,
		TapName:   "tap0",
		MTU:       DefaultMTU,
		GuestMAC:  DefaultGuestMAC,
		GuestIP:   DefaultGuestIP,
		GatewayIP: DefaultGatewayIP,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Mode != ModePasta {
		return errx.With(ErrInvalidMode, ": %q", c.Mode)
	}
	if c.NetNSPath == "" {
		return errx.With(ErrInvalidConfig, ": netns path is required")
	}
	if !c.IPv4 && !c.IPv6 {
		return errx.With(ErrInvalidConfig, ": at least one address family must be enabled")
	}
	if c.MTU < 576 || c.MTU > 65535 {
		return errx.With(ErrInvalidConfig, ": MTU %d out of range", c.MTU)
	}
	for _, p := range c.TCPPorts {
		if p.Listen == 0 || p.Dest == 0 {
			return errx.With(ErrInvalidPortMap, ": port 0 is not forwardable")
		}
	}
	if c.GuestIP != "" {
		if _, err := netip.ParseAddr(c.GuestIP); err != nil {
			return errx.With(ErrInvalidConfig, ": guest IP: %w", err)
		}
	}
	if c.GatewayIP != "" {
		if _, err := netip.ParseAddr(c.GatewayIP); err != nil {
			return errx.With(ErrInvalidConfig, ": gateway IP: %w", err)
		}
	}
	return nil
}

// ParsePortMap parses a "port" or "listen:dest" specification.
func ParsePortMap(spec string) (PortMap, error) {
	var pm PortMap

	parse := func(s string) (uint16, error) {
		n, err := strconv.ParseUint(s, 10, 16)
		if err != nil || n == 0 {
			return 0, errx.With(ErrInvalidPortMap, ": %q", s)
		}
		return uint16(n), nil
	}

	listen, dest, found := strings.Cut(spec, ":")
	l, err := parse(listen)
	if err != nil {
		return pm, err
	}
	pm.Listen, pm.Dest = l, l
	if found {
		d, err := parse(dest)
		if err != nil {
			return pm, err
		}
		pm.Dest = d
	}
	return pm, nil
}

// ParsePortMaps parses a comma-separated list of port specifications.
func ParsePortMaps(specs string) ([]PortMap, error) {
	if specs == "" {
		return nil, nil
	}
	var out []PortMap
	for _, spec := range strings.Split(specs, ",") {
		pm, err := ParsePortMap(strings.TrimSpace(spec))
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, nil
}
