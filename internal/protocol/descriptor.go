package protocol

import (
	"fmt"
	"strings"
)

// ProxyType influences only the client-side dial policy (connection pool
// reuse and TCP_NODELAY), never routing. See Client.dialLocal and
// the connection pool defaults in internal/client/pool.go.
type ProxyType string

const (
	ProxyTCP   ProxyType = "tcp"
	ProxyHTTP1 ProxyType = "http/1.1"
	ProxyHTTP2 ProxyType = "http/2.0"
	ProxySSH   ProxyType = "ssh"
)

// NeedsNoDelay reports whether connections of this proxy type should have
// TCP_NODELAY set on the inbound side, per the component design's "ssh
// especially" note (the flag is set unconditionally for every proxy type;
// this only documents the type this was written for).
func (t ProxyType) NeedsNoDelay() bool {
	return true
}

// ShouldPoolConnections reports whether the client-side connection pool
// should be consulted/populated for this proxy type. TCP and SSH streams
// are end-to-end multiplexed connections that cannot be handed back to a
// pool mid-session.
func (t ProxyType) ShouldPoolConnections() bool {
	switch t {
	case ProxyTCP, ProxySSH:
		return false
	default:
		return true
	}
}

// PoolSize returns the max pool size this proxy type should use; http/2.0
// is forced to 1 because a naive HTTP/2-unaware pool must not hand out the
// same multiplexed connection concurrently, and nothing here implements
// HTTP/2 stream-level accounting.
func (t ProxyType) PoolSize(defaultMax int) int {
	if t == ProxyHTTP2 {
		return 1
	}
	return defaultMax
}

// MaxNameLen is the hard limit on ProxyDescriptor/VisitorDescriptor names;
// NameLenRecommended is the soft, recommended ceiling.
const (
	MaxNameLen         = 255
	NameLenRecommended = 64
)

// ProxyDescriptor is what a client publishes.
type ProxyDescriptor struct {
	Name        string    `json:"name" yaml:"name"`
	PublishAddr string    `json:"publish_addr,omitempty" yaml:"publish_addr,omitempty"`
	PublishPort uint16    `json:"publish_port" yaml:"publish_port"`
	LocalPort   uint16    `json:"local_port" yaml:"local_port"`
	LocalAddr   string    `json:"local_addr,omitempty" yaml:"local_addr,omitempty"`
	ProxyType   ProxyType `json:"proxy_type" yaml:"proxy_type"`
}

// VisitorOnly reports whether this descriptor has no externally bound
// address — it only participates in the visitor redirection path.
func (p ProxyDescriptor) VisitorOnly() bool {
	return p.PublishAddr == ""
}

// LocalDialAddr returns the address the client dials for inbound
// substreams targeting this descriptor, defaulting to the loopback
// interface.
func (p ProxyDescriptor) LocalDialAddr() string {
	if p.LocalAddr != "" {
		return p.LocalAddr
	}
	return fmt.Sprintf("127.0.0.1:%d", p.LocalPort)
}

// Validate checks the single-descriptor invariants: non-empty name within
// the hard limit, and ports in 1..=65535.
func (p ProxyDescriptor) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("proxy name cannot be empty")
	}
	if len(p.Name) > MaxNameLen {
		return fmt.Errorf("proxy name %q exceeds %d bytes", p.Name, MaxNameLen)
	}
	if p.LocalPort == 0 {
		return fmt.Errorf("proxy %q: local_port cannot be 0", p.Name)
	}
	if p.PublishPort == 0 {
		return fmt.Errorf("proxy %q: publish_port cannot be 0", p.Name)
	}
	return nil
}

// NormalizedType returns ProxyType, defaulting to ProxyTCP when unset. The
// client's local dial path and its pool sizing call this instead of reading
// ProxyType directly, since a descriptor decoded from JSON/YAML may omit it.
func (p ProxyDescriptor) NormalizedType() ProxyType {
	if p.ProxyType == "" {
		return ProxyTCP
	}
	return p.ProxyType
}

// VisitorDescriptor is what a client consumes.
type VisitorDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	PublishPort uint16 `json:"publish_port" yaml:"publish_port"`
	BindAddr    string `json:"bind_addr" yaml:"bind_addr"`
	BindPort    uint16 `json:"bind_port" yaml:"bind_port"`
}

// Validate checks the single-descriptor invariants for a visitor entry.
func (v VisitorDescriptor) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("visitor name cannot be empty")
	}
	if len(v.Name) > MaxNameLen {
		return fmt.Errorf("visitor name %q exceeds %d bytes", v.Name, MaxNameLen)
	}
	if v.PublishPort == 0 {
		return fmt.Errorf("visitor %q: publish_port cannot be 0", v.Name)
	}
	if v.BindPort == 0 {
		return fmt.Errorf("visitor %q: bind_port cannot be 0", v.Name)
	}
	return nil
}

// BindListenAddr returns the local address this visitor listens on.
func (v VisitorDescriptor) BindListenAddr() string {
	addr := v.BindAddr
	if addr == "" {
		addr = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", addr, v.BindPort)
}

// ConfigBundle is the ordered list of descriptors a client submits once per
// session after authentication.
type ConfigBundle struct {
	Proxies  []ProxyDescriptor   `json:"proxies" yaml:"proxies"`
	Visitors []VisitorDescriptor `json:"visitors" yaml:"visitors"`
}

// ValidateSelfConsistent checks the bundle-level invariants required
// before any descriptor is handed to the registry: no duplicate names, no
// duplicate (name, publish_port) pairs, and every descriptor individually
// valid. serverBindPort, when nonzero, additionally rejects a publish_port
// collision with the server's own control-channel port.
func (b ConfigBundle) ValidateSelfConsistent(serverBindPort uint16) error {
	seenNames := make(map[string]bool, len(b.Proxies))
	seenKeys := make(map[string]bool, len(b.Proxies))
	for _, p := range b.Proxies {
		if err := p.Validate(); err != nil {
			return err
		}
		if seenNames[p.Name] {
			return fmt.Errorf("duplicate proxy name %q in bundle", p.Name)
		}
		seenNames[p.Name] = true
		if !p.VisitorOnly() {
			key := fmt.Sprintf("%s/%d", p.Name, p.PublishPort)
			if seenKeys[key] {
				return fmt.Errorf("duplicate (name, publish_port) %q in bundle", key)
			}
			seenKeys[key] = true
			if serverBindPort != 0 && p.PublishPort == serverBindPort {
				return fmt.Errorf("proxy %q: publish_port %d conflicts with server bind port", p.Name, p.PublishPort)
			}
		}
	}
	for _, v := range b.Visitors {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
