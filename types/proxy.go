package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// ProxyProtocol is the allowed egress proxy protocol.
type ProxyProtocol string

const (
	ProxyProtocolHTTP   ProxyProtocol = "http"
	ProxyProtocolHTTPS  ProxyProtocol = "https"
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyStrategy is the proxy selection strategy for pools.
type ProxyStrategy string

const (
	ProxyStrategyRoundRobin ProxyStrategy = "round_robin"
	ProxyStrategyRandom     ProxyStrategy = "random"
	ProxyStrategySticky     ProxyStrategy = "sticky"
)

// ProxyStickyScope determines what key is used for sticky assignment.
type ProxyStickyScope string

const (
	// ProxyStickyImage pins every request for one image to one endpoint,
	// so all ranges of a resource leave through the same proxy.
	ProxyStickyImage  ProxyStickyScope = "image"
	ProxyStickyHost   ProxyStickyScope = "host"
	ProxyStickyOrigin ProxyStickyScope = "origin"
)

// ProxyEndpoint is an egress proxy the transport can dial.
type ProxyEndpoint struct {
	// Protocol is the proxy protocol.
	Protocol ProxyProtocol `json:"protocol" yaml:"protocol"`
	// Host is the proxy host.
	Host string `json:"host" yaml:"host"`
	// Port is the proxy port (1-65535).
	Port int `json:"port" yaml:"port"`
	// Username is the optional username for authentication.
	Username *string `json:"username,omitempty" yaml:"username,omitempty"`
	// Password is the optional password for authentication.
	Password *string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Validate validates a proxy endpoint.
func (p *ProxyEndpoint) Validate() error {
	switch p.Protocol {
	case ProxyProtocolHTTP, ProxyProtocolHTTPS, ProxyProtocolSOCKS5:
	default:
		return fmt.Errorf("invalid protocol %q: must be http, https, or socks5", p.Protocol)
	}

	if p.Host == "" {
		return fmt.Errorf("host is required")
	}

	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", p.Port)
	}

	hasUsername := p.Username != nil && *p.Username != ""
	hasPassword := p.Password != nil && *p.Password != ""
	if hasUsername != hasPassword {
		return fmt.Errorf("username and password must be provided together")
	}

	return nil
}

// URL returns the endpoint as a proxy URL usable by net/http.
func (p *ProxyEndpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: string(p.Protocol),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != nil && *p.Username != "" {
		pass := ""
		if p.Password != nil {
			pass = *p.Password
		}
		u.User = url.UserPassword(*p.Username, pass)
	}
	return u
}

// Redact returns a copy of the endpoint without the password.
func (p *ProxyEndpoint) Redact() ProxyEndpointRedacted {
	return ProxyEndpointRedacted{
		Protocol: p.Protocol,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
	}
}

// ProxyEndpointRedacted is a proxy endpoint without password, safe to log.
type ProxyEndpointRedacted struct {
	Protocol ProxyProtocol `json:"protocol"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username *string       `json:"username,omitempty"`
}

// ProxySticky is sticky configuration for a proxy pool.
type ProxySticky struct {
	// Scope is the scope for sticky key derivation.
	Scope ProxyStickyScope `json:"scope" yaml:"scope"`
	// TTLMs is the optional TTL in milliseconds for sticky entries.
	TTLMs *int64 `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
}

// ProxyPool defines a pool and rotation policy.
type ProxyPool struct {
	// Name is the pool name (unique identifier).
	Name string `json:"name" yaml:"name"`
	// Strategy is the selection strategy.
	Strategy ProxyStrategy `json:"strategy" yaml:"strategy"`
	// Endpoints is the list of available endpoints (must have at least one).
	Endpoints []ProxyEndpoint `json:"endpoints" yaml:"endpoints"`
	// Sticky is the optional sticky configuration.
	Sticky *ProxySticky `json:"sticky,omitempty" yaml:"sticky,omitempty"`
}

// Validate validates a proxy pool.
func (p *ProxyPool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pool name is required")
	}

	switch p.Strategy {
	case ProxyStrategyRoundRobin, ProxyStrategyRandom, ProxyStrategySticky:
	default:
		return fmt.Errorf("invalid strategy %q: must be round_robin, random, or sticky", p.Strategy)
	}

	if len(p.Endpoints) == 0 {
		return fmt.Errorf("pool must have at least one endpoint")
	}

	for i, ep := range p.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}

	if p.Sticky != nil {
		switch p.Sticky.Scope {
		case ProxyStickyImage, ProxyStickyHost, ProxyStickyOrigin:
		default:
			return fmt.Errorf("invalid sticky scope %q: must be image, host, or origin", p.Sticky.Scope)
		}

		if p.Sticky.TTLMs != nil && *p.Sticky.TTLMs <= 0 {
			return fmt.Errorf("sticky TTL must be positive")
		}
	}

	return nil
}

// LargePoolThreshold is the number of endpoints above which round_robin
// is discouraged in favor of random.
const LargePoolThreshold = 50

// Warnings returns non-fatal configuration issues.
func (p *ProxyPool) Warnings() []string {
	var warnings []string

	if p.Strategy == ProxyStrategyRoundRobin && len(p.Endpoints) > LargePoolThreshold {
		warnings = append(warnings, fmt.Sprintf("pool %q has %d endpoints with round_robin strategy; consider random for large pools", p.Name, len(p.Endpoints)))
	}

	if p.Strategy != ProxyStrategySticky && p.Sticky != nil {
		warnings = append(warnings, fmt.Sprintf("pool %q has sticky settings but strategy %q; they only apply to sticky overrides", p.Name, p.Strategy))
	}

	return warnings
}
