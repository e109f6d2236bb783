package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/pithecene-io/wadostream/options"
	"github.com/pithecene-io/wadostream/pool"
	"github.com/pithecene-io/wadostream/proxy"
	"github.com/pithecene-io/wadostream/transport"
	"github.com/pithecene-io/wadostream/types"
)

// Config represents a wadostream.yaml configuration file.
// All values are optional and act as defaults for wadostream fetch flags.
// CLI flags always override config values.
type Config struct {
	Pool            PoolConfig                 `yaml:"pool"`
	MinChunkSize    string                     `yaml:"min_chunk_size"`
	RetrieveOptions map[string]RuleConfig      `yaml:"retrieve_options"`
	Headers         map[string]string          `yaml:"headers"`
	MediaType       string                     `yaml:"media_type"`
	Transport       TransportConfig            `yaml:"transport"`
	Proxies         map[string]ProxyPoolConfig `yaml:"proxies"`
	Proxy           ProxySelection             `yaml:"proxy"`
	Adapter         AdapterConfig              `yaml:"adapter"`
	Archive         ArchiveConfig              `yaml:"archive"`
	Log             LogConfig                  `yaml:"log"`
}

// PoolConfig holds worker budgets keyed by request type.
type PoolConfig struct {
	MaxConcurrent map[string]int `yaml:"max_concurrent"`
	Default       int            `yaml:"default"`
}

// RuleConfig is one retrieve options rule. MinChunkSize is an integer or
// "N%" of the expected uncompressed frame size.
type RuleConfig struct {
	types.RetrieveOptions `yaml:",inline"`
	MinChunkSize          string `yaml:"min_chunk_size,omitempty"`
}

// TransportConfig holds HTTP client settings.
type TransportConfig struct {
	HeaderTimeout Duration `yaml:"header_timeout"`
	ReadSize      int      `yaml:"read_size"`
}

// ProxyPoolConfig is a proxy pool definition within the config file.
// Name is derived from the map key, not stored in the struct.
type ProxyPoolConfig struct {
	Strategy  types.ProxyStrategy   `yaml:"strategy"`
	Endpoints []types.ProxyEndpoint `yaml:"endpoints"`
	Sticky    *types.ProxySticky    `yaml:"sticky,omitempty"`
}

// ProxySelection names the pool requests are routed through.
type ProxySelection struct {
	Pool string `yaml:"pool"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type          string            `yaml:"type"`
	URL           string            `yaml:"url"`
	Channel       string            `yaml:"channel,omitempty"`
	FailedChannel string            `yaml:"failed_channel,omitempty"`
	SubjectPrefix string            `yaml:"subject_prefix,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty"`
	Retries       *int              `yaml:"retries,omitempty"`
}

// ArchiveConfig holds archive storage defaults from the config file.
type ArchiveConfig struct {
	Dataset     string `yaml:"dataset"`
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// LogConfig holds logging defaults.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func configError(msg string, err error) error {
	return types.NewError(types.ErrorConfiguration, "", msg, err)
}

// Table builds the retrieve options rule table. A config without rules
// yields the default streaming table.
func (c *Config) Table() (*options.Table, error) {
	var minChunk types.ChunkSize
	if c.MinChunkSize != "" {
		cs, err := options.ParseChunkSize(c.MinChunkSize)
		if err != nil {
			return nil, configError("min_chunk_size", err)
		}
		minChunk = cs
	}

	if len(c.RetrieveOptions) == 0 {
		return options.NewTable(map[string]types.RetrieveOptions{options.KeyDefault: {}}, minChunk), nil
	}

	rules := make(map[string]types.RetrieveOptions, len(c.RetrieveOptions))
	for key, rc := range c.RetrieveOptions {
		opts := rc.RetrieveOptions
		if rc.MinChunkSize != "" {
			cs, err := options.ParseChunkSize(rc.MinChunkSize)
			if err != nil {
				return nil, configError(fmt.Sprintf("retrieve_options[%s].min_chunk_size", key), err)
			}
			opts.MinChunkSize = cs
		}
		rules[key] = opts
	}

	table := options.NewTable(rules, minChunk)
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// PoolConfig converts the pool section. Unknown request types are errors.
func (c *Config) PoolConfig() (pool.Config, error) {
	cfg := pool.Config{
		MaxConcurrent:        pool.DefaultBudgets(),
		DefaultMaxConcurrent: c.Pool.Default,
	}
	for name, n := range c.Pool.MaxConcurrent {
		rt := types.RequestType(name)
		if !rt.Valid() {
			return pool.Config{}, configError(fmt.Sprintf("pool.max_concurrent: unknown request type %q", name), nil)
		}
		if n <= 0 {
			return pool.Config{}, configError(fmt.Sprintf("pool.max_concurrent[%s] must be positive, got %d", name, n), nil)
		}
		cfg.MaxConcurrent[rt] = n
	}
	return cfg, nil
}

// ProxyPools converts the map-keyed proxy pool config into a sorted slice
// of types.ProxyPool. Sorting by name ensures deterministic ordering.
func (c *Config) ProxyPools() []types.ProxyPool {
	if len(c.Proxies) == 0 {
		return nil
	}

	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	pools := make([]types.ProxyPool, 0, len(names))
	for _, name := range names {
		pc := c.Proxies[name]
		pools = append(pools, types.ProxyPool{
			Name:      name,
			Strategy:  pc.Strategy,
			Endpoints: pc.Endpoints,
			Sticky:    pc.Sticky,
		})
	}
	return pools
}

// TransportConfig converts the transport, header and proxy sections. The
// selector is created only when a proxy pool is selected.
func (c *Config) TransportConfig() (transport.Config, error) {
	cfg := transport.Config{
		Headers:       c.Headers,
		MediaType:     c.MediaType,
		HeaderTimeout: c.Transport.HeaderTimeout.Duration,
		ReadSize:      c.Transport.ReadSize,
	}
	if c.Transport.ReadSize < 0 {
		return transport.Config{}, configError(fmt.Sprintf("transport.read_size must not be negative, got %d", c.Transport.ReadSize), nil)
	}
	if c.Proxy.Pool == "" {
		return cfg, nil
	}

	selector := proxy.NewSelector(nil)
	found := false
	for _, p := range c.ProxyPools() {
		if err := selector.RegisterPool(&p); err != nil {
			return transport.Config{}, configError(fmt.Sprintf("proxies[%s]", p.Name), err)
		}
		if p.Name == c.Proxy.Pool {
			found = true
		}
	}
	if !found {
		return transport.Config{}, configError(fmt.Sprintf("proxy.pool %q is not defined", c.Proxy.Pool), nil)
	}
	cfg.ProxyPool = c.Proxy.Pool
	cfg.Selector = selector
	return cfg, nil
}
