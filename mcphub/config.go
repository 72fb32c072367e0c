package mcphub

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Transport selects how the hub reaches a tool server.
type Transport string

const (
	// TransportStdio spawns the server as a subprocess and speaks over
	// its stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportStreamable connects to a streamable HTTP endpoint.
	TransportStreamable Transport = "streamable"
	// TransportSSE connects to a server-sent-events endpoint.
	TransportSSE Transport = "sse"
)

const (
	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the handshake and catalog fetch.
	DefaultConnectTimeout = 30 * time.Second
)

// ServerConfig describes one tool server.
type ServerConfig struct {
	// ID is the unique server identifier used in logs, metrics and the
	// tool registry.
	ID string `json:"id" yaml:"id"`
	// Transport is stdio, streamable or sse. When empty it is inferred:
	// stdio when Command is set, streamable when URL is set.
	Transport Transport `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Command and Args spawn a stdio server.
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env adds variables to the spawned process environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the endpoint for streamable and sse transports.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// CallTimeout overrides the hub call timeout for this server,
	// in seconds.
	CallTimeout int `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
}

// EffectiveTransport returns the configured transport, inferring it from
// the populated target fields when unset.
func (c *ServerConfig) EffectiveTransport() Transport {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	if c.URL != "" {
		return TransportStreamable
	}
	return ""
}

// Validate checks that the server config names a reachable target.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("server id is required")
	}
	switch c.EffectiveTransport() {
	case TransportStdio:
		if c.Command == "" {
			return errors.Newf("server %q: stdio transport requires command", c.ID)
		}
	case TransportStreamable, TransportSSE:
		if c.URL == "" {
			return errors.Newf("server %q: %s transport requires url", c.ID, c.EffectiveTransport())
		}
	default:
		return errors.Newf("server %q: unsupported transport %q", c.ID, c.Transport)
	}
	return nil
}

// Config configures the hub.
type Config struct {
	// Servers lists the tool servers to connect at startup.
	Servers []*ServerConfig `json:"servers" yaml:"servers"`
	// CallTimeout bounds each tool invocation, in seconds.
	// Zero selects DefaultCallTimeout.
	CallTimeout int `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	// ConnectTimeout bounds each server handshake, in seconds.
	// Zero selects DefaultConnectTimeout.
	ConnectTimeout int `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// Validate checks every server config and id uniqueness.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, sc := range c.Servers {
		if err := sc.Validate(); err != nil {
			return err
		}
		if seen[sc.ID] {
			return errors.Newf("duplicate server id %q", sc.ID)
		}
		seen[sc.ID] = true
	}
	return nil
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return time.Duration(c.ConnectTimeout) * time.Second
	}
	return DefaultConnectTimeout
}

func (c *Config) callTimeout(sc *ServerConfig) time.Duration {
	if sc != nil && sc.CallTimeout > 0 {
		return time.Duration(sc.CallTimeout) * time.Second
	}
	if c.CallTimeout > 0 {
		return time.Duration(c.CallTimeout) * time.Second
	}
	return DefaultCallTimeout
}
