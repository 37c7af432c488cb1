package mcp

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joeshaw/envdecode"
)

// TransportType selects the wire transport a client speaks.
type TransportType string

// Supported transport types.
const (
	TransportStdio      TransportType = "stdio"
	TransportSSE        TransportType = "sse"
	TransportStreamable TransportType = "streamable"
)

const defaultRequestTimeout = 30 * time.Second

// ClientConfig describes one client instance: its advertised identity, the
// transport to use, and the transport-specific settings. Fields irrelevant to
// the selected transport are ignored.
type ClientConfig struct {
	// Name is the client identifier advertised on initialize. ENV: MCP_NAME
	Name string `env:"MCP_NAME,default=mcp-client-go"`
	// Version is the client version advertised on initialize. ENV: MCP_VERSION
	Version string `env:"MCP_VERSION,default=0.1.0"`

	// Transport selects the wire transport. ENV: MCP_TRANSPORT
	Transport TransportType `env:"MCP_TRANSPORT,default=stdio"`

	// RequestTimeout bounds how long a request waits for its response.
	// ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`

	// Command, Args, and Env configure the stdio transport's child process.
	// Env entries are KEY=VALUE pairs appended to the parent environment.
	// ENV: MCP_COMMAND
	Command string `env:"MCP_COMMAND,default="`
	Args    []string
	Env     []string

	// URL is the endpoint for the sse and streamable transports: the events
	// URL for sse, the single MCP URL for streamable. ENV: MCP_URL
	URL string `env:"MCP_URL,default="`

	// Headers are attached to every HTTP request of the sse and streamable
	// transports.
	Headers http.Header

	// HTTPClient overrides the HTTP client used by the sse and streamable
	// transports. Nil means a client is built per transport defaults.
	HTTPClient *http.Client

	// Reconnection parametrizes the streamable transport's SSE stream
	// backoff. Zero fields take defaults.
	Reconnection ReconnectionOptions

	// Logger receives transport and dispatch diagnostics. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// ConfigFromEnv builds a ClientConfig from the MCP_* environment variables.
// Struct tags carry the defaults, the way the rest of the configuration
// surface does.
func ConfigFromEnv() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envdecode.Decode(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	return cfg, nil
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Name == "" {
		c.Name = "mcp-client-go"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Reconnection = c.Reconnection.withDefaults()
	return c
}

// newTransport builds the transport named by cfg.Transport. Unknown types
// fail with InvalidTransportTypeError at construction time.
func newTransport(cfg ClientConfig) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return NewStdioTransport(cfg), nil
	case TransportSSE:
		return NewSSETransport(cfg), nil
	case TransportStreamable:
		return NewStreamableTransport(cfg), nil
	default:
		return nil, &InvalidTransportTypeError{Type: cfg.Transport}
	}
}
