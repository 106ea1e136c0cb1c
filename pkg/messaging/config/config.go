// Package config loads StageConnect client, broker and metrics settings
// from HCL or YAML files, with environment variable overrides.
package config

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/server"
)

// Transports selectable with ClientSettings.Transport.
const (
	TransportCoder  = "coder"
	TransportGobwas = "gobwas"
)

// Metrics providers selectable with MetricsSettings.Provider.
const (
	MetricsPrometheus = "prometheus"
	MetricsOtel       = "otel"
)

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	environ func() []string
}

// Config is the merged result of all sources.
type Config struct {
	Logger  *zap.Logger
	Client  ClientSettings
	Broker  BrokerSettings
	Metrics MetricsSettings

	evalCtx *hcl.EvalContext
}

type ClientSettings struct {
	// Server is the base URL of the backend; the WebSocket endpoint is
	// derived from it unless URL is set.
	Server          string
	URL             string
	UserID          string
	Token           string
	Transport       string
	Heartbeat       string
	ReconnectDelay  time.Duration
	ConnectTimeout  time.Duration
	StrictEnvelopes bool
	SendRateLimit   float64
	SendBurst       int
	Headers         map[string]string
}

type BrokerSettings struct {
	Listen       string
	Path         string
	QueueSize    int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Tokens, when not empty, are the only bearer tokens accepted.
	Tokens []string
}

type MetricsSettings struct {
	Provider  string
	Listen    string
	Path      string
	Namespace string
}

func defaultConfig() *Config {
	return &Config{
		Client: ClientSettings{
			Transport:      TransportCoder,
			Heartbeat:      client.DefaultHeartbeatSchedule,
			ReconnectDelay: client.DefaultReconnectDelay,
			ConnectTimeout: client.DefaultConnectTimeout,
		},
		Broker: BrokerSettings{
			Listen:       ":8080",
			Path:         "/ws",
			QueueSize:    server.DefaultQueueSize,
			PingInterval: server.DefaultPingInterval,
			ReadTimeout:  server.DefaultReadTimeout,
			WriteTimeout: server.DefaultWriteTimeout,
		},
		Metrics: MetricsSettings{
			Path:      "/metrics",
			Namespace: "stageconnect",
		},
	}
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		sources: make([]any, 0),
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds configuration sources: file or directory paths
// (.hcl, .yaml, .yml) or HCL source as []byte. Later sources override
// earlier ones.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithEnviron replaces os.Environ as the source of environment variables.
func (cb *ConfigBuilder) WithEnviron(environ func() []string) *ConfigBuilder {
	cb.environ = environ
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	environ := environment(cb.environ)

	config := defaultConfig()
	config.Logger = cb.logger
	config.evalCtx = &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": GetEnvObject(environ),
		},
		Functions: Functions(),
	}

	docs, diags := ParseConfigFiles(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	for _, doc := range docs {
		diags = diags.Extend(doc.apply(config))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	diags = diags.Extend(applyEnvOverrides(config, environ))
	diags = diags.Extend(config.validate())
	if diags.HasErrors() {
		return nil, diags
	}

	config.Logger.Debug("Config built successfully", zap.Int("sources", len(docs)))

	return config, diags
}
