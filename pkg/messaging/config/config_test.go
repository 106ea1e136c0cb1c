package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stageconnect/messaging/pkg/messaging/prom"
	"github.com/stageconnect/messaging/pkg/messaging/transport/coderws"
	"github.com/stageconnect/messaging/pkg/messaging/transport/gobwasws"
	"github.com/stageconnect/messaging/pkg/messaging/websockets/client"
)

func noEnv() []string { return nil }

func TestDefaults(t *testing.T) {
	config, diags := NewConfig().WithEnviron(noEnv).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, TransportCoder, config.Client.Transport)
	assert.Equal(t, client.DefaultReconnectDelay, config.Client.ReconnectDelay)
	assert.Equal(t, client.DefaultHeartbeatSchedule, config.Client.Heartbeat)
	assert.Equal(t, ":8080", config.Broker.Listen)
	assert.Empty(t, config.Metrics.Provider)

	_, err := config.Endpoint()
	assert.Error(t, err)
}

func TestHCLSource(t *testing.T) {
	src := []byte(`
client {
  server           = "https://chat.example.com"
  user_id          = 3
  token            = env.CHAT_TOKEN
  transport        = "gobwas"
  reconnect_delay  = "PT10S"
  connect_timeout  = 2
  strict_envelopes = true
  headers = {
    "X-Client" = upper("cli")
  }

  send_rate_limit {
    per_second = 5
    burst      = 10
  }
}

broker {
  listen     = ":9090"
  queue_size = 16
  ping_interval = "15s"
  tokens     = ["alpha", "beta"]
}

metrics {
  provider  = "prometheus"
  namespace = "chat"
}
`)

	config, diags := NewConfig().
		WithLogger(zaptest.NewLogger(t)).
		WithEnviron(func() []string { return []string{"CHAT_TOKEN=s3cret"} }).
		WithSources(src).
		Build()
	require.False(t, diags.HasErrors(), diags.Error())

	c := config.Client
	assert.Equal(t, "3", c.UserID)
	assert.Equal(t, "s3cret", c.Token)
	assert.Equal(t, TransportGobwas, c.Transport)
	assert.Equal(t, 10*time.Second, c.ReconnectDelay)
	assert.Equal(t, 2*time.Second, c.ConnectTimeout)
	assert.True(t, c.StrictEnvelopes)
	assert.Equal(t, map[string]string{"X-Client": "CLI"}, c.Headers)
	assert.Equal(t, 5.0, c.SendRateLimit)
	assert.Equal(t, 10, c.SendBurst)

	assert.Equal(t, ":9090", config.Broker.Listen)
	assert.Equal(t, 16, config.Broker.QueueSize)
	assert.Equal(t, 15*time.Second, config.Broker.PingInterval)
	assert.Equal(t, []string{"alpha", "beta"}, config.Broker.Tokens)

	endpoint, err := config.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws", endpoint)

	dialer, err := config.Dialer()
	require.NoError(t, err)
	assert.IsType(t, &gobwasws.Dialer{}, dialer)

	b, err := config.ClientBuilder(nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.IsValid())

	metrics, tracing := config.Observability(prometheus.NewRegistry(), "test")
	assert.IsType(t, &prom.Provider{}, metrics)
	assert.Nil(t, tracing)
}

func TestLaterSourcesOverride(t *testing.T) {
	dir := t.TempDir()

	hclPath := filepath.Join(dir, "base.hcl")
	require.NoError(t, os.WriteFile(hclPath, []byte(`
client {
  server    = "http://localhost:8080"
  user_id   = "3"
  heartbeat = "@every 10s"
}
`), 0o644))

	yamlPath := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
client:
  user_id: "7"
  reconnect_delay: 1m
broker:
  tokens: [gamma]
  read_timeout: PT2M
metrics:
  provider: otel
`), 0o644))

	config, diags := NewConfig().WithEnviron(noEnv).WithSources(hclPath, yamlPath).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, "http://localhost:8080", config.Client.Server)
	assert.Equal(t, "7", config.Client.UserID)
	assert.Equal(t, "@every 10s", config.Client.Heartbeat)
	assert.Equal(t, time.Minute, config.Client.ReconnectDelay)
	assert.Equal(t, []string{"gamma"}, config.Broker.Tokens)
	assert.Equal(t, 2*time.Minute, config.Broker.ReadTimeout)

	metrics, tracing := config.Observability(nil, "test")
	assert.NotNil(t, metrics)
	assert.NotNil(t, tracing)
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.hcl"), []byte(`client { server = "http://a" }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("client:\n  url: ws://b/ws\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	config, diags := NewConfig().WithEnviron(noEnv).WithSources(dir).Build()
	require.False(t, diags.HasErrors(), diags.Error())

	endpoint, err := config.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ws://b/ws", endpoint)
}

func TestEnvOverrides(t *testing.T) {
	env := []string{
		"STAGECONNECT_SERVER=http://override:8080",
		"STAGECONNECT_USER_ID=12",
		"STAGECONNECT_RECONNECT_DELAY=PT1S",
		"STAGECONNECT_STRICT_ENVELOPES=true",
		"STAGECONNECT_BROKER_TOKENS=one, two,,",
		"UNRELATED=1",
	}

	config, diags := NewConfig().
		WithEnviron(func() []string { return env }).
		WithSources([]byte(`client { server = "http://file:8080" }`)).
		Build()
	require.False(t, diags.HasErrors(), diags.Error())

	assert.Equal(t, "http://override:8080", config.Client.Server)
	assert.Equal(t, "12", config.Client.UserID)
	assert.Equal(t, time.Second, config.Client.ReconnectDelay)
	assert.True(t, config.Client.StrictEnvelopes)
	assert.Equal(t, []string{"one", "two"}, config.Broker.Tokens)

	_, diags = NewConfig().
		WithEnviron(func() []string { return []string{"STAGECONNECT_STRICT_ENVELOPES=maybe"} }).
		Build()
	assert.True(t, diags.HasErrors())
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown transport", `client { transport = "carrier-pigeon" }`},
		{"bad heartbeat", `client { heartbeat = "whenever" }`},
		{"bad user id", `client { user_id = "abc" }`},
		{"negative duration", `client { reconnect_delay = -1 }`},
		{"unknown metrics provider", `metrics { provider = "statsd" }`},
		{"zero queue", `broker { queue_size = 0 }`},
		{"unknown block", `relay { }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, diags := NewConfig().WithEnviron(noEnv).WithSources([]byte(tt.src)).Build()
			assert.True(t, diags.HasErrors())
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, diags := NewConfig().WithEnviron(noEnv).WithSources(filepath.Join(t.TempDir(), "nope.hcl")).Build()
	assert.True(t, diags.HasErrors())

	_, diags = NewConfig().WithEnviron(noEnv).WithSources(42).Build()
	assert.True(t, diags.HasErrors())
}

func TestDialerDefault(t *testing.T) {
	config, diags := NewConfig().WithEnviron(noEnv).Build()
	require.False(t, diags.HasErrors())

	dialer, err := config.Dialer()
	require.NoError(t, err)
	assert.IsType(t, &coderws.Dialer{}, dialer)
}

func TestTokenList(t *testing.T) {
	validate := TokenList([]string{"alpha", "beta"})

	assert.NoError(t, validate(context.Background(), "beta"))
	assert.Error(t, validate(context.Background(), "gamma"))
	assert.Error(t, validate(context.Background(), ""))
}

func TestListenerConfig(t *testing.T) {
	config, diags := NewConfig().
		WithLogger(zaptest.NewLogger(t)).
		WithEnviron(noEnv).
		WithSources([]byte(`broker { tokens = ["alpha"] }`)).
		Build()
	require.False(t, diags.HasErrors(), diags.Error())

	listener, err := config.ListenerConfig(nil).Build()
	require.NoError(t, err)
	assert.Zero(t, listener.SessionCount())
}

func TestGetEnvObject(t *testing.T) {
	obj := GetEnvObject([]string{"HOME=/root", "1BAD-NAME=x", "EMPTY=", "NOEQUALS"})

	assert.Equal(t, "/root", obj.GetAttr("HOME").AsString())
	assert.Equal(t, "x", obj.GetAttr("_BAD-NAME").AsString())
	assert.Equal(t, "", obj.GetAttr("EMPTY").AsString())
	assert.False(t, obj.Type().HasAttribute("NOEQUALS"))

	assert.True(t, GetEnvObject(nil).RawEquals(GetEnvObject([]string{})))
}
