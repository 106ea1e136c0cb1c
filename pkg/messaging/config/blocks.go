package config

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
)

type fileDefinition struct {
	Client  *clientDefinition  `hcl:"client,block"`
	Broker  *brokerDefinition  `hcl:"broker,block"`
	Metrics *metricsDefinition `hcl:"metrics,block"`
}

type clientDefinition struct {
	Server          *string              `hcl:"server,optional"`
	URL             *string              `hcl:"url,optional"`
	UserID          *string              `hcl:"user_id,optional"`
	Token           *string              `hcl:"token,optional"`
	Transport       *string              `hcl:"transport,optional"`
	Heartbeat       *string              `hcl:"heartbeat,optional"`
	ReconnectDelay  hcl.Expression       `hcl:"reconnect_delay,optional"`
	ConnectTimeout  hcl.Expression       `hcl:"connect_timeout,optional"`
	StrictEnvelopes *bool                `hcl:"strict_envelopes,optional"`
	Headers         map[string]string    `hcl:"headers,optional"`
	SendRateLimit   *rateLimitDefinition `hcl:"send_rate_limit,block"`
}

type rateLimitDefinition struct {
	PerSecond float64 `hcl:"per_second"`
	Burst     *int    `hcl:"burst,optional"`
}

type brokerDefinition struct {
	Listen       *string        `hcl:"listen,optional"`
	Path         *string        `hcl:"path,optional"`
	QueueSize    *int           `hcl:"queue_size,optional"`
	PingInterval hcl.Expression `hcl:"ping_interval,optional"`
	ReadTimeout  hcl.Expression `hcl:"read_timeout,optional"`
	WriteTimeout hcl.Expression `hcl:"write_timeout,optional"`
	Tokens       []string       `hcl:"tokens,optional"`
}

type metricsDefinition struct {
	Provider  *string `hcl:"provider,optional"`
	Listen    *string `hcl:"listen,optional"`
	Path      *string `hcl:"path,optional"`
	Namespace *string `hcl:"namespace,optional"`
}

type hclDocument struct {
	body hcl.Body
}

func (d *hclDocument) apply(config *Config) hcl.Diagnostics {
	var def fileDefinition
	diags := gohcl.DecodeBody(d.body, config.evalCtx, &def)
	if diags.HasErrors() {
		return diags
	}

	if c := def.Client; c != nil {
		set(&config.Client.Server, c.Server)
		set(&config.Client.URL, c.URL)
		set(&config.Client.UserID, c.UserID)
		set(&config.Client.Token, c.Token)
		set(&config.Client.Transport, c.Transport)
		set(&config.Client.Heartbeat, c.Heartbeat)
		set(&config.Client.StrictEnvelopes, c.StrictEnvelopes)
		diags = diags.Extend(config.setDuration(&config.Client.ReconnectDelay, c.ReconnectDelay))
		diags = diags.Extend(config.setDuration(&config.Client.ConnectTimeout, c.ConnectTimeout))
		mergeHeaders(&config.Client, c.Headers)

		if rl := c.SendRateLimit; rl != nil {
			config.Client.SendRateLimit = rl.PerSecond
			config.Client.SendBurst = 1
			set(&config.Client.SendBurst, rl.Burst)
		}
	}

	if b := def.Broker; b != nil {
		set(&config.Broker.Listen, b.Listen)
		set(&config.Broker.Path, b.Path)
		set(&config.Broker.QueueSize, b.QueueSize)
		diags = diags.Extend(config.setDuration(&config.Broker.PingInterval, b.PingInterval))
		diags = diags.Extend(config.setDuration(&config.Broker.ReadTimeout, b.ReadTimeout))
		diags = diags.Extend(config.setDuration(&config.Broker.WriteTimeout, b.WriteTimeout))
		if b.Tokens != nil {
			config.Broker.Tokens = b.Tokens
		}
	}

	if m := def.Metrics; m != nil {
		set(&config.Metrics.Provider, m.Provider)
		set(&config.Metrics.Listen, m.Listen)
		set(&config.Metrics.Path, m.Path)
		set(&config.Metrics.Namespace, m.Namespace)
	}

	return diags
}

func (c *Config) setDuration(dst *time.Duration, expr hcl.Expression) hcl.Diagnostics {
	if !IsExpressionProvided(expr) {
		return nil
	}
	d, diags := c.ParseDuration(expr)
	if !diags.HasErrors() {
		*dst = d
	}
	return diags
}

type yamlFile struct {
	Client  *yamlClient  `yaml:"client"`
	Broker  *yamlBroker  `yaml:"broker"`
	Metrics *yamlMetrics `yaml:"metrics"`
}

type yamlClient struct {
	Server          *string           `yaml:"server"`
	URL             *string           `yaml:"url"`
	UserID          *string           `yaml:"user_id"`
	Token           *string           `yaml:"token"`
	Transport       *string           `yaml:"transport"`
	Heartbeat       *string           `yaml:"heartbeat"`
	ReconnectDelay  *string           `yaml:"reconnect_delay"`
	ConnectTimeout  *string           `yaml:"connect_timeout"`
	StrictEnvelopes *bool             `yaml:"strict_envelopes"`
	Headers         map[string]string `yaml:"headers"`
	SendRateLimit   *struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     *int    `yaml:"burst"`
	} `yaml:"send_rate_limit"`
}

type yamlBroker struct {
	Listen       *string  `yaml:"listen"`
	Path         *string  `yaml:"path"`
	QueueSize    *int     `yaml:"queue_size"`
	PingInterval *string  `yaml:"ping_interval"`
	ReadTimeout  *string  `yaml:"read_timeout"`
	WriteTimeout *string  `yaml:"write_timeout"`
	Tokens       []string `yaml:"tokens"`
}

type yamlMetrics struct {
	Provider  *string `yaml:"provider"`
	Listen    *string `yaml:"listen"`
	Path      *string `yaml:"path"`
	Namespace *string `yaml:"namespace"`
}

type yamlDocument struct {
	name string
	file yamlFile
}

func (d *yamlDocument) apply(config *Config) hcl.Diagnostics {
	var diags hcl.Diagnostics

	dur := func(dst *time.Duration, src *string, key string) {
		if src == nil {
			return
		}
		v, err := parseDurationString(*src)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid duration",
				Detail:   d.name + ": " + key + ": " + err.Error(),
			})
			return
		}
		*dst = v
	}

	if c := d.file.Client; c != nil {
		set(&config.Client.Server, c.Server)
		set(&config.Client.URL, c.URL)
		set(&config.Client.UserID, c.UserID)
		set(&config.Client.Token, c.Token)
		set(&config.Client.Transport, c.Transport)
		set(&config.Client.Heartbeat, c.Heartbeat)
		set(&config.Client.StrictEnvelopes, c.StrictEnvelopes)
		dur(&config.Client.ReconnectDelay, c.ReconnectDelay, "client.reconnect_delay")
		dur(&config.Client.ConnectTimeout, c.ConnectTimeout, "client.connect_timeout")
		mergeHeaders(&config.Client, c.Headers)

		if rl := c.SendRateLimit; rl != nil {
			config.Client.SendRateLimit = rl.PerSecond
			config.Client.SendBurst = 1
			set(&config.Client.SendBurst, rl.Burst)
		}
	}

	if b := d.file.Broker; b != nil {
		set(&config.Broker.Listen, b.Listen)
		set(&config.Broker.Path, b.Path)
		set(&config.Broker.QueueSize, b.QueueSize)
		dur(&config.Broker.PingInterval, b.PingInterval, "broker.ping_interval")
		dur(&config.Broker.ReadTimeout, b.ReadTimeout, "broker.read_timeout")
		dur(&config.Broker.WriteTimeout, b.WriteTimeout, "broker.write_timeout")
		if b.Tokens != nil {
			config.Broker.Tokens = b.Tokens
		}
	}

	if m := d.file.Metrics; m != nil {
		set(&config.Metrics.Provider, m.Provider)
		set(&config.Metrics.Listen, m.Listen)
		set(&config.Metrics.Path, m.Path)
		set(&config.Metrics.Namespace, m.Namespace)
	}

	return diags
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func mergeHeaders(c *ClientSettings, headers map[string]string) {
	if len(headers) == 0 {
		return
	}
	if c.Headers == nil {
		c.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		c.Headers[k] = v
	}
}
