// Package prom implements o11y.MetricsProvider on top of the Prometheus
// client library.
package prom

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stageconnect/messaging/pkg/messaging/o11y"
)

// Provider creates Prometheus collectors on first use. Label names are taken
// from the labels passed at record time, so a metric must always be recorded
// with the same label keys.
type Provider struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	collectors map[string]prometheus.Collector
}

// NewProvider returns a provider registering into reg, or the default
// registerer when reg is nil.
func NewProvider(reg prometheus.Registerer, namespace string) *Provider {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Provider{
		registerer: reg,
		namespace:  namespace,
		collectors: make(map[string]prometheus.Collector),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	return &counter{p: p, name: name}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	return &histogram{p: p, name: name}
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	return &gauge{p: p, name: name}
}

func splitLabels(labels []o11y.Label) ([]string, prometheus.Labels) {
	names := make([]string, 0, len(labels))
	values := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		if _, dup := values[l.Key]; !dup {
			names = append(names, l.Key)
		}
		values[l.Key] = l.Value
	}
	sort.Strings(names)
	return names, values
}

// collector returns the registered collector for name and label names,
// creating it with build when needed. It returns nil when registration fails.
func (p *Provider) collector(name string, labelNames []string, build func() prometheus.Collector) prometheus.Collector {
	key := name + "{" + strings.Join(labelNames, ",") + "}"

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.collectors[key]; ok {
		return c
	}

	c := build()
	if err := p.registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			p.collectors[key] = nil
			return nil
		}
		c = are.ExistingCollector
	}
	p.collectors[key] = c
	return c
}

type counter struct {
	p    *Provider
	name string
}

func (c *counter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	col := c.p.collector(c.name, names, func() prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.p.namespace,
			Name:      c.name,
			Help:      c.name,
		}, names)
	})
	if vec, ok := col.(*prometheus.CounterVec); ok {
		vec.With(values).Add(float64(value))
	}
}

type histogram struct {
	p    *Provider
	name string
}

func (h *histogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	col := h.p.collector(h.name, names, func() prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: h.p.namespace,
			Name:      h.name,
			Help:      h.name,
			Buckets:   prometheus.DefBuckets,
		}, names)
	})
	if vec, ok := col.(*prometheus.HistogramVec); ok {
		vec.With(values).Observe(value)
	}
}

type gauge struct {
	p    *Provider
	name string
}

func (g *gauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	col := g.p.collector(g.name, names, func() prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: g.p.namespace,
			Name:      g.name,
			Help:      g.name,
		}, names)
	})
	if vec, ok := col.(*prometheus.GaugeVec); ok {
		vec.With(values).Set(value)
	}
}
