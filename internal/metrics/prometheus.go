// Package metrics provides a Prometheus-backed implementation of the
// instrumentation sinks used across the host.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink lazily registers one collector per metric name. The label set of
// the first observation fixes the label schema for that name; later
// observations with a different set are dropped rather than panicking the
// caller.
type PromSink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// NewPromSink creates a sink backed by a private Prometheus registry.
func NewPromSink() *PromSink {
	return &PromSink{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*counterEntry),
		histograms: make(map[string]*histogramEntry),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PromSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// IncCounter increments the named counter with the given tags.
func (s *PromSink) IncCounter(name string, tags map[string]string) {
	keys := sortedKeys(tags)

	s.mu.Lock()
	ent, ok := s.counters[name]
	if !ok {
		ent = &counterEntry{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: sanitize(name),
				Help: name,
			}, keys),
			labels: keys,
		}
		if err := s.reg.Register(ent.vec); err != nil {
			s.mu.Unlock()
			return
		}
		s.counters[name] = ent
	}
	s.mu.Unlock()

	if !sameKeys(ent.labels, keys) {
		return
	}
	ent.vec.With(prometheus.Labels(tags)).Inc()
}

// ObserveHistogram records one observation for the named histogram.
func (s *PromSink) ObserveHistogram(name string, value float64, tags map[string]string) {
	keys := sortedKeys(tags)

	s.mu.Lock()
	ent, ok := s.histograms[name]
	if !ok {
		ent = &histogramEntry{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    sanitize(name),
				Help:    name,
				Buckets: prometheus.DefBuckets,
			}, keys),
			labels: keys,
		}
		if err := s.reg.Register(ent.vec); err != nil {
			s.mu.Unlock()
			return
		}
		s.histograms[name] = ent
	}
	s.mu.Unlock()

	if !sameKeys(ent.labels, keys) {
		return
	}
	ent.vec.With(prometheus.Labels(tags)).Observe(value)
}

func sortedKeys(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
