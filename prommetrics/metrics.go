// Package prommetrics records smbproxy cache, remote call and read events as
// Prometheus metrics.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	repo, err := smbproxy.NewRepository(client, conns, &smbproxy.Config{
//		Metrics: prommetrics.New(reg),
//	})
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus implementation of smbproxy.Metrics.
type Metrics struct {
	cacheLookups   *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	streamOpens    *prometheus.CounterVec
	bytesServed    prometheus.Counter
}

// New registers the smbproxy collectors with reg. A nil reg registers with
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbproxy_cache_lookups_total",
				Help: "Cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		remoteCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbproxy_remote_calls_total",
				Help: "Calls into the SMB client by operation and status",
			},
			[]string{"op", "status"},
		),
		remoteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "smbproxy_remote_call_duration_seconds",
				Help: "Duration of calls into the SMB client in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.025, // 25ms
					0.1,   // 100ms
					0.5,   // 500ms
					2.5,   // 2.5s
					10,    // 10s
				},
			},
			[]string{"op"},
		),
		streamOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbproxy_stream_opens_total",
				Help: "Remote read streams opened by buffered readers",
			},
			[]string{"kind"},
		),
		bytesServed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "smbproxy_bytes_served_total",
				Help: "Bytes returned to the operating system by proxy descriptors",
			},
		),
	}
}

func (m *Metrics) CacheHit(cache string) {
	m.cacheLookups.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	m.cacheLookups.WithLabelValues(cache, "miss").Inc()
}

func (m *Metrics) RemoteCall(op string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.remoteCalls.WithLabelValues(op, status).Inc()
	m.remoteDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) StreamOpened(reopen bool) {
	kind := "initial"
	if reopen {
		kind = "reopen"
	}
	m.streamOpens.WithLabelValues(kind).Inc()
}

func (m *Metrics) BytesServed(n int) {
	m.bytesServed.Add(float64(n))
}
