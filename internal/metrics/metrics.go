// Package metrics exposes the proxy's operational counters via
// prometheus/client_golang. The core treats stats as an external
// collaborator; this is that collaborator's implementation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters and gauges the proxy core updates as it
// routes requests, ejects and retries servers, and runs hot reloads.
type Registry struct {
	Ejections *prometheus.CounterVec
	RetryProbes *prometheus.CounterVec
	ContinuumBuilds *prometheus.CounterVec
	ReloadStarted prometheus.Counter
	ReloadCompleted prometheus.Counter
	LiveServers *prometheus.GaugeVec
	NoServerErrors *prometheus.CounterVec
}

// New creates a Registry and registers its collectors with reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Ejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "server_ejections_total",
			Help: "Number of times a server was ejected from a pool's continuum.",
		}, []string{"pool", "server"}),
		RetryProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "server_retry_probes_total",
			Help: "Number of retry probes sent to ejected servers, by outcome.",
		}, []string{"pool", "server", "outcome"}),
		ContinuumBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "continuum_builds_total",
			Help: "Number of continuum rebuilds, by pool and trigger.",
		}, []string{"pool", "trigger"}),
		ReloadStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "reload_started_total",
			Help: "Number of hot-reload cycles kicked off.",
		}),
		ReloadCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "reload_completed_total",
			Help: "Number of hot-reload cycles that finished draining the old generation.",
		}),
		LiveServers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "live_servers",
			Help: "Current count of live (non-ejected) servers per pool.",
		}, []string{"pool"}),
		NoServerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachemir",
			Subsystem: "proxy",
			Name: "no_server_available_total",
			Help: "Requests failed because no server was available.",
		}, []string{"pool"}),
	}

	reg.MustRegister(
		m.Ejections,
		m.RetryProbes,
		m.ContinuumBuilds,
		m.ReloadStarted,
		m.ReloadCompleted,
		m.LiveServers,
		m.NoServerErrors,
	)
	return m
}
