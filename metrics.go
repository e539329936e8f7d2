// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus counters this engine updates: ticks taken,
// events dispatched, connections accepted, and connections torn down.
// Grounded on aungmyooo2k17-whisper-chat's internal/metrics package, which
// is the pack's one example of prometheus/client_golang wired into a
// networked server.
type Metrics struct {
	Ticks      prometheus.Counter
	Dispatched prometheus.Counter
	Accepted   prometheus.Counter
	TornDown   prometheus.Counter
	WaitErrors prometheus.Counter
}

// NewMetrics builds a Metrics instance and registers it with reg. Passing a
// fresh prometheus.NewRegistry() keeps multiple EventLoops in the same
// process from colliding on the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_ticks_total",
			Help: "Total number of event loop ticks executed.",
		}),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_events_dispatched_total",
			Help: "Total number of readiness events dispatched to handlers.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_connections_accepted_total",
			Help: "Total number of connections accepted by the HTTP acceptor.",
		}),
		TornDown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_connections_torn_down_total",
			Help: "Total number of connections torn down by the HTTP acceptor.",
		}),
		WaitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_wait_errors_total",
			Help: "Total number of fatal (non-EINTR) errors returned by Backend.Wait.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Ticks, m.Dispatched, m.Accepted, m.TornDown, m.WaitErrors)
	}
	return m
}
