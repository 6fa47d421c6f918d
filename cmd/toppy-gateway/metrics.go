package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts capsules and bytes per relayed connection rather than
// per packet, since the gateway relays TCP byte streams, not a tunnel
// interface's packets.
type Metrics struct {
	sessions   prometheus.Gauge
	capsules   *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	drops      *prometheus.CounterVec
	handshakes *prometheus.CounterVec
}

// NewMetrics registers the gateway's collectors against reg rather than
// implicitly using the global DefaultRegisterer, so production can pass
// prometheus.DefaultRegisterer once while tests build a fresh
// prometheus.NewRegistry() per session without tripping a duplicate
// registration panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "toppy_gateway_sessions_active",
			Help: "Active Toppy tunnel sessions",
		}),
		capsules: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toppy_gateway_capsules_total",
			Help: "Control-stream capsules processed",
		}, []string{"direction"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toppy_gateway_bytes_total",
			Help: "Bytes relayed between tunnel clients and policy-approved targets",
		}, []string{"direction"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toppy_gateway_drops_total",
			Help: "Rejected opens and relay errors",
		}, []string{"reason"}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toppy_gateway_handshakes_total",
			Help: "Tunnel handshake outcomes",
		}, []string{"result"}),
	}
}
