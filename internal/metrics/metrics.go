// Package metrics holds the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AuthorizationsGranted prometheus.Counter
	AuthorizationsDenied  *prometheus.CounterVec
	SessionsClosed        *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	ConnectedMonitors     prometheus.Gauge
	WatchdogDemotions     prometheus.Counter
	BusMessagesDropped    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthorizationsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "evcentral_authorizations_granted_total",
			Help: "Charging session authorizations granted.",
		}),
		AuthorizationsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evcentral_authorizations_denied_total",
			Help: "Charging session authorizations denied, by reason.",
		}, []string{"reason"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evcentral_sessions_closed_total",
			Help: "Charging sessions closed, by terminal reason.",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evcentral_active_sessions",
			Help: "Sessions currently in the live index.",
		}),
		ConnectedMonitors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evcentral_connected_monitors",
			Help: "Authenticated monitor stream connections.",
		}),
		WatchdogDemotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "evcentral_watchdog_demotions_total",
			Help: "Charging points demoted to DISCONNECTED by the watchdog.",
		}),
		BusMessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evcentral_bus_messages_dropped_total",
			Help: "Bus messages dropped before routing, by cause.",
		}, []string{"cause"}),
	}
}
