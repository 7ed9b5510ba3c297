package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the broker's Prometheus collectors.
type Stats struct {
	ConnectionsActive  *prometheus.GaugeVec
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsRefused *prometheus.CounterVec
	PacketsReceived    *prometheus.CounterVec
	PacketsSent        *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	MessagesDelivered  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	MessagesQueued     *prometheus.CounterVec
	RetainedMessages   *prometheus.GaugeVec
}

// NewStats creates and registers the collectors on reg. A nil registerer
// leaves them unregistered, which tests use to avoid duplicate
// registration.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "myqtt", Name: "connections_active",
			Help: "Currently connected clients per domain.",
		}, []string{"domain"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "connections_total",
			Help: "Accepted client connections per domain.",
		}, []string{"domain"}),
		ConnectionsRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "connections_refused_total",
			Help: "Refused CONNECT attempts by CONNACK code.",
		}, []string{"code"}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "packets_received_total",
			Help: "Control packets received by type.",
		}, []string{"type"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "packets_sent_total",
			Help: "Control packets sent by type.",
		}, []string{"type"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "messages_published_total",
			Help: "Application messages accepted for fan-out per domain.",
		}, []string{"domain"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "messages_delivered_total",
			Help: "Messages delivered to online subscribers per domain.",
		}, []string{"domain"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "messages_dropped_total",
			Help: "Messages dropped by policy, quota or storage failure.",
		}, []string{"domain", "reason"}),
		MessagesQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myqtt", Name: "messages_queued_total",
			Help: "Messages queued to offline client storage per domain.",
		}, []string{"domain"}),
		RetainedMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "myqtt", Name: "retained_messages",
			Help: "Retained messages held per domain.",
		}, []string{"domain"}),
	}

	if reg != nil {
		reg.MustRegister(
			s.ConnectionsActive, s.ConnectionsTotal, s.ConnectionsRefused,
			s.PacketsReceived, s.PacketsSent,
			s.MessagesPublished, s.MessagesDelivered, s.MessagesDropped,
			s.MessagesQueued, s.RetainedMessages,
		)
	}

	return s
}
