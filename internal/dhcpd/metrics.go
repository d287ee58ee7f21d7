package dhcpd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhcp",
		Name:      "packets_received_total",
		Help:      "Datagrams accepted from the DHCP ports.",
	})

	metricPacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhcp",
		Name:      "packets_dropped_total",
		Help:      "Datagrams dropped before or during protocol handling.",
	})

	metricRepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dhcp",
		Name:      "replies_sent_total",
		Help:      "OFFER, ACK and NAK messages sent.",
	})

	metricLeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dhcp",
		Name:      "leases_active",
		Help:      "Committed leases across all scopes.",
	})
)
