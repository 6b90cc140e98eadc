// Package metrics holds the prometheus collectors exported by mucpd.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SOAPRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "mucp_soap_requests_total",
			Help: "SOAP actions issued to devices (Counter). outcome=ok|fault|http_error|transport_error|mismatch.",
		},
		[]string{"service", "action", "outcome"},
	)
	SOAPRequestDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "mucp_soap_request_duration_seconds",
		Help:    "SOAP round trip duration in seconds (Histogram).",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"service", "action"})

	SSDPEventsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "mucp_ssdp_events_total",
			Help: "SSDP messages handled (Counter). kind=alive|response|byebye|ignored.",
		},
		[]string{"kind"},
	)
	Devices = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "mucp_devices",
			Help: "Entries in the discovered device table (Gauge).",
		},
		[]string{"kind", "state"},
	)
	DescriptionFetchTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "mucp_description_fetch_total",
			Help: "Device description fetches (Counter). outcome=ok|cached|error|ignored.",
		},
		[]string{"outcome"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "mucp_commands_total",
			Help: "Control point commands handled (Counter). surface=mqtt|http.",
		},
		[]string{"surface", "type", "ok"},
	)
)

// ObserveSOAP records one SOAP round trip.
func ObserveSOAP(service string, action string, outcome string, duration time.Duration) {
	SOAPRequestsTotal.WithLabelValues(service, action, outcome).Inc()
	SOAPRequestDuration.WithLabelValues(service, action).Observe(duration.Seconds())
}

// ObserveCommand records a handled command.
func ObserveCommand(surface string, cmdType string, ok bool) {
	label := "false"
	if ok {
		label = "true"
	}
	CommandsTotal.WithLabelValues(surface, cmdType, label).Inc()
}
