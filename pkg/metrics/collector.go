package metrics

import (
	"github.com/illmade-knight/go-waterbridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waterbridge"

var breakerPhases = []string{"CLOSED", "OPEN", "HALF_OPEN"}

type descriptors struct {
	counters     map[string]*prometheus.Desc
	rejected     *prometheus.Desc
	occupancy    *prometheus.Desc
	breakerPhase *prometheus.Desc
	devices      *prometheus.Desc
}

func newDescriptors() descriptors {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name+"_total"), help, nil, nil)
	}
	return descriptors{
		counters: map[string]*prometheus.Desc{
			"received":           counter("messages_received", "Inbound MQTT messages received."),
			"validated":          counter("messages_validated", "Inbound messages accepted by validation."),
			"parameters_invalid": counter("parameters_invalid", "Reading parameters flagged invalid."),
			"published":          counter("messages_published", "Outbound messages acknowledged by Pub/Sub."),
			"failed":             counter("messages_failed", "Outbound messages dropped after permanent or exhausted failures."),
			"deferred":           counter("messages_deferred", "Outbound messages re-buffered because the breaker was open."),
			"retries":            counter("publish_retries", "Publish attempts retried after a transient failure."),
			"flushes":            counter("buffer_flushes", "Buffer flush ticks, including no-op flushes."),
			"dropped":            counter("messages_overflow_dropped", "Oldest re-buffered messages dropped on overflow."),
			"listener_dropped":   counter("listener_dropped", "Inbound messages dropped because the hand-off channel was full."),
			"lost_on_shutdown":   counter("messages_lost_on_shutdown", "Buffered messages not delivered before shutdown."),
			"reconnects":         counter("mqtt_reconnects", "MQTT reconnect attempts."),
		},
		rejected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "messages_rejected_total"),
			"Inbound messages rejected by validation.", []string{"reason"}, nil),
		occupancy: prometheus.NewDesc(prometheus.BuildFQName(namespace, "buffer", "occupancy"),
			"Messages currently held in a topic buffer.", []string{"topic"}, nil),
		breakerPhase: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "phase"),
			"1 for the current phase of the breaker guarding a topic.", []string{"topic", "phase"}, nil),
		devices: prometheus.NewDesc(prometheus.BuildFQName(namespace, "devices", "state"),
			"Number of devices per liveness state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range r.descs.counters {
		ch <- d
	}
	ch <- r.descs.rejected
	ch <- r.descs.occupancy
	ch <- r.descs.breakerPhase
	ch <- r.descs.devices
}

// Collect implements prometheus.Collector from a single snapshot so the
// exported values are mutually consistent.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	s := r.Snapshot()
	values := map[string]uint64{
		"received":           s.Received,
		"validated":          s.Validated,
		"parameters_invalid": s.ParametersInvalid,
		"published":          s.Published,
		"failed":             s.Failed,
		"deferred":           s.Deferred,
		"retries":            s.Retries,
		"flushes":            s.Flushes,
		"dropped":            s.Dropped,
		"listener_dropped":   s.ListenerDropped,
		"lost_on_shutdown":   s.LostOnShutdown,
		"reconnects":         s.Reconnects,
	}
	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(r.descs.counters[name], prometheus.CounterValue, float64(v))
	}
	for _, reason := range sortedKeys(s.RejectedByReason) {
		ch <- prometheus.MustNewConstMetric(r.descs.rejected, prometheus.CounterValue, float64(s.RejectedByReason[reason]), reason)
	}
	for _, topic := range sortedKeys(s.BufferOccupancy) {
		ch <- prometheus.MustNewConstMetric(r.descs.occupancy, prometheus.GaugeValue, float64(s.BufferOccupancy[topic]), topic)
	}
	for _, topic := range sortedKeys(s.BreakerPhase) {
		for _, phase := range breakerPhases {
			v := 0.0
			if s.BreakerPhase[topic] == phase {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(r.descs.breakerPhase, prometheus.GaugeValue, v, topic, phase)
		}
	}
	states := map[types.LivenessState]int{types.StateOnline: 0, types.StateOffline: 0}
	for _, d := range s.Liveness {
		states[d.State]++
	}
	for state, n := range states {
		ch <- prometheus.MustNewConstMetric(r.descs.devices, prometheus.GaugeValue, float64(n), string(state))
	}
}
