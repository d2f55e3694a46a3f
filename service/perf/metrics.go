// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemRTC    = "rtc"
	metricsSubSystemBus    = "bus"
	metricsSubSystemBroker = "broker"
)

type Metrics struct {
	registry *prometheus.Registry

	RTPPacketCounters      *prometheus.CounterVec
	RTPPacketBytesCounters *prometheus.CounterVec
	RTCSessions            *prometheus.GaugeVec
	RTCCalls               *prometheus.GaugeVec
	RTCConnStateCounters   *prometheus.CounterVec
	RTCErrorCounters       *prometheus.CounterVec

	RTCClientLossRate     *prometheus.HistogramVec
	RTCClientRTT          *prometheus.HistogramVec
	RTCClientJitter       *prometheus.HistogramVec
	RTCSignalingLockTime  *prometheus.HistogramVec

	BusPublishErrors *prometheus.CounterVec
	BrokerCalls      *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.RTPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_packets_total",
			Help:      "Total number of sent/received RTP packets",
		},
		[]string{"direction", "type"},
	)
	m.registry.MustRegister(m.RTPPacketCounters)

	m.RTPPacketBytesCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_bytes_total",
			Help:      "Total number of sent/received RTP packet bytes",
		},
		[]string{"direction", "type"},
	)
	m.registry.MustRegister(m.RTPPacketBytesCounters)

	m.RTCSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "sessions_total",
			Help:      "Total number of active RTC sessions",
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCSessions)

	m.RTCCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "calls_total",
			Help:      "Total number of active calls hosted on this node",
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCCalls)

	m.RTCConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "conn_states_total",
			Help:      "Total number of RTC connection state changes",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCConnStateCounters)

	m.RTCErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "errors_total",
			Help:      "Total number of RTC errors, by call and error type",
		},
		[]string{"callID", "type"},
	)
	m.registry.MustRegister(m.RTCErrorCounters)

	m.RTCClientLossRate = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "client_loss_rate",
			Help:      "Client-reported RTP packet loss rate, as sampled over the data channel",
			Buckets:   prometheus.LinearBuckets(0, 0.05, 20),
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCClientLossRate)

	m.RTCClientRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "client_rtt_seconds",
			Help:      "Client-reported round trip time, as sampled over the data channel",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCClientRTT)

	m.RTCClientJitter = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "client_jitter_seconds",
			Help:      "Client-reported jitter, as sampled over the data channel",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCClientJitter)

	m.RTCSignalingLockTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "signaling_lock_seconds",
			Help:      "Time a session held its signaling lock for, per the renegotiation lock/unlock data channel protocol",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"callID"},
	)
	m.registry.MustRegister(m.RTCSignalingLockTime)

	m.BusPublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemBus,
			Name:      "publish_errors_total",
			Help:      "Total number of cluster bus events dropped due to a publish failure",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.BusPublishErrors)

	m.BrokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemBroker,
			Name:      "calls_total",
			Help:      "Total number of calls started/ended by the broker",
		},
		[]string{"event"},
	)
	m.registry.MustRegister(m.BrokerCalls)

	return &m
}

func (m *Metrics) IncRTCSessions(callID string) {
	m.RTCSessions.With(prometheus.Labels{"callID": callID}).Inc()
}

func (m *Metrics) DecRTCSessions(callID string) {
	m.RTCSessions.With(prometheus.Labels{"callID": callID}).Dec()
}

func (m *Metrics) IncRTCCalls(callID string) {
	m.RTCCalls.With(prometheus.Labels{"callID": callID}).Inc()
}

func (m *Metrics) DecRTCCalls(callID string) {
	m.RTCCalls.With(prometheus.Labels{"callID": callID}).Dec()
}

func (m *Metrics) IncRTCConnState(state string) {
	m.RTCConnStateCounters.With(prometheus.Labels{"type": state}).Inc()
}

func (m *Metrics) IncRTPPackets(direction, trackType string) {
	m.RTPPacketCounters.With(prometheus.Labels{"direction": direction, "type": trackType}).Inc()
}

func (m *Metrics) AddRTPPacketBytes(direction, trackType string, value int) {
	m.RTPPacketBytesCounters.With(prometheus.Labels{"direction": direction, "type": trackType}).Add(float64(value))
}

func (m *Metrics) IncRTCErrors(callID, errType string) {
	m.RTCErrorCounters.With(prometheus.Labels{"callID": callID, "type": errType}).Inc()
}

func (m *Metrics) ObserveRTCClientLossRate(callID string, rate float64) {
	m.RTCClientLossRate.With(prometheus.Labels{"callID": callID}).Observe(rate)
}

func (m *Metrics) ObserveRTCClientRTT(callID string, rtt float64) {
	m.RTCClientRTT.With(prometheus.Labels{"callID": callID}).Observe(rtt)
}

func (m *Metrics) ObserveRTCClientJitter(callID string, jitter float64) {
	m.RTCClientJitter.With(prometheus.Labels{"callID": callID}).Observe(jitter)
}

func (m *Metrics) ObserveRTCSignalingLockTime(callID string, seconds float64) {
	m.RTCSignalingLockTime.With(prometheus.Labels{"callID": callID}).Observe(seconds)
}

func (m *Metrics) IncBusPublishError(eventType string) {
	m.BusPublishErrors.With(prometheus.Labels{"type": eventType}).Inc()
}

func (m *Metrics) IncBrokerCalls(event string) {
	m.BrokerCalls.With(prometheus.Labels{"event": event}).Inc()
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
