// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package metrics records connection, tool call and token refresh activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_client"

type Metrics interface {
	ObserveConnection(serverID string, success bool, elapsed time.Duration)
	SetConnectedServers(count int)
	ObserveToolCall(serverID string, success bool, elapsed time.Duration)
	ObserveTokenRefresh(serverID string, success bool)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveConnection(string, bool, time.Duration) {}
func (NoopMetrics) SetConnectedServers(int)                       {}
func (NoopMetrics) ObserveToolCall(string, bool, time.Duration)   {}
func (NoopMetrics) ObserveTokenRefresh(string, bool)              {}

type PrometheusMetrics struct {
	registry *prometheus.Registry

	connections        *prometheus.CounterVec
	connectionDuration *prometheus.HistogramVec
	connectedServers   prometheus.Gauge
	toolCalls          *prometheus.CounterVec
	toolCallDuration   *prometheus.HistogramVec
	tokenRefreshes     *prometheus.CounterVec
}

// NewPrometheusMetrics registers the collectors on a fresh registry, along with the Go and
// process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		registry: registry,
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection attempts to MCP servers",
		}, []string{"server_id", "status"}),
		connectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Time to initialize a session and list tools",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"server_id"}),
		connectedServers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_servers",
			Help:      "MCP servers with a live client",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls routed to MCP servers",
		}, []string{"server_id", "status"}),
		toolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"server_id"}),
		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth refresh grants",
		}, []string{"server_id", "status"}),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *PrometheusMetrics) ObserveConnection(serverID string, success bool, elapsed time.Duration) {
	m.connections.WithLabelValues(serverID, status(success)).Inc()
	m.connectionDuration.WithLabelValues(serverID).Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) SetConnectedServers(count int) {
	m.connectedServers.Set(float64(count))
}

func (m *PrometheusMetrics) ObserveToolCall(serverID string, success bool, elapsed time.Duration) {
	m.toolCalls.WithLabelValues(serverID, status(success)).Inc()
	m.toolCallDuration.WithLabelValues(serverID).Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) ObserveTokenRefresh(serverID string, success bool) {
	m.tokenRefreshes.WithLabelValues(serverID, status(success)).Inc()
}

// Registry exposes the registry for tests and additional collectors.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
