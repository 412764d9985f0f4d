// Copyright 2024 ARL-Infra Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the watchdog's Prometheus collectors against a
// private registry, adapted from the upstream PrometheusCollector shape but
// no longer anchored to a controller-runtime metrics registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry and the watchdog's metric
// families.
type Collector struct {
	registry *prometheus.Registry

	tickTotal              *prometheus.CounterVec
	tickDuration           prometheus.Histogram
	provisionAttemptsTotal *prometheus.CounterVec
	probeDuration          *prometheus.HistogramVec
	gatewayRequestsTotal   *prometheus.CounterVec
	drainDecommissionTotal *prometheus.CounterVec
}

// New builds a Collector with all metric families registered against a
// fresh, private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		tickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_tick_total",
			Help: "Total number of rotation controller ticks, labeled by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchdog_tick_duration_seconds",
			Help:    "Duration of a rotation controller tick.",
			Buckets: prometheus.DefBuckets,
		}),
		provisionAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_provision_attempts_total",
			Help: "Total number of sandbox provision attempts, labeled by outcome.",
		}, []string{"outcome"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watchdog_probe_duration_seconds",
			Help:    "Duration of health probes, labeled by role.",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		gatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_gateway_requests_total",
			Help: "Total number of gateway requests, labeled by routing outcome.",
		}, []string{"routing"}),
		drainDecommissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_drain_decommission_total",
			Help: "Total number of draining sandboxes resolved, labeled by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.tickTotal, c.tickDuration, c.provisionAttemptsTotal,
		c.probeDuration, c.gatewayRequestsTotal, c.drainDecommissionTotal,
	)
	return c
}

// Handler serves the private registry at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTick implements rotation.MetricsSink.
func (c *Collector) ObserveTick(result string, duration time.Duration) {
	c.tickTotal.WithLabelValues(result).Inc()
	c.tickDuration.Observe(duration.Seconds())
}

// ObserveProvision implements rotation.MetricsSink.
func (c *Collector) ObserveProvision(outcome string) {
	c.provisionAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDrain implements rotation.MetricsSink.
func (c *Collector) ObserveDrain(outcome string) {
	c.drainDecommissionTotal.WithLabelValues(outcome).Inc()
}

// ObserveProbe records a health probe's duration, labeled by role
// ("active" or "candidate").
func (c *Collector) ObserveProbe(role string, duration time.Duration) {
	c.probeDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// ObserveGatewayRequest records a gateway request's routing outcome
// ("edge-rewrite", "edge-rewrite-stale", "bypass", "unavailable").
func (c *Collector) ObserveGatewayRequest(routing string) {
	c.gatewayRequestsTotal.WithLabelValues(routing).Inc()
}
