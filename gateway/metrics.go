// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so the local adapter can run without
// a metrics endpoint.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Denials        *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	AuthFailures   prometheus.Counter
}

// NewMetrics builds and registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "requests_total",
			Help:      "Proxied requests by upstream and decision (allow or deny).",
		}, []string{"upstream", "decision"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "policy_denials_total",
			Help:      "Requests blocked by access policy, by upstream.",
		}, []string{"upstream"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "upstream_errors_total",
			Help:      "Transport-level upstream failures, by upstream.",
		}, []string{"upstream"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "credgate",
			Name:      "auth_failures_total",
			Help:      "Requests rejected for a missing or invalid session token.",
		}),
	}
	reg.MustRegister(m.Requests, m.Denials, m.UpstreamErrors, m.AuthFailures)
	return m
}

func (m *Metrics) recordRequest(upstream, decision string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(upstream, decision).Inc()
}

func (m *Metrics) recordDenial(upstream string) {
	if m == nil {
		return
	}
	m.Denials.WithLabelValues(upstream).Inc()
}

func (m *Metrics) recordUpstreamError(upstream string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(upstream).Inc()
}

func (m *Metrics) recordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
