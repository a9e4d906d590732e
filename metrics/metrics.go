// Copyright 2015 Matthew Holt and The Caddy Authors
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

// Package metrics exposes Prometheus counters for sync, issuance, and LB
// signal outcomes at GET /metrics. It is ambient observability, not named
// in the distilled spec's HTTP surface but present in the original
// implementation's server alongside the challenge responder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters and a ready-to-mount promhttp.Handler.
type Metrics struct {
	SyncsTotal      prometheus.Counter
	SyncErrorsTotal prometheus.Counter
	IssuanceTotal   *prometheus.CounterVec
	LBSignalsTotal  *prometheus.CounterVec
	Registry        *prometheus.Registry
}

// New registers a fresh set of counters on a dedicated registry (not the
// global default, so tests can construct independent Metrics instances).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marathon_acme",
			Name:      "syncs_total",
			Help:      "Total number of reconciliation syncs run.",
		}),
		SyncErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marathon_acme",
			Name:      "sync_errors_total",
			Help:      "Total number of syncs that failed outright.",
		}),
		IssuanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marathon_acme",
			Name:      "issuance_total",
			Help:      "Total certificate issuance attempts, by outcome.",
		}, []string{"outcome"}),
		LBSignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marathon_acme",
			Name:      "lb_signals_total",
			Help:      "Total marathon-lb reload signals sent, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.SyncsTotal, m.SyncErrorsTotal, m.IssuanceTotal, m.LBSignalsTotal)
	return m
}

// Handler returns the promhttp handler to mount at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
