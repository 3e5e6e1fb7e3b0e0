// Copyright Project Contour Authors
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

// Package metrics provides the Prometheus metrics surface exposed by
// the admin service: build info, remap table size and hit counts,
// ACL decisions, config generation/retirement, and protocol probe
// outcomes.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/relayproxy/core/internal/build"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter this process registers.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	remapRulesTotal      *prometheus.GaugeVec
	remapRuleHitsTotal   *prometheus.CounterVec
	aclDecisionsTotal    *prometheus.CounterVec
	configGeneration     *prometheus.GaugeVec
	configPendingRelease *prometheus.GaugeVec
	protocolProbeTotal   *prometheus.CounterVec
}

const (
	BuildInfoGauge           = "relay_build_info"
	RemapRulesTotalGauge     = "relay_remap_rules_total"
	RemapRuleHitsTotal       = "relay_remap_rule_hits_total"
	ACLDecisionsTotal        = "relay_acl_decisions_total"
	ConfigGenerationGauge    = "relay_config_generation"
	ConfigPendingRelease     = "relay_config_objects_pending_release"
	ProtocolProbeTotalMetric = "relay_protocol_probe_total"
)

// Probe outcome labels.
const (
	OutcomeHTTP1                = "http1"
	OutcomeHTTP2                = "http2"
	OutcomeClosedTimeout        = "closed_timeout"
	OutcomeClosedError          = "closed_error"
	OutcomeClosedUntrustedProxy = "closed_untrusted_proxy"
)

// NewMetrics creates and registers every metric with registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information. Labels include the branch and git SHA the binary was built from, and its version.",
			},
			[]string{"branch", "revision", "version"},
		),
		remapRulesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: RemapRulesTotalGauge,
				Help: "Size of the active remap table, by rule kind.",
			},
			[]string{"kind"},
		),
		remapRuleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: RemapRuleHitsTotal,
				Help: "Per-rule hit counts, by rule rank and tag.",
			},
			[]string{"rank", "tag"},
		),
		aclDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: ACLDecisionsTotal,
				Help: "ACL evaluator decisions by verdict.",
			},
			[]string{"verdict"},
		),
		configGeneration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: ConfigGenerationGauge,
				Help: "Generation number last returned by ConfigRegistry.Set, by slot.",
			},
			[]string{"slot"},
		),
		configPendingRelease: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: ConfigPendingRelease,
				Help: "Count of superseded config snapshots still on a slot's deferred-free list.",
			},
			[]string{"slot"},
		),
		protocolProbeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: ProtocolProbeTotalMetric,
				Help: "Protocol probe outcomes.",
			},
			[]string{"outcome"},
		),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return m
}

func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.remapRulesTotal,
		m.remapRuleHitsTotal,
		m.aclDecisionsTotal,
		m.configGeneration,
		m.configPendingRelease,
		m.protocolProbeTotal,
	)
}

// SetRemapRulesTotal records the active remap table's size for kind
// (a remap.Kind name such as "map" or "redirect", or "all" for the
// whole table, which is what cmd/relayd publishes).
func (m *Metrics) SetRemapRulesTotal(kind string, n int) {
	m.remapRulesTotal.WithLabelValues(kind).Set(float64(n))
}

// AddRuleHits adds delta hits observed for the rule at rank since the
// last scrape snapshot; tag is the rule's optional tag token, or
// empty.
func (m *Metrics) AddRuleHits(rank int, tag string, delta uint64) {
	if delta == 0 {
		return
	}
	m.remapRuleHitsTotal.WithLabelValues(strconv.Itoa(rank), tag).Add(float64(delta))
}

// RecordDecision implements acl.DecisionRecorder.
func (m *Metrics) RecordDecision(allowed bool) {
	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	m.aclDecisionsTotal.WithLabelValues(verdict).Inc()
}

// SetConfigGeneration records the generation ConfigRegistry.Set just
// returned for slot.
func (m *Metrics) SetConfigGeneration(slot int, generation uint64) {
	m.configGeneration.WithLabelValues(strconv.Itoa(slot)).Set(float64(generation))
}

// SetConfigPendingRelease records a slot's deferred-free list length.
func (m *Metrics) SetConfigPendingRelease(slot int, n int) {
	m.configPendingRelease.WithLabelValues(strconv.Itoa(slot)).Set(float64(n))
}

// RecordProbeOutcome increments the protocol-probe outcome counter.
func (m *Metrics) RecordProbeOutcome(outcome string) {
	m.protocolProbeTotal.WithLabelValues(outcome).Inc()
}

// Handler returns an http.Handler serving registry in the Prometheus
// text exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
