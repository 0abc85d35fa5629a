// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"time"

	"github.com/openconfig/fwdgo/rib"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the agent's metric set, registered on its own registry so
// the daemon can expose it without touching the global one.
type Stats struct {
	registry *prometheus.Registry

	routesAdded   *prometheus.CounterVec
	routesDeleted *prometheus.CounterVec
	applyTotal    *prometheus.CounterVec
	applyLatency  prometheus.Histogram
}

func newStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		routesAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdgo_routes_added_total",
			Help: "Routes added to the RIB, by family.",
		}, []string{"family"}),
		routesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdgo_routes_deleted_total",
			Help: "Routes deleted from the RIB, by family.",
		}, []string{"family"}),
		applyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwdgo_state_applies_total",
			Help: "State-update pipeline applies, by update name and result.",
		}, []string{"name", "result"}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fwdgo_state_apply_seconds",
			Help:    "Latency of state-update applies.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	s.registry.MustRegister(s.routesAdded, s.routesDeleted, s.applyTotal, s.applyLatency)
	return s
}

// Registry returns the registry the daemon serves on /metrics.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Stats) observeRouteStats(st rib.Stats) {
	s.routesAdded.WithLabelValues("v4").Add(float64(st.V4Added))
	s.routesAdded.WithLabelValues("v6").Add(float64(st.V6Added))
	s.routesAdded.WithLabelValues("mpls").Add(float64(st.LabelsAdded))
	s.routesDeleted.WithLabelValues("v4").Add(float64(st.V4Deleted))
	s.routesDeleted.WithLabelValues("v6").Add(float64(st.V6Deleted))
	s.routesDeleted.WithLabelValues("mpls").Add(float64(st.LabelsDeleted))
}

func (s *Stats) observeApply(name string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.applyTotal.WithLabelValues(name, result).Inc()
	s.applyLatency.Observe(d.Seconds())
}
