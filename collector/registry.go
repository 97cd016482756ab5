// Copyright 2014 Prometheus Team
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package collector implements the multi-process aggregating collector
// (C4): it reconstructs Metric Families from every Sample Cell a
// store.Dict yields and emits them as Prometheus exposition.
package collector

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/multiproc-exporter/sid"
)

// ErrFamilyModeConflict mirrors valuecell.ErrAggregationModeConflict: a
// Metric Family's aggregation mode is fixed for its lifetime.
var ErrFamilyModeConflict = errors.New("collector: metric family redeclared with a different aggregation mode")

// Family is the Metric Family of §3: everything the Collector needs to
// know about a metric name that isn't recoverable from a Sample Cell's
// key alone (in particular, a file-backed gauge's aggregation mode).
type Family struct {
	Name string
	Type sid.MetricType
	Mode sid.AggregationMode
	Help string
}

// Registry is "a registry describing the known Metric Families" that
// §4.4 names as the Collector's other input besides the storage dict.
// valuecell.Factory registers into it as metrics are declared; the
// Collector consults it to resolve a gauge's aggregation mode when the
// storage key itself doesn't carry one (the file back-end).
type Registry struct {
	mu       sync.RWMutex
	order    []string
	families map[string]Family
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]Family)}
}

// Register records metricName's type/mode/help, or validates them
// against a prior registration. Re-registering with the same type and
// mode is a no-op; a different mode is rejected (spec §9 open question
// 3), matching valuecell.Factory.checkMode's policy.
func (r *Registry) Register(name string, mt sid.MetricType, mode sid.AggregationMode, help string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.families[name]; ok {
		if existing.Mode != mode {
			return ErrFamilyModeConflict
		}
		return nil
	}
	r.families[name] = Family{Name: name, Type: mt, Mode: mode, Help: help}
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the registered Family for name, if any.
func (r *Registry) Lookup(name string) (Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	return f, ok
}

// Names returns registered family names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// sortedUnknown returns names present in seen but not in the registry,
// sorted lexicographically, for families the collector observed in the
// store but that were never explicitly registered (e.g. recovered from
// a network back-end's Metadata alone).
func (r *Registry) sortedUnknown(seen map[string]bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name := range seen {
		if _, ok := r.families[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
