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

package valuecell

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/prometheus/multiproc-exporter/collector"
	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

// Factory is the object installed once (per §4.5/§9 "injecting a factory
// reference at init") so that metric declarations at arbitrary call sites
// can obtain Cells without holding any state of their own.
//
// The per-cell lock map is guarded by a single short-lived global mutex
// only while creating a new entry; after that, cells lock independently
// (§9 "Per-cell locking").
type Factory struct {
	dict   store.Dict
	logger log.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	modesMu sync.Mutex
	modes   map[string]sid.AggregationMode

	registry *collector.Registry
}

// NewFactory returns a Factory that hands out Cells backed by dict. logger
// is threaded into every Cell it creates so hot-path store failures (§7)
// can be logged where they are swallowed; a nil logger discards them.
func NewFactory(dict store.Dict, logger log.Logger) *Factory {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Factory{
		dict:   dict,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		modes:  make(map[string]sid.AggregationMode),
	}
}

// SetRegistry installs the Metric Family registry that the Collector
// (C4) will later consult; every Cell/Histogram declared after this
// call registers its name/type/mode/help into r. This is the "inject a
// factory reference at init" wiring of §9, completed from the other
// side: the Collector's registry input and the metric library's
// declaration call sites share the same Factory.
func (f *Factory) SetRegistry(r *collector.Registry) {
	f.registry = r
}

func (f *Factory) lockFor(encodedSID []byte) *sync.Mutex {
	key := string(encodedSID)
	f.locksMu.Lock()
	mu, ok := f.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		f.locks[key] = mu
	}
	f.locksMu.Unlock()
	return mu
}

// checkMode enforces invariant 4/§9 open question 3: a metric name's
// aggregation mode is fixed for its lifetime; redeclaring it with a
// different mode is rejected rather than silently accepted.
func (f *Factory) checkMode(metricName string, mode sid.AggregationMode) error {
	f.modesMu.Lock()
	defer f.modesMu.Unlock()
	if existing, ok := f.modes[metricName]; ok {
		if existing != mode {
			return ErrAggregationModeConflict
		}
		return nil
	}
	f.modes[metricName] = mode
	return nil
}

// Cell returns the Value Cell for (metricName, sampleName, labels),
// creating its lock on first use. mt/mode are fixed for metricName's
// lifetime; see checkMode.
func (f *Factory) Cell(mt sid.MetricType, mode sid.AggregationMode, metricName, sampleName string, labels map[string]string, help string) (*Cell, error) {
	if err := f.checkMode(metricName, mode); err != nil {
		return nil, err
	}
	if f.registry != nil {
		if err := f.registry.Register(metricName, mt, mode, help); err != nil {
			return nil, err
		}
	}
	encoded := sid.Encode(metricName, sampleName, labels, help)
	return &Cell{
		dict:       f.dict,
		mt:         mt,
		mode:       mode,
		encodedSID: encoded,
		mu:         f.lockFor(encoded),
		logger:     f.logger,
	}, nil
}

// Counter returns the Cell for a counter-typed metric (always mode sum).
func (f *Factory) Counter(metricName string, labels map[string]string, help string) (*Cell, error) {
	return f.Cell(sid.MetricCounter, sid.ModeSum, metricName, "", labels, help)
}

// Gauge returns the Cell for a gauge-typed metric under the given mode.
func (f *Factory) Gauge(metricName string, mode sid.AggregationMode, labels map[string]string, help string) (*Cell, error) {
	return f.Cell(sid.MetricGauge, mode, metricName, "", labels, help)
}
