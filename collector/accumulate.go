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

package collector

import (
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

// entry is one Sample Cell stripped to what the aggregation step needs,
// per §4.4 step 1 ("reconstruct (metric_family, label_set_without_pid,
// pid, value, sample_timestamp)").
type entry struct {
	pid       int
	labels    map[string]string // excludes pid; includes le for histogram buckets
	value     float64
	sampleTS  float64
	writtenAt float64
}

// group is all entries sharing a label_set_without_pid within one
// sample (plain value, or one histogram bucket/_sum/_count).
type group struct {
	sampleName string
	labels     map[string]string
	entries    []entry
}

// famAccum is everything gathered for one Metric Family while reading
// the store, before aggregation rules are applied.
type famAccum struct {
	fam    Family
	groups map[string]*group
}

// accumulator is the mutable state of one Collect call: it groups
// incoming Sample Cells by family and label-set as they stream in from
// store.Dict.ReadAll, per §4.4 steps 1-3.
type accumulator struct {
	registry *Registry
	logger   log.Logger
	families map[string]*famAccum
	corrupt  int
}

func newAccumulator(registry *Registry, logger log.Logger) *accumulator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &accumulator{
		registry: registry,
		logger:   logger,
		families: make(map[string]*famAccum),
	}
}

// ingest decodes one store.Record and files it under its family/group.
// A record that cannot be attributed to a family (unparseable SID,
// missing network-backend metadata, or an unresolvable gauge mode) is
// dropped and counted as a corruption event, per §4.4 "Edge cases".
func (a *accumulator) ingest(rec store.Record) {
	if len(rec.EncodedSID) == 0 {
		a.countCorrupt("missing metadata", rec)
		return
	}
	decoded, err := sid.Decode(rec.EncodedSID)
	if err != nil {
		a.countCorrupt("malformed sid", rec)
		return
	}

	mode := rec.Mode
	if mode == "" {
		if rec.MetricType != sid.MetricGauge {
			mode = sid.DefaultMode(rec.MetricType)
		} else if a.registry != nil {
			if fam, ok := a.registry.Lookup(decoded.MetricName); ok {
				mode = fam.Mode
			}
		}
	}
	if mode == "" {
		a.countCorrupt("unresolvable gauge aggregation mode", rec)
		return
	}

	help := decoded.HelpText
	if a.registry != nil {
		if fam, ok := a.registry.Lookup(decoded.MetricName); ok {
			help = fam.Help
		}
	}

	fa, ok := a.families[decoded.MetricName]
	if !ok {
		fa = &famAccum{
			fam:    Family{Name: decoded.MetricName, Type: rec.MetricType, Mode: mode, Help: help},
			groups: make(map[string]*group),
		}
		a.families[decoded.MetricName] = fa
	}

	labels := decoded.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	gk := groupKey(decoded.SampleName, labels, mode, rec.PID)
	g, ok := fa.groups[gk]
	if !ok {
		g = &group{sampleName: decoded.SampleName, labels: labels}
		fa.groups[gk] = g
	}
	g.entries = append(g.entries, entry{
		pid:       rec.PID,
		labels:    labels,
		value:     rec.Value,
		sampleTS:  rec.SampleTimestamp,
		writtenAt: rec.WrittenAt,
	})
}

func (a *accumulator) countCorrupt(reason string, rec store.Record) {
	a.corrupt++
	level.Warn(a.logger).Log("msg", "skipping corrupt or unattributable sample cell", "reason", reason, "pid", rec.PID)
}

// groupKey is the §4.4 step-3 grouping key: label_set_without_pid, plus
// pid itself for the pass-through modes where every process's sample
// must survive as a distinct series.
func groupKey(sampleName string, labels map[string]string, mode sid.AggregationMode, pid int) string {
	var b strings.Builder
	b.WriteString(sampleName)
	b.WriteByte('\x00')
	names := make([]string, 0, len(labels))
	for n := range labels {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(labels[n])
		b.WriteByte('\x00')
	}
	if mode == sid.ModeAll || mode == sid.ModeLiveAll {
		b.WriteString("pid=")
		b.WriteString(strconv.Itoa(pid))
	}
	return b.String()
}
