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
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/golang/protobuf/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

// scrapeTruncatedName is the §5 "Cancellation/timeouts" annotation:
// emitted as its own gauge family on every scrape, not registered
// through promauto, because its value is a property of the scrape that
// just ran rather than of the process overall.
const scrapeTruncatedName = "gunicorn_sidecar_scrape_truncated"

var corruptCells = promauto.NewCounter(prometheus.CounterOpts{
	Name: "multiprocess_collector_corrupt_cells_total",
	Help: "Number of Sample Cells skipped during collection because their metadata was missing or unparseable.",
})

// Collector is the multi-process aggregating collector (C4): it reads
// every Sample Cell from dict, applies each family's aggregation rule,
// and emits Prometheus exposition. It never writes to dict.
type Collector struct {
	dict     store.Dict
	registry *Registry
	livePIDs func() map[int]bool
	logger   log.Logger
}

// New returns a Collector reading from dict. registry resolves a
// file-backed gauge's aggregation mode (the file back-end's storage
// key doesn't carry it); livePIDs, if non-nil, is consulted once per
// scrape for the liveall mode and should return the set of pids the
// host server currently considers alive.
func New(dict store.Dict, registry *Registry, livePIDs func() map[int]bool, logger log.Logger) *Collector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Collector{dict: dict, registry: registry, livePIDs: livePIDs, logger: logger}
}

// Collect runs one scrape: it enumerates every Sample Cell via
// dict.ReadAll, aggregates per family, and returns the resulting
// exposition. If ctx's deadline is exceeded mid-iteration, Collect
// returns the best-effort result accumulated so far rather than an
// error, per §5 "the collector aborts iteration if exceeded and
// returns whatever it accumulated".
func (c *Collector) Collect(ctx context.Context) ([]*dto.MetricFamily, error) {
	acc := newAccumulator(c.registry, c.logger)

	truncated := false
	err := c.dict.ReadAll(ctx, func(rec store.Record) error {
		acc.ingest(rec)
		return ctx.Err()
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			truncated = true
		} else {
			return nil, err
		}
	}
	if acc.corrupt > 0 {
		corruptCells.Add(float64(acc.corrupt))
	}

	mfs := c.build(acc)
	mfs = append(mfs, truncatedFamily(truncated))
	return mfs, nil
}

// build turns acc's per-family groups into exposition-ready
// dto.MetricFamily values, in registry registration order followed by
// any families observed but never explicitly registered, sorted by
// name (§4.4 step 6).
func (c *Collector) build(acc *accumulator) []*dto.MetricFamily {
	var names []string
	seen := make(map[string]bool, len(acc.families))
	for name := range acc.families {
		seen[name] = true
	}
	if c.registry != nil {
		for _, n := range c.registry.Names() {
			if seen[n] {
				names = append(names, n)
			}
		}
		names = append(names, c.registry.sortedUnknown(seen)...)
	} else {
		for n := range seen {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	mfs := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		fa := acc.families[name]
		mf := c.buildFamily(fa)
		if mf != nil {
			mfs = append(mfs, mf)
		}
	}
	return mfs
}

func (c *Collector) buildFamily(fa *famAccum) *dto.MetricFamily {
	out := reduceFamily(fa, c.livePIDs)
	if len(out) == 0 {
		return nil
	}

	mf := &dto.MetricFamily{
		Name: proto.String(fa.fam.Name),
		Help: proto.String(fa.fam.Help),
		Type: dtoType(fa.fam.Type),
	}

	switch fa.fam.Type {
	case sid.MetricHistogram, sid.MetricSummary:
		clampHistogramBuckets(out)
		mf.Metric = buildComposite(out, fa.fam.Type)
	default:
		mf.Metric = buildSimple(out, fa.fam.Type)
	}

	sort.Slice(mf.Metric, func(i, j int) bool {
		return canonicalLabelOrder(mf.Metric[i].Label) < canonicalLabelOrder(mf.Metric[j].Label)
	})
	return mf
}

// buildSimple handles counter/gauge families: each series is an
// independent dto.Metric.
func buildSimple(out []series, mt sid.MetricType) []*dto.Metric {
	metrics := make([]*dto.Metric, 0, len(out))
	for _, s := range out {
		m := &dto.Metric{Label: labelPairs(s.labels, s.pid)}
		v := s.value
		if mt == sid.MetricCounter {
			m.Counter = &dto.Counter{Value: proto.Float64(v)}
		} else {
			m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
		}
		metrics = append(metrics, m)
	}
	return metrics
}

// buildComposite handles histogram/summary families: bucket/_sum/_count
// (or just _sum/_count for summaries) series for the same observation
// site are merged into one dto.Metric. §8 "Missing _sum or _count is
// tolerated": whichever field has no matching series is left nil,
// never synthesized.
func buildComposite(out []series, mt sid.MetricType) []*dto.Metric {
	type site struct {
		labels  map[string]string
		pid     *int
		buckets []*dto.Bucket
		sum     *float64
		count   *uint64
	}
	sites := make(map[string]*site)
	var order []string

	for _, s := range out {
		key := bucketGroupKey(s)
		st, ok := sites[key]
		if !ok {
			st = &site{labels: withoutLE(s.labels), pid: s.pid}
			sites[key] = st
			order = append(order, key)
		}
		switch s.sampleName {
		case "bucket":
			bound := leValue(s.labels["le"])
			st.buckets = append(st.buckets, &dto.Bucket{
				CumulativeCount: proto.Uint64(uint64(s.value)),
				UpperBound:      proto.Float64(bound),
			})
		case "sum":
			v := s.value
			st.sum = &v
		case "count":
			c := uint64(s.value)
			st.count = &c
		}
	}

	metrics := make([]*dto.Metric, 0, len(sites))
	for _, key := range order {
		st := sites[key]
		sort.Slice(st.buckets, func(i, j int) bool { return st.buckets[i].GetUpperBound() < st.buckets[j].GetUpperBound() })
		m := &dto.Metric{Label: labelPairs(st.labels, st.pid)}
		if mt == sid.MetricHistogram {
			m.Histogram = &dto.Histogram{Bucket: st.buckets}
			if st.sum != nil {
				m.Histogram.SampleSum = st.sum
			}
			if st.count != nil {
				m.Histogram.SampleCount = st.count
			}
		} else {
			m.Summary = &dto.Summary{}
			if st.sum != nil {
				m.Summary.SampleSum = st.sum
			}
			if st.count != nil {
				m.Summary.SampleCount = st.count
			}
		}
		metrics = append(metrics, m)
	}
	return metrics
}

func withoutLE(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if k != "le" {
			out[k] = v
		}
	}
	return out
}

func labelPairs(labels map[string]string, pid *int) []*dto.LabelPair {
	names := make([]string, 0, len(labels)+1)
	for n := range labels {
		names = append(names, n)
	}
	sort.Strings(names)
	pairs := make([]*dto.LabelPair, 0, len(names)+1)
	for _, n := range names {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(n), Value: proto.String(labels[n])})
	}
	if pid != nil {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String("pid"), Value: proto.String(strconv.Itoa(*pid))})
	}
	return pairs
}

func canonicalLabelOrder(pairs []*dto.LabelPair) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p.GetName())
		b.WriteByte('=')
		b.WriteString(p.GetValue())
		b.WriteByte('\x00')
	}
	return b.String()
}

func dtoType(mt sid.MetricType) *dto.MetricType {
	switch mt {
	case sid.MetricCounter:
		return dto.MetricType_COUNTER.Enum()
	case sid.MetricHistogram:
		return dto.MetricType_HISTOGRAM.Enum()
	case sid.MetricSummary:
		return dto.MetricType_SUMMARY.Enum()
	default:
		return dto.MetricType_GAUGE.Enum()
	}
}

func truncatedFamily(truncated bool) *dto.MetricFamily {
	v := 0.0
	if truncated {
		v = 1.0
	}
	return &dto.MetricFamily{
		Name: proto.String(scrapeTruncatedName),
		Help: proto.String("1 if the most recent scrape's collection deadline was exceeded before all Sample Cells were visited."),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}
