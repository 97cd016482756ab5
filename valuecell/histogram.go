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
	"fmt"
	"math"

	"github.com/prometheus/multiproc-exporter/sid"
)

// HistogramCell is a histogram observation site: it decomposes Observe
// into independent counter-style writes to its buckets, _sum and _count,
// exactly as §4.3 specifies ("each is a counter-style update on its own
// SID"). Intra-process, the writes are not atomic with respect to each
// other — the Collector tolerates (and clamps for) the resulting
// interleaving, per §4.4.5.
type HistogramCell struct {
	bounds  []float64 // ascending, without +Inf
	buckets []*Cell   // len(bounds)+1, last is the +Inf bucket
	sum     *Cell
	count   *Cell
}

// Histogram builds a HistogramCell for metricName/labels with the given
// ascending bucket bounds (the +Inf bucket is implicit).
func (f *Factory) Histogram(metricName string, labels map[string]string, help string, bounds []float64) (*HistogramCell, error) {
	if err := f.checkMode(metricName, sid.ModeSum); err != nil {
		return nil, err
	}

	buckets := make([]*Cell, 0, len(bounds)+1)
	for _, b := range bounds {
		c, err := f.bucketCell(metricName, labels, help, b)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, c)
	}
	infCell, err := f.bucketCell(metricName, labels, help, math.Inf(1))
	if err != nil {
		return nil, err
	}
	buckets = append(buckets, infCell)

	sumCell, err := f.aggregateCell(metricName, "sum", labels, help)
	if err != nil {
		return nil, err
	}
	countCell, err := f.aggregateCell(metricName, "count", labels, help)
	if err != nil {
		return nil, err
	}

	return &HistogramCell{bounds: bounds, buckets: buckets, sum: sumCell, count: countCell}, nil
}

func (f *Factory) bucketCell(metricName string, labels map[string]string, help string, bound float64) (*Cell, error) {
	withLE := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		withLE[k] = v
	}
	withLE["le"] = formatBound(bound)
	return f.Cell(sid.MetricHistogram, sid.ModeSum, metricName, "bucket", withLE, help)
}

func (f *Factory) aggregateCell(metricName, suffix string, labels map[string]string, help string) (*Cell, error) {
	return f.Cell(sid.MetricHistogram, sid.ModeSum, metricName, suffix, labels, help)
}

func formatBound(b float64) string {
	if math.IsInf(b, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", b)
}

// Observe records v: it increments every bucket whose bound is >= v (and
// the +Inf bucket always), plus _sum and _count. Each write is an
// independent counter-style update on its own SID (§4.3); a failure on
// one (already swallowed and logged inside Cell.Inc) must never suppress
// the rest, so every bucket and the trailing sum/count writes are
// attempted regardless of how earlier ones fared.
func (h *HistogramCell) Observe(v float64) error {
	for i, bound := range h.bounds {
		if v <= bound {
			h.buckets[i].Inc(1)
		}
	}
	h.buckets[len(h.buckets)-1].Inc(1) // +Inf
	h.sum.Inc(v)
	h.count.Inc(1)
	return nil
}
