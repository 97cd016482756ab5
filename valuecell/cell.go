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

// Package valuecell implements the per-worker, per-(metric,label-set)
// live object (C3) that request-handling hot paths mutate. A Cell
// delegates to a store.Dict under a per-SID lock; it never shares state
// across processes.
package valuecell

import (
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

// ErrAggregationModeConflict is returned when a metric name is
// redeclared with a different aggregation mode than an already-live cell
// was created with. Spec §9 leaves this ambiguous; this implementation
// rejects the redeclaration rather than silently picking a winner.
var ErrAggregationModeConflict = errors.New("valuecell: metric redeclared with a different aggregation mode")

var storeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "multiprocess_store_errors_total",
		Help: "Number of storage-dict operations from hot-path Value Cell calls that failed and were dropped.",
	},
	[]string{"kind"},
)

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Cell is the in-process object mediating hot-path updates to one Sample
// Cell, per §4.3.
type Cell struct {
	dict       store.Dict
	mt         sid.MetricType
	mode       sid.AggregationMode
	encodedSID []byte
	mu         sync.Locker
	logger     log.Logger
}

// Inc performs a read-modify-write counter increment under the cell's
// lock: new = old + delta, written with the current timestamp. delta
// must be non-negative. A failing read or write is logged and dropped,
// never returned to the caller, per §7's hot-path propagation policy:
// request-handling code must never observe a storage-dict failure.
func (c *Cell) Inc(delta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, _, _, err := c.dict.ReadValue(c.mt, c.mode, c.encodedSID)
	if err != nil {
		storeErrors.WithLabelValues("read").Inc()
		level.Warn(c.logger).Log("msg", "dropping counter increment, store read failed", "err", err)
		return nil
	}
	if err := c.dict.WriteValue(c.mt, c.mode, c.encodedSID, old+delta, nowSeconds()); err != nil {
		storeErrors.WithLabelValues("write").Inc()
		level.Warn(c.logger).Log("msg", "dropping counter increment, store write failed", "err", err)
	}
	return nil
}

// Set overwrites the cell's value for a gauge. sample_timestamp is set to
// now only when the cell's aggregation mode is mostrecent; otherwise it
// is left at zero, per §4.3. A failing write is logged and dropped, never
// returned to the caller, per §7.
func (c *Cell) Set(value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ts float64
	if c.mode == sid.ModeMostRecent {
		ts = nowSeconds()
	}
	if err := c.dict.WriteValue(c.mt, c.mode, c.encodedSID, value, ts); err != nil {
		storeErrors.WithLabelValues("write").Inc()
		level.Warn(c.logger).Log("msg", "dropping gauge set, store write failed", "err", err)
	}
	return nil
}

// Get returns the cell's current value, preferring the storage dict's
// view over any in-process cache, per §4.3 "prefers the storage's view".
// A failing read is logged and reported as the zero value, never
// returned to the caller, per §7.
func (c *Cell) Get() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, _, _, err := c.dict.ReadValue(c.mt, c.mode, c.encodedSID)
	if err != nil {
		storeErrors.WithLabelValues("read").Inc()
		level.Warn(c.logger).Log("msg", "dropping value read, store read failed", "err", err)
		return 0, nil
	}
	return v, nil
}
