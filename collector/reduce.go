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
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/multiproc-exporter/sid"
)

// series is one output time series after a group's aggregation rule has
// been applied: labels never include pid except when pid is non-nil
// (the all/liveall pass-through modes add it as a label, per §4.4.3/4).
type series struct {
	sampleName string
	labels     map[string]string
	pid        *int
	value      float64
}

// reduceFamily applies fa's aggregation rule to every group and returns
// the resulting output series, per §4.4 step 4. livePIDs is nil-safe: a
// nil function is treated as "no pid is live", which excludes every
// entry under liveall (the conservative reading of §4.4's "pids
// currently live at scrape time").
func reduceFamily(fa *famAccum, livePIDs func() map[int]bool) []series {
	var out []series
	for _, g := range fa.groups {
		switch fa.fam.Mode {
		case sid.ModeSum:
			var total float64
			for _, e := range g.entries {
				total += e.value
			}
			out = append(out, series{sampleName: g.sampleName, labels: g.labels, value: total})
		case sid.ModeMax:
			out = append(out, series{sampleName: g.sampleName, labels: g.labels, value: reduceExtreme(g.entries, false)})
		case sid.ModeMin:
			out = append(out, series{sampleName: g.sampleName, labels: g.labels, value: reduceExtreme(g.entries, true)})
		case sid.ModeMostRecent:
			winner := mostRecent(g.entries)
			out = append(out, series{sampleName: g.sampleName, labels: g.labels, value: winner.value})
		case sid.ModeAll:
			for _, e := range g.entries {
				pid := e.pid
				out = append(out, series{sampleName: g.sampleName, labels: g.labels, pid: &pid, value: e.value})
			}
		case sid.ModeLiveAll:
			var live map[int]bool
			if livePIDs != nil {
				live = livePIDs()
			}
			for _, e := range g.entries {
				if !live[e.pid] {
					continue
				}
				pid := e.pid
				out = append(out, series{sampleName: g.sampleName, labels: g.labels, pid: &pid, value: e.value})
			}
		}
	}
	return out
}

func reduceExtreme(entries []entry, wantMin bool) float64 {
	best := entries[0].value
	for _, e := range entries[1:] {
		if (wantMin && e.value < best) || (!wantMin && e.value > best) {
			best = e.value
		}
	}
	return best
}

// mostRecent resolves §4.4's mostrecent tie-break: greatest
// sample_timestamp, then greatest written_at, then lexicographically
// greater pid.
func mostRecent(entries []entry) entry {
	best := entries[0]
	for _, e := range entries[1:] {
		switch {
		case e.sampleTS > best.sampleTS:
			best = e
		case e.sampleTS < best.sampleTS:
			continue
		case e.writtenAt > best.writtenAt:
			best = e
		case e.writtenAt < best.writtenAt:
			continue
		case strconv.Itoa(e.pid) > strconv.Itoa(best.pid):
			best = e
		}
	}
	return best
}

// clampHistogramBuckets enforces §4.4 step 5: within each histogram
// observation (same labels excluding le, same pid if present), bucket
// values must be non-decreasing in ascending le order. Buckets that
// raced with interleaved writes are clamped up to the running maximum.
func clampHistogramBuckets(s []series) {
	groups := make(map[string][]int) // key -> indices into s, in s's original order
	var order []string
	for i := range s {
		if s[i].sampleName != "bucket" {
			continue
		}
		key := bucketGroupKey(s[i])
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}
	for _, key := range order {
		idxs := groups[key]
		sort.Slice(idxs, func(a, b int) bool {
			return leValue(s[idxs[a]].labels["le"]) < leValue(s[idxs[b]].labels["le"])
		})
		running := math.Inf(-1)
		for _, idx := range idxs {
			if s[idx].value < running {
				s[idx].value = running
			} else {
				running = s[idx].value
			}
		}
	}
}

func bucketGroupKey(sr series) string {
	var b strings.Builder
	names := make([]string, 0, len(sr.labels))
	for n := range sr.labels {
		if n == "le" {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(sr.labels[n])
		b.WriteByte('\x00')
	}
	if sr.pid != nil {
		b.WriteString("pid=")
		b.WriteString(strconv.Itoa(*sr.pid))
	}
	return b.String()
}

func leValue(s string) float64 {
	if s == "+Inf" {
		return math.Inf(1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.Inf(1)
	}
	return v
}
