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

// Package sid implements the canonical encoding of a sample identity (SID)
// and the storage key derived from it. Two semantically equal SIDs (same
// labels, any insertion order) must encode to byte-equal output.
package sid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MetricType is one of the four Prometheus metric kinds a sample cell can
// belong to.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
	MetricSummary   MetricType = "summary"
)

// AggregationMode is the per-metric-family policy used to combine
// per-process samples at scrape time.
type AggregationMode string

const (
	ModeSum        AggregationMode = "sum"
	ModeMax        AggregationMode = "max"
	ModeMin        AggregationMode = "min"
	ModeMostRecent AggregationMode = "mostrecent"
	ModeAll        AggregationMode = "all"
	ModeLiveAll    AggregationMode = "liveall"
)

// DefaultMode returns the aggregation mode a metric type defaults to when
// the caller does not choose one explicitly. Only gauges are chooseable;
// everything else is fixed to sum.
func DefaultMode(mt MetricType) AggregationMode {
	if mt == MetricGauge {
		return ModeSum
	}
	return ModeSum
}

// ErrMalformedKey is returned by Decode when the input is not a valid
// encoding produced by Encode.
var ErrMalformedKey = errors.New("sid: malformed key")

// SID is the decoded form of a sample identity: a metric name, a sample
// name (the bucket/aggregate suffix for histograms), an order-independent
// label set, and help text.
type SID struct {
	MetricName string
	SampleName string
	Labels     map[string]string
	HelpText   string
}

// sortedLabelNames returns the label names of s in lexicographic order.
func (s SID) sortedLabelNames() []string {
	names := make([]string, 0, len(s.Labels))
	for n := range s.Labels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Encode produces a deterministic byte encoding of the SID such that two
// SIDs compare equal (same metric/sample name, same labels regardless of
// insertion order, same help text) if and only if their encodings are
// byte-equal.
func Encode(metricName, sampleName string, labels map[string]string, helpText string) []byte {
	names := (SID{Labels: labels}).sortedLabelNames()

	var buf []byte
	buf = appendString(buf, metricName)
	buf = appendString(buf, sampleName)
	buf = appendUint32(buf, uint32(len(names)))
	for _, n := range names {
		buf = appendString(buf, n)
		buf = appendString(buf, labels[n])
	}
	buf = appendString(buf, helpText)
	return buf
}

// Decode is the total inverse of Encode.
func Decode(b []byte) (SID, error) {
	var s SID
	var ok bool

	s.MetricName, b, ok = readString(b)
	if !ok {
		return SID{}, ErrMalformedKey
	}
	s.SampleName, b, ok = readString(b)
	if !ok {
		return SID{}, ErrMalformedKey
	}
	n, b, ok := readUint32(b)
	if !ok {
		return SID{}, ErrMalformedKey
	}
	if n > 0 {
		s.Labels = make(map[string]string, n)
	}
	for i := uint32(0); i < n; i++ {
		var name, value string
		name, b, ok = readString(b)
		if !ok {
			return SID{}, ErrMalformedKey
		}
		value, b, ok = readString(b)
		if !ok {
			return SID{}, ErrMalformedKey
		}
		s.Labels[name] = value
	}
	s.HelpText, b, ok = readString(b)
	if !ok {
		return SID{}, ErrMalformedKey
	}
	if len(b) != 0 {
		return SID{}, ErrMalformedKey
	}
	return s, nil
}

// TypeSuffix is the "type_suffix" component of a storage key: the metric
// type for non-gauges, or "type_mode" for gauges, so that a gauge's
// aggregation mode can be recovered from the key alone (invariant 4).
func TypeSuffix(mt MetricType, mode AggregationMode) string {
	if mt == MetricGauge {
		return string(mt) + "_" + string(mode)
	}
	return string(mt)
}

// StorageKey builds the network back-end key for a sample cell or its
// metadata record: prefix:type_suffix:pid:kind:hash(encoded_sid).
func StorageKey(prefix string, pid int, mt MetricType, mode AggregationMode, kind string, encodedSID []byte) string {
	return strings.Join([]string{
		prefix,
		TypeSuffix(mt, mode),
		strconv.Itoa(pid),
		kind,
		StableHash(encodedSID),
	}, ":")
}

// StableHash computes a cryptographically weak but collision-resistant
// 128-bit digest of b, rendered as 32 lowercase hex characters. It must be
// stable across versions of this program, so it is built from two
// independent xxhash passes (xxhash has no native 128-bit variant) rather
// than from any hash whose output width could change between library
// versions.
func StableHash(b []byte) string {
	lo := xxhash.Sum64(b)
	hi := xxhash.Sum64(append(append([]byte{}, b...), 0xff))
	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], hi)
	binary.BigEndian.PutUint64(out[8:16], lo)
	return fmt.Sprintf("%x", out)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readUint32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(b), b[4:], true
}

func readString(b []byte) (string, []byte, bool) {
	n, b, ok := readUint32(b)
	if !ok || uint64(len(b)) < uint64(n) {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}
