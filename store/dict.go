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

// Package store defines the storage-dict contract (C2) shared by the
// file-backed and network-backed back-ends, and the cell/metadata types
// that flow between Value Cells (C3) and the Collector (C4).
package store

import (
	"context"
	"errors"

	"github.com/prometheus/multiproc-exporter/sid"
)

// Errors surfaced by back-ends, per spec §4.2 and §7.
var (
	ErrBackendUnavailable = errors.New("store: backend unavailable")
	ErrCorruptRecord      = errors.New("store: corrupt record")
	ErrCapacityExceeded   = errors.New("store: capacity exceeded")
)

// Metadata is the Metadata Record of §3: everything the Collector needs to
// reconstruct a family without a live Value Cell.
type Metadata struct {
	AggregationMode sid.AggregationMode
	MetricName      string
	LabelNames      []string // ordered
	HelpText        string
	OriginalSID     []byte
}

// Record is one Sample Cell as seen by ReadAll: its owning pid, its
// family-identifying fields, its value/timestamps, and its metadata (nil
// if the metadata record could not be found or parsed, which the caller
// must treat as a corruption event for network back-ends).
type Record struct {
	PID             int
	MetricType      sid.MetricType
	Mode            sid.AggregationMode
	EncodedSID      []byte
	Value           float64
	SampleTimestamp float64
	WrittenAt       float64
	Metadata        *Metadata
}

// Dict is the storage-dict contract. Implementations are the file-backed
// and network-backed back-ends of §4.2; both must be safe for concurrent
// use by the process that owns them, and ReadAll/PurgeProcess must be safe
// to call from a separate collector goroutine/process concurrently with
// writes from the owning process.
type Dict interface {
	// WriteValue stores value/sampleTimestamp for the cell identified by
	// (metricType, mode, encodedSID), owned by this Dict's process.
	WriteValue(mt sid.MetricType, mode sid.AggregationMode, encodedSID []byte, value, sampleTimestamp float64) error

	// ReadValue returns the current value of a cell owned by this Dict's
	// process. found is false if no write has happened yet (or the cell's
	// TTL has expired for the network back-end).
	ReadValue(mt sid.MetricType, mode sid.AggregationMode, encodedSID []byte) (value, sampleTimestamp float64, found bool, err error)

	// ReadAll lazily visits every Sample Cell across every process, live
	// or dead, calling fn once per cell. It must not materialize the full
	// cell set at once (§9 "Lazy iteration"). fn returning an error (e.g.
	// because a scrape deadline was exceeded) stops iteration early and
	// ReadAll returns that error; a context cancellation does the same.
	ReadAll(ctx context.Context, fn func(Record) error) error

	// PurgeProcess deletes every Sample Cell owned by pid, regardless of
	// metric family or sample identity.
	PurgeProcess(pid int) error

	// Close releases the back-end's resources (unmap files, close
	// connections). After Close, the Dict must not be used again.
	Close() error
}
