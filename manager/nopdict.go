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

package manager

import (
	"context"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

// nopDict is installed when both the configured back-end and its
// fallback fail to open, so hot-path Value Cell calls always have a
// store.Dict to route to: they fail locally (counted by valuecell's
// storeErrors) rather than panicking on a nil Dict.
type nopDict struct{}

func (nopDict) WriteValue(sid.MetricType, sid.AggregationMode, []byte, float64, float64) error {
	return store.ErrBackendUnavailable
}

func (nopDict) ReadValue(sid.MetricType, sid.AggregationMode, []byte) (float64, float64, bool, error) {
	return 0, 0, false, store.ErrBackendUnavailable
}

func (nopDict) ReadAll(context.Context, func(store.Record) error) error {
	return store.ErrBackendUnavailable
}

func (nopDict) PurgeProcess(int) error {
	return store.ErrBackendUnavailable
}

func (nopDict) Close() error {
	return nil
}
