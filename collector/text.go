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
	"io"

	"github.com/prometheus/common/expfmt"

	dto "github.com/prometheus/client_model/go"
)

// ContentType is the §6 scrape-endpoint response content type: the
// core never negotiates protobuf, only the text format version 0.0.4.
const ContentType = string(expfmt.FmtText)

// WriteExposition encodes mfs in Prometheus text exposition format
// (§4.4 step 6 / §6), one family per Encode call in the order given.
func WriteExposition(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
