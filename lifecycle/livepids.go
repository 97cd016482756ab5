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

package lifecycle

import "sync"

// LivePIDs is the "live-pid set updated by 4.6" that §4.4's liveall
// aggregation mode consults. PostFork/WorkerInt/OnExit keep it current.
type LivePIDs struct {
	mu  sync.RWMutex
	set map[int]bool
}

// NewLivePIDs returns an empty set.
func NewLivePIDs() *LivePIDs {
	return &LivePIDs{set: make(map[int]bool)}
}

// Add marks pid live, called from PostFork.
func (l *LivePIDs) Add(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set[pid] = true
}

// Remove marks pid dead, called from WorkerInt/OnExit.
func (l *LivePIDs) Remove(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.set, pid)
}

// Snapshot returns a copy suitable for passing as the collector's
// livePIDs func, matching func() map[int]bool.
func (l *LivePIDs) Snapshot() map[int]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int]bool, len(l.set))
	for pid := range l.set {
		out[pid] = true
	}
	return out
}
