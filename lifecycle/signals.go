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

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// masterRestarts is the §4.6 "Master-signal metrics" counter: every
// signal the master observes increments it, labeled by reason.
var masterRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "master_worker_restart_total",
	Help: "Signals observed by the master, labeled by the signal that caused them.",
}, []string{"reason"})

// terminating is the subset of §4.6's signal set that ends the master;
// for these the counter increment must happen synchronously before
// shutdown so the next scrape observes it.
var terminating = map[os.Signal]bool{
	syscall.SIGQUIT: true,
	syscall.SIGABRT: true,
	syscall.SIGINT:  true,
	syscall.SIGTERM: true,
}

var watchedSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
	syscall.SIGTTIN,
	syscall.SIGTTOU,
	syscall.SIGQUIT,
	syscall.SIGABRT,
	syscall.SIGINT,
	syscall.SIGTERM,
}

// signalNames maps the §4.6 watched signal set onto its short canonical
// label vocabulary (hup/usr1/usr2/ttin/ttou/quit/abrt/int/term), the
// values master_worker_restart_total's reason label must carry.
var signalNames = map[os.Signal]string{
	syscall.SIGHUP:  "hup",
	syscall.SIGUSR1: "usr1",
	syscall.SIGUSR2: "usr2",
	syscall.SIGTTIN: "ttin",
	syscall.SIGTTOU: "ttou",
	syscall.SIGQUIT: "quit",
	syscall.SIGABRT: "abrt",
	syscall.SIGINT:  "int",
	syscall.SIGTERM: "term",
}

func reasonFor(sig os.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return sig.String()
}

// SignalWatcher observes the master's signal set and bumps
// master_worker_restart_total, shutting itself down when a terminating
// signal arrives. Its two methods are an oklog/run.Group-compatible
// (run, interrupt) pair.
type SignalWatcher struct {
	logger   log.Logger
	ch       chan os.Signal
	done     chan struct{}
	cancelFn context.CancelFunc
}

// NewSignalWatcher constructs a SignalWatcher that logs to logger (a
// nil logger discards).
func NewSignalWatcher(logger log.Logger) *SignalWatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SignalWatcher{
		logger: logger,
		ch:     make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

// Run blocks, observing signals, until a terminating signal arrives or
// Interrupt is called. It returns nil in both cases.
func (w *SignalWatcher) Run() error {
	signal.Notify(w.ch, watchedSignals...)
	defer signal.Stop(w.ch)

	for {
		select {
		case sig := <-w.ch:
			reason := reasonFor(sig)
			masterRestarts.WithLabelValues(reason).Inc()
			level.Info(w.logger).Log("msg", "signal received", "signal", reason)
			if terminating[sig] {
				return nil
			}
		case <-w.done:
			return nil
		}
	}
}

// Interrupt unblocks Run; it is the oklog/run.Group interrupt half.
func (w *SignalWatcher) Interrupt(error) {
	close(w.done)
}
