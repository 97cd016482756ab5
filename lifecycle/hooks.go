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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prometheus/multiproc-exporter/collector"
	"github.com/prometheus/multiproc-exporter/manager"
)

const (
	bindRetries    = 5
	bindRetryDelay = 500 * time.Millisecond
	scrapeDeadline = 10 * time.Second
	metricsPath    = "/metrics"
)

// Hooks implements the five §4.6 extension points on top of a
// manager.Manager. The host server calls OnStarting/WhenReady/PostFork/
// WorkerInt/OnExit at the points the table in §4.6 names.
type Hooks struct {
	Config Config
	Logger log.Logger

	mgr       *manager.Manager
	livePIDs  *LivePIDs
	server    *http.Server
	listener  net.Listener
	processes prometheus.Gatherer
}

// New constructs Hooks bound to mgr (normally manager.Instance()).
// processes, if non-nil, is gathered alongside C4's own families on
// every scrape (e.g. Go-runtime/process-level collectors that don't
// belong to the multi-process aggregation).
func New(cfg Config, logger log.Logger, mgr *manager.Manager, processes prometheus.Gatherer) *Hooks {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Hooks{
		Config:    cfg,
		Logger:    logger,
		mgr:       mgr,
		livePIDs:  NewLivePIDs(),
		processes: processes,
	}
}

// LivePIDs exposes the live-pid set so callers can wire it into the
// manager's Setup (the collector's liveall scope).
func (h *Hooks) LivePIDs() *LivePIDs {
	return h.livePIDs
}

// OnStarting runs in the master before forking: it ensures the
// multi-process directory exists (file back-end) and validates the
// configuration eagerly, per §7 "Fatal at setup, never at scrape time".
func (h *Hooks) OnStarting() error {
	if err := h.Config.Validate(); err != nil {
		return err
	}
	if !h.Config.RedisEnabled {
		if err := os.MkdirAll(h.Config.MultiprocDir, 0o755); err != nil {
			return fmt.Errorf("lifecycle: on_starting: creating multiproc_dir: %w", err)
		}
	}
	level.Info(h.Logger).Log("msg", "starting", "redis_enabled", h.Config.RedisEnabled, "multiproc_dir", h.Config.MultiprocDir)
	return nil
}

// WhenReady binds the scrape HTTP endpoint, retrying on address-in-use
// with linear backoff, and returns an (run, interrupt) pair suitable
// for an oklog/run.Group. Binding happens inside this call; a bind or
// TLS setup failure is returned by run when the group starts it, and
// otherwise run only serves the already-bound listener.
func (h *Hooks) WhenReady() (run func() error, interrupt func(error)) {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, h.ScrapeHandler())
	h.server = &http.Server{Handler: mux}

	ln, err := bindWithRetry(h.Config.ListenAddr(), bindRetries, bindRetryDelay)
	if err != nil {
		failed := err
		return func() error { return failed }, func(error) {}
	}

	if h.Config.TLSEnabled() {
		tlsCfg, terr := h.buildTLSConfig()
		if terr != nil {
			ln.Close()
			failed := terr
			return func() error { return failed }, func(error) {}
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	h.listener = ln

	run = func() error {
		level.Info(h.Logger).Log("msg", "scrape endpoint ready", "addr", h.Config.ListenAddr(), "tls", h.Config.TLSEnabled())
		err := h.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	interrupt = func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
	return run, interrupt
}

// bindWithRetry retries net.Listen on address-in-use with linear
// backoff (attempt*delay), per §4.6 "retry up to N times with linear
// backoff on Address-in-use".
func bindWithRetry(addr string, attempts int, delay time.Duration) (net.Listener, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		time.Sleep(delay * time.Duration(attempt))
	}
	return nil, fmt.Errorf("lifecycle: bind %s: %w (after %d attempts)", addr, lastErr, attempts)
}

func (h *Hooks) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(h.Config.SSLCertFile, h.Config.SSLKeyFile)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading TLS keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if h.Config.SSLClientAuthRequired {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(h.Config.SSLClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: reading ssl_client_ca_file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("lifecycle: ssl_client_ca_file %s contains no usable certificates", h.Config.SSLClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ScrapeHandler serves the §6 scrape endpoint, wrapping C4.
func (h *Hooks) ScrapeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), scrapeDeadline)
		defer cancel()

		c := h.mgr.GetCollector()
		if c == nil {
			http.Error(w, "storage manager not initialized", http.StatusInternalServerError)
			return
		}
		mfs, err := c.Collect(ctx)
		if err != nil {
			level.Error(h.Logger).Log("msg", "scrape failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if h.processes != nil {
			extra, err := h.processes.Gather()
			if err != nil {
				level.Warn(h.Logger).Log("msg", "gathering process-level metrics", "err", err)
			}
			mfs = append(mfs, extra...)
		}
		w.Header().Set("Content-Type", collector.ContentType)
		if err := collector.WriteExposition(w, mfs); err != nil {
			level.Error(h.Logger).Log("msg", "writing exposition", "err", err)
		}
	})
}

// PostFork runs in the child just after fork: it reconciles settings
// (worker count, bind address) whose authoritative source is the host
// CLI and only became available post-fork, and marks pid live.
func (h *Hooks) PostFork(pid, workers int, bindAddress string) {
	h.Config.ApplyCLI(workers, bindAddress)
	h.livePIDs.Add(pid)
	level.Debug(h.Logger).Log("msg", "worker forked", "pid", pid)
}

// WorkerInt runs when a child is interrupted: it marks the worker dead
// so liveall scrapes stop including it, and requests the back-end purge
// that worker's cells.
func (h *Hooks) WorkerInt(pid int) {
	h.livePIDs.Remove(pid)
	if dict := h.mgr.Dict(); dict != nil {
		if err := dict.PurgeProcess(pid); err != nil {
			level.Warn(h.Logger).Log("msg", "purging worker cells", "pid", pid, "err", err)
		}
	}
}

// OnExit runs at master shutdown: it stops the scrape server, removes
// any remaining live pids, and releases the back-end.
func (h *Hooks) OnExit() error {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
	if h.listener != nil {
		h.listener.Close()
	}
	for pid := range h.livePIDs.Snapshot() {
		h.livePIDs.Remove(pid)
	}
	if err := h.mgr.Teardown(); err != nil {
		return err
	}
	if h.Config.CleanupDBFiles && !h.Config.RedisEnabled {
		h.cleanupDBFiles()
	}
	return nil
}

// cleanupDBFiles removes this process's file-backed artifacts, per
// §4.6's cleanup_db_files option. Best-effort: a failed removal is
// logged, not propagated, since on_exit must still complete.
func (h *Hooks) cleanupDBFiles() {
	pattern := filepath.Join(h.Config.MultiprocDir, fmt.Sprintf("*_%d.db", os.Getpid()))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		level.Warn(h.Logger).Log("msg", "globbing multiproc_dir for cleanup", "err", err)
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			level.Warn(h.Logger).Log("msg", "removing file-backed artifact", "path", path, "err", err)
		}
	}
}
