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

// Package manager implements the Storage Manager (C5): it owns the
// active store.Dict for the lifetime of a process, installs a
// valuecell.Factory so the metric library can hand out Cells without
// holding any state of its own, and exposes a Collector bound to the
// same back-end.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"github.com/prometheus/multiproc-exporter/collector"
	"github.com/prometheus/multiproc-exporter/store"
	"github.com/prometheus/multiproc-exporter/store/filestore"
	"github.com/prometheus/multiproc-exporter/store/redisstore"
	"github.com/prometheus/multiproc-exporter/valuecell"
)

// Config is the subset of the §4.6 configuration surface the manager
// needs to pick and initialize a back-end.
type Config struct {
	PID int // 0 means os.Getpid()

	MultiprocDir string // required if RedisEnabled is false

	RedisEnabled   bool
	RedisHost      string
	RedisPort      int
	RedisDB        int
	RedisPassword  string
	RedisKeyPrefix string

	RedisTTLSeconds   int
	RedisTTLDisabled  bool
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration
}

func (c Config) pid() int {
	if c.PID != 0 {
		return c.PID
	}
	return os.Getpid()
}

func (c Config) redisPrefix() string {
	if c.RedisKeyPrefix != "" {
		return c.RedisKeyPrefix
	}
	return "gunicorn_sidecar"
}

// Manager is a process-wide singleton (Instance) with initialize-once
// semantics: Setup after the first successful or failed call is a
// no-op that returns the original result, per §4.5 "re-initialization
// is a no-op".
type Manager struct {
	setupOnce sync.Once

	mu        sync.RWMutex
	enabled   bool // true when the network back-end is the active one
	dict      store.Dict
	client    *redis.Client
	factory   *valuecell.Factory
	registry  *collector.Registry
	collector *collector.Collector
	logger    log.Logger

	setupResult bool
}

// New returns an un-initialized Manager. Most callers should use
// Instance for the process-wide singleton; New exists for tests that
// want an isolated one.
func New() *Manager {
	return &Manager{registry: collector.NewRegistry()}
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

// Instance returns the process-wide Manager singleton.
func Instance() *Manager {
	instanceOnce.Do(func() {
		instance = New()
	})
	return instance
}

// Setup attempts to initialize cfg's configured back-end, per §4.5.
// livePIDs is threaded straight to the Collector for liveall scope. On
// a second or later call, Setup is a no-op and returns the first
// call's result.
func (m *Manager) Setup(cfg Config, logger log.Logger, livePIDs func() map[int]bool) bool {
	m.setupOnce.Do(func() {
		if logger == nil {
			logger = log.NewNopLogger()
		}
		m.logger = logger

		dict, client, enabled, ok := m.initBackend(cfg, logger)
		m.mu.Lock()
		m.dict = dict
		m.client = client
		m.enabled = enabled
		m.factory = valuecell.NewFactory(dict, logger)
		m.factory.SetRegistry(m.registry)
		m.collector = collector.New(dict, m.registry, livePIDs, logger)
		m.mu.Unlock()

		m.setupResult = ok
	})
	return m.setupResult
}

// initBackend picks and opens the configured back-end, falling back to
// the file back-end on a network-backend probe failure (§4.5 "Failure
// policy"). The returned bool is Setup's eventual return value.
func (m *Manager) initBackend(cfg Config, logger log.Logger) (store.Dict, *redis.Client, bool, bool) {
	if !cfg.RedisEnabled {
		dict, err := m.openFileStore(cfg, logger)
		if err != nil {
			level.Error(logger).Log("msg", "could not open file-backed storage dict", "dir", cfg.MultiprocDir, "err", err)
			return nopDict{}, nil, false, false
		}
		return dict, nil, false, true
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:           cfg.RedisDB,
		Password:     cfg.RedisPassword,
		DialTimeout:  nonZero(cfg.RedisDialTimeout, 5*time.Second),
		ReadTimeout:  nonZero(cfg.RedisReadTimeout, 5*time.Second),
		WriteTimeout: nonZero(cfg.RedisWriteTimeout, 5*time.Second),
		MaxRetries:   1,
	})

	opts := redisstore.Options{
		Prefix:      cfg.redisPrefix(),
		TTLDisabled: cfg.RedisTTLDisabled,
	}
	if !cfg.RedisTTLDisabled && cfg.RedisTTLSeconds > 0 {
		opts.TTL = time.Duration(cfg.RedisTTLSeconds) * time.Second
	}
	rs := redisstore.New(client, cfg.pid(), opts, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		level.Warn(logger).Log("msg", "redis back-end unavailable, falling back to file back-end", "err", err)
		client.Close()

		dict, ferr := m.openFileStore(cfg, logger)
		if ferr != nil {
			level.Error(logger).Log("msg", "file back-end fallback also failed", "dir", cfg.MultiprocDir, "err", ferr)
			return nopDict{}, nil, false, false
		}
		return dict, nil, false, false // fallback succeeded but setup() reports the requested back-end's failure
	}

	return rs, client, true, true
}

func (m *Manager) openFileStore(cfg Config, logger log.Logger) (store.Dict, error) {
	if err := os.MkdirAll(cfg.MultiprocDir, 0o755); err != nil {
		return nil, err
	}
	return filestore.New(cfg.MultiprocDir, cfg.pid(), logger)
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Teardown closes the active back-end connection/unmaps its files.
// Calling Teardown before Setup, or more than once, is safe.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dict == nil {
		return nil
	}
	err := m.dict.Close()
	if m.client != nil {
		m.client.Close()
	}
	m.dict = nil
	m.client = nil
	return err
}

// IsEnabled reports whether the network (redis) back-end is the
// currently active one; false means the system is running file-backed,
// whether by configuration or by automatic fallback.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// GetCollector returns the Collector bound to the active back-end.
func (m *Manager) GetCollector() *collector.Collector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collector
}

// GetClient returns the active redis client, or nil when file-backed.
func (m *Manager) GetClient() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Factory returns the Value Cell factory installed for this Manager's
// back-end; the metric library's declaration call sites use this.
func (m *Manager) Factory() *valuecell.Factory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factory
}

// Registry returns the Metric Family registry the Collector consults.
func (m *Manager) Registry() *collector.Registry {
	return m.registry
}

// Dict returns the active store.Dict, e.g. for PurgeProcess calls from
// the dead-worker reaper (§4.6 worker_int/on_exit).
func (m *Manager) Dict() store.Dict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dict
}

