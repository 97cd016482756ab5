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

// Command multiproc-exporter runs the master-side half of the
// server-lifecycle hooks (C6) as a standalone process: it opens the
// storage back-end, binds the scrape endpoint, and serves aggregated
// metrics until a terminating signal arrives. post_fork/worker_int are
// exported for a host server to call from its own worker-management
// code; this binary only drives the master-side hooks.
package main

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/prometheus/multiproc-exporter/lifecycle"
	"github.com/prometheus/multiproc-exporter/manager"
)

func main() {
	var (
		app = kingpin.New("multiproc-exporter", "Aggregating Prometheus exporter for a pre-fork, multi-worker server.")

		configFile = app.Flag("config.file", "Structured configuration document (optional, env vars override it).").String()
		logLevel   = app.Flag("log.level", "Only log messages with the given severity or above.").Default("info").Enum("debug", "info", "warn", "error")
		logFormat  = app.Flag("log.format", "Output format of log messages.").Default("logfmt").Enum("logfmt", "json")

		multiprocDir = app.Flag("multiproc-dir", "Directory for the file-backed storage dict.").Envar("GUNICORN_SIDECAR_MULTIPROC_DIR").String()
		bindAddress  = app.Flag("web.listen-address", "Address to bind the scrape endpoint on.").Default("0.0.0.0").String()
		metricsPort  = app.Flag("web.listen-port", "Port to bind the scrape endpoint on.").Default("9091").Int()
		workers      = app.Flag("workers", "Expected worker count (overridden post-fork by the host CLI).").Int()

		redisEnabled  = app.Flag("redis.enabled", "Use the network-backed storage dict instead of the file back-end.").Bool()
		redisHost     = app.Flag("redis.host", "Redis host.").String()
		redisPort     = app.Flag("redis.port", "Redis port.").Default("6379").Int()
		redisDB       = app.Flag("redis.db", "Redis database index.").Int()
		redisPassword = app.Flag("redis.password", "Redis password.").String()
		redisPrefix   = app.Flag("redis.key-prefix", "Key prefix for all redis keys.").Default("gunicorn_sidecar").String()
		redisTTL      = app.Flag("redis.ttl-seconds", "TTL applied to redis keys; 0 with ttl-disabled unset means no TTL.").Int()
		redisNoTTL    = app.Flag("redis.ttl-disabled", "Disable TTL on redis keys entirely.").Bool()

		sslCertFile    = app.Flag("web.ssl-certfile", "TLS certificate for the scrape endpoint.").String()
		sslKeyFile     = app.Flag("web.ssl-keyfile", "TLS private key for the scrape endpoint.").String()
		sslClientCA    = app.Flag("web.ssl-client-ca-file", "CA bundle for verifying client certificates.").String()
		sslRequireAuth = app.Flag("web.ssl-client-auth-required", "Require and verify a client certificate.").Bool()
		cleanupDBFiles = app.Flag("cleanup-db-files", "Purge file-backed artifacts on exit.").Bool()
	)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger(*logFormat, *logLevel)

	cfg := lifecycle.Config{
		MultiprocDir:          *multiprocDir,
		MetricsPort:           *metricsPort,
		BindAddress:           *bindAddress,
		Workers:               *workers,
		RedisEnabled:          *redisEnabled,
		RedisHost:             *redisHost,
		RedisPort:             *redisPort,
		RedisDB:               *redisDB,
		RedisPassword:         *redisPassword,
		RedisKeyPrefix:        *redisPrefix,
		RedisTTLSeconds:       *redisTTL,
		RedisTTLDisabled:      *redisNoTTL,
		SSLCertFile:           *sslCertFile,
		SSLKeyFile:            *sslKeyFile,
		SSLClientCAFile:       *sslClientCA,
		SSLClientAuthRequired: *sslRequireAuth,
		CleanupDBFiles:        *cleanupDBFiles,
		Production:            true,
	}
	if *configFile != "" {
		docCfg, err := lifecycle.Load(*configFile)
		if err != nil {
			level.Error(logger).Log("msg", "loading configuration document", "err", err)
			os.Exit(1)
		}
		docCfg.Production = true
		docCfg.ApplyCLI(cfg.Workers, cfg.BindAddress)
		cfg = docCfg
	}

	processRegistry := prometheus.NewRegistry()
	processRegistry.MustRegister(newGoRuntimeCollector())
	processRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr := manager.Instance()
	hooks := lifecycle.New(cfg, logger, mgr, processRegistry)

	if err := hooks.OnStarting(); err != nil {
		level.Error(logger).Log("msg", "on_starting failed", "err", err)
		os.Exit(1)
	}

	mgr.Setup(manager.Config{
		MultiprocDir:     cfg.MultiprocDir,
		RedisEnabled:     cfg.RedisEnabled,
		RedisHost:        cfg.RedisHost,
		RedisPort:        cfg.RedisPort,
		RedisDB:          cfg.RedisDB,
		RedisPassword:    cfg.RedisPassword,
		RedisKeyPrefix:   cfg.RedisKeyPrefix,
		RedisTTLSeconds:  cfg.RedisTTLSeconds,
		RedisTTLDisabled: cfg.RedisTTLDisabled,
	}, logger, hooks.LivePIDs().Snapshot)

	var g run.Group
	{
		watcher := lifecycle.NewSignalWatcher(logger)
		g.Add(watcher.Run, watcher.Interrupt)
	}
	{
		serve, interrupt := hooks.WhenReady()
		g.Add(serve, interrupt)
	}

	level.Info(logger).Log("msg", "multiproc-exporter ready")
	if err := g.Run(); err != nil {
		level.Warn(logger).Log("msg", "shutting down", "err", err)
	}

	if err := hooks.OnExit(); err != nil {
		level.Error(logger).Log("msg", "on_exit failed", "err", err)
	}
}

func newLogger(format, lvl string) log.Logger {
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var option level.Option
	switch lvl {
	case "debug":
		option = level.AllowDebug()
	case "warn":
		option = level.AllowWarn()
	case "error":
		option = level.AllowError()
	default:
		option = level.AllowInfo()
	}
	return level.NewFilter(logger, option)
}
