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

// Package lifecycle implements the server-lifecycle hooks (C6): the
// five extension points the host server calls into, master-signal
// bookkeeping, and the §4.6 configuration surface.
package lifecycle

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// envPrefix is prepended to every upper-cased option name to form its
// environment variable, per §6 "Environment variables".
const envPrefix = "GUNICORN_SIDECAR_"

// Config is the full §4.6 configuration surface.
type Config struct {
	MultiprocDir string `yaml:"multiproc_dir"`
	MetricsPort  int    `yaml:"metrics_port"`
	BindAddress  string `yaml:"bind_address"`
	Workers      int    `yaml:"workers"`

	RedisEnabled     bool   `yaml:"redis_enabled"`
	RedisHost        string `yaml:"redis_host"`
	RedisPort        int    `yaml:"redis_port"`
	RedisDB          int    `yaml:"redis_db"`
	RedisPassword    string `yaml:"redis_password"`
	RedisKeyPrefix   string `yaml:"redis_key_prefix"`
	RedisTTLSeconds  int    `yaml:"redis_ttl_seconds"`
	RedisTTLDisabled bool   `yaml:"redis_ttl_disabled"`

	SSLCertFile            string `yaml:"ssl_certfile"`
	SSLKeyFile             string `yaml:"ssl_keyfile"`
	SSLClientCAFile        string `yaml:"ssl_client_ca_file"`
	SSLClientAuthRequired  bool   `yaml:"ssl_client_auth_required"`
	CleanupDBFiles         bool   `yaml:"cleanup_db_files"`

	// Production indicates metrics_port/bind_address/workers are
	// required; set by the caller, never by the document or env.
	Production bool `yaml:"-"`
}

// ErrConfigurationInvalid names the offending configuration option and
// gives a valid example, per §7 "surfaced eagerly... with a message
// naming the option and a valid example".
type ErrConfigurationInvalid struct {
	Option  string
	Reason  string
	Example string
}

func (e *ErrConfigurationInvalid) Error() string {
	return fmt.Sprintf("lifecycle: invalid configuration option %q: %s (example: %s)", e.Option, e.Reason, e.Example)
}

// Load builds a Config from, in precedence order, a YAML document (if
// docPath is non-empty) and then environment variables overriding it,
// per §9 "Configuration precedence". It does not validate; call
// Validate once, at the point the caller is ready to act on it (§7
// "Fatal at setup, never at scrape time").
func Load(docPath string) (Config, error) {
	var cfg Config
	cfg.RedisKeyPrefix = "gunicorn_sidecar"

	if docPath != "" {
		b, err := os.ReadFile(docPath)
		if err != nil {
			return cfg, fmt.Errorf("lifecycle: reading configuration document %s: %w", docPath, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("lifecycle: parsing configuration document %s: %w", docPath, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str(&cfg.MultiprocDir, "MULTIPROC_DIR")
	integer(&cfg.MetricsPort, "METRICS_PORT")
	str(&cfg.BindAddress, "BIND_ADDRESS")
	integer(&cfg.Workers, "WORKERS")

	boolean(&cfg.RedisEnabled, "REDIS_ENABLED")
	str(&cfg.RedisHost, "REDIS_HOST")
	integer(&cfg.RedisPort, "REDIS_PORT")
	integer(&cfg.RedisDB, "REDIS_DB")
	str(&cfg.RedisPassword, "REDIS_PASSWORD")
	str(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	integer(&cfg.RedisTTLSeconds, "REDIS_TTL_SECONDS")
	boolean(&cfg.RedisTTLDisabled, "REDIS_TTL_DISABLED")

	str(&cfg.SSLCertFile, "SSL_CERTFILE")
	str(&cfg.SSLKeyFile, "SSL_KEYFILE")
	str(&cfg.SSLClientCAFile, "SSL_CLIENT_CA_FILE")
	boolean(&cfg.SSLClientAuthRequired, "SSL_CLIENT_AUTH_REQUIRED")
	boolean(&cfg.CleanupDBFiles, "CLEANUP_DB_FILES")
}

// ApplyCLI overrides cfg with host-CLI-derived values observed only
// after fork, per §9's precedence tail ("host CLI values updated
// post-fork"). Zero values in override are treated as "not provided".
func (cfg *Config) ApplyCLI(workers int, bindAddress string) {
	if workers != 0 {
		cfg.Workers = workers
	}
	if bindAddress != "" {
		cfg.BindAddress = bindAddress
	}
}

// Validate checks cfg for the option combinations §4.6/§7 require,
// returning the first *ErrConfigurationInvalid found.
func (cfg Config) Validate() error {
	if !cfg.RedisEnabled && cfg.MultiprocDir == "" {
		return &ErrConfigurationInvalid{
			Option:  "multiproc_dir",
			Reason:  "required when the file back-end is selected (redis_enabled is false)",
			Example: "/run/gunicorn/multiproc",
		}
	}
	if cfg.Production {
		if cfg.MetricsPort <= 0 {
			return &ErrConfigurationInvalid{Option: "metrics_port", Reason: "required in production and must be positive", Example: "9091"}
		}
		if cfg.BindAddress == "" {
			return &ErrConfigurationInvalid{Option: "bind_address", Reason: "required in production", Example: "0.0.0.0"}
		}
		if cfg.Workers <= 0 {
			return &ErrConfigurationInvalid{Option: "workers", Reason: "required in production and must be positive", Example: "4"}
		}
	}
	if cfg.RedisEnabled {
		if cfg.RedisHost == "" {
			return &ErrConfigurationInvalid{Option: "redis_host", Reason: "required when redis_enabled is true", Example: "127.0.0.1"}
		}
		if cfg.RedisPort <= 0 {
			return &ErrConfigurationInvalid{Option: "redis_port", Reason: "required when redis_enabled is true", Example: "6379"}
		}
	}
	if (cfg.SSLCertFile == "") != (cfg.SSLKeyFile == "") {
		return &ErrConfigurationInvalid{Option: "ssl_certfile/ssl_keyfile", Reason: "both or neither must be set", Example: "ssl_certfile: /etc/ssl/tls.crt, ssl_keyfile: /etc/ssl/tls.key"}
	}
	if cfg.SSLClientAuthRequired && cfg.SSLClientCAFile == "" {
		return &ErrConfigurationInvalid{Option: "ssl_client_ca_file", Reason: "required when ssl_client_auth_required is true", Example: "/etc/ssl/client-ca.crt"}
	}
	return nil
}

// ListenAddr is bind_address:metrics_port.
func (cfg Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort)
}

// TLSEnabled reports whether the scrape endpoint's TLS variant (§6) is
// configured.
func (cfg Config) TLSEnabled() bool {
	return cfg.SSLCertFile != "" && cfg.SSLKeyFile != ""
}

func str(dst *string, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = v
	}
}

func integer(dst *int, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolean(dst *bool, name string) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}
