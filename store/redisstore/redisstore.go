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

// Package redisstore implements the network-backed storage dict (§4.2.2)
// on top of a Redis-class key-value store with per-key TTL.
package redisstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

const scanBatchSize = 100

// RedisStore is the network-backed implementation of store.Dict.
type RedisStore struct {
	client *redis.Client
	prefix string
	pid    int
	logger log.Logger

	ttl         time.Duration
	ttlDisabled bool

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	metaMu    sync.Mutex
	metaCache map[string]*store.Metadata
}

// Options configures a RedisStore. TTL is ignored when TTLDisabled is set.
type Options struct {
	Prefix      string
	TTL         time.Duration
	TTLDisabled bool
}

// New wraps an already-connected *redis.Client. The caller (the storage
// manager, per §4.5) owns the client's lifecycle and connection options,
// including the transport timeouts required by §5.
func New(client *redis.Client, pid int, opts Options, logger log.Logger) *RedisStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "gunicorn"
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		pid:         pid,
		logger:      logger,
		ttl:         opts.TTL,
		ttlDisabled: opts.TTLDisabled,
		keyLocks:    make(map[string]*sync.Mutex),
	}
}

// Ping performs the liveness probe §4.5 requires before the manager
// commits to the network back-end.
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	return nil
}

// lockFor returns the mutex for encodedSID, creating one under a single
// short-lived global lock if needed (§9 "per-cell locking").
func (rs *RedisStore) lockFor(encodedSID []byte) *sync.Mutex {
	key := string(encodedSID)
	rs.keyLocksMu.Lock()
	mu, ok := rs.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		rs.keyLocks[key] = mu
	}
	rs.keyLocksMu.Unlock()
	return mu
}

// writtenAt returns the server's clock when available, falling back to
// local wall time (and logging the degradation) on error, per §4.2.2
// "Time coherence".
func (rs *RedisStore) writtenAt(ctx context.Context) float64 {
	t, err := rs.client.Time(ctx).Result()
	if err != nil {
		level.Warn(rs.logger).Log("msg", "server time unavailable, falling back to local wall time", "err", err)
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

// WriteValue implements store.Dict: one record write, one metadata write,
// and one TTL refresh per §4.2.2.
func (rs *RedisStore) WriteValue(mt sid.MetricType, mode sid.AggregationMode, encodedSID []byte, value, sampleTimestamp float64) error {
	mu := rs.lockFor(encodedSID)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	metricKey := sid.StorageKey(rs.prefix, rs.pid, mt, mode, "metric", encodedSID)
	metaKey := sid.StorageKey(rs.prefix, rs.pid, mt, mode, "meta", encodedSID)
	writtenAt := rs.writtenAt(ctx)

	if err := rs.client.HSet(ctx, metricKey,
		"value", value,
		"timestamp", sampleTimestamp,
		"written_at", writtenAt,
	).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}

	decoded, decErr := sid.Decode(encodedSID)
	labelNames := ""
	metricName := ""
	helpText := ""
	if decErr == nil {
		metricName = decoded.MetricName
		helpText = decoded.HelpText
		names := make([]string, 0, len(decoded.Labels))
		for n := range decoded.Labels {
			names = append(names, n)
		}
		sort.Strings(names)
		labelNames = strings.Join(names, ",")
	}
	if err := rs.client.HSet(ctx, metaKey,
		"multiprocess_mode", string(mode),
		"metric_name", metricName,
		"labelnames", labelNames,
		"help_text", helpText,
		"original_key", base64.StdEncoding.EncodeToString(encodedSID),
	).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}

	if !rs.ttlDisabled && rs.ttl > 0 {
		if err := rs.client.Expire(ctx, metricKey, rs.ttl).Err(); err != nil {
			level.Warn(rs.logger).Log("msg", "ttl refresh failed", "key", metricKey, "err", err)
		}
		if err := rs.client.Expire(ctx, metaKey, rs.ttl).Err(); err != nil {
			level.Warn(rs.logger).Log("msg", "ttl refresh failed", "key", metaKey, "err", err)
		}
	}
	return nil
}

// ReadValue implements store.Dict.
func (rs *RedisStore) ReadValue(mt sid.MetricType, mode sid.AggregationMode, encodedSID []byte) (float64, float64, bool, error) {
	ctx := context.Background()
	metricKey := sid.StorageKey(rs.prefix, rs.pid, mt, mode, "metric", encodedSID)
	h, err := rs.client.HGetAll(ctx, metricKey).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	if len(h) == 0 {
		return 0, 0, false, nil
	}
	value, ts, ok := parseValueFields(h)
	if !ok {
		return 0, 0, false, store.ErrCorruptRecord
	}
	return value, ts, true, nil
}

func parseValueFields(h map[string]string) (value, ts float64, ok bool) {
	value, err1 := strconv.ParseFloat(h["value"], 64)
	ts, err2 := strconv.ParseFloat(h["timestamp"], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return value, ts, true
}

// parsedKey is the decomposed form of a metric/meta key:
// prefix:type_suffix:pid:kind:hash.
type parsedKey struct {
	typeSuffix string
	pid        int
	kind       string
	hash       string
}

func parseKey(key string) (parsedKey, bool) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) != 5 {
		return parsedKey{}, false
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return parsedKey{}, false
	}
	return parsedKey{typeSuffix: parts[1], pid: pid, kind: parts[3], hash: parts[4]}, true
}

// splitTypeSuffix recovers (metric type, aggregation mode) from a
// type_suffix. Only gauges carry a mode suffix; invariant 4.
func splitTypeSuffix(typeSuffix string) (sid.MetricType, sid.AggregationMode) {
	if idx := strings.IndexByte(typeSuffix, '_'); idx >= 0 {
		return sid.MetricType(typeSuffix[:idx]), sid.AggregationMode(typeSuffix[idx+1:])
	}
	return sid.MetricType(typeSuffix), ""
}

// ReadAll implements store.Dict: a bounded-batch SCAN over metric keys,
// with metadata cached per-hash for the duration of this pass (§4.2.2
// "Metadata is cached in-process during a single collection pass").
func (rs *RedisStore) ReadAll(ctx context.Context, fn func(store.Record) error) error {
	rs.metaMu.Lock()
	rs.metaCache = make(map[string]*store.Metadata)
	rs.metaMu.Unlock()
	defer func() {
		rs.metaMu.Lock()
		rs.metaCache = nil
		rs.metaMu.Unlock()
	}()

	pattern := rs.prefix + ":*:*:metric:*"
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		keys, next, err := rs.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, ok, err := rs.readOneRecord(ctx, key)
			if err != nil {
				level.Warn(rs.logger).Log("msg", "corrupt record skipped", "key", key, "err", err)
				continue
			}
			if !ok {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (rs *RedisStore) readOneRecord(ctx context.Context, metricKey string) (store.Record, bool, error) {
	pk, ok := parseKey(metricKey)
	if !ok {
		return store.Record{}, false, store.ErrCorruptRecord
	}
	mt, mode := splitTypeSuffix(pk.typeSuffix)

	h, err := rs.client.HGetAll(ctx, metricKey).Result()
	if err != nil {
		return store.Record{}, false, err
	}
	if len(h) == 0 {
		return store.Record{}, false, nil // expired between SCAN and fetch
	}
	value, ts, ok := parseValueFields(h)
	if !ok {
		return store.Record{}, false, store.ErrCorruptRecord
	}
	writtenAt, _ := strconv.ParseFloat(h["written_at"], 64)

	metaKey := pk.prefixMeta(rs.prefix)
	meta := rs.cachedMeta(ctx, metaKey)

	var encodedSID []byte
	if meta != nil {
		encodedSID = meta.OriginalSID
	}

	return store.Record{
		PID:             pk.pid,
		MetricType:      mt,
		Mode:            mode,
		EncodedSID:      encodedSID,
		Value:           value,
		SampleTimestamp: ts,
		WrittenAt:       writtenAt,
		Metadata:        meta,
	}, true, nil
}

func (pk parsedKey) prefixMeta(prefix string) string {
	return strings.Join([]string{prefix, pk.typeSuffix, strconv.Itoa(pk.pid), "meta", pk.hash}, ":")
}

func (rs *RedisStore) cachedMeta(ctx context.Context, metaKey string) *store.Metadata {
	rs.metaMu.Lock()
	if m, ok := rs.metaCache[metaKey]; ok {
		rs.metaMu.Unlock()
		return m
	}
	rs.metaMu.Unlock()

	h, err := rs.client.HGetAll(ctx, metaKey).Result()
	var meta *store.Metadata
	if err == nil && len(h) > 0 {
		original, _ := base64.StdEncoding.DecodeString(h["original_key"])
		var labelNames []string
		if h["labelnames"] != "" {
			labelNames = strings.Split(h["labelnames"], ",")
		}
		meta = &store.Metadata{
			AggregationMode: sid.AggregationMode(h["multiprocess_mode"]),
			MetricName:      h["metric_name"],
			LabelNames:      labelNames,
			HelpText:        h["help_text"],
			OriginalSID:     original,
		}
	}
	rs.metaMu.Lock()
	rs.metaCache[metaKey] = meta
	rs.metaMu.Unlock()
	return meta
}

// PurgeProcess implements store.Dict: deletes every key whose pid
// component matches pid, in bounded batches via UNLINK.
func (rs *RedisStore) PurgeProcess(pid int) error {
	ctx := context.Background()
	pattern := fmt.Sprintf("%s:*:%d:*", rs.prefix, pid)
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		if len(keys) > 0 {
			if err := rs.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements store.Dict.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
