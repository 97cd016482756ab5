package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

func newTestStore(t *testing.T, pid int, opts Options) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, pid, opts, nil), mr
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	rs, _ := newTestStore(t, 1001, Options{Prefix: "gp"})
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help")

	require.NoError(t, rs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))

	v, ts, ok, err := rs.ReadValue(sid.MetricCounter, sid.ModeSum, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	assert.Equal(t, 0.0, ts)
}

func TestReadValueMissingIsNotFound(t *testing.T) {
	rs, _ := newTestStore(t, 1001, Options{Prefix: "gp"})
	key := sid.Encode("missing", "", nil, "")
	_, _, ok, err := rs.ReadValue(sid.MetricCounter, sid.ModeSum, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadAllIncludesMetadata(t *testing.T) {
	rs, _ := newTestStore(t, 1001, Options{Prefix: "gp"})
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help text")
	require.NoError(t, rs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))

	var records []store.Record
	require.NoError(t, rs.ReadAll(context.Background(), func(r store.Record) error {
		records = append(records, r)
		return nil
	}))

	require.Len(t, records, 1)
	assert.Equal(t, 1001, records[0].PID)
	assert.Equal(t, sid.MetricCounter, records[0].MetricType)
	require.NotNil(t, records[0].Metadata)
	assert.Equal(t, "requests_total", records[0].Metadata.MetricName)
	assert.Equal(t, "help text", records[0].Metadata.HelpText)
	assert.Equal(t, key, records[0].EncodedSID)
}

func TestGaugeModeRecoveredFromKey(t *testing.T) {
	rs, _ := newTestStore(t, 1001, Options{Prefix: "gp"})
	key := sid.Encode("worker_memory_bytes", "", nil, "")
	require.NoError(t, rs.WriteValue(sid.MetricGauge, sid.ModeAll, key, 100, 0))

	var records []store.Record
	require.NoError(t, rs.ReadAll(context.Background(), func(r store.Record) error {
		records = append(records, r)
		return nil
	}))
	require.Len(t, records, 1)
	assert.Equal(t, sid.ModeAll, records[0].Mode)
}

func TestPurgeProcessDeletesOnlyThatPID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rs1 := New(client, 1001, Options{Prefix: "gp"}, nil)
	rs2 := New(client, 1002, Options{Prefix: "gp"}, nil)
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "")
	require.NoError(t, rs1.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))
	require.NoError(t, rs2.WriteValue(sid.MetricCounter, sid.ModeSum, key, 5, 0))

	require.NoError(t, rs1.PurgeProcess(1001))

	var pids []int
	require.NoError(t, rs1.ReadAll(context.Background(), func(r store.Record) error {
		pids = append(pids, r.PID)
		return nil
	}))
	assert.Equal(t, []int{1002}, pids)
}

func TestTTLExpiresCell(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rs := New(client, 1001, Options{Prefix: "gp", TTL: time.Second}, nil)
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "")
	require.NoError(t, rs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))

	mr.FastForward(2 * time.Second)

	_, _, ok, err := rs.ReadValue(sid.MetricCounter, sid.ModeSum, key)
	require.NoError(t, err)
	assert.False(t, ok, "cell should be gone after TTL expiry")
}

func TestPing(t *testing.T) {
	rs, mr := newTestStore(t, 1001, Options{Prefix: "gp"})
	require.NoError(t, rs.Ping(context.Background()))
	mr.Close()
	assert.Error(t, rs.Ping(context.Background()))
}
