package filestore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/multiproc-exporter/sid"
	"github.com/prometheus/multiproc-exporter/store"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir, 1001, nil)
	require.NoError(t, err)
	defer fs.Close()

	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help")
	require.NoError(t, fs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))

	v, ts, ok, err := fs.ReadValue(sid.MetricCounter, sid.ModeSum, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	assert.Equal(t, 0.0, ts)
}

func TestUpdateInPlace(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir, 1001, nil)
	require.NoError(t, err)
	defer fs.Close()

	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help")
	require.NoError(t, fs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 1))
	require.NoError(t, fs.WriteValue(sid.MetricCounter, sid.ModeSum, key, 8, 2))

	v, ts, ok, err := fs.ReadValue(sid.MetricCounter, sid.ModeSum, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.0, v)
	assert.Equal(t, 2.0, ts)
}

func TestReadAllAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	fs1, err := New(dir, 1001, nil)
	require.NoError(t, err)
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help")
	require.NoError(t, fs1.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))
	require.NoError(t, fs1.Close())

	fs2, err := New(dir, 1002, nil)
	require.NoError(t, err)
	require.NoError(t, fs2.WriteValue(sid.MetricCounter, sid.ModeSum, key, 5, 0))
	defer fs2.Close()

	var records []store.Record
	require.NoError(t, fs2.ReadAll(context.Background(), func(r store.Record) error {
		records = append(records, r)
		return nil
	}))

	var total float64
	pids := map[int]bool{}
	for _, r := range records {
		total += r.Value
		pids[r.PID] = true
	}
	assert.Equal(t, 8.0, total)
	assert.True(t, pids[1001])
	assert.True(t, pids[1002])
}

func TestPurgeProcessRemovesOnlyThatPID(t *testing.T) {
	dir := t.TempDir()
	fs1, err := New(dir, 1001, nil)
	require.NoError(t, err)
	key := sid.Encode("requests_total", "", map[string]string{"route": "/a"}, "help")
	require.NoError(t, fs1.WriteValue(sid.MetricCounter, sid.ModeSum, key, 3, 0))
	require.NoError(t, fs1.Close())

	fs2, err := New(dir, 1002, nil)
	require.NoError(t, err)
	require.NoError(t, fs2.WriteValue(sid.MetricCounter, sid.ModeSum, key, 5, 0))
	defer fs2.Close()

	require.NoError(t, fs2.PurgeProcess(1001))

	var pids []int
	require.NoError(t, fs2.ReadAll(context.Background(), func(r store.Record) error {
		pids = append(pids, r.PID)
		return nil
	}))
	assert.Equal(t, []int{1002}, pids)
}

func TestFileGrowthAcrossManyEntries(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir, 1001, nil)
	require.NoError(t, err)
	defer fs.Close()

	for i := 0; i < 50_000; i++ {
		key := sid.Encode("m", "", map[string]string{"i": strconv.Itoa(i), "j": filepath.Base("x")}, "")
		require.NoError(t, fs.WriteValue(sid.MetricGauge, sid.ModeAll, key, float64(i), 0))
	}

	info, err := os.Stat(filepath.Join(dir, fileName(sid.MetricGauge, 1001)))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(initialSize))

	count := 0
	require.NoError(t, fs.ReadAll(context.Background(), func(store.Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 50_000, count)
	assert.Greater(t, count, 0)
}

func TestReadAllRespectsDeadline(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir, 1001, nil)
	require.NoError(t, err)
	defer fs.Close()

	for i := 0; i < 10; i++ {
		key := sid.Encode("m", "", map[string]string{"i": string(rune('a' + i))}, "")
		require.NoError(t, fs.WriteValue(sid.MetricCounter, sid.ModeSum, key, float64(i), 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = fs.ReadAll(ctx, func(store.Record) error { return nil })
	assert.Error(t, err)
}
