package manager

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/multiproc-exporter/sid"
)

func TestSetupFileBackend(t *testing.T) {
	m := New()
	ok := m.Setup(Config{MultiprocDir: t.TempDir()}, nil, nil)
	assert.True(t, ok)
	assert.False(t, m.IsEnabled())
	require.NotNil(t, m.Factory())
	require.NotNil(t, m.GetCollector())
	assert.Nil(t, m.GetClient())

	c, err := m.Factory().Counter("requests_total", nil, "")
	require.NoError(t, err)
	require.NoError(t, c.Inc(1))

	require.NoError(t, m.Teardown())
}

func TestSetupIsOnceOnly(t *testing.T) {
	m := New()
	dir := t.TempDir()
	first := m.Setup(Config{MultiprocDir: dir}, nil, nil)
	second := m.Setup(Config{MultiprocDir: "/nonexistent/should-be-ignored"}, nil, nil)
	assert.Equal(t, first, second)
	defer m.Teardown()
}

func TestSetupRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	host, port := mr.Host(), mr.Port()
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	m := New()
	ok := m.Setup(Config{
		RedisEnabled: true,
		RedisHost:    host,
		RedisPort:    portNum,
	}, nil, nil)
	assert.True(t, ok)
	assert.True(t, m.IsEnabled())
	require.NotNil(t, m.GetClient())
	defer m.Teardown()
}

func TestSetupRedisFallsBackToFileOnUnreachable(t *testing.T) {
	m := New()
	ok := m.Setup(Config{
		RedisEnabled: true,
		RedisHost:    "127.0.0.1",
		RedisPort:    1, // nothing listens here
		MultiprocDir: t.TempDir(),
	}, nil, nil)

	assert.False(t, ok, "setup reports failure even though it fell back")
	assert.False(t, m.IsEnabled())
	require.NotNil(t, m.Factory())
	defer m.Teardown()
}

func TestRegistryResolvesGaugeModeAcrossManagerAndCollector(t *testing.T) {
	m := New()
	require.True(t, m.Setup(Config{MultiprocDir: t.TempDir()}, nil, nil))
	defer m.Teardown()

	g, err := m.Factory().Gauge("pool_size", sid.ModeMax, nil, "help")
	require.NoError(t, err)
	require.NoError(t, g.Set(7))

	mfs, err := m.GetCollector().Collect(context.Background())
	require.NoError(t, err)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "pool_size" {
			found = true
			require.Len(t, mf.Metric, 1)
			assert.Equal(t, 7.0, mf.Metric[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}
