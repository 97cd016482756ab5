package sid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	labels := map[string]string{"route": "/a", "method": "GET"}
	enc := Encode("requests_total", "", labels, "Total requests.")

	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "requests_total", got.MetricName)
	assert.Equal(t, "", got.SampleName)
	assert.Equal(t, labels, got.Labels)
	assert.Equal(t, "Total requests.", got.HelpText)
}

func TestEncodeIsOrderIndependent(t *testing.T) {
	a := Encode("requests_total", "", map[string]string{"a": "1", "b": "2"}, "help")
	b := Encode("requests_total", "", map[string]string{"b": "2", "a": "1"}, "help")
	assert.Equal(t, a, b, "label insertion order must not affect the encoding")
}

func TestEncodeDistinguishesSamples(t *testing.T) {
	a := Encode("requests_total", "", map[string]string{"a": "1"}, "help")
	b := Encode("requests_total", "", map[string]string{"a": "2"}, "help")
	assert.NotEqual(t, a, b)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 5, 'a', 'b'})
	assert.ErrorIs(t, err, ErrMalformedKey)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestTypeSuffix(t *testing.T) {
	assert.Equal(t, "counter", TypeSuffix(MetricCounter, ModeSum))
	assert.Equal(t, "gauge_mostrecent", TypeSuffix(MetricGauge, ModeMostRecent))
	assert.Equal(t, "gauge_all", TypeSuffix(MetricGauge, ModeAll))
}

func TestStorageKeyEncodesModeForGauges(t *testing.T) {
	enc := Encode("worker_memory_bytes", "", nil, "")
	k1 := StorageKey("gp", 1001, MetricGauge, ModeAll, "metric", enc)
	k2 := StorageKey("gp", 1001, MetricGauge, ModeLiveAll, "metric", enc)
	assert.NotEqual(t, k1, k2, "gauge storage key must uniquely determine its aggregation mode")
	assert.Contains(t, k1, "gauge_all:1001:metric:")
}

func TestStableHashDeterministic(t *testing.T) {
	enc := Encode("x", "", map[string]string{"a": "b"}, "")
	assert.Equal(t, StableHash(enc), StableHash(enc))
	assert.Len(t, StableHash(enc), 32)
}

func TestStableHashCollisionResistant(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		enc := Encode("metric", "", map[string]string{"i": string(rune(i))}, "")
		h := StableHash(enc)
		assert.False(t, seen[h], "unexpected hash collision at i=%d", i)
		seen[h] = true
	}
}
