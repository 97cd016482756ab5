package lifecycle

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/multiproc-exporter/manager"
)

func TestBindWithRetrySucceedsOnFreeAddress(t *testing.T) {
	ln, err := bindWithRetry("127.0.0.1:0", 3, time.Millisecond)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr().String())
}

func TestBindWithRetryFailsAfterAttemptsExhausted(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	_, err = bindWithRetry(occupied.Addr().String(), 2, time.Millisecond)
	require.Error(t, err)
}

func TestOnStartingCreatesMultiprocDir(t *testing.T) {
	dir := t.TempDir() + "/nested/multiproc"
	h := New(Config{MultiprocDir: dir}, nil, manager.New(), nil)
	require.NoError(t, h.OnStarting())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOnStartingRejectsInvalidConfig(t *testing.T) {
	h := New(Config{}, nil, manager.New(), nil)
	err := h.OnStarting()
	require.Error(t, err)
	var invalid *ErrConfigurationInvalid
	require.ErrorAs(t, err, &invalid)
}

func TestScrapeHandlerServesTextFormat(t *testing.T) {
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: t.TempDir()}, nil, nil))
	defer mgr.Teardown()

	c, err := mgr.Factory().Counter("requests_total", nil, "total requests")
	require.NoError(t, err)
	require.NoError(t, c.Inc(3))

	h := New(Config{}, nil, mgr, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ScrapeHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "requests_total")
}

func TestScrapeHandlerReturns500WhenManagerNotInitialized(t *testing.T) {
	h := New(Config{}, nil, manager.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ScrapeHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPostForkAndWorkerIntTrackLivePIDs(t *testing.T) {
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: t.TempDir()}, nil, nil))
	defer mgr.Teardown()

	h := New(Config{}, nil, mgr, nil)
	h.PostFork(1001, 4, "0.0.0.0")
	assert.True(t, h.LivePIDs().Snapshot()[1001])

	h.WorkerInt(1001)
	assert.False(t, h.LivePIDs().Snapshot()[1001])
}

func TestOnExitTearsDownManager(t *testing.T) {
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: t.TempDir()}, nil, nil))

	h := New(Config{}, nil, mgr, nil)
	require.NoError(t, h.OnExit())
	assert.Nil(t, mgr.GetClient())
}

func TestOnExitCleansUpDBFilesWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: dir}, nil, nil))

	ghost := filepath.Join(dir, fmt.Sprintf("counter_%d.db", os.Getpid()))
	require.NoError(t, os.WriteFile(ghost, []byte("x"), 0o644))

	h := New(Config{MultiprocDir: dir, CleanupDBFiles: true}, nil, mgr, nil)
	require.NoError(t, h.OnExit())

	_, err := os.Stat(ghost)
	assert.True(t, os.IsNotExist(err))
}

func TestOnExitLeavesDBFilesWhenNotConfigured(t *testing.T) {
	dir := t.TempDir()
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: dir}, nil, nil))

	ghost := filepath.Join(dir, fmt.Sprintf("counter_%d.db", os.Getpid()))
	require.NoError(t, os.WriteFile(ghost, []byte("x"), 0o644))

	h := New(Config{MultiprocDir: dir}, nil, mgr, nil)
	require.NoError(t, h.OnExit())

	_, err := os.Stat(ghost)
	assert.NoError(t, err)
}

func TestWhenReadyBindsAndInterruptShutsDown(t *testing.T) {
	dir := t.TempDir()
	mgr := manager.New()
	require.True(t, mgr.Setup(manager.Config{MultiprocDir: dir}, nil, nil))
	defer mgr.Teardown()

	h := New(Config{BindAddress: "127.0.0.1", MetricsPort: 0}, nil, mgr, nil)
	run, interrupt := h.WhenReady()
	require.NotNil(t, run)

	errCh := make(chan error, 1)
	go func() { errCh <- run() }()

	interrupt(errors.New("shutdown"))
	err := <-errCh
	assert.NoError(t, err)
}
