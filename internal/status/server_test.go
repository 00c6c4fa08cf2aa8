package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkyfit/updater/internal/progress"
	"github.com/sparkyfit/updater/internal/state"
	"github.com/sparkyfit/updater/internal/store"
	"github.com/sparkyfit/updater/internal/update"
)

type stubFetcher struct {
	info *update.PackageInfo
	dir  string
}

func (f *stubFetcher) CheckForUpdate(context.Context, string) (*update.PackageInfo, error) {
	if f.info == nil {
		return nil, nil
	}
	info := *f.info
	return &info, nil
}

func (f *stubFetcher) Download(_ context.Context, info *update.PackageInfo, onProgress update.ProgressFunc) (*update.Artifact, error) {
	onProgress(update.StageDownloading, info.SizeBytes, info.SizeBytes)
	return &update.Artifact{
		Path:         filepath.Join(f.dir, "package.zip"),
		Version:      info.Version,
		SizeBytes:    info.SizeBytes,
		Verification: update.FullyVerified,
	}, nil
}

type stubHistory struct {
	entries []store.HistoryEntry
	err     error
	limit   int
}

func (h *stubHistory) Recent(_ context.Context, limit int) ([]store.HistoryEntry, error) {
	h.limit = limit
	return h.entries, h.err
}

type fixture struct {
	o       *update.Orchestrator
	metrics *Metrics
	reg     *prometheus.Registry
	history *stubHistory
	srv     *httptest.Server
}

func newFixture(t *testing.T, info *update.PackageInfo) *fixture {
	t.Helper()
	dir := t.TempDir()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	versions := state.NewFileStore(filepath.Join(dir, state.VersionFile), "2.0.0")
	reporter := m.Reporter(progress.New(progress.NewMemoryBackend(), time.Minute))
	o := update.NewOrchestrator(&stubFetcher{info: info, dir: dir}, nil, nil, reporter, versions, update.Options{LiveRoot: dir})
	m.Attach(o)

	h := &stubHistory{}
	srv := httptest.NewServer(NewServer(o, versions, h, reg, "instance-1").Handler())
	t.Cleanup(srv.Close)

	return &fixture{o: o, metrics: m, reg: reg, history: h, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestProgressEndpoint_Idle(t *testing.T) {
	f := newFixture(t, nil)

	var p update.Progress
	assert.Equal(t, http.StatusOK, f.get(t, "/system/updates/progress", &p))
	assert.Equal(t, update.StageIdle, p.Stage)
	assert.Equal(t, "no update in progress", p.Message)
}

func TestProgressEndpoint_AfterDownload(t *testing.T) {
	f := newFixture(t, &update.PackageInfo{Version: "2.1.0", SizeBytes: 4096, SignatureVerified: true})
	ctx := context.Background()

	_, err := f.o.CheckForUpdates(ctx)
	require.NoError(t, err)
	_, err = f.o.DownloadUpdate(ctx)
	require.NoError(t, err)

	var p update.Progress
	assert.Equal(t, http.StatusOK, f.get(t, "/system/updates/progress", &p))
	assert.Equal(t, update.StageIdle, p.Stage)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, "2.1.0", p.Version)
	assert.Contains(t, p.Message, "downloaded and verified")
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, &update.PackageInfo{Version: "2.1.0", SignatureVerified: true})
	f.history.entries = []store.HistoryEntry{{UUID: "c1", FromVersion: "1.9.0", ToVersion: "2.0.0", Status: update.StageCompleted}}

	_, err := f.o.CheckForUpdates(context.Background())
	require.NoError(t, err)

	var resp Response
	assert.Equal(t, http.StatusOK, f.get(t, "/system/updates/status?limit=3", &resp))
	assert.Equal(t, "instance-1", resp.InstanceID)
	assert.Equal(t, "2.0.0", resp.Version.Version)
	assert.Equal(t, "available", resp.State)
	require.NotNil(t, resp.Available)
	assert.Equal(t, "2.1.0", resp.Available.Version)
	require.Len(t, resp.History, 1)
	assert.Equal(t, 3, f.history.limit)
}

func TestStatusEndpoint_Errors(t *testing.T) {
	f := newFixture(t, nil)

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/system/updates/status?limit=zero", &e))
	assert.Equal(t, http.StatusBadRequest, e.Code)

	f.history.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, f.get(t, "/system/updates/status", &e))
	assert.Equal(t, "database is locked", e.Message)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Post(f.srv.URL+"/system/updates/progress", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	var body map[string]string
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, &update.PackageInfo{Version: "2.1.0", SizeBytes: 4096, SignatureVerified: true})
	ctx := context.Background()

	_, err := f.o.CheckForUpdates(ctx)
	require.NoError(t, err)
	_, err = f.o.DownloadUpdate(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.cycles.WithLabelValues(string(update.EventUpdateAvailable))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.cycles.WithLabelValues(string(update.EventDownloaded))))
	assert.Equal(t, 4096.0, testutil.ToFloat64(f.metrics.downloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.stage.WithLabelValues(string(update.StageIdle))))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.stage.WithLabelValues(string(update.StageDownloading))))

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "updater_download_bytes_total 4096"), string(body))
}

func TestNewMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	srv := NewServer(f.o, state.NewFileStore(filepath.Join(t.TempDir(), state.VersionFile), "1.0.0"), nil, f.reg, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
