package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sparkyfit/updater/internal/security"
	"github.com/sparkyfit/updater/internal/update"
)

func buildPackage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("update.json")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte(`{"version":"2.1.0","files":[]}`))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type testServer struct {
	*httptest.Server
	key       security.PrivateKey
	payload   map[string]any
	pkg       []byte
	sigBroken bool
	rawBody   string
	checkHits atomic.Int32
	pkgHits   atomic.Int32
	failFirst int32
	pkgStatus int
	lastQuery atomic.Value
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	key, _, _, err := security.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	ts := &testServer{key: key, pkg: buildPackage(t)}
	ts.payload = map[string]any{
		"available":    true,
		"version":      "2.1.0",
		"download_url": "/packages/2.1.0.zip",
		"checksum":     sha(ts.pkg),
		"size":         len(ts.pkg),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/updates/check", func(w http.ResponseWriter, r *http.Request) {
		ts.checkHits.Add(1)
		ts.lastQuery.Store(r.URL.Query())
		if ts.rawBody != "" {
			_, _ = w.Write([]byte(ts.rawBody))
			return
		}
		payload, _ := json.Marshal(ts.payload)
		sig, _ := security.Sign(ts.key, payload)
		if ts.sigBroken {
			sig[0] ^= 0xff
		}
		_ = json.NewEncoder(w).Encode(envelope{
			Payload:   payload,
			Signature: base64.StdEncoding.EncodeToString(sig),
		})
	})
	mux.HandleFunc("/packages/2.1.0.zip", func(w http.ResponseWriter, r *http.Request) {
		n := ts.pkgHits.Add(1)
		if n <= ts.failFirst {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if ts.pkgStatus != 0 {
			w.WriteHeader(ts.pkgStatus)
			return
		}
		_, _ = w.Write(ts.pkg)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) client(t *testing.T, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		CheckURL:         ts.URL + "/api/updates/check",
		LicenseKey:       "lic-123",
		InstanceID:       "instance-1",
		VerifySSL:        true,
		ScratchDir:       t.TempDir(),
		Retries:          2,
		RetryInterval:    time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	verifier := security.NewVerifier([]security.PublicKey{ts.key.Public()}, security.DefaultScanPolicy())
	c, err := NewClient(opts, verifier)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestCheckForUpdate_Available(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, nil)

	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatalf("CheckForUpdate() error = %v", err)
	}
	if info == nil {
		t.Fatal("CheckForUpdate() = nil, want update")
	}
	if info.Version != "2.1.0" {
		t.Errorf("Version = %q, want 2.1.0", info.Version)
	}
	if !info.SignatureVerified {
		t.Error("SignatureVerified = false, want true")
	}
	if info.DownloadURL != ts.URL+"/packages/2.1.0.zip" {
		t.Errorf("DownloadURL = %q, want resolved against check URL", info.DownloadURL)
	}

	q := ts.lastQuery.Load().(url.Values)
	for key, want := range map[string]string{
		"version":     "2.0.0",
		"platform":    DefaultPlatform,
		"license_key": "lic-123",
		"instance_id": "instance-1",
	} {
		if got := q[key]; len(got) != 1 || got[0] != want {
			t.Errorf("query %s = %v, want %q", key, got, want)
		}
	}
}

func TestCheckForUpdate_NoUpdate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		current string
	}{
		{"not available", func(p map[string]any) { p["available"] = false }, "2.0.0"},
		{"same version", nil, "2.1.0"},
		{"older version offered", nil, "3.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tt.mutate != nil {
				tt.mutate(ts.payload)
			}
			info, err := ts.client(t, nil).CheckForUpdate(context.Background(), tt.current)
			if err != nil {
				t.Fatalf("CheckForUpdate() error = %v", err)
			}
			if info != nil {
				t.Errorf("CheckForUpdate() = %+v, want nil", info)
			}
		})
	}
}

func TestCheckForUpdate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*testServer)
		want  error
	}{
		{"bad signature", func(ts *testServer) { ts.sigBroken = true }, update.ErrSecurity},
		{"malformed json", func(ts *testServer) { ts.rawBody = "<html>oops</html>" }, update.ErrProtocol},
		{"missing payload", func(ts *testServer) { ts.rawBody = `{"signature":""}` }, update.ErrProtocol},
		{"unsigned", func(ts *testServer) { ts.rawBody = `{"payload":{"available":true}}` }, update.ErrSecurity},
		{"bad checksum", func(ts *testServer) { ts.payload["checksum"] = "abc" }, update.ErrProtocol},
		{"bad version", func(ts *testServer) { ts.payload["version"] = "latest" }, update.ErrProtocol},
		{"no download url", func(ts *testServer) { ts.payload["download_url"] = "" }, update.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			tt.setup(ts)
			_, err := ts.client(t, nil).CheckForUpdate(context.Background(), "2.0.0")
			if !errors.Is(err, tt.want) {
				t.Errorf("CheckForUpdate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckForUpdate_NetworkError(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, func(o *Options) { o.Retries = 1 })
	ts.Close()

	_, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if !errors.Is(err, update.ErrNetwork) {
		t.Errorf("CheckForUpdate() error = %v, want ErrNetwork", err)
	}
}

func TestDownload_Success(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, nil)
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}

	var calls int
	var last, lastTotal int64
	var stages []update.Stage
	art, err := c.Download(context.Background(), info, func(stage update.Stage, done, total int64) {
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
		if stage != update.StageDownloading {
			return
		}
		calls++
		last, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !art.Verified() {
		t.Errorf("Verification = %s, want fully verified", art.Verification)
	}
	if art.SizeBytes != int64(len(ts.pkg)) {
		t.Errorf("SizeBytes = %d, want %d", art.SizeBytes, len(ts.pkg))
	}
	if calls == 0 || last != int64(len(ts.pkg)) || lastTotal != int64(len(ts.pkg)) {
		t.Errorf("progress calls=%d last=%d/%d, want final call with full size", calls, last, lastTotal)
	}
	if len(stages) != 2 || stages[0] != update.StageDownloading || stages[1] != update.StageVerifying {
		t.Errorf("progress stages = %v, want [downloading verifying]", stages)
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("artifact not readable: %v", err)
	}
	if !bytes.Equal(data, ts.pkg) {
		t.Error("artifact content differs from served package")
	}
	if filepath.Base(art.Path)[:len("update_2.1.0-")] != "update_2.1.0-" {
		t.Errorf("artifact name = %s, want update_2.1.0-*", filepath.Base(art.Path))
	}
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	ts := newTestServer(t)
	scratch := t.TempDir()
	c := ts.client(t, func(o *Options) { o.ScratchDir = scratch })
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	info.Checksum = sha([]byte("something else"))

	_, err = c.Download(context.Background(), info, nil)
	if !errors.Is(err, update.ErrChecksum) {
		t.Fatalf("Download() error = %v, want ErrChecksum", err)
	}
	entries, _ := os.ReadDir(scratch)
	if len(entries) != 0 {
		t.Errorf("scratch dir has %d entries, want partial file removed", len(entries))
	}
}

func TestDownload_ScanRejects(t *testing.T) {
	ts := newTestServer(t)
	ts.pkg = []byte("this is not a zip archive")
	ts.payload["checksum"] = sha(ts.pkg)
	scratch := t.TempDir()
	c := ts.client(t, func(o *Options) { o.ScratchDir = scratch })

	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	verifying := false
	_, err = c.Download(context.Background(), info, func(stage update.Stage, done, total int64) {
		if stage == update.StageVerifying {
			verifying = true
		}
	})
	if !errors.Is(err, update.ErrSecurity) {
		t.Fatalf("Download() error = %v, want ErrSecurity", err)
	}
	if errors.Is(err, update.ErrNetwork) {
		t.Error("scan failure must be distinct from transport failure")
	}
	if !verifying {
		t.Error("verifying stage was not reported before the scan")
	}
	entries, _ := os.ReadDir(scratch)
	if len(entries) != 0 {
		t.Errorf("scratch dir has %d entries, want rejected file removed", len(entries))
	}
}

func TestDownload_ScratchDirFailureHasNoKind(t *testing.T) {
	ts := newTestServer(t)
	blocked := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocked, nil, 0600); err != nil {
		t.Fatal(err)
	}
	c := ts.client(t, func(o *Options) { o.ScratchDir = filepath.Join(blocked, "scratch") })

	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Download(context.Background(), info, nil)
	if err == nil {
		t.Fatal("Download() succeeded with an unusable scratch directory")
	}
	if k := update.Kind(err); k != nil {
		t.Errorf("Download() error kind = %v, want none", k)
	}
	if n := ts.pkgHits.Load(); n != 0 {
		t.Errorf("package requested %d times, want 0", n)
	}
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.failFirst = 2
	c := ts.client(t, func(o *Options) { o.Retries = 3 })
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}

	art, err := c.Download(context.Background(), info, nil)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer art.Release()
	if got := ts.pkgHits.Load(); got != 3 {
		t.Errorf("package requested %d times, want 3", got)
	}
}

func TestDownload_ClientErrorNotRetried(t *testing.T) {
	ts := newTestServer(t)
	ts.pkgStatus = http.StatusNotFound
	c := ts.client(t, func(o *Options) { o.Retries = 3 })
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Download(context.Background(), info, nil)
	if !errors.Is(err, update.ErrProtocol) {
		t.Errorf("Download() error = %v, want ErrProtocol", err)
	}
	if got := ts.pkgHits.Load(); got != 1 {
		t.Errorf("package requested %d times, want 1", got)
	}
}

func TestDownload_SizeLimit(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, func(o *Options) { o.MaxPackageSize = 10 })
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Download(context.Background(), info, nil)
	if !errors.Is(err, update.ErrProtocol) {
		t.Errorf("Download() error = %v, want ErrProtocol", err)
	}
}

func TestDownload_UnsignedInfoNotFullyVerified(t *testing.T) {
	ts := newTestServer(t)
	c := ts.client(t, nil)
	info, err := c.CheckForUpdate(context.Background(), "2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	info.SignatureVerified = false

	art, err := c.Download(context.Background(), info, nil)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	defer art.Release()
	if art.Verified() {
		t.Error("artifact from unsigned info must not be fully verified")
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	verifier := security.NewVerifier(nil, security.DefaultScanPolicy())
	for _, u := range []string{"", "ftp://example.com/check", "://bad"} {
		if _, err := NewClient(Options{CheckURL: u}, verifier); err == nil {
			t.Errorf("NewClient(%q) expected error", u)
		}
	}
}
