package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkyfit/updater/internal/backup"
	"github.com/sparkyfit/updater/internal/git"
	"github.com/sparkyfit/updater/internal/interactive"
	"github.com/sparkyfit/updater/internal/security"
	"github.com/sparkyfit/updater/internal/state"
	"github.com/sparkyfit/updater/internal/update"
)

type env struct {
	dir      string
	liveRoot string
	stateDir string
	backups  string
	key      security.PrivateKey
}

// newEnv writes a config for an installation of 1.0.0 and points the
// global --config flag at it.
func newEnv(t *testing.T, checkURL string) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:      dir,
		liveRoot: filepath.Join(dir, "www"),
		stateDir: filepath.Join(dir, "state"),
		backups:  filepath.Join(dir, "backups"),
	}

	writeFile(t, filepath.Join(e.liveRoot, "index.php"), "<?php // 1.0.0")
	writeFile(t, filepath.Join(e.liveRoot, ".env"), "APP_KEY=secret")

	key, _, pubPEM, err := security.GenerateKey()
	require.NoError(t, err)
	e.key = key
	writeFile(t, filepath.Join(dir, "keys.pem"), string(pubPEM))

	cfg := fmt.Sprintf(`update:
  check_url: %s
  initial_version: 1.0.0
  retries: 0
paths:
  live_root: %s
  scratch_dir: %s
  state_dir: %s
backup:
  dir: %s
  keep: 3
  excludes: [".env"]
security:
  public_keys: %s
database:
  engine: sqlite
log:
  level: error
`, checkURL, e.liveRoot, filepath.Join(dir, "scratch"), e.stateDir, e.backups, filepath.Join(dir, "keys.pem"))
	writeFile(t, filepath.Join(dir, "updater.yaml"), cfg)

	oldConfig, oldFormat := configPath, outputFormat
	configPath, outputFormat = filepath.Join(dir, "updater.yaml"), "json"
	t.Cleanup(func() { configPath, outputFormat = oldConfig, oldFormat })
	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// buildPackage returns a zip holding update.json, files/ and migrations/.
func buildPackage(t *testing.T, version string, files, migrations map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifest := update.PackageManifest{Version: version, Files: []update.ManifestFile{}}
	for name, content := range files {
		sum := sha256.Sum256([]byte(content))
		manifest.Files = append(manifest.Files, update.ManifestFile{Path: name, SHA256: hex.EncodeToString(sum[:])})
		w, err := zw.Create("files/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	for name, sql := range migrations {
		w, err := zw.Create("migrations/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(sql))
		require.NoError(t, err)
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	w, err := zw.Create("update.json")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// updateService serves a signed check response announcing pkg as version.
type updateService struct {
	srv     *httptest.Server
	key     security.PrivateKey
	version string
	pkg     []byte
}

func newUpdateService(t *testing.T) *updateService {
	t.Helper()
	s := &updateService{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/check", func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{"available": false}
		if s.pkg != nil && r.URL.Query().Get("version") != s.version {
			sum := sha256.Sum256(s.pkg)
			payload = map[string]any{
				"available":    true,
				"version":      s.version,
				"download_url": "/packages/update.zip",
				"checksum":     hex.EncodeToString(sum[:]),
				"size":         len(s.pkg),
			}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		env, err := signPayload(s.key, data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(env)
	})
	mux.HandleFunc("/packages/update.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.pkg)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func run(t *testing.T, c interface {
	SetArgs([]string)
	ExecuteContext(context.Context) error
}, args ...string) error {
	t.Helper()
	c.SetArgs(args)
	return c.ExecuteContext(context.Background())
}

func TestUpdate_InstallsAndRecords(t *testing.T) {
	svc := newUpdateService(t)
	e := newEnv(t, svc.srv.URL+"/api/check")
	svc.key = e.key
	svc.version = "1.1.0"
	svc.pkg = buildPackage(t, "1.1.0",
		map[string]string{"index.php": "<?php // 1.1.0", "src/Feature.php": "<?php class Feature {}"},
		map[string]string{"001_widgets.sql": "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);"},
	)

	require.NoError(t, run(t, newUpdateCmd(), "--yes"))

	assert.Equal(t, "<?php // 1.1.0", readFile(t, filepath.Join(e.liveRoot, "index.php")))
	assert.Equal(t, "<?php class Feature {}", readFile(t, filepath.Join(e.liveRoot, "src", "Feature.php")))
	assert.Equal(t, "APP_KEY=secret", readFile(t, filepath.Join(e.liveRoot, ".env")))

	rec, err := state.NewFileStore(filepath.Join(e.stateDir, state.VersionFile), "0").Current()
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Equal(t, "1.0.0", rec.PreviousVersion)

	backups, err := backup.NewManager(e.backups, e.liveRoot).List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, backup.TypePreUpdate, backups[0].Type)
	assert.Equal(t, "1.0.0", backups[0].AppVersion)

	// already current: a second run is a no-op
	require.NoError(t, run(t, newUpdateCmd(), "--yes"))
	require.NoError(t, run(t, newStatusCmd()))
}

func TestUpdate_RollsBackFailedMigration(t *testing.T) {
	svc := newUpdateService(t)
	e := newEnv(t, svc.srv.URL+"/api/check")
	svc.key = e.key
	svc.version = "1.1.0"
	svc.pkg = buildPackage(t, "1.1.0",
		map[string]string{"index.php": "<?php // 1.1.0"},
		map[string]string{"001_broken.sql": "CREATE TABLE;"},
	)

	err := run(t, newUpdateCmd(), "--yes")
	require.Error(t, err)
	assert.ErrorIs(t, err, update.ErrMigration)
	assert.Contains(t, err.Error(), "rolled back")

	assert.Equal(t, "<?php // 1.0.0", readFile(t, filepath.Join(e.liveRoot, "index.php")))
	rec, err := state.NewFileStore(filepath.Join(e.stateDir, state.VersionFile), "1.0.0").Current()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)
}

func TestCheck_RejectsForeignSignature(t *testing.T) {
	svc := newUpdateService(t)
	newEnv(t, svc.srv.URL+"/api/check")
	other, _, _, err := security.GenerateKey()
	require.NoError(t, err)
	svc.key = other
	svc.version = "1.1.0"
	svc.pkg = []byte("not used")

	err = run(t, newCheckCmd())
	assert.ErrorIs(t, err, update.ErrSecurity)
}

func TestUpdate_RequiresConfirmationWithoutTerminal(t *testing.T) {
	if interactive.IsTerminal() {
		t.Skip("stdin is a terminal")
	}
	svc := newUpdateService(t)
	e := newEnv(t, svc.srv.URL+"/api/check")
	svc.key = e.key
	svc.version = "1.1.0"
	svc.pkg = buildPackage(t, "1.1.0", map[string]string{"index.php": "<?php // 1.1.0"}, nil)

	err := run(t, newUpdateCmd())
	assert.ErrorIs(t, err, interactive.ErrNotTerminal)
	assert.Equal(t, "<?php // 1.0.0", readFile(t, filepath.Join(e.liveRoot, "index.php")))
}

func TestBackupCommands(t *testing.T) {
	e := newEnv(t, "https://updates.example.com/api/check")

	require.NoError(t, run(t, newBackupCmd(), "create", "--note", "before maintenance"))
	m := backup.NewManager(e.backups, e.liveRoot)
	backups, err := m.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, backup.TypeManual, backups[0].Type)

	writeFile(t, filepath.Join(e.liveRoot, "index.php"), "broken")
	writeFile(t, filepath.Join(e.liveRoot, "stray.php"), "stray")
	require.NoError(t, run(t, newBackupCmd(), "restore", "latest", "--yes"))
	assert.Equal(t, "<?php // 1.0.0", readFile(t, filepath.Join(e.liveRoot, "index.php")))
	assert.NoFileExists(t, filepath.Join(e.liveRoot, "stray.php"))

	require.NoError(t, run(t, newBackupCmd(), "list"))
	require.NoError(t, run(t, newBackupCmd(), "prune", "--keep", "0"))
	backups, err = m.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1, "manual backups are not pruned without --all")

	require.NoError(t, run(t, newBackupCmd(), "delete", backups[0].ID))
	backups, err = m.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestKeysGenerateAndSign(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(t, newKeysCmd(), "generate", "--dir", dir))
	assert.Error(t, run(t, newKeysCmd(), "generate", "--dir", dir), "refuses to overwrite")

	st, err := os.Stat(filepath.Join(dir, privateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())

	payloadPath := filepath.Join(dir, "payload.json")
	writeFile(t, payloadPath, "{\n  \"available\": true,\n  \"version\": \"2.0.0\"\n}\n")

	sign := newSignCmd()
	var out bytes.Buffer
	sign.SetOut(&out)
	require.NoError(t, run(t, sign, "--key", filepath.Join(dir, privateKeyFile), payloadPath))

	var got signedEnvelope
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, `{"available":true,"version":"2.0.0"}`, string(got.Payload))

	sig, err := base64.StdEncoding.DecodeString(got.Signature)
	require.NoError(t, err)
	keys, err := security.LoadPublicKeys(filepath.Join(dir, publicKeyFile))
	require.NoError(t, err)
	v := security.NewVerifier(keys, security.DefaultScanPolicy())
	assert.NoError(t, v.VerifySignature(context.Background(), got.Payload, sig))
}

func TestSignPayload_RejectsInvalidJSON(t *testing.T) {
	key, _, _, err := security.GenerateKey()
	require.NoError(t, err)
	_, err = signPayload(key, []byte("{not json"))
	assert.Error(t, err)
}

func TestResolveLogLevel(t *testing.T) {
	defer func() { logLevel, verbose, quiet = "", false, false }()

	tests := []struct {
		name       string
		flag       string
		verbose    bool
		quiet      bool
		configured string
		want       string
	}{
		{"default", "", false, false, "", "info"},
		{"configured", "", false, false, "warn", "warn"},
		{"quiet", "", false, true, "warn", "error"},
		{"verbose", "", true, false, "warn", "debug"},
		{"flag wins", "trace", true, true, "warn", "trace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logLevel, verbose, quiet = tt.flag, tt.verbose, tt.quiet
			assert.Equal(t, tt.want, resolveLogLevel(tt.configured))
		})
	}
}

func TestProgress_RejectsNonPositiveInterval(t *testing.T) {
	for _, interval := range []string{"0s", "-1s"} {
		t.Run(interval, func(t *testing.T) {
			err := run(t, newProgressCmd(), "--watch", "--interval", interval)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "--interval must be positive")
		})
	}
}

func TestVersionInfo(t *testing.T) {
	s := versionInfo{Version: "1.2.3", Commit: "abc", Date: "today", Go: "go1.24"}.String()
	assert.True(t, strings.HasPrefix(s, "sparkyfit-updater 1.2.3"))
}

type fakeGit map[string]string

func (f fakeGit) RunInDir(_ context.Context, _, name string, args ...string) ([]byte, error) {
	out, ok := f[name+" "+strings.Join(args, " ")]
	if !ok {
		return nil, fmt.Errorf("unexpected command %s %v", name, args)
	}
	return []byte(out), nil
}

func TestPreflight(t *testing.T) {
	dirty := git.NewCheckerWithRunner(fakeGit{
		"git rev-parse --git-dir":         ".git",
		"git rev-parse --abbrev-ref HEAD": "main",
		"git rev-parse --short HEAD":      "abc1234",
		"git status --porcelain":          " M index.php\n",
	})
	ctx := context.Background()

	err := preflight(ctx, dirty, "/var/www/sparkyfit", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 locally modified files")
	assert.NoError(t, preflight(ctx, dirty, "/var/www/sparkyfit", true))

	notRepo := git.NewCheckerWithRunner(fakeGit{})
	assert.NoError(t, preflight(ctx, notRepo, "/var/www/sparkyfit", false))
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "updater.yaml")

	require.NoError(t, run(t, newInitCmd(), "--template", "scheduled", "--path", path))
	assert.Contains(t, readFile(t, path), "auto_download: true")

	err := run(t, newInitCmd(), "--path", path)
	require.Error(t, err, "refuses to overwrite")
	require.NoError(t, run(t, newInitCmd(), "--path", path, "--force"))
	assert.NotContains(t, readFile(t, path), "auto_download")

	assert.Error(t, run(t, newInitCmd(), "--template", "nope", "--path", path, "--force"))
}
