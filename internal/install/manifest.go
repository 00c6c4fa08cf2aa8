package install

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sparkyfit/updater/internal/update"
)

// ValidateManifest reads update.json from stagingDir and checks it against
// the files/ tree: every listed file must exist and match its digest and
// size when given, and no unlisted file may be present.
func (i *Installer) ValidateManifest(stagingDir string) (*update.PackageManifest, error) {
	data, err := os.ReadFile(filepath.Join(stagingDir, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, update.Errorf(update.ErrManifest, "package has no %s", manifestName)
		}
		return nil, update.Errorf(update.ErrManifest, "failed to read %s: %w", manifestName, err)
	}

	var m update.PackageManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, update.Errorf(update.ErrManifest, "invalid %s: %w", manifestName, err)
	}
	if strings.TrimSpace(m.Version) == "" {
		return nil, update.Errorf(update.ErrManifest, "%s does not name a version", manifestName)
	}
	if m.Files == nil {
		return nil, update.Errorf(update.ErrManifest, "%s has no file list", manifestName)
	}

	root := filepath.Join(stagingDir, filesDir)
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		return nil, update.Errorf(update.ErrManifest, "package has no %s/ directory", filesDir)
	}

	listed := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		clean := path.Clean(f.Path)
		if f.Path == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return nil, update.Errorf(update.ErrManifest, "invalid file path %q", f.Path)
		}
		if listed[clean] {
			return nil, update.Errorf(update.ErrManifest, "file %q listed twice", f.Path)
		}
		listed[clean] = true

		if err := checkFile(filepath.Join(root, filepath.FromSlash(clean)), f); err != nil {
			return nil, err
		}
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if !listed[filepath.ToSlash(rel)] {
			return update.Errorf(update.ErrManifest, "file %q is not listed in %s", filepath.ToSlash(rel), manifestName)
		}
		return nil
	})
	if err != nil {
		if update.Kind(err) == nil {
			err = update.Errorf(update.ErrManifest, "failed to scan %s/: %w", filesDir, err)
		}
		return nil, err
	}

	return &m, nil
}

func checkFile(p string, f update.ManifestFile) error {
	st, err := os.Stat(p)
	if err != nil {
		return update.Errorf(update.ErrManifest, "listed file %q is missing", f.Path)
	}
	if !st.Mode().IsRegular() {
		return update.Errorf(update.ErrManifest, "listed file %q is not a regular file", f.Path)
	}
	if f.Size > 0 && st.Size() != f.Size {
		return update.Errorf(update.ErrManifest, "file %q is %d bytes, manifest says %d", f.Path, st.Size(), f.Size)
	}
	if f.SHA256 == "" {
		return nil
	}

	fh, err := os.Open(p)
	if err != nil {
		return update.Errorf(update.ErrManifest, "failed to open %q: %w", f.Path, err)
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return update.Errorf(update.ErrManifest, "failed to hash %q: %w", f.Path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, f.SHA256) {
		return update.Errorf(update.ErrManifest, "file %q digest %s does not match manifest", f.Path, got)
	}
	return nil
}
