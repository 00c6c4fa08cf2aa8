package install

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// Extract unpacks archivePath into a fresh directory under the scratch dir.
// Nothing is written outside that directory; on failure it is removed.
func (i *Installer) Extract(ctx context.Context, archivePath string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", update.Errorf(update.ErrArchive, "failed to open update package: %w", err)
	}
	defer r.Close()

	if i.opts.ScratchDir != "" {
		if err := os.MkdirAll(i.opts.ScratchDir, 0o700); err != nil {
			return "", update.Errorf(update.ErrArchive, "failed to create scratch directory: %w", err)
		}
	}
	dir, err := os.MkdirTemp(i.opts.ScratchDir, "extract-*")
	if err != nil {
		return "", update.Errorf(update.ErrArchive, "failed to create extraction directory: %w", err)
	}

	var written int64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			removeQuietly(dir)
			return "", update.Errorf(update.ErrArchive, "extraction interrupted: %w", err)
		}
		n, err := i.extractFile(dir, f, written)
		if err != nil {
			removeQuietly(dir)
			return "", update.Errorf(update.ErrArchive, "failed to extract %q: %w", f.Name, err)
		}
		written += n
	}

	log.Debugf("extracted %d entries (%d bytes) to %s", len(r.File), written, dir)
	return dir, nil
}

func (i *Installer) extractFile(dir string, f *zip.File, written int64) (int64, error) {
	target, err := safeJoin(dir, f.Name)
	if err != nil {
		return 0, err
	}

	mode := f.Mode()
	switch {
	case mode.IsDir():
		return 0, os.MkdirAll(target, 0o755)
	case mode&fs.ModeSymlink != 0:
		return 0, fmt.Errorf("symbolic links are not allowed")
	case !mode.IsRegular():
		return 0, fmt.Errorf("unsupported file type %s", mode.Type())
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	var src io.Reader = rc
	if limit := i.opts.MaxUnpackedSize; limit > 0 {
		src = io.LimitReader(rc, limit-written+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if limit := i.opts.MaxUnpackedSize; limit > 0 && written+n > limit {
		return n, fmt.Errorf("package unpacks to more than %d bytes", limit)
	}
	return n, nil
}

// safeJoin resolves name under dir and rejects anything that escapes it.
func safeJoin(dir, name string) (string, error) {
	if name == "" || strings.Contains(name, "\\") {
		return "", fmt.Errorf("invalid entry name")
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("entry escapes the extraction directory")
	}
	return target, nil
}

func removeQuietly(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warnf("failed to remove %s: %v", dir, err)
	}
}
