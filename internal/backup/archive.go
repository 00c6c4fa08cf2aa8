package backup

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

type walkFunc func(rel string, d fs.DirEntry, abs string) error

// walkTree visits root in lexical order, skipping excluded paths.
func walkTree(root string, excludes []string, fn walkFunc) error {
	return filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if isExcluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(rel, d, abs)
	})
}

func isExcluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	return false
}

// containsExcluded reports whether some excluded path lies below rel.
func containsExcluded(rel string, excludes []string) bool {
	for _, ex := range excludes {
		if strings.HasPrefix(ex, rel+"/") {
			return true
		}
	}
	return false
}

// TreeHash returns a digest over the paths, types and file contents below
// root. Two trees hash equal exactly when they hold the same entries with
// the same content.
func TreeHash(root string, excludes []string) (string, error) {
	h := sha256.New()
	err := walkTree(root, excludes, func(rel string, d fs.DirEntry, abs string) error {
		switch {
		case d.IsDir():
			fmt.Fprintf(h, "d %s\n", rel)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(abs)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "l %s %s\n", rel, link)
		case d.Type().IsRegular():
			sum, err := fileSHA256(abs)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "f %s %s\n", rel, sum)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeArchive writes a gzipped tar of the live root to path and returns its
// size and SHA-256.
func (m *Manager) writeArchive(ctx context.Context, path string) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create backup archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	gz := gzip.NewWriter(cw)
	tw := tar.NewWriter(gz)

	err = walkTree(m.liveRoot, m.excludes, func(rel string, d fs.DirEntry, abs string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			if link, err = os.Readlink(abs); err != nil {
				return err
			}
		case info.IsDir(), info.Mode().IsRegular():
		default:
			log.Debugf("backup skips special file %s", rel)
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to archive %s: %w", m.liveRoot, err)
	}

	if err := tw.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to finish backup archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, "", fmt.Errorf("failed to finish backup archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, "", fmt.Errorf("failed to flush backup archive: %w", err)
	}
	return cw.n, hex.EncodeToString(h.Sum(nil)), nil
}

// readArchive streams every entry of a gzipped tar to fn. A nil fn only
// checks that the archive reads cleanly.
func readArchive(r io.Reader, fn func(hdr *tar.Header, body io.Reader) error) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if fn == nil {
			continue
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
	// reach the gzip trailer so its checksum is validated
	_, err = io.Copy(io.Discard, gz)
	return err
}

type dirMode struct {
	rel  string
	mode fs.FileMode
}

// extractTo unpacks an archive below dir. Directories are created writable
// so their entries can be written and moved; the archived modes are returned
// for the caller to apply once the tree is in place.
func extractTo(r io.Reader, dir string) ([]dirMode, error) {
	var modes []dirMode
	err := readArchive(r, func(hdr *tar.Header, body io.Reader) error {
		rel := strings.TrimSuffix(hdr.Name, "/")
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if up, err := filepath.Rel(dir, target); err != nil || up == "." || strings.HasPrefix(up, "..") {
			return fmt.Errorf("archive entry %q escapes the restore directory", hdr.Name)
		}
		mode := hdr.FileInfo().Mode().Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			modes = append(modes, dirMode{rel: rel, mode: mode})
			return os.MkdirAll(target, 0755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, body); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return os.Symlink(hdr.Linkname, target)
		}
		log.Debugf("restore skips unsupported archive entry %s", hdr.Name)
		return nil
	})
	return modes, err
}

// applyDirModes sets directory modes below root, deepest first so a
// directory without search permission does not hide its children.
func applyDirModes(root string, modes []dirMode) error {
	for i := len(modes) - 1; i >= 0; i-- {
		d := modes[i]
		if err := os.Chmod(filepath.Join(root, filepath.FromSlash(d.rel)), d.mode); err != nil {
			return err
		}
	}
	return nil
}

// removeTree removes path, first granting the owner write and search
// permission on directories that lack it.
func removeTree(path string) error {
	if err := os.RemoveAll(path); err == nil {
		return nil
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().Perm()&0700 != 0700 {
			_ = os.Chmod(p, info.Mode().Perm()|0700)
		}
		return nil
	})
	return os.RemoveAll(path)
}

// makeWritable grants the owner write and search permission on dir.
func makeWritable(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0700 == 0700 {
		return nil
	}
	return os.Chmod(dir, info.Mode().Perm()|0700)
}
