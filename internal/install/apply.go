package install

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// Apply copies stagingDir/files over liveRoot. Existing files are
// overwritten, missing directories are created and nothing is ever deleted.
// The first failing file aborts the apply.
func (i *Installer) Apply(ctx context.Context, stagingDir, liveRoot string) error {
	root := filepath.Join(stagingDir, filesDir)
	if err := os.MkdirAll(liveRoot, 0o755); err != nil {
		return update.Errorf(update.ErrApply, "failed to create %s: %w", liveRoot, err)
	}

	var copied int
	err := filepath.WalkDir(root, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, src)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(liveRoot, rel)

		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s is not a regular file", rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		copied++
		return nil
	})
	if err != nil {
		return update.Errorf(update.ErrApply, "failed to apply package: %w", err)
	}

	log.Infof("applied %d files to %s", copied, liveRoot)
	return nil
}

// copyFile replaces dst atomically: readers see the old or the new file,
// never a partial one.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".update-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	tmpName = ""
	return nil
}
