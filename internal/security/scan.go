package security

import (
	"archive/zip"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// PathPlaceholder in ScanPolicy.Command is replaced by the package path.
const PathPlaceholder = "{}"

// ScanPolicy bounds what a package may contain.
type ScanPolicy struct {
	MaxEntries          int      `yaml:"max_entries" toml:"max_entries" json:"max_entries"`
	MaxUnpackedSize     int64    `yaml:"max_unpacked_size" toml:"max_unpacked_size" json:"max_unpacked_size"`
	MaxCompressionRatio float64  `yaml:"max_compression_ratio" toml:"max_compression_ratio" json:"max_compression_ratio"`
	DeniedExtensions    []string `yaml:"denied_extensions" toml:"denied_extensions" json:"denied_extensions"`
	// Command is an external scanner, e.g. ["clamscan", "--no-summary", "{}"].
	// A non-zero exit status marks the package as infected.
	Command []string `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
}

// DefaultScanPolicy returns the limits used when none are configured.
func DefaultScanPolicy() ScanPolicy {
	return ScanPolicy{
		MaxEntries:          50000,
		MaxUnpackedSize:     2 << 30,
		MaxCompressionRatio: 100,
		DeniedExtensions:    []string{".exe", ".dll", ".bat", ".cmd", ".com", ".scr", ".vbs", ".ps1", ".phar"},
	}
}

// ratios of tiny entries say nothing about zip bombs
const ratioFloor = 1 << 20

func (p ScanPolicy) scan(ctx context.Context, archivePath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return update.Errorf(update.ErrSecurity, "package is not a readable zip archive: %w", err)
	}
	defer r.Close()

	if p.MaxEntries > 0 && len(r.File) > p.MaxEntries {
		return update.Errorf(update.ErrSecurity, "package has %d entries, limit is %d", len(r.File), p.MaxEntries)
	}

	denied := make(map[string]bool, len(p.DeniedExtensions))
	for _, ext := range p.DeniedExtensions {
		denied[strings.ToLower(ext)] = true
	}

	var total uint64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return update.Errorf(update.ErrSecurity, "scan interrupted: %w", err)
		}
		if err := checkEntryName(f.Name); err != nil {
			return update.Errorf(update.ErrSecurity, "entry %q: %w", f.Name, err)
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return update.Errorf(update.ErrSecurity, "entry %q is a symbolic link", f.Name)
		}
		if denied[strings.ToLower(path.Ext(f.Name))] {
			return update.Errorf(update.ErrSecurity, "entry %q has a denied file type", f.Name)
		}

		total += f.UncompressedSize64
		if p.MaxUnpackedSize > 0 && total > uint64(p.MaxUnpackedSize) {
			return update.Errorf(update.ErrSecurity, "package unpacks to more than %d bytes", p.MaxUnpackedSize)
		}
		if p.MaxCompressionRatio > 0 && f.UncompressedSize64 > ratioFloor && f.CompressedSize64 > 0 {
			ratio := float64(f.UncompressedSize64) / float64(f.CompressedSize64)
			if ratio > p.MaxCompressionRatio {
				return update.Errorf(update.ErrSecurity, "entry %q has compression ratio %.0f, limit is %.0f", f.Name, ratio, p.MaxCompressionRatio)
			}
		}
	}

	if len(p.Command) > 0 {
		return p.runCommand(ctx, archivePath)
	}
	return nil
}

func (p ScanPolicy) runCommand(ctx context.Context, archivePath string) error {
	args := make([]string, 0, len(p.Command))
	for _, a := range p.Command {
		args = append(args, strings.ReplaceAll(a, PathPlaceholder, archivePath))
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		log.Debugf("external scanner accepted %s", archivePath)
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return update.Errorf(update.ErrSecurity, "external scanner rejected package (exit %d): %s",
			exitErr.ExitCode(), strings.TrimSpace(string(out)))
	}
	return update.Errorf(update.ErrSecurity, "external scanner failed to run: %w", err)
}

// checkEntryName rejects names that could escape the extraction directory.
func checkEntryName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if strings.Contains(name, "\\") {
		return errors.New("backslash in path")
	}
	if path.IsAbs(name) {
		return errors.New("absolute path")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return errors.New("path traversal")
		}
	}
	return nil
}
