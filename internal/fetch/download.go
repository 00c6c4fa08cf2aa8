package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sparkyfit/updater/internal/update"
)

// Download streams the package described by info into the scratch directory,
// checks its SHA-256 and has the verifier scan it. The file is removed on
// every failure.
func (c *Client) Download(ctx context.Context, info *update.PackageInfo, onProgress update.ProgressFunc) (*update.Artifact, error) {
	want, err := hex.DecodeString(info.Checksum)
	if err != nil || len(want) != sha256.Size {
		return nil, update.Errorf(update.ErrProtocol, "checksum %q is not a hex SHA-256 digest", info.Checksum)
	}

	if c.opts.ScratchDir != "" {
		if err := os.MkdirAll(c.opts.ScratchDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}
	out, err := os.CreateTemp(c.opts.ScratchDir, fmt.Sprintf("update_%s-*.zip", info.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	path := out.Name()
	keep := false
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warnf("error closing download file %q: %v", path, cerr)
		}
		if !keep {
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				log.Warnf("failed to remove partial download %q: %v", path, rerr)
			}
		}
	}()

	logger := log.WithField("version", info.Version)
	logger.Debugf("starting download from %s", info.DownloadURL)
	started := time.Now()

	var written int64
	err = c.retry(ctx, "package download", func() error {
		// each attempt starts from scratch
		if err := out.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate download file: %w", err)
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind download file: %w", err)
		}
		return c.do(ctx, info.DownloadURL, func(resp *http.Response) error {
			n, err := c.copyBody(out, resp, info.SizeBytes, onProgress)
			written = n
			return err
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush download file: %w", err)
	}

	if onProgress != nil {
		onProgress(update.StageVerifying, written, written)
	}

	art := &update.Artifact{
		Path:         path,
		Version:      info.Version,
		SizeBytes:    written,
		Verification: update.Unverified,
	}

	got, err := hashFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash download: %w", err)
	}
	art.Checksum = hex.EncodeToString(got)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, update.Errorf(update.ErrChecksum, "package %s digest %s does not match announced %s", info.Version, art.Checksum, info.Checksum)
	}
	art.Verification |= update.ChecksumOK

	if info.SignatureVerified {
		art.Verification |= update.SignatureOK
	}

	if err := c.verifier.ScanArtifact(ctx, path); err != nil {
		if update.Kind(err) == nil {
			err = fmt.Errorf("%w: %w", update.ErrSecurity, err)
		}
		return nil, err
	}
	art.Verification |= update.ScanOK

	keep = true
	logger.WithField("elapsed", time.Since(started).Round(time.Millisecond)).
		Infof("downloaded %d bytes to %s", written, path)
	return art, nil
}

// copyBody writes the response to out, reporting progress at most once per
// ProgressInterval plus once at the end.
func (c *Client) copyBody(out io.Writer, resp *http.Response, announced int64, onProgress update.ProgressFunc) (int64, error) {
	total := resp.ContentLength
	if total <= 0 {
		total = announced
	}
	if total <= 0 {
		total = -1
	}

	limit := c.opts.MaxPackageSize
	if limit > 0 && total > limit {
		return 0, backoff.Permanent(update.Errorf(update.ErrProtocol, "package is %d bytes, limit is %d", total, limit))
	}

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	pw := &progressWriter{
		w:     out,
		total: total,
		fn:    onProgress,
		every: rate.Sometimes{Interval: c.opts.ProgressInterval},
	}
	n, err := io.Copy(pw, body)
	if err != nil {
		return n, fmt.Errorf("failed to write response body to file: %w", err)
	}
	if limit > 0 && n > limit {
		return n, backoff.Permanent(update.Errorf(update.ErrProtocol, "package exceeds %d bytes", limit))
	}
	pw.flush()
	return n, nil
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    update.ProgressFunc
	every rate.Sometimes
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil {
		p.every.Do(func() { p.fn(update.StageDownloading, p.done, p.total) })
	}
	return n, err
}

func (p *progressWriter) flush() {
	if p.fn != nil {
		p.fn(update.StageDownloading, p.done, p.total)
	}
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
