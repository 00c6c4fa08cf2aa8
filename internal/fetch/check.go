package fetch

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

// envelope is the signed check response. Signature covers the raw bytes of
// Payload exactly as sent.
type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type checkPayload struct {
	Available bool `json:"available"`
	update.PackageInfo
}

// CheckForUpdate asks the update service for a release newer than
// currentVersion. It returns nil, nil when none exists.
func (c *Client) CheckForUpdate(ctx context.Context, currentVersion string) (*update.PackageInfo, error) {
	u := *c.checkURL
	q := u.Query()
	q.Set("version", currentVersion)
	q.Set("platform", c.opts.Platform)
	q.Set("os", c.host.OS)
	q.Set("arch", c.host.Arch)
	if c.opts.InstanceID != "" {
		q.Set("instance_id", c.opts.InstanceID)
	}
	if c.opts.LicenseKey != "" {
		q.Set("license_key", c.opts.LicenseKey)
	}
	u.RawQuery = q.Encode()

	var body []byte
	err := c.retry(ctx, "update check", func() error {
		return c.do(ctx, u.String(), func(resp *http.Response) error {
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxCheckResponse+1))
			if err != nil {
				return fmt.Errorf("failed to read response body: %w", err)
			}
			body = data
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(body) > maxCheckResponse {
		return nil, update.Errorf(update.ErrProtocol, "check response exceeds %d bytes", maxCheckResponse)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, update.Errorf(update.ErrProtocol, "malformed check response: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, update.Errorf(update.ErrProtocol, "check response has no payload")
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, update.Errorf(update.ErrSecurity, "malformed response signature: %w", err)
	}
	if err := c.verifier.VerifySignature(ctx, env.Payload, sig); err != nil {
		if update.Kind(err) == nil {
			err = fmt.Errorf("%w: %w", update.ErrSecurity, err)
		}
		return nil, err
	}

	var payload checkPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, update.Errorf(update.ErrProtocol, "malformed check payload: %w", err)
	}
	if !payload.Available {
		log.Debugf("update service reports no update for %s", currentVersion)
		return nil, nil
	}

	info := payload.PackageInfo
	if err := c.validateInfo(&info); err != nil {
		return nil, err
	}

	newer, err := IsNewer(info.Version, currentVersion)
	if err != nil {
		return nil, update.Errorf(update.ErrProtocol, "cannot compare versions: %w", err)
	}
	if !newer {
		log.Infof("update service offered %s which is not newer than %s, ignoring", info.Version, currentVersion)
		return nil, nil
	}

	info.SignatureVerified = true
	return &info, nil
}

// validateInfo rejects payloads that cannot drive a download and resolves a
// relative download URL against the check URL.
func (c *Client) validateInfo(info *update.PackageInfo) error {
	if _, err := ParseVersion(info.Version); err != nil {
		return update.Errorf(update.ErrProtocol, "announced version: %w", err)
	}
	if info.DownloadURL == "" {
		return update.Errorf(update.ErrProtocol, "update %s has no download URL", info.Version)
	}
	ref, err := url.Parse(info.DownloadURL)
	if err != nil {
		return update.Errorf(update.ErrProtocol, "invalid download URL: %w", err)
	}
	resolved := c.checkURL.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return update.Errorf(update.ErrProtocol, "download URL %q must be http or https", info.DownloadURL)
	}
	info.DownloadURL = resolved.String()

	sum, err := hex.DecodeString(info.Checksum)
	if err != nil || len(sum) != 32 {
		return update.Errorf(update.ErrProtocol, "checksum %q is not a hex SHA-256 digest", info.Checksum)
	}
	if info.SizeBytes < 0 {
		return update.Errorf(update.ErrProtocol, "negative package size %d", info.SizeBytes)
	}
	return nil
}
