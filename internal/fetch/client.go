// Package fetch talks to the remote update service: it asks whether a newer
// package exists and downloads it into scratch space.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/sparkyfit/updater/internal/update"
)

const (
	userAgent = "sparkyfit-updater/%s"

	// DefaultPlatform is the product name the update service expects.
	DefaultPlatform = "sparkyfit-backend"

	maxCheckResponse      = 1 << 20
	defaultRetries        = 3
	defaultRetryInterval  = time.Second
	defaultProgressPeriod = 250 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	CheckURL   string
	Platform   string
	LicenseKey string
	InstanceID string
	// AgentVersion is reported in the User-Agent header.
	AgentVersion string
	// VerifySSL false disables TLS certificate verification.
	VerifySSL  bool
	ScratchDir string
	// Retries is the number of extra attempts after a transport failure.
	Retries       int
	RetryInterval time.Duration
	// MaxPackageSize caps a download; zero means no cap.
	MaxPackageSize int64
	// ProgressInterval is the minimum time between progress callbacks.
	ProgressInterval time.Duration
}

// Client implements update.Fetcher over HTTP.
type Client struct {
	opts     Options
	checkURL *url.URL
	http     *http.Client
	verifier update.Verifier
	host     Platform
}

// NewClient creates a fetcher. verifier checks response signatures and
// scans downloaded packages.
func NewClient(opts Options, verifier update.Verifier) (*Client, error) {
	if verifier == nil {
		return nil, errors.New("a verifier is required")
	}
	u, err := url.Parse(opts.CheckURL)
	if err != nil {
		return nil, fmt.Errorf("invalid check URL %q: %w", opts.CheckURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid check URL %q: scheme must be http or https", opts.CheckURL)
	}

	if opts.Platform == "" {
		opts.Platform = DefaultPlatform
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressPeriod
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifySSL {
		log.Warn("TLS certificate verification is disabled for the update service")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	host := Detect()
	if !host.IsSupported() {
		log.Warnf("platform %s has no published update packages", host)
	}

	return &Client{
		opts:     opts,
		checkURL: u,
		http:     &http.Client{Transport: transport},
		verifier: verifier,
		host:     host,
	}, nil
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.code)
}

// retry runs op until it succeeds, returns a permanent error or the retry
// budget is spent. Server errors and transport failures are retried.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     c.opts.RetryInterval,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, uint64(c.opts.Retries)), ctx)

	return backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.Warnf("%s failed, retrying in %v: %v", what, d, err)
	})
}

// do issues a GET and hands a 200 response to fn. Non-retryable failures are
// wrapped with backoff.Permanent.
func (c *Client) do(ctx context.Context, rawURL string, fn func(*http.Response) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, c.opts.AgentVersion))
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		serr := &statusError{code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return serr
		}
		return backoff.Permanent(serr)
	}
	return fn(resp)
}

// classify maps a request failure to an update error kind.
func classify(err error) error {
	if update.Kind(err) != nil {
		return err
	}
	var serr *statusError
	if errors.As(err, &serr) && serr.code < 500 && serr.code != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", update.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", update.ErrNetwork, err)
}
