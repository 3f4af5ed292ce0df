package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/resilience"
)

// Options configures the downloader.
type Options struct {
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
}

// Result describes a completed download.
type Result struct {
	FilePath  string
	Bytes     int64
	SHA256    string
	FetchedAt time.Time
	Cached    bool
}

// Downloader fetches report artifacts to disk with retries on transient
// failures. The portal's file host has no rate policy, so there is no
// limiter here; the list endpoint's limiter lives in the portal client.
type Downloader struct {
	client *http.Client
	opts   Options
}

// New creates a Downloader.
func New(opts Options) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; fundreport-cli/1.0)"
	}
	return &Downloader{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts: opts,
	}
}

// Download fetches url to dest, creating parent directories as needed.
// A dest that already exists with a matching checksum is returned as a
// cache hit without refetching; pass expectedSHA256 = "" to skip the check.
// Retries cover timeouts and 5xx; 4xx is terminal.
func (d *Downloader) Download(ctx context.Context, url, dest, expectedSHA256 string) (*Result, error) {
	if expectedSHA256 != "" {
		if res, ok := d.checkExisting(dest, expectedSHA256); ok {
			zap.L().Debug("download skipped, checksum match",
				zap.String("dest", dest),
			)
			return res, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &model.DownloadError{Kind: model.ErrKindIO, Err: eris.Wrap(err, "fetch: create parent dir")}
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    d.opts.MaxAttempts,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		OnRetry:        resilience.RetryLogger("fetch", "download"),
	}
	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Result, error) {
		return d.fetchOnce(ctx, url, dest)
	})
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &model.DownloadError{Kind: model.ErrKindNetwork, Err: eris.Wrap(err, "fetch: create request")}
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		derr := &model.DownloadError{
			Kind:   model.ErrKindHTTP,
			Status: resp.StatusCode,
			Err:    eris.Errorf("fetch: status %d from %s", resp.StatusCode, url),
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(derr, resp.StatusCode)
		}
		return nil, derr
	}

	tmp := dest + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return nil, &model.DownloadError{Kind: model.ErrKindIO, Err: eris.Wrap(err, "fetch: create file")}
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return nil, classifyTransportError(err)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return nil, &model.DownloadError{Kind: model.ErrKindIO, Err: eris.Wrap(closeErr, "fetch: close file")}
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return nil, &model.DownloadError{Kind: model.ErrKindIO, Err: eris.Wrap(err, "fetch: finalize file")}
	}

	res := &Result{
		FilePath:  dest,
		Bytes:     n,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		FetchedAt: time.Now().UTC(),
	}
	zap.L().Debug("artifact downloaded",
		zap.String("url", url),
		zap.String("dest", dest),
		zap.Int64("bytes", n),
	)
	return res, nil
}

func (d *Downloader) checkExisting(dest, expectedSHA256 string) (*Result, bool) {
	info, err := os.Stat(dest)
	if err != nil || info.IsDir() {
		return nil, false
	}
	sum, err := fileSHA256(dest)
	if err != nil || sum != expectedSHA256 {
		return nil, false
	}
	return &Result{
		FilePath:  dest,
		Bytes:     info.Size(),
		SHA256:    sum,
		FetchedAt: info.ModTime().UTC(),
		Cached:    true,
	}, true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// classifyTransportError maps a transport failure onto the downloader's
// error kinds, marking timeouts and network-level failures transient.
func classifyTransportError(err error) error {
	kind := model.ErrKindNetwork
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = model.ErrKindTimeout
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = model.ErrKindTimeout
	}
	derr := &model.DownloadError{Kind: kind, Err: err}
	return resilience.NewTransientError(derr, 0)
}
