package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// DownloaderOptions configures a Downloader
type DownloaderOptions struct {
	UserAgent    string
	DelayPerHost time.Duration
	Timeout      time.Duration // Per download, covers headers and body
	MaxBytes     int64         // 0 = unlimited
}

// Download describes a completed download
type Download struct {
	Path        string
	Bytes       int64
	ContentType string
	Elapsed     time.Duration
}

// Downloader streams remote images into scratch files
type Downloader struct {
	fetcher *Fetcher
	limiter *RateLimiter
	hosts   *HostLimiter
	opts    DownloaderOptions
	log     *logrus.Entry
}

// NewDownloader creates a Downloader. hosts may be nil when downloads are sequential.
func NewDownloader(fetcher *Fetcher, limiter *RateLimiter, hosts *HostLimiter, opts DownloaderOptions, log *logrus.Entry) *Downloader {
	return &Downloader{
		fetcher: fetcher,
		limiter: limiter,
		hosts:   hosts,
		opts:    opts,
		log:     log.WithField("component", "downloader"),
	}
}

// Download fetches rawURL into dest. referer is sent when non-empty.
// dest is removed on any failure. Errors wrap utils.ErrDownload.
func (d *Downloader) Download(ctx context.Context, rawURL, referer, dest string) (Download, error) {
	start := time.Now()
	result := Download{Path: dest}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return result, fmt.Errorf("%w: %w: invalid URL '%s'", utils.ErrDownload, utils.ErrParsing, rawURL)
	}
	host := u.Hostname()
	dlLog := d.log.WithField("url", rawURL)

	if d.hosts != nil {
		if err := d.hosts.Acquire(ctx, host); err != nil {
			return result, fmt.Errorf("%w: waiting for host slot: %w", utils.ErrDownload, err)
		}
		defer d.hosts.Release(host)
	}
	if err := d.limiter.ApplyDelay(ctx, host, d.opts.DelayPerHost); err != nil {
		return result, fmt.Errorf("%w: %w", utils.ErrDownload, err)
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return result, fmt.Errorf("%w: %w: %w", utils.ErrDownload, utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := d.fetcher.FetchWithRetry(ctx, req)
	d.limiter.UpdateLastRequestTime(host)
	if err != nil {
		return result, fmt.Errorf("%w: %w", utils.ErrDownload, err)
	}
	defer resp.Body.Close()
	result.ContentType = resp.Header.Get("Content-Type")

	if d.opts.MaxBytes > 0 && resp.ContentLength > d.opts.MaxBytes {
		return result, fmt.Errorf("%w: %w: content-length %d > %d", utils.ErrDownload, utils.ErrSizeLimit, resp.ContentLength, d.opts.MaxBytes)
	}

	n, err := d.writeBody(resp.Body, dest)
	if err != nil {
		_ = os.Remove(dest)
		return result, err
	}
	if n == 0 {
		_ = os.Remove(dest)
		return result, fmt.Errorf("%w: empty body", utils.ErrDownload)
	}

	result.Bytes = n
	result.Elapsed = time.Since(start)
	dlLog.WithFields(logrus.Fields{"bytes": n, "elapsed": result.Elapsed}).Debug("Downloaded")
	return result, nil
}

func (d *Downloader) writeBody(body io.Reader, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("%w: %w: %w", utils.ErrDownload, utils.ErrFilesystem, err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("%w: %w: %w", utils.ErrDownload, utils.ErrFilesystem, err)
	}

	reader := body
	if d.opts.MaxBytes > 0 {
		// One extra byte distinguishes "exactly at the limit" from "over it"
		reader = io.LimitReader(body, d.opts.MaxBytes+1)
	}
	n, copyErr := io.Copy(f, reader)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		if errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			return n, fmt.Errorf("%w: %w", utils.ErrDownload, copyErr)
		}
		return n, fmt.Errorf("%w: %w: %w", utils.ErrDownload, utils.ErrResponseBodyRead, copyErr)
	case closeErr != nil:
		return n, fmt.Errorf("%w: %w: %w", utils.ErrDownload, utils.ErrFilesystem, closeErr)
	case d.opts.MaxBytes > 0 && n > d.opts.MaxBytes:
		return n, fmt.Errorf("%w: %w: body exceeds %d bytes", utils.ErrDownload, utils.ErrSizeLimit, d.opts.MaxBytes)
	}
	return n, nil
}
