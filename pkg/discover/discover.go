package discover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/fetch"
	"github.com/Sriram-PR/gallery-archiver/pkg/models"
	"github.com/Sriram-PR/gallery-archiver/pkg/utils"
)

// maxPageBytes caps how much of a gallery page is parsed
const maxPageBytes = 16 << 20

// Options configures a Discoverer
type Options struct {
	MarkerAttribute string // Attribute flagging full-image links
	UserAgent       string
	Timeout         time.Duration
	DelayPerHost    time.Duration
}

// Discoverer turns a gallery page into an ordered list of image candidates
type Discoverer struct {
	fetcher *fetch.Fetcher
	limiter *fetch.RateLimiter
	robots  *fetch.RobotsChecker // nil disables robots.txt checks
	opts    Options
	log     *logrus.Entry
}

// New creates a Discoverer
func New(fetcher *fetch.Fetcher, limiter *fetch.RateLimiter, robots *fetch.RobotsChecker, opts Options, log *logrus.Entry) *Discoverer {
	if opts.MarkerAttribute == "" {
		opts.MarkerAttribute = "data-fancybox"
	}
	return &Discoverer{
		fetcher: fetcher,
		limiter: limiter,
		robots:  robots,
		opts:    opts,
		log:     log.WithField("component", "discover"),
	}
}

// Discover fetches the gallery page and extracts its image candidates in document order.
// A gone page (404/410) or a page without marked links yields an empty slice and nil error.
// Any other failure is returned wrapped in utils.ErrDiscovery.
func (d *Discoverer) Discover(ctx context.Context, gallery models.Gallery) ([]models.ImageCandidate, error) {
	galleryLog := d.log.WithField("gallery", gallery.DisplayName)

	pageURL, err := url.Parse(gallery.SourceURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return nil, fmt.Errorf("%w: %w: invalid gallery URL '%s'", utils.ErrDiscovery, utils.ErrParsing, gallery.SourceURL)
	}

	if d.robots != nil && !d.robots.Allowed(ctx, pageURL) {
		return nil, fmt.Errorf("%w: %w: %s", utils.ErrDiscovery, utils.ErrRobotsDisallowed, gallery.SourceURL)
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	if err := d.limiter.ApplyDelay(ctx, pageURL.Hostname(), d.opts.DelayPerHost); err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrDiscovery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", utils.ErrDiscovery, utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := d.fetcher.FetchWithRetry(ctx, req)
	d.limiter.UpdateLastRequestTime(pageURL.Hostname())
	if err != nil {
		if code := fetch.StatusCode(err); code == http.StatusNotFound || code == http.StatusGone {
			galleryLog.WithField("status_code", code).Warn("Gallery page is gone, treating as empty")
			return []models.ImageCandidate{}, nil
		}
		return nil, fmt.Errorf("%w: %w", utils.ErrDiscovery, err)
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: HTML: %w", utils.ErrDiscovery, utils.ErrParsing, err)
	}

	// Links resolve against the final URL after redirects
	base := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	candidates := ExtractCandidates(doc, base, d.opts.MarkerAttribute)

	galleryLog.WithFields(logrus.Fields{
		"marked_links": doc.Find("a[" + d.opts.MarkerAttribute + "]").Length(),
		"candidates":   len(candidates),
	}).Info("Discovered gallery images")
	return candidates, nil
}

// ExtractCandidates selects a[marker] elements and returns their hrefs as candidates.
// The ordinal is the 1-based position among all marked links, so skipped
// links leave gaps. Duplicate URLs are kept.
func ExtractCandidates(doc *goquery.Document, base *url.URL, marker string) []models.ImageCandidate {
	candidates := []models.ImageCandidate{}
	doc.Find("a[" + marker + "]").Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return
		}
		candidates = append(candidates, models.ImageCandidate{
			SourceURL:       u.String(),
			OrdinalIndex:    i + 1,
			HintedExtension: HintExtension(u),
		})
	})
	return candidates
}

// HintExtension returns the lowercase extension of the URL path without the dot.
// Non-alphanumeric or implausibly long suffixes yield "".
func HintExtension(u *url.URL) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" || len(ext) > 5 {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
