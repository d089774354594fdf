package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

// maxRobotsBytes caps how much of a robots.txt body is parsed
const maxRobotsBytes = 512 << 10

// RobotsChecker fetches, caches and evaluates robots.txt per host
type RobotsChecker struct {
	fetcher     *Fetcher
	rateLimiter *RateLimiter
	userAgent   string
	cache       map[string]*robotstxt.RobotsData // host -> parsed data, nil when unavailable
	cacheMu     sync.Mutex
	log         *logrus.Entry
}

// NewRobotsChecker creates a RobotsChecker evaluating rules for userAgent
func NewRobotsChecker(fetcher *Fetcher, rateLimiter *RateLimiter, userAgent string, log *logrus.Entry) *RobotsChecker {
	return &RobotsChecker{
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		userAgent:   userAgent,
		cache:       make(map[string]*robotstxt.RobotsData),
		log:         log.WithField("component", "robots"),
	}
}

// Allowed reports whether the configured agent may fetch target.
// Missing, unreachable or unparsable robots.txt allows everything.
func (rc *RobotsChecker) Allowed(ctx context.Context, target *url.URL) bool {
	data := rc.robotsData(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rc.userAgent)
}

func (rc *RobotsChecker) robotsData(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	host := target.Host

	rc.cacheMu.Lock()
	data, found := rc.cache[host]
	rc.cacheMu.Unlock()
	if found {
		return data
	}

	data = rc.fetch(ctx, target)
	rc.cacheMu.Lock()
	rc.cache[host] = data
	rc.cacheMu.Unlock()
	return data
}

func (rc *RobotsChecker) fetch(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	scheme := target.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: target.Host, Path: "/robots.txt"}).String()
	robotsLog := rc.log.WithField("robots_url", robotsURL)
	robotsLog.Debug("Fetching robots.txt")

	if err := rc.rateLimiter.ApplyDelay(ctx, target.Hostname(), 0); err != nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.fetcher.FetchWithRetry(ctx, req)
	rc.rateLimiter.UpdateLastRequestTime(target.Hostname())
	if err != nil {
		robotsLog.Debugf("robots.txt unavailable, allowing all: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt body: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	robotsLog.Info("Parsed robots.txt")
	return data
}
