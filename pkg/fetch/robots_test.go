package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

func newTestRobots(t *testing.T, handler http.HandlerFunc) (*RobotsChecker, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	fetcher := NewFetcher(testClient(), testPolicy(0), testLogger())
	return NewRobotsChecker(fetcher, NewRateLimiter(0, testLogger()), "gallery-archiver", testLogger()), server
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestRobotsChecker_DisallowAndCache(t *testing.T) {
	var hits atomic.Int32
	rc, server := newTestRobots(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	if rc.Allowed(ctx, mustParse(t, server.URL+"/private/gallery")) {
		t.Error("expected /private/ to be disallowed")
	}
	if !rc.Allowed(ctx, mustParse(t, server.URL+"/public/gallery")) {
		t.Error("expected /public/ to be allowed")
	}
	if hits.Load() != 1 {
		t.Errorf("robots.txt fetched %d times, want 1 (cached)", hits.Load())
	}
}

func TestRobotsChecker_MissingAllowsAll(t *testing.T) {
	rc, server := newTestRobots(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if !rc.Allowed(context.Background(), mustParse(t, server.URL+"/anything")) {
		t.Error("missing robots.txt should allow everything")
	}
}

func TestRobotsChecker_ServerErrorAllowsAll(t *testing.T) {
	rc, server := newTestRobots(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if !rc.Allowed(context.Background(), mustParse(t, server.URL+"/anything")) {
		t.Error("unreachable robots.txt should allow everything")
	}
}
