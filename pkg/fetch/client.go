package fetch

import (
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/gallery-archiver/pkg/config"
)

// maxRedirects bounds redirect chains on gallery pages and image hosts
const maxRedirects = 10

// NewClient creates the shared HTTP client used for discovery, downloads and robots.txt.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment,
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20,
	}
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("stopped after 10 redirects")
			}
			log.Debugf("Redirecting: %s -> %s (hop %d)", via[len(via)-1].URL, req.URL, len(via))
			// Image hosts commonly gate on Referer, carry it across hops
			if ref := via[0].Header.Get("Referer"); ref != "" && req.Header.Get("Referer") == "" {
				req.Header.Set("Referer", ref)
			}
			return nil
		},
	}
	log.WithFields(logrus.Fields{
		"timeout":            cfg.Timeout,
		"max_idle_per_host":  cfg.MaxIdleConnsPerHost,
		"force_attempt_http": transport.ForceAttemptHTTP2,
	}).Debug("HTTP client initialized")
	return client
}
