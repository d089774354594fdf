package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL for identity comparison.
// Scheme and host are lowercased, default ports (80 for http, 443 for https) and the fragment are
// dropped, a trailing slash is removed (unless root "/") and an empty path becomes "/".
// The query is kept since gallery pages may be addressed by it.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	if host, port, err := net.SplitHostPort(normalized.Host); err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = strings.TrimRight(normalized.Path, "/")
		if normalized.Path == "" {
			normalized.Path = "/"
		}
	}
	normalized.RawPath = ""
	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}

// ParseAndNormalize parses an absolute URL (scheme and host required) and normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", nil, err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", nil, fmt.Errorf("url '%s' is not absolute", urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}
