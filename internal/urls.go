package internal

import (
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidDomain = errors.New("invalid domain")

// NormalizeURL turns an input domain into a navigable URL, defaulting to https.
func NormalizeURL(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if d == "" {
		return "", ErrInvalidDomain
	}
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil || u.Hostname() == "" {
		return "", ErrInvalidDomain
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidDomain
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Hostname returns the lower-cased host of rawURL. data:, blob: and malformed URLs yield "".
func Hostname(rawURL string) string {
	if IsInline(rawURL) {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func StripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// IsInline reports URLs that never hit the network under their own host.
func IsInline(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	return lower == "" || strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") ||
		strings.HasPrefix(lower, "about:") || strings.HasPrefix(lower, "javascript:")
}

// SameDocument compares two URLs ignoring the fragment and a trailing slash.
func SameDocument(a, b string) bool {
	return trimDocument(a) == trimDocument(b)
}

func trimDocument(s string) string {
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "/")
}
