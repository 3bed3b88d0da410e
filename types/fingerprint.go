package types

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint identifies logically identical requests. It is the cache key
// and the queue's de-duplication key.
type Fingerprint string

// String returns the fingerprint as a string.
func (f Fingerprint) String() string {
	return string(f)
}

// IsIdempotent reports whether method is idempotent in the HTTP sense.
func IsIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	}
	return false
}

// IsSafe reports whether method never changes server state.
func IsSafe(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// NewFingerprint derives the fingerprint of a request. The body only
// contributes for non-idempotent methods.
func NewFingerprint(method, rawURL string, body []byte) (Fingerprint, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	method = strings.ToUpper(method)
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	if !IsIdempotent(method) {
		bodySum := sha256.Sum256(body)
		h.Write([]byte{0})
		h.Write(bodySum[:])
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// NormalizeURL canonicalizes a URL so that equivalent spellings compare
// equal: lower-case scheme and host, default port dropped, empty path set
// to "/", query sorted when it parses, fragment removed.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	// A query that does not parse cleanly is kept as sent, so malformed
	// pairs still distinguish URLs.
	if query, err := url.ParseQuery(u.RawQuery); err == nil {
		for _, values := range query {
			sort.Strings(values)
		}
		// url.Values.Encode sorts by key.
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}
