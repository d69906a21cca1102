// Package scope decides which outbound requests belong to the third-party
// origins the worker is allowed to intercept.
package scope

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultAllowList holds the vendor hostnames intercepted when no override is
// configured. Entries are matched as substrings of the request hostname.
var DefaultAllowList = []string{
	"cdn.hextom.com",
	"scripts.clarity.ms",
	"edge.personalizer.io",
	"script.crazyegg.com",
	"cdn.shopify.com",
	"fonts.shopifycdn.com",
}

// ErrMalformedURL is returned when a request URL cannot be parsed into an
// absolute URL with a host.
var ErrMalformedURL = errors.New("malformed request url")

// Classifier reports whether a URL targets an allow-listed origin. It is safe
// for concurrent use.
type Classifier struct {
	allow []string
	memo  *lru.Cache[string, bool]
}

// NewClassifier builds a classifier over allow. memoSize > 0 keeps that many
// hostname decisions in an LRU so hot vendors skip the substring scan.
func NewClassifier(allow []string, memoSize int) (*Classifier, error) {
	if len(allow) == 0 {
		return nil, errors.New("allow list must not be empty")
	}
	entries := make([]string, 0, len(allow))
	for i, entry := range allow {
		normalized := strings.ToLower(strings.TrimSpace(entry))
		if normalized == "" {
			return nil, fmt.Errorf("allow list entry #%d is empty", i)
		}
		entries = append(entries, normalized)
	}

	c := &Classifier{allow: entries}
	if memoSize > 0 {
		memo, err := lru.New[string, bool](memoSize)
		if err != nil {
			return nil, fmt.Errorf("create classifier memo: %w", err)
		}
		c.memo = memo
	}
	return c, nil
}

// InScope parses rawURL and reports whether its hostname contains any
// allow-list entry.
func (c *Classifier) InScope(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	return c.InScopeURL(u)
}

// InScopeURL is InScope for an already parsed URL.
func (c *Classifier) InScopeURL(u *url.URL) (bool, error) {
	if u == nil || !u.IsAbs() || u.Host == "" {
		return false, fmt.Errorf("%w: %v", ErrMalformedURL, u)
	}
	return c.MatchHost(u.Hostname()), nil
}

// MatchHost applies the substring rule to a bare hostname.
func (c *Classifier) MatchHost(host string) bool {
	host = strings.ToLower(host)
	if c.memo != nil {
		if hit, ok := c.memo.Get(host); ok {
			return hit
		}
	}
	matched := false
	for _, entry := range c.allow {
		if strings.Contains(host, entry) {
			matched = true
			break
		}
	}
	if c.memo != nil {
		c.memo.Add(host, matched)
	}
	return matched
}

// AllowList returns a copy of the normalized allow-list.
func (c *Classifier) AllowList() []string {
	return append([]string(nil), c.allow...)
}
