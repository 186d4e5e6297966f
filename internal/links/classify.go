// Package links classifies and normalizes hyperlinks discovered during a crawl.
package links

import (
	"fmt"
	"net/url"
	"strings"
)

// Classification partitions every discovered href into exactly one bucket.
type Classification string

// Classification values. A href is internal when its resolved host matches
// the site domain, functional when it triggers a user action (mailto/tel),
// and non-fetchable when it cannot be retrieved over HTTP at all.
const (
	ClassInternal     Classification = "internal"
	ClassExternal     Classification = "external"
	ClassFunctional   Classification = "functional"
	ClassNonFetchable Classification = "non-fetchable"
)

// Link is one classified hyperlink occurrence. Immutable once classified.
type Link struct {
	Href           string         `json:"href"`
	AnchorText     string         `json:"anchor_text"`
	SourceURL      string         `json:"source_url"`
	Classification Classification `json:"classification"`
}

var nonFetchableSchemes = map[string]struct{}{
	"javascript": {},
	"data":       {},
	"file":       {},
	"ftp":        {},
	"about":      {},
	"blob":       {},
}

var functionalSchemes = map[string]struct{}{
	"mailto": {},
	"tel":    {},
	"sms":    {},
	"callto": {},
}

// Classify categorizes a raw href found on a page. The base URL resolves
// relative hrefs and siteDomain decides internal vs external. Malformed
// hrefs classify as non-fetchable so a bad anchor never stops a crawl.
func Classify(href string, base *url.URL, siteDomain string) Classification {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" {
		return ClassNonFetchable
	}

	// Scheme checks come before resolution: javascript: and mailto: hrefs
	// are frequently unparseable as URLs.
	if scheme, ok := splitScheme(trimmed); ok {
		if _, bad := nonFetchableSchemes[scheme]; bad {
			return ClassNonFetchable
		}
		if _, fn := functionalSchemes[scheme]; fn {
			return ClassFunctional
		}
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ClassNonFetchable
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ClassNonFetchable
	}
	if resolved.Hostname() == "" {
		return ClassNonFetchable
	}

	if stripWWW(resolved.Hostname()) == stripWWW(strings.ToLower(siteDomain)) {
		return ClassInternal
	}
	return ClassExternal
}

// Resolve returns the absolute, normalized form of href against base.
func Resolve(href string, base *url.URL) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return Normalize(base.ResolveReference(parsed).String())
}

// Normalize standardizes a URL for deduplication. It lowercases the scheme
// and host, removes default ports and fragments, sorts query parameters,
// and strips a single trailing slash except for the root path.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// DomainKey reduces a user-supplied domain or URL to the registry key used
// for single-flight audit deduplication.
func DomainKey(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return stripWWW(d)
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

func splitScheme(href string) (string, bool) {
	i := strings.Index(href, ":")
	if i <= 0 {
		return "", false
	}
	scheme := strings.ToLower(href[:i])
	for _, r := range scheme {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '+' && r != '-' && r != '.' {
			return "", false
		}
	}
	return scheme, true
}
