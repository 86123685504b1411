package catalog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SiteHost is the canonical host for the supported appliance catalog.
const SiteHost = "www.partselect.com"

// SiteBaseURL is the canonical root of the catalog.
const SiteBaseURL = "https://" + SiteHost + "/"

// trackingParams are query parameters dropped during canonicalization.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"ref":          {},
	"sourcecode":   {},
}

var multiSlash = regexp.MustCompile(`/{2,}`)

// CanonicalURL standardizes a URL so duplicates collapse to one frontier
// entry. It lowercases scheme and host, removes default ports, drops known
// tracking parameters, strips fragments and collapses trailing slashes.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("relative url %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	// The catalog serves identical content on the bare apex.
	if u.Host == strings.TrimPrefix(SiteHost, "www.") {
		u.Host = SiteHost
	}
	if u.Host == SiteHost {
		u.Scheme = "https"
	}

	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	path := multiSlash.ReplaceAllString(u.Path, "/")
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	u.Path = path

	return u.String(), nil
}

// corePathPrefixes limit the crawl to the appliance catalog sections.
var corePathPrefixes = []string{
	"/Models/",
	"/PS",
	"/Repair/",
	"/Brands",
	"/Appliance-Parts",
	"/Dishwasher-Parts",
	"/Refrigerator-Parts",
	"/Washer-Parts",
	"/Dryer-Parts",
	"/Range-Parts",
	"/Microwave-Parts",
	"/Oven-Parts",
	"/Freezer-Parts",
	"/Ice-Machine-Parts",
	"/Trash-Compactor-Parts",
	"/Cooktop-Parts",
}

var coreInfixes = []string{
	"-Dishwasher-Parts",
	"-Refrigerator-Parts",
	"-Washer-Parts",
	"-Dryer-Parts",
	"-Range-Parts",
	"-Microwave-Parts",
	"-Oven-Parts",
	"-Freezer-Parts",
	"-Ice-Machine-Parts",
	"-Trash-Compactor-Parts",
	"-Cooktop-Parts",
}

// InScope reports whether a canonical URL belongs to the crawl surface.
func InScope(urlCanonical string) bool {
	if !strings.HasPrefix(urlCanonical, "https://"+SiteHost+"/") {
		return urlCanonical == strings.TrimSuffix(SiteBaseURL, "/")
	}
	path := strings.TrimPrefix(urlCanonical, "https://"+SiteHost)
	for _, prefix := range corePathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, infix := range coreInfixes {
		if strings.Contains(path, infix) {
			return true
		}
	}
	return false
}

// ModelPageURL is the canonical page for a model number, used to anchor
// live crawls when the model is already known.
func ModelPageURL(modelNumber string) string {
	norm := NormalizeIdentifier(modelNumber)
	if norm == "" {
		return SiteBaseURL
	}
	return fmt.Sprintf("https://%s/Models/%s/", SiteHost, norm)
}

// SearchURL builds the catalog's search page URL for a free-text query.
func SearchURL(query string) string {
	u := url.URL{Scheme: "https", Host: SiteHost, Path: "/Search/"}
	q := url.Values{}
	q.Set("SearchTerm", strings.TrimSpace(query))
	u.RawQuery = q.Encode()
	return u.String()
}

// SanitizeSourceURL keeps citations on the catalog domain. Off-domain or
// unparseable URLs fall back to the model page (or site root).
func SanitizeSourceURL(sourceURL, modelNumber string) string {
	raw := strings.TrimSpace(sourceURL)
	fallback := SiteBaseURL
	if norm := NormalizeIdentifier(modelNumber); norm != "" {
		fallback = ModelPageURL(modelNumber)
	}
	if raw == "" {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	host := strings.ToLower(u.Hostname())
	apex := strings.TrimPrefix(SiteHost, "www.")
	if host == apex || strings.HasSuffix(host, "."+apex) {
		return raw
	}
	return fallback
}
