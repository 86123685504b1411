package catalog

import (
	"regexp"
	"strings"
)

var (
	partPathRe  = regexp.MustCompile(`/PS\d+`)
	partSlugRe  = regexp.MustCompile(`(?i)/(PS\d+)-`)
	modelPathRe = regexp.MustCompile(`/Models/([A-Za-z0-9\-]+)/?`)
)

// ClassifyPage maps a canonical URL to the extractor that should parse it.
func ClassifyPage(urlCanonical string) PageKind {
	switch {
	case strings.Contains(urlCanonical, "/Models/"):
		return PageKindModel
	case partPathRe.MatchString(urlCanonical):
		return PageKindPart
	case strings.Contains(urlCanonical, "/Repair/"):
		return PageKindRepair
	default:
		return PageKindOther
	}
}

// ModelNumberFromURL pulls the model number out of a model page URL,
// returning "" for any other page.
func ModelNumberFromURL(urlCanonical string) string {
	m := modelPathRe.FindStringSubmatch(urlCanonical)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// PartNumberFromURL pulls the PS number out of a part page URL.
func PartNumberFromURL(urlCanonical string) string {
	m := partSlugRe.FindStringSubmatch(urlCanonical)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
