package catalog

import (
	"regexp"
	"strings"
)

var (
	alnumOnly = regexp.MustCompile(`[^A-Z0-9]`)
	modelRe   = regexp.MustCompile(`\b([A-Z]{2,}\d[A-Z0-9]{4,})\b`)
	partRe    = regexp.MustCompile(`(?i)\b(PS\d{5,})\b`)
	urlRe     = regexp.MustCompile(`https?://[^\s)\]]+`)
	tokenRe   = regexp.MustCompile(`[a-zA-Z0-9]{3,}`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// NormalizeIdentifier projects a human-entered model or part number onto
// its canonical key: uppercase, alphanumerics only. Lookups are therefore
// insensitive to punctuation and case.
func NormalizeIdentifier(s string) string {
	return alnumOnly.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "")
}

// ExtractModelNumber finds the first model-number-shaped token in free
// text, skipping catalog part numbers.
func ExtractModelNumber(text string) string {
	for _, candidate := range modelRe.FindAllString(strings.ToUpper(text), -1) {
		if strings.HasPrefix(candidate, "PS") {
			continue
		}
		return candidate
	}
	return ""
}

// ExtractModelNumbers finds every model-number-shaped token in free text,
// skipping catalog part numbers.
func ExtractModelNumbers(text string) []string {
	var out []string
	for _, candidate := range modelRe.FindAllString(strings.ToUpper(text), -1) {
		if strings.HasPrefix(candidate, "PS") {
			continue
		}
		out = append(out, candidate)
	}
	return out
}

// ExtractPartNumber finds the first PS-prefixed part number in free text.
func ExtractPartNumber(text string) string {
	return strings.ToUpper(partRe.FindString(text))
}

// ExtractPartNumbers finds every PS-prefixed part number in free text,
// uppercased.
func ExtractPartNumbers(text string) []string {
	raw := partRe.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, strings.ToUpper(p))
	}
	return out
}

// ExtractURL finds the first absolute URL in free text.
func ExtractURL(text string) string {
	return urlRe.FindString(text)
}

// Tokenize splits free text into lowercase alphanumeric tokens of at
// least three characters.
func Tokenize(text string) []string {
	raw := tokenRe.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		out = append(out, strings.ToLower(t))
	}
	return out
}

// NormalizeQuery folds free text for cache fingerprinting: identifiers are
// projected with NormalizeIdentifier, the rest is lowercased with
// whitespace collapsed.
func NormalizeQuery(query string) string {
	folded := spaceRe.ReplaceAllString(strings.TrimSpace(strings.ToLower(query)), " ")
	if model := ExtractModelNumber(query); model != "" {
		folded = strings.ReplaceAll(folded, strings.ToLower(model), NormalizeIdentifier(model))
	}
	if part := ExtractPartNumber(query); part != "" {
		folded = strings.ReplaceAll(folded, strings.ToLower(part), NormalizeIdentifier(part))
	}
	return folded
}
