package agent

import (
	"regexp"
	"strings"

	"github.com/ruoliu2/partassist/internal/catalog"
)

var answerURLRe = regexp.MustCompile(`https?://[^\s)\]>"']+`)

// filterCitations keeps only citations whose URLs came from tool evidence,
// deduplicated in evidence order.
func filterCitations(evidence []catalog.Citation) []catalog.Citation {
	seen := map[string]bool{}
	var out []catalog.Citation
	for _, c := range evidence {
		url := strings.TrimSpace(c.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, c)
	}
	return out
}

// scrubAnswer removes URLs and part or model identifiers the model
// produced that no evidence gathered this run backs. Observations carry
// the raw tool results and primed context so identifiers the tools saw
// survive intact.
func scrubAnswer(text string, evidence []catalog.Citation, observations []string) string {
	allowed := map[string]bool{}
	backed := map[string]bool{}
	note := func(src string) {
		for _, id := range catalog.ExtractModelNumbers(src) {
			backed[id] = true
		}
		for _, id := range catalog.ExtractPartNumbers(src) {
			backed[id] = true
		}
	}
	for _, c := range evidence {
		allowed[strings.TrimRight(c.URL, "/")] = true
		note(c.URL)
		note(c.Title)
		note(c.Snippet)
	}
	for _, o := range observations {
		note(o)
	}

	text = answerURLRe.ReplaceAllStringFunc(text, func(url string) string {
		trimmed := strings.TrimRight(strings.TrimRight(url, ".,;"), "/")
		if allowed[trimmed] {
			return url
		}
		return "the cited sources"
	})
	for _, id := range catalog.ExtractPartNumbers(text) {
		if !backed[id] {
			text = replaceIdentifier(text, id, "an unverified part number")
		}
	}
	for _, id := range catalog.ExtractModelNumbers(text) {
		if !backed[id] {
			text = replaceIdentifier(text, id, "an unverified model number")
		}
	}
	return text
}

func replaceIdentifier(text, id, replacement string) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(id) + `\b`)
	return re.ReplaceAllString(text, replacement)
}
