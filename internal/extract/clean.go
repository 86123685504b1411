// Package extract turns raw page HTML into cleaned text and structured
// catalog entities.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// Cleaner sanitizes HTML and converts it to markdown for parsing and
// snippet extraction.
type Cleaner struct {
	policy    *bluemonday.Policy
	converter *htmlmd.Converter
}

// NewCleaner builds a Cleaner with a UGC sanitization policy.
func NewCleaner() *Cleaner {
	return &Cleaner{
		policy: bluemonday.UGCPolicy(),
		converter: htmlmd.NewConverter(
			htmlmd.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Title extracts the document title, falling back to the first h1.
func (c *Cleaner) Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return title
}

// Markdown sanitizes the HTML and converts it to markdown. Scripts, styles
// and event handlers never survive the bluemonday pass.
func (c *Cleaner) Markdown(html, sourceURL string) (string, error) {
	sanitized := c.policy.Sanitize(html)
	md, err := c.converter.ConvertString(sanitized, htmlmd.WithDomain(sourceURL))
	if err != nil {
		return "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

var (
	mdLinkRe    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImageRe   = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdMarkupRe  = regexp.MustCompile("[*_`#>]+")
	mdSpacersRe = regexp.MustCompile(`[ \t]+`)
)

// StripMarkdown flattens markdown into plain text suitable for citation
// snippets and cached answers.
func StripMarkdown(md string) string {
	text := mdImageRe.ReplaceAllString(md, "")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdMarkupRe.ReplaceAllString(text, "")
	text = mdSpacersRe.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
