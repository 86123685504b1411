package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// Confidence assigned to edges found in a model page's parts listing.
const modelListingConfidence = 0.98

var (
	mdSiteLinkRe = regexp.MustCompile(`\[[^\]]*\]\((https://www\.partselect\.com[^\s)]+)\)`)
	partLinkRe   = regexp.MustCompile(`\((https://www\.partselect\.com/(PS\d+[^)\s"]+))`)
	priceRe      = regexp.MustCompile(`\$(\d+(?:\.\d{2})?)`)
	headingRe    = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	symptomRe    = regexp.MustCompile(`/Symptoms/([^)/\s]+)`)
)

// Parser extracts catalog entities from cleaned page markdown.
type Parser struct {
	chunkTokens int
}

// NewParser builds a Parser. chunkTokens bounds the doc chunk size used by
// ChunkDoc.
func NewParser(chunkTokens int) *Parser {
	if chunkTokens <= 0 {
		chunkTokens = 400
	}
	return &Parser{chunkTokens: chunkTokens}
}

// Parse dispatches on the page kind and returns the full extraction for
// one page. The page passed in already carries the cleaned markdown.
func (p *Parser) Parse(page catalog.CrawledPage) catalog.Extraction {
	ex := catalog.Extraction{
		Page:       page,
		Discovered: discoverURLs(page.CleanedText),
	}

	switch page.PageKind {
	case catalog.PageKindModel:
		p.parseModelPage(&ex)
	case catalog.PageKindPart:
		p.parsePartPage(&ex)
	case catalog.PageKindRepair:
		p.parseRepairPage(&ex)
	default:
		// Hub and brand pages only contribute discovered links.
	}
	return ex
}

func (p *Parser) parseModelPage(ex *catalog.Extraction) {
	page := ex.Page
	modelNumber := catalog.ModelNumberFromURL(page.URLCanonical)
	if modelNumber == "" {
		return
	}
	brand, appliance := brandAndType(page.Title)
	ex.Model = &catalog.Model{
		ModelNumber:   modelNumber,
		Brand:         brand,
		ApplianceType: appliance,
		SourceURL:     page.URLCanonical,
	}

	section := modelPartsSection(page.CleanedText, modelNumber)
	seen := make(map[string]bool)
	for _, m := range partLinkRe.FindAllStringSubmatch(section, -1) {
		link, slug := m[1], m[2]
		ps := strings.TrimSuffix(strings.ToUpper(slug), ".HTM")
		if i := strings.IndexByte(ps, '-'); i > 0 {
			ps = ps[:i]
		}
		if seen[ps] {
			continue
		}
		seen[ps] = true

		sourceURL := link
		if canonical, err := catalog.CanonicalURL(link); err == nil {
			sourceURL = canonical
		}
		ex.Parts = append(ex.Parts, catalog.Part{
			PartNumber:       ps,
			ManufacturerPart: manufacturerPartFromSlug(slug),
			SourceURL:        sourceURL,
		})
		ex.ModelParts = append(ex.ModelParts, catalog.PartLink{
			PartNumber: ps,
			Confidence: modelListingConfidence,
			SourceURL:  page.URLCanonical,
		})
	}

	ex.Docs = append(ex.Docs, catalog.Doc{
		Kind:      catalog.DocKindSummary,
		Title:     page.Title,
		Text:      truncate(StripMarkdown(section), 4000),
		SourceURL: page.URLCanonical,
	})
	ex.Docs = append(ex.Docs, symptomDocs(page)...)
	ex.Docs = append(ex.Docs, qaDocs(page)...)
}

func (p *Parser) parsePartPage(ex *catalog.Extraction) {
	page := ex.Page
	ps := catalog.PartNumberFromURL(page.URLCanonical)
	if ps == "" {
		return
	}

	slug := page.URLCanonical
	if i := strings.LastIndexByte(slug, '/'); i >= 0 {
		slug = slug[i+1:]
	}

	part := catalog.Part{
		PartNumber:       ps,
		ManufacturerPart: manufacturerPartFromSlug(slug),
		SourceURL:        page.URLCanonical,
	}
	if m := headingRe.FindStringSubmatch(page.CleanedText); m != nil {
		part.Name = strings.TrimSpace(m[1])
	} else if page.Title != "" {
		part.Name = page.Title
	}
	if m := priceRe.FindStringSubmatch(page.CleanedText); m != nil {
		if price, err := strconv.ParseFloat(m[1], 64); err == nil {
			part.PriceValue = price
		}
	}
	ex.Parts = append(ex.Parts, part)

	ex.Docs = append(ex.Docs, catalog.Doc{
		Kind:      catalog.DocKindInstall,
		Title:     part.Name,
		Text:      truncate(StripMarkdown(page.CleanedText), 4000),
		SourceURL: page.URLCanonical,
	})
	ex.Docs = append(ex.Docs, qaDocs(page)...)
}

func (p *Parser) parseRepairPage(ex *catalog.Extraction) {
	page := ex.Page
	ex.Docs = append(ex.Docs, catalog.Doc{
		Kind:      catalog.DocKindSymptom,
		Title:     page.Title,
		Text:      truncate(StripMarkdown(page.CleanedText), 4000),
		SourceURL: page.URLCanonical,
	})
}

// ChunkDoc splits doc text into word-bounded chunks sized for embedding.
func (p *Parser) ChunkDoc(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(words); start += p.chunkTokens {
		end := start + p.chunkTokens
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

func discoverURLs(md string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, m := range mdSiteLinkRe.FindAllStringSubmatch(md, -1) {
		canonical, err := catalog.CanonicalURL(m[1])
		if err != nil || !catalog.InScope(canonical) || seen[canonical] {
			continue
		}
		seen[canonical] = true
		urls = append(urls, canonical)
	}
	return urls
}

func modelPartsSection(md, modelNumber string) string {
	key := "Parts for the " + modelNumber
	start := strings.Index(md, key)
	if start == -1 {
		return md
	}
	end := len(md)
	for _, marker := range []string{
		"Questions And Answers",
		"Common Symptoms",
		"Videos related",
		"Installation Instructions",
	} {
		if i := strings.Index(md[start:], marker); i != -1 && start+i < end {
			end = start + i
		}
	}
	if end == len(md) && len(md)-start > 20000 {
		end = start + 20000
	}
	return md[start:end]
}

func brandAndType(title string) (string, string) {
	lower := strings.ToLower(title)
	appliance := ""
	switch {
	case strings.Contains(lower, "dishwasher"):
		appliance = "dishwasher"
	case strings.Contains(lower, "refrigerator"), strings.Contains(lower, "fridge"):
		appliance = "refrigerator"
	}
	brand := ""
	if tokens := strings.Fields(title); len(tokens) > 0 {
		brand = tokens[0]
	}
	return brand, appliance
}

func manufacturerPartFromSlug(slug string) string {
	slug = strings.SplitN(slug, "?", 2)[0]
	slug = strings.TrimSuffix(slug, ".htm")
	bits := strings.Split(slug, "-")
	// Slug form: PS3406971-Whirlpool-W10195416-Lower-Dishrack.
	if len(bits) >= 3 {
		return bits[2]
	}
	return ""
}

func symptomDocs(page catalog.CrawledPage) []catalog.Doc {
	var symptoms []string
	seen := make(map[string]bool)
	for _, m := range symptomRe.FindAllStringSubmatch(page.CleanedText, -1) {
		symptom := strings.ReplaceAll(m[1], "-", " ")
		symptom = strings.ReplaceAll(symptom, "%E2%80%99", "'")
		if symptom == "" || seen[symptom] {
			continue
		}
		seen[symptom] = true
		symptoms = append(symptoms, symptom)
		if len(symptoms) == 100 {
			break
		}
	}
	if len(symptoms) == 0 {
		return nil
	}
	return []catalog.Doc{{
		Kind:      catalog.DocKindSymptom,
		Title:     "Common symptoms: " + page.Title,
		Text:      strings.Join(symptoms, "\n"),
		SourceURL: page.URLCanonical,
	}}
}

// qaDocs scans for "Q:" / "A:" line pairs. Blocks run until the next
// question or the end of the page.
func qaDocs(page catalog.CrawledPage) []catalog.Doc {
	var docs []catalog.Doc
	lines := strings.Split(page.CleanedText, "\n")

	flush := func(question string, answer []string) {
		text := strings.TrimSpace(strings.Join(answer, "\n"))
		if question == "" || text == "" || len(docs) >= 50 {
			return
		}
		docs = append(docs, catalog.Doc{
			Kind:      catalog.DocKindQA,
			Title:     truncate(question, 2000),
			Text:      truncate(text, 4000),
			SourceURL: page.URLCanonical,
		})
	}

	var question string
	var answer []string
	inAnswer := false
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Q:"):
			flush(question, answer)
			question = strings.TrimSpace(strings.TrimPrefix(line, "Q:"))
			answer = nil
			inAnswer = false
		case strings.HasPrefix(line, "A:"):
			inAnswer = question != ""
			if inAnswer {
				answer = append(answer, strings.TrimSpace(strings.TrimPrefix(line, "A:")))
			}
		case inAnswer:
			answer = append(answer, line)
		}
	}
	flush(question, answer)
	return docs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
