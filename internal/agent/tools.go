package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruoliu2/partassist/internal/catalog"
	"github.com/ruoliu2/partassist/internal/livecrawl"
	"github.com/ruoliu2/partassist/internal/llm"
)

// Engine is the retrieval surface the agent calls through its tools.
type Engine interface {
	CheckCompatibility(ctx context.Context, modelNumber, partNumber string) (catalog.CompatibilityResult, error)
	SearchContent(ctx context.Context, query string, limit int) ([]catalog.Snippet, error)
	Retrieve(ctx context.Context, query string) (catalog.RetrievalResult, error)
}

// LiveCrawler is the crawl_live tool surface. The model decides when to
// invoke it; the loop never forces a crawl on its own.
type LiveCrawler interface {
	CrawlN(ctx context.Context, anchorURL string, keep func(string) bool, maxPages int) (livecrawl.Outcome, error)
}

const (
	toolCheckCompatibility = "check_compatibility"
	toolSearchContent      = "search_content"
	toolCrawlLive          = "crawl_live"
)

func toolSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        toolCheckCompatibility,
			Description: "Check whether a replacement part fits an appliance model. Both identifiers are required.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"model_number": map[string]any{
						"type":        "string",
						"description": "The appliance model number, e.g. WDT780SAEM1.",
					},
					"part_number": map[string]any{
						"type":        "string",
						"description": "The PartSelect part number, e.g. PS11750093.",
					},
				},
				"required": []string{"model_number", "part_number"},
			},
		},
		{
			Name:        toolSearchContent,
			Description: "Search ingested appliance documentation (symptoms, Q&A, installation notes) for a free-text query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for, in plain words.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolCrawlLive,
			Description: "Fetch fresh pages from partselect.com when the stored catalog cannot answer. Anchors on the model page when a model number is given, otherwise on the supplied URL or a catalog search for the query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "A partselect.com page to start from.",
					},
					"model_number": map[string]any{
						"type":        "string",
						"description": "Appliance model number to anchor the crawl on.",
					},
					"query": map[string]any{
						"type":        "string",
						"description": "Free-text search used to pick an anchor when no URL or model is known.",
					},
					"max_pages": map[string]any{
						"type":        "integer",
						"description": "Upper bound on pages to fetch in this call.",
					},
				},
			},
		},
	}
}

// execTool runs one tool call and returns the JSON payload for the model
// plus the citations the call produced.
func (r *Runner) execTool(ctx context.Context, call llm.ToolCall) (string, []catalog.Citation, error) {
	switch call.Name {
	case toolCheckCompatibility:
		var args struct {
			ModelNumber string `json:"model_number"`
			PartNumber  string `json:"part_number"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", nil, fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		res, err := r.engine.CheckCompatibility(ctx, args.ModelNumber, args.PartNumber)
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return "", nil, err
		}
		var cites []catalog.Citation
		if res.SourceURL != "" {
			cites = append(cites, catalog.Citation{URL: res.SourceURL, Title: res.PartName})
		}
		return string(payload), cites, nil

	case toolSearchContent:
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", nil, fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		snippets, err := r.engine.SearchContent(ctx, args.Query, 0)
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(snippets)
		if err != nil {
			return "", nil, err
		}
		cites := make([]catalog.Citation, 0, len(snippets))
		for _, s := range snippets {
			cites = append(cites, catalog.Citation{URL: s.URL, Title: s.Title, Snippet: s.Text})
		}
		return string(payload), cites, nil

	case toolCrawlLive:
		if r.live == nil {
			return "", nil, fmt.Errorf("live crawling is not available")
		}
		var args struct {
			URL         string `json:"url"`
			ModelNumber string `json:"model_number"`
			Query       string `json:"query"`
			MaxPages    int    `json:"max_pages"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", nil, fmt.Errorf("parse %s arguments: %w", call.Name, err)
		}
		anchor := args.URL
		if model := catalog.NormalizeIdentifier(args.ModelNumber); model != "" {
			anchor = catalog.ModelPageURL(model)
		} else if anchor == "" && args.Query != "" {
			anchor = catalog.SearchURL(args.Query)
		}
		if anchor == "" {
			return "", nil, fmt.Errorf("crawl_live needs a url, model_number, or query")
		}
		var keep func(string) bool
		if args.ModelNumber != "" {
			keep = livecrawl.ForIdentifiers(args.ModelNumber, catalog.ExtractPartNumber(args.Query))
		}
		out, err := r.live.CrawlN(ctx, anchor, keep, args.MaxPages)
		if err != nil {
			return "", nil, err
		}
		entities := identifiersIn(out.Pages)
		payload, err := json.Marshal(map[string]any{
			"run_id":              out.RunID,
			"pages_fetched":       out.Pages,
			"discovered_entities": entities,
			"blocked":             out.Blocked,
		})
		if err != nil {
			return "", nil, err
		}
		cites := make([]catalog.Citation, 0, len(out.Pages))
		for _, page := range out.Pages {
			cites = append(cites, catalog.Citation{URL: page})
		}
		return string(payload), cites, nil

	default:
		return "", nil, fmt.Errorf("unknown tool %q", call.Name)
	}
}

// identifiersIn pulls the model and part numbers visible in the fetched
// page URLs, deduplicated in order of appearance.
func identifiersIn(urls []string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, u := range urls {
		for _, id := range []string{catalog.ExtractModelNumber(u), catalog.ExtractPartNumber(u)} {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
