// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ruoliu2/partassist/internal/catalog"
)

// EntityStore is an in-memory catalog.EntityStore. Vector search is a
// brute-force cosine scan, fine for the small corpora tests use.
type EntityStore struct {
	mu        sync.RWMutex
	clock     catalog.Clock
	ids       catalog.IDGenerator
	runs      map[string]catalog.CrawlRun
	pages     map[string]catalog.CrawledPage
	models    map[string]catalog.Model
	parts     map[string]catalog.Part
	edges     map[string]catalog.ModelPart
	docs      map[int64]catalog.Doc
	chunks    map[int64][]catalog.DocChunk
	nextDocID int64
}

// NewEntityStore constructs an EntityStore.
func NewEntityStore(clock catalog.Clock, ids catalog.IDGenerator) *EntityStore {
	return &EntityStore{
		clock:  clock,
		ids:    ids,
		runs:   make(map[string]catalog.CrawlRun),
		pages:  make(map[string]catalog.CrawledPage),
		models: make(map[string]catalog.Model),
		parts:  make(map[string]catalog.Part),
		edges:  make(map[string]catalog.ModelPart),
		docs:   make(map[int64]catalog.Doc),
		chunks: make(map[int64][]catalog.DocChunk),
	}
}

// BeginRun stores a running crawl run and returns its ID.
func (s *EntityStore) BeginRun(_ context.Context, mode catalog.RunMode, notes string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[id] = catalog.CrawlRun{
		ID:        id,
		Mode:      mode,
		Status:    catalog.RunRunning,
		StartedAt: s.clock.Now(),
		Notes:     notes,
	}
	return id, nil
}

// EndRun marks the run terminal.
func (s *EntityStore) EndRun(_ context.Context, runID string, status catalog.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.ErrNotFound
	}
	run.Status = status
	now := s.clock.Now()
	run.FinishedAt = &now
	s.runs[runID] = run
	return nil
}

// GetRun fetches a crawl run by ID.
func (s *EntityStore) GetRun(_ context.Context, runID string) (catalog.CrawlRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return catalog.CrawlRun{}, catalog.ErrNotFound
	}
	return run, nil
}

// PersistExtraction applies all entity writes for one page.
func (s *EntityStore) PersistExtraction(_ context.Context, ex catalog.Extraction) ([]catalog.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.pages[ex.Page.URLCanonical] = ex.Page

	var modelNumber string
	if ex.Model != nil {
		model := *ex.Model
		model.UpdatedAt = now
		if existing, ok := s.models[model.ModelNumber]; ok {
			model.ID = existing.ID
			if model.Brand == "" {
				model.Brand = existing.Brand
			}
			if model.ApplianceType == "" {
				model.ApplianceType = existing.ApplianceType
			}
		} else {
			model.ID = int64(len(s.models) + 1)
		}
		s.models[model.ModelNumber] = model
		modelNumber = model.ModelNumber
	}

	for _, part := range ex.Parts {
		part.UpdatedAt = now
		if existing, ok := s.parts[part.PartNumber]; ok {
			part.ID = existing.ID
			if part.Name == "" {
				part.Name = existing.Name
			}
			if part.PriceValue == 0 {
				part.PriceValue = existing.PriceValue
			}
		} else {
			part.ID = int64(len(s.parts) + 1)
		}
		s.parts[part.PartNumber] = part
	}

	for _, link := range ex.ModelParts {
		if modelNumber == "" {
			continue
		}
		key := modelNumber + "|" + link.PartNumber
		edge := catalog.ModelPart{
			ModelID:    s.models[modelNumber].ID,
			PartID:     s.parts[link.PartNumber].ID,
			Confidence: link.Confidence,
			SourceURL:  link.SourceURL,
			UpdatedAt:  now,
		}
		s.edges[key] = edge
	}

	persisted := make([]catalog.Doc, 0, len(ex.Docs))
	for _, doc := range ex.Docs {
		s.nextDocID++
		doc.ID = s.nextDocID
		doc.UpdatedAt = now
		s.docs[doc.ID] = doc
		persisted = append(persisted, doc)
	}
	return persisted, nil
}

// GetPage fetches a crawled page by canonical URL.
func (s *EntityStore) GetPage(_ context.Context, urlCanonical string) (catalog.CrawledPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[urlCanonical]
	if !ok {
		return catalog.CrawledPage{}, catalog.ErrNotFound
	}
	return page, nil
}

// GetModelPart resolves a compatibility edge by normalized identifiers.
func (s *EntityStore) GetModelPart(_ context.Context, modelNorm, partNorm string) (catalog.CompatibilityResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edge, ok := s.edges[modelNorm+"|"+partNorm]
	if !ok {
		return catalog.CompatibilityResult{}, catalog.ErrNotFound
	}
	part := s.parts[partNorm]
	return catalog.CompatibilityResult{
		ModelNumber: modelNorm,
		PartNumber:  partNorm,
		Compatible:  true,
		Confidence:  edge.Confidence,
		PartName:    part.Name,
		PriceValue:  part.PriceValue,
		SourceURL:   edge.SourceURL,
	}, nil
}

// GetModel fetches a model by normalized model number.
func (s *EntityStore) GetModel(_ context.Context, modelNorm string) (catalog.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.models[modelNorm]
	if !ok {
		return catalog.Model{}, catalog.ErrNotFound
	}
	return model, nil
}

// UpsertDocChunks replaces the embedded chunks for a doc.
func (s *EntityStore) UpsertDocChunks(_ context.Context, docID int64, chunks []catalog.DocChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[docID]; !ok {
		return catalog.ErrNotFound
	}
	copied := make([]catalog.DocChunk, len(chunks))
	copy(copied, chunks)
	for i := range copied {
		copied[i].DocID = docID
	}
	s.chunks[docID] = copied
	return nil
}

// SearchChunks brute-force scans all chunks by cosine similarity.
func (s *EntityStore) SearchChunks(_ context.Context, embedding []float32, limit int) ([]catalog.ScoredChunk, error) {
	if limit <= 0 {
		limit = 8
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []catalog.ScoredChunk
	for docID, chunks := range s.chunks {
		doc := s.docs[docID]
		for _, chunk := range chunks {
			results = append(results, catalog.ScoredChunk{
				Chunk:     chunk,
				Score:     cosineSimilarity(embedding, chunk.Embedding),
				SourceURL: doc.SourceURL,
				Title:     doc.Title,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// SearchPages ranks parsed pages by query token hits in title or text.
func (s *EntityStore) SearchPages(_ context.Context, tokens []string, limit int) ([]catalog.Snippet, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snippets []catalog.Snippet
	for _, page := range s.pages {
		if page.Status != catalog.PageParsed {
			continue
		}
		title := strings.ToLower(page.Title)
		text := strings.ToLower(page.CleanedText)
		hits := 0
		for _, token := range tokens {
			if strings.Contains(title, token) {
				hits++
			}
			if strings.Contains(text, token) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		snippet := page.CleanedText
		if len(snippet) > 600 {
			snippet = snippet[:600]
		}
		snippets = append(snippets, catalog.Snippet{
			URL:   page.URLCanonical,
			Title: page.Title,
			Text:  snippet,
			Score: float64(hits) / float64(2*len(tokens)),
		})
	}
	sort.Slice(snippets, func(i, j int) bool {
		if snippets[i].Score != snippets[j].Score {
			return snippets[i].Score > snippets[j].Score
		}
		return snippets[i].URL < snippets[j].URL
	})
	if len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
