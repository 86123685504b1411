// Package catalog defines the core types shared across the ingestion,
// retrieval and agent subsystems.
package catalog

import "time"

// FrontierStatus represents the lifecycle state of a frontier entry.
type FrontierStatus string

// Frontier status values persisted in the frontier table.
const (
	FrontierQueued     FrontierStatus = "queued"
	FrontierProcessing FrontierStatus = "processing"
	FrontierDone       FrontierStatus = "done"
	FrontierFailed     FrontierStatus = "failed"
)

// FrontierEntry is the persisted work item for one canonical URL.
type FrontierEntry struct {
	URLCanonical string         `json:"url_canonical"`
	Status       FrontierStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	SourceURL    string         `json:"source_url"`
	DiscoveredAt time.Time      `json:"discovered_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LeaseOwner   string         `json:"lease_owner,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
}

// RunMode distinguishes why an ingestion run was started.
type RunMode string

// Run modes persisted with each crawl run.
const (
	RunModePrefetch    RunMode = "prefetch"
	RunModeIncremental RunMode = "incremental"
	RunModeFallback    RunMode = "fallback"
)

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run status values.
const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// CrawlRun groups the pages fetched by one ingestion invocation.
type CrawlRun struct {
	ID         string     `json:"id"`
	Mode       RunMode    `json:"mode"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// PageKind classifies a crawled page by the structured extractor it feeds.
type PageKind string

// Supported page kinds.
const (
	PageKindModel  PageKind = "model"
	PageKindPart   PageKind = "part"
	PageKindRepair PageKind = "repair"
	PageKindOther  PageKind = "other"
)

// PageStatus is the processing state of a crawled page.
type PageStatus string

// Page status values.
const (
	PageParsed PageStatus = "parsed"
	PageFailed PageStatus = "failed"
)

// CrawledPage is persisted once per canonical URL.
type CrawledPage struct {
	URLCanonical string     `json:"url_canonical"`
	URL          string     `json:"url"`
	RunID        string     `json:"run_id"`
	ContentHash  string     `json:"content_hash"`
	PageKind     PageKind   `json:"page_kind"`
	Status       PageStatus `json:"status"`
	Title        string     `json:"title"`
	CleanedText  string     `json:"cleaned_text"`
	FetchedAt    time.Time  `json:"fetched_at"`
	ParsedAt     time.Time  `json:"parsed_at"`
	LastError    string     `json:"last_error,omitempty"`
}

// Model is a normalized appliance model identity record.
type Model struct {
	ID            int64     `json:"id"`
	ModelNumber   string    `json:"model_number"`
	Brand         string    `json:"brand,omitempty"`
	ApplianceType string    `json:"appliance_type,omitempty"`
	SourceURL     string    `json:"source_url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Part is a normalized replacement-part identity record.
type Part struct {
	ID               int64     `json:"id"`
	PartNumber       string    `json:"part_number"`
	ManufacturerPart string    `json:"manufacturer_part,omitempty"`
	Name             string    `json:"name,omitempty"`
	PriceValue       float64   `json:"price_value,omitempty"`
	SourceURL        string    `json:"source_url"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ModelPart is a compatibility edge between a model and a part. The
// (model, part) pair is unique; re-ingestion overwrites the edge.
type ModelPart struct {
	ModelID    int64     `json:"model_id"`
	PartID     int64     `json:"part_id"`
	Confidence float64   `json:"compatibility_confidence"`
	SourceURL  string    `json:"source_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DocKind labels the denormalized text units used by the vector path.
type DocKind string

// Supported doc kinds.
const (
	DocKindQA      DocKind = "qa"
	DocKindSymptom DocKind = "symptom"
	DocKindInstall DocKind = "install"
	DocKindSummary DocKind = "summary"
)

// Doc is a denormalized text unit optionally tied to a model or part.
type Doc struct {
	ID        int64     `json:"id"`
	Kind      DocKind   `json:"kind"`
	ModelID   int64     `json:"model_id,omitempty"`
	PartID    int64     `json:"part_id,omitempty"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	SourceURL string    `json:"source_url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocChunk is an embedded slice of a Doc used for nearest-neighbor search.
type DocChunk struct {
	ID        int64     `json:"id"`
	DocID     int64     `json:"doc_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"-"`
}

// ScoredChunk pairs a chunk with a similarity score and its citation data.
type ScoredChunk struct {
	Chunk     DocChunk `json:"chunk"`
	Score     float64  `json:"score"`
	SourceURL string   `json:"source_url"`
	Title     string   `json:"title"`
}

// RetrievalSource tells the caller which path produced a retrieval result.
type RetrievalSource string

// Retrieval sources, cheapest first.
const (
	SourceCache  RetrievalSource = "cache"
	SourceExact  RetrievalSource = "exact"
	SourceVector RetrievalSource = "vector"
	SourceLive   RetrievalSource = "live"
	SourceNone   RetrievalSource = "none"
)

// Citation points the user at the page a fact came from.
type Citation struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// RetrievalResult is the compact cited context returned by the engine.
type RetrievalResult struct {
	ContextChunks []string        `json:"context_chunks"`
	Citations     []Citation      `json:"citations"`
	Confidence    float64         `json:"confidence"`
	Source        RetrievalSource `json:"source"`
}

// CompatibilityResult answers a model/part compatibility lookup.
type CompatibilityResult struct {
	ModelNumber string  `json:"model_number"`
	PartNumber  string  `json:"part_number"`
	Compatible  bool    `json:"compatible"`
	Confidence  float64 `json:"confidence"`
	PartName    string  `json:"part_name,omitempty"`
	PriceValue  float64 `json:"price_value,omitempty"`
	SourceURL   string  `json:"source_url,omitempty"`
}

// Snippet is one result of a content search.
type Snippet struct {
	URL   string  `json:"url"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// TraceKind labels entries in an agent run trajectory.
type TraceKind string

// Trace entry kinds.
const (
	TraceToolCall   TraceKind = "tool_call"
	TraceToolResult TraceKind = "tool_result"
	TraceModelDelta TraceKind = "model_delta"
	TraceFinal      TraceKind = "final"
	TraceCancelled  TraceKind = "cancelled"
)

// TraceEntry is one step in the append-only trajectory of an agent run.
type TraceEntry struct {
	RunID     string    `json:"run_id"`
	TurnIndex int       `json:"turn_index"`
	Kind      TraceKind `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Extraction is everything a page-kind extractor pulled out of one page,
// applied to the entity store as a single upsert.
type Extraction struct {
	Page       CrawledPage
	Model      *Model
	Parts      []Part
	ModelParts []PartLink
	Docs       []Doc
	Discovered []string
}

// PartLink ties an extracted part to the extraction's model by part number,
// resolved to row IDs at persist time.
type PartLink struct {
	PartNumber string
	Confidence float64
	SourceURL  string
}
