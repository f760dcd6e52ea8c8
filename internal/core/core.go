// Package core defines the data model shared by every pipeline stage.
//
// Entities reference each other by id (plain strings), never by pointer, so
// the whole model is a DAG that persists and round-trips through JSON without
// surprises: Paper -> {StudyCard -> EvidenceSpan, ScreeningRecord} -> Claim -> Report.
package core

import "time"

// SourceTag identifies where a paper record came from.
type SourceTag string

const (
	SourceArxiv       SourceTag = "arxiv"
	SourceOpenAlex    SourceTag = "openalex"
	SourceHuggingFace SourceTag = "huggingface"
	SourceURL         SourceTag = "url"
)

// sourcePriority orders source tags for dedup tie-breaking (lower wins).
var sourcePriority = map[SourceTag]int{
	SourceArxiv:       0,
	SourceOpenAlex:    1,
	SourceHuggingFace: 2,
	SourceURL:         3,
}

// SourcePriority returns the dedup tie-break rank for a source tag.
// Unknown tags rank last.
func SourcePriority(tag SourceTag) int {
	if p, ok := sourcePriority[tag]; ok {
		return p
	}
	return len(sourcePriority)
}

// PaperStatus tracks a paper's progress through the pipeline.
// Transitions are monotonic; a paper is never deleted during a session.
type PaperStatus string

const (
	StatusRaw       PaperStatus = "RAW"
	StatusScreened  PaperStatus = "SCREENED"
	StatusFulltext  PaperStatus = "FULLTEXT"
	StatusExtracted PaperStatus = "EXTRACTED"
	StatusReported  PaperStatus = "REPORTED"
)

var statusOrder = map[PaperStatus]int{
	StatusRaw:       0,
	StatusScreened:  1,
	StatusFulltext:  2,
	StatusExtracted: 3,
	StatusReported:  4,
}

// StatusAdvances reports whether moving from `from` to `to` is a forward
// transition in the paper lifecycle.
func StatusAdvances(from, to PaperStatus) bool {
	return statusOrder[to] > statusOrder[from]
}

// PageRange maps one PDF page onto a character range of the concatenated
// full text. Ranges are contiguous and non-overlapping; concatenating pages
// in order reproduces the full text exactly.
type PageRange struct {
	Page      int    `json:"page"`       // 1-based page number
	CharStart int    `json:"char_start"` // inclusive offset into full text
	CharEnd   int    `json:"char_end"`   // exclusive offset into full text
	Preview   string `json:"preview"`    // first few characters of the page
}

// Paper represents one academic work.
type Paper struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Authors        []string    `json:"authors"`
	Published      time.Time   `json:"published"`
	Source         SourceTag   `json:"source"`
	ArxivID        string      `json:"arxiv_id,omitempty"` // normalized, lowercase
	DOI            string      `json:"doi,omitempty"`      // normalized, lowercase
	Abstract       string      `json:"abstract"`
	PDFURL         string      `json:"pdf_url,omitempty"`
	LandingURL     string      `json:"landing_url,omitempty"`
	Status         PaperStatus `json:"status"`
	RelevanceScore float64     `json:"relevance_score"` // 0-10, zero until scored
	MetadataHash   string      `json:"metadata_hash"`
	PDFHash        string      `json:"pdf_hash,omitempty"` // set iff full text is loaded
	FullText       string      `json:"full_text,omitempty"`
	PageMap        []PageRange `json:"page_map,omitempty"`
	FullTextFailed bool        `json:"full_text_failed,omitempty"` // parse or download failed; abstract-only
}

// HasFullText reports whether the paper's full text was loaded.
func (p *Paper) HasFullText() bool {
	return p.PDFHash != "" && p.FullText != ""
}

// Text returns the text evidence extraction should run against: the full
// text when loaded, else the abstract.
func (p *Paper) Text() string {
	if p.HasFullText() {
		return p.FullText
	}
	return p.Abstract
}

// ScreeningTier is the three-way screening outcome.
type ScreeningTier string

const (
	TierCore       ScreeningTier = "core"
	TierBackground ScreeningTier = "background"
	TierExclude    ScreeningTier = "exclude"
)

// Screening reason codes form a closed vocabulary.
const (
	ReasonRelevant           = "relevant"
	ReasonOutOfScope         = "out_of_scope"
	ReasonSurveyOnly         = "survey_only"
	ReasonMissingEval        = "missing_eval"
	ReasonDuplicateWork      = "duplicate_work"
	ReasonInsufficientDetail = "insufficient_detail"
	ReasonParseFailure       = "parse_failure" // fail-open marker, not an LLM verdict
)

// ScreeningRecord is the include/exclude decision for one (session, paper).
type ScreeningRecord struct {
	SessionID  string        `json:"session_id"`
	PaperID    string        `json:"paper_id"`
	Tier       ScreeningTier `json:"tier"`
	ReasonCode string        `json:"reason_code"`
	Rationale  string        `json:"rationale"`
	Relevance  float64       `json:"relevance"` // 0-10
	Include    bool          `json:"include"`   // always tier != exclude
}

// SpanField tags what an evidence span supports.
type SpanField string

const (
	FieldProblem    SpanField = "problem"
	FieldMethod     SpanField = "method"
	FieldDataset    SpanField = "dataset"
	FieldMetric     SpanField = "metric"
	FieldResult     SpanField = "result"
	FieldLimitation SpanField = "limitation"
	FieldOther      SpanField = "other"
)

// MaxSnippetLen caps evidence snippets; longer text is truncated before the
// span id is derived.
const MaxSnippetLen = 300

// Locator pins a snippet to a position in the source document. CharStart and
// CharEnd are -1 when the snippet could not be located; Page is 0 for
// abstract-only papers.
type Locator struct {
	Page      int    `json:"page,omitempty"`
	Section   string `json:"section,omitempty"`
	CharStart int    `json:"char_start"`
	CharEnd   int    `json:"char_end"`
}

// EvidenceSpan is a verbatim quotation with a locator, the atomic unit of
// citation. Immutable once created.
type EvidenceSpan struct {
	ID         string    `json:"id"` // {paper_id}#{first 8 hex of sha1(snippet)}
	PaperID    string    `json:"paper_id"`
	Field      SpanField `json:"field"`
	Snippet    string    `json:"snippet"` // <= MaxSnippetLen chars, verbatim
	Locator    Locator   `json:"locator"`
	Confidence float64   `json:"confidence"` // [0,1]
	SourceURL  string    `json:"source_url,omitempty"`
}

// StudyCard is the structured extraction of one paper. Every populated field
// must be covered by at least one span with the matching field tag, and all
// referenced spans belong to the same paper.
type StudyCard struct {
	ID              string   `json:"id"`
	PaperID         string   `json:"paper_id"`
	Problem         string   `json:"problem"`
	Method          string   `json:"method"`
	Results         string   `json:"results"`
	Limitations     string   `json:"limitations"`
	Datasets        []string `json:"datasets"`
	Metrics         []string `json:"metrics"`
	EvidenceSpanIDs []string `json:"evidence_span_ids"`
}

// Claim is an atomic citable statement backed by at least one evidence span.
type Claim struct {
	ID              string   `json:"id"`
	Text            string   `json:"text"` // one declarative sentence
	EvidenceSpanIDs []string `json:"evidence_span_ids"`
	ThemeID         string   `json:"theme_id,omitempty"`
	Salience        float64  `json:"salience"` // [0,1]
	Uncertain       bool     `json:"uncertain"`
}

// DimensionKind distinguishes taxonomy columns.
type DimensionKind string

const (
	DimDataset DimensionKind = "dataset"
	DimMetric  DimensionKind = "metric"
)

// Dimension is one taxonomy column: a normalized dataset or metric label.
type Dimension struct {
	Name string        `json:"name"` // lowercase, trimmed
	Kind DimensionKind `json:"kind"`
}

// Theme is a cluster of study cards, stable within a session.
type Theme struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	CardIDs []string `json:"card_ids"`
}

// Hole marks an empty (theme, dimension) cell in a theme with enough cards
// that the absence is informative.
type Hole struct {
	ThemeID   string    `json:"theme_id"`
	Dimension Dimension `json:"dimension"`
}

// Contradiction records two cards in the same theme reporting conflicting
// numeric result directions on the same (dataset, metric) pair.
type Contradiction struct {
	ThemeID string `json:"theme_id"`
	Dataset string `json:"dataset"`
	Metric  string `json:"metric"`
	CardA   string `json:"card_a"`
	CardB   string `json:"card_b"`
}

// TaxonomyMatrix is the themes x dimensions grid behind the report.
// Cells[i][j] lists the card ids populating (Themes[i], Dimensions[j]).
type TaxonomyMatrix struct {
	Themes         []Theme         `json:"themes"`
	Dimensions     []Dimension     `json:"dimensions"`
	Cells          [][][]string    `json:"cells"`
	Holes          []Hole          `json:"holes"`
	Contradictions []Contradiction `json:"contradictions"`
}

// StepAction classifies a plan step.
type StepAction string

const (
	ActionResearch   StepAction = "research"
	ActionAnalyze    StepAction = "analyze"
	ActionSynthesize StepAction = "synthesize"
)

// PlanStep is one step of a research plan. Tool is empty for analysis-only
// steps; a non-empty Tool must name a registered tool.
type PlanStep struct {
	ID             int            `json:"id"` // 1-based
	Action         StepAction     `json:"action"`
	Title          string         `json:"title"`
	Tool           string         `json:"tool,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Queries        []string       `json:"queries,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	Completed      bool           `json:"completed"`
}

// Plan is the ordered step list produced by the planner.
type Plan struct {
	Mode  Mode       `json:"mode"`
	Steps []PlanStep `json:"steps"`
}

// GateKind names an approval gate.
type GateKind string

const (
	GatePDFDownload   GateKind = "pdf_download"
	GateExternalCrawl GateKind = "external_crawl"
	GateTokenBudget   GateKind = "token_budget"
)

// GateRequest is a pending human-in-the-loop pause point with the context a
// reviewer needs to decide.
type GateRequest struct {
	Kind      GateKind       `json:"kind"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context"`
	RaisedAt  time.Time      `json:"raised_at"`
}

// TerminalState describes how a session ended.
type TerminalState string

const (
	TermCompleted TerminalState = "completed"
	TermCancelled TerminalState = "cancelled"
	TermFailed    TerminalState = "failed"
)

// Termination carries the terminal state plus a cause for failures.
type Termination struct {
	State  TerminalState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

// CacheMetrics counts cache effectiveness over a session.
type CacheMetrics struct {
	Hits   int `json:"hits"`
	Misses int `json:"misses"`
}

// Session is a research run and the source of truth for resume.
type Session struct {
	ID          string       `json:"id"`
	Topic       string       `json:"topic"`
	Language    string       `json:"language"`
	Phase       Phase        `json:"phase"`
	PhaseDone   []Phase      `json:"phase_history"`
	Plan        *Plan        `json:"plan,omitempty"`
	PaperIDs    []string     `json:"paper_ids"`
	Options     Options      `json:"options"`
	Cache       CacheMetrics `json:"cache"`
	PendingGate *GateRequest `json:"pending_gate,omitempty"`
	Termination *Termination `json:"termination,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Report is the final artifact of a FULL run.
type Report struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Content     string    `json:"content"` // structured Markdown
	ClaimIDs    []string  `json:"claim_ids"`
	Language    string    `json:"language"`
	GeneratedAt time.Time `json:"generated_at"`
}
