// Package extract builds study cards with verbatim evidence spans from paper
// text.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
	"github.com/DuyTa506/tiny-researcher/internal/pdfload"
)

// DefaultConcurrency bounds parallel extractions.
const DefaultConcurrency = 4

// ErrExtractionFailed marks a paper whose LLM output stayed unparseable
// after the constrained retry. The paper is excluded from synthesis; the
// pipeline continues.
var ErrExtractionFailed = errors.New("extraction failed")

// Extraction is one paper's card plus its supporting spans.
type Extraction struct {
	Card  core.StudyCard
	Spans []core.EvidenceSpan
}

// Outcome pairs a paper id with its extraction result for the fan-out API.
type Outcome struct {
	PaperID    string
	Extraction Extraction
	Err        error
}

// Extractor runs structured extraction over included papers.
type Extractor struct {
	provider    llm.Provider
	concurrency int
}

// New creates an extractor. concurrency <= 0 selects the default.
func New(provider llm.Provider, concurrency int) *Extractor {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Extractor{provider: provider, concurrency: concurrency}
}

// ExtractAll fans extraction out over the papers with bounded concurrency.
// Per-paper failures land in the outcome; a budget error aborts the fan-out
// so the remaining papers can be deferred to the next round.
func (e *Extractor) ExtractAll(ctx context.Context, papers []core.Paper) ([]Outcome, error) {
	outcomes := make([]Outcome, len(papers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range papers {
		g.Go(func() error {
			ext, err := e.Extract(gctx, p)
			if errors.Is(err, llm.ErrBudgetExceeded) {
				return err // stop the group; callers defer the rest
			}
			mu.Lock()
			outcomes[i] = Outcome{PaperID: p.ID, Extraction: ext, Err: err}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// rawExtraction mirrors the JSON shape requested from the model.
type rawExtraction struct {
	Problem     string   `json:"problem"`
	Method      string   `json:"method"`
	Results     string   `json:"results"`
	Limitations string   `json:"limitations"`
	Datasets    []string `json:"datasets"`
	Metrics     []string `json:"metrics"`
	Spans       []struct {
		Field      string  `json:"field"`
		Snippet    string  `json:"snippet"`
		Confidence float64 `json:"confidence"`
	} `json:"spans"`
}

// Extract produces one paper's study card. Non-verbatim snippets are
// dropped; fields left without a matching span are emptied rather than kept
// unsupported.
func (e *Extractor) Extract(ctx context.Context, p core.Paper) (Extraction, error) {
	text := p.Text()
	if strings.TrimSpace(text) == "" {
		return Extraction{}, fmt.Errorf("%w: paper %s has no text", ErrExtractionFailed, p.ID)
	}

	raw, err := e.generate(ctx, p, text, false)
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) {
			return Extraction{}, err
		}
		// One retry with the constrained prompt before giving up.
		raw, err = e.generate(ctx, p, text, true)
		if err != nil {
			if errors.Is(err, llm.ErrBudgetExceeded) {
				return Extraction{}, err
			}
			return Extraction{}, fmt.Errorf("%w: paper %s: %v", ErrExtractionFailed, p.ID, err)
		}
	}

	return assemble(p, text, raw), nil
}

func (e *Extractor) generate(ctx context.Context, p core.Paper, text string, constrained bool) (rawExtraction, error) {
	resp, err := e.provider.Generate(ctx, llm.GenerateRequest{
		System:   extractSystemPrompt,
		Prompt:   buildExtractPrompt(p, text, constrained),
		JSONMode: true,
	})
	if err != nil {
		return rawExtraction{}, err
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(llm.StripFences(resp)), &raw); err != nil {
		return rawExtraction{}, fmt.Errorf("extraction response is not valid JSON: %w", err)
	}
	return raw, nil
}

const extractSystemPrompt = `You extract structured study cards from academic ` +
	`papers. Every snippet you quote must be copied verbatim from the provided ` +
	`text, character for character. If you cannot find verbatim support for a ` +
	`field, leave the field empty. Respond with a single JSON object only.`

const maxPromptText = 40_000

func buildExtractPrompt(p core.Paper, text string, constrained bool) string {
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Paper: %s\n\nText:\n%s\n\n", p.Title, text)
	b.WriteString(`Return {"problem", "method", "results", "limitations", ` +
		`"datasets": [string], "metrics": [string], "spans": [{"field": ` +
		`"problem"|"method"|"dataset"|"metric"|"result"|"limitation", ` +
		`"snippet": string, "confidence": number}]}. Snippets are verbatim ` +
		`quotes under 300 characters.`)
	if constrained {
		b.WriteString(" Output raw JSON with no markdown fences, no commentary, no trailing text.")
	}
	return b.String()
}

// assemble validates the raw output against the source text and builds the
// final card and spans.
func assemble(p core.Paper, text string, raw rawExtraction) Extraction {
	byID := make(map[string]core.EvidenceSpan)
	fieldSeen := make(map[core.SpanField]bool)

	for _, rs := range raw.Spans {
		snippet := core.TruncateSnippet(strings.TrimSpace(rs.Snippet))
		if snippet == "" || !strings.Contains(text, snippet) {
			if snippet != "" {
				logger.Debug("dropping non-verbatim snippet", "paper", p.ID, "snippet", snippet[:min(40, len(snippet))])
			}
			continue
		}

		field := normalizeField(rs.Field)
		span := core.EvidenceSpan{
			ID:         core.SpanID(p.ID, snippet),
			PaperID:    p.ID,
			Field:      field,
			Snippet:    snippet,
			Locator:    locate(p, text, snippet),
			Confidence: clamp01(rs.Confidence),
			SourceURL:  sourceURL(p),
		}
		// Duplicate ids keep the higher confidence.
		if prev, ok := byID[span.ID]; !ok || span.Confidence > prev.Confidence {
			byID[span.ID] = span
		}
		fieldSeen[field] = true
	}

	spans := make([]core.EvidenceSpan, 0, len(byID))
	spanIDs := make([]string, 0, len(byID))
	for _, rs := range raw.Spans {
		snippet := core.TruncateSnippet(strings.TrimSpace(rs.Snippet))
		id := core.SpanID(p.ID, snippet)
		if span, ok := byID[id]; ok {
			delete(byID, id)
			spans = append(spans, span)
			spanIDs = append(spanIDs, span.ID)
		}
	}

	card := core.StudyCard{
		ID:              uuid.NewString(),
		PaperID:         p.ID,
		Problem:         supported(raw.Problem, fieldSeen[core.FieldProblem]),
		Method:          supported(raw.Method, fieldSeen[core.FieldMethod]),
		Results:         supported(raw.Results, fieldSeen[core.FieldResult]),
		Limitations:     supported(raw.Limitations, fieldSeen[core.FieldLimitation]),
		Datasets:        supportedList(raw.Datasets, fieldSeen[core.FieldDataset]),
		Metrics:         supportedList(raw.Metrics, fieldSeen[core.FieldMetric]),
		EvidenceSpanIDs: spanIDs,
	}
	return Extraction{Card: card, Spans: spans}
}

// locate pins the snippet in the source. Abstract-only papers get offsets
// into the abstract with no page.
func locate(p core.Paper, text, snippet string) core.Locator {
	if p.HasFullText() {
		return pdfload.Locate(snippet, text, p.PageMap)
	}
	idx := strings.Index(text, snippet)
	return core.Locator{CharStart: idx, CharEnd: idx + len(snippet)}
}

func sourceURL(p core.Paper) string {
	if p.LandingURL != "" {
		return p.LandingURL
	}
	return p.PDFURL
}

func supported(value string, hasSpan bool) string {
	if !hasSpan {
		return ""
	}
	return strings.TrimSpace(value)
}

func supportedList(values []string, hasSpan bool) []string {
	if !hasSpan {
		return nil
	}
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeField(f string) core.SpanField {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "problem":
		return core.FieldProblem
	case "method", "approach":
		return core.FieldMethod
	case "dataset", "datasets":
		return core.FieldDataset
	case "metric", "metrics":
		return core.FieldMetric
	case "result", "results":
		return core.FieldResult
	case "limitation", "limitations":
		return core.FieldLimitation
	default:
		return core.FieldOther
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
