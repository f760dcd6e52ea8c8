// Package screen decides which collected papers enter the expensive phases.
package screen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// DefaultBatchSize papers per LLM call.
const DefaultBatchSize = 15

// Screener tiers papers by relevance to the topic in batches. A batch whose
// response cannot be parsed fails open: every paper in it is kept as core
// with reason parse_failure.
type Screener struct {
	provider  llm.Provider
	batchSize int
}

// New creates a screener. batchSize <= 0 selects the default.
func New(provider llm.Provider, batchSize int) *Screener {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Screener{provider: provider, batchSize: batchSize}
}

// Batch returns a copy of the screener with a different batch size, for
// per-session overrides. Non-positive keeps the configured one.
func (s *Screener) Batch(batchSize int) *Screener {
	if batchSize <= 0 || batchSize == s.batchSize {
		return s
	}
	cp := *s
	cp.batchSize = batchSize
	return &cp
}

// Screen produces one record per paper, batch by batch, in input order.
func (s *Screener) Screen(ctx context.Context, sessionID, topic string, papers []core.Paper) ([]core.ScreeningRecord, error) {
	records := make([]core.ScreeningRecord, 0, len(papers))
	for start := 0; start < len(papers); start += s.batchSize {
		end := start + s.batchSize
		if end > len(papers) {
			end = len(papers)
		}
		if err := ctx.Err(); err != nil {
			return records, err
		}
		records = append(records, s.screenBatch(ctx, sessionID, topic, papers[start:end])...)
	}
	return records, nil
}

// verdict mirrors the JSON shape requested from the model. PaperID is echoed
// back so a shuffled or truncated response cannot misalign across the batch.
type verdict struct {
	PaperID    string  `json:"paper_id"`
	Tier       string  `json:"tier"`
	ReasonCode string  `json:"reason_code"`
	Rationale  string  `json:"rationale"`
	Relevance  float64 `json:"scored_relevance"`
}

func (s *Screener) screenBatch(ctx context.Context, sessionID, topic string, batch []core.Paper) []core.ScreeningRecord {
	resp, err := s.provider.Generate(ctx, llm.GenerateRequest{
		System:   screenSystemPrompt,
		Prompt:   buildBatchPrompt(topic, batch),
		JSONMode: true,
	})
	if err != nil {
		logger.Warn("screening batch failed, keeping batch as core", "error", err.Error(), "batch_size", len(batch))
		return failOpen(sessionID, batch)
	}

	var verdicts []verdict
	if err := json.Unmarshal([]byte(llm.StripFences(resp)), &verdicts); err != nil {
		logger.Warn("screening response unparseable, keeping batch as core", "error", err.Error())
		return failOpen(sessionID, batch)
	}

	byID := make(map[string]verdict, len(verdicts))
	for _, v := range verdicts {
		byID[v.PaperID] = v
	}

	records := make([]core.ScreeningRecord, 0, len(batch))
	for _, p := range batch {
		v, ok := byID[p.ID]
		if !ok {
			// Paper missing from the response; fail open for it alone.
			records = append(records, failOpenRecord(sessionID, p.ID))
			continue
		}
		tier := normalizeTier(v.Tier)
		records = append(records, core.ScreeningRecord{
			SessionID:  sessionID,
			PaperID:    p.ID,
			Tier:       tier,
			ReasonCode: normalizeReason(v.ReasonCode, tier),
			Rationale:  strings.TrimSpace(v.Rationale),
			Relevance:  clampRelevance(v.Relevance),
			Include:    tier != core.TierExclude,
		})
	}
	return records
}

const screenSystemPrompt = `You are screening academic papers for inclusion in ` +
	`a literature review. Tier each paper: "core" (directly on topic), ` +
	`"background" (useful context), or "exclude" (off topic). Respond with a ` +
	`JSON array only.`

func buildBatchPrompt(topic string, batch []core.Paper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nPapers:\n", topic)
	for _, p := range batch {
		abstract := p.Abstract
		if len(abstract) > 1200 {
			abstract = abstract[:1200]
		}
		fmt.Fprintf(&b, "- paper_id: %s\n  title: %s\n  abstract: %s\n", p.ID, p.Title, abstract)
	}
	b.WriteString("\nFor every paper return {\"paper_id\", \"tier\", \"reason_code\", " +
		"\"rationale\", \"scored_relevance\"}. reason_code is one of: relevant, " +
		"out_of_scope, survey_only, missing_eval, duplicate_work, insufficient_detail. " +
		"scored_relevance is 0-10. Echo paper_id exactly.")
	return b.String()
}

func failOpen(sessionID string, batch []core.Paper) []core.ScreeningRecord {
	records := make([]core.ScreeningRecord, 0, len(batch))
	for _, p := range batch {
		records = append(records, failOpenRecord(sessionID, p.ID))
	}
	return records
}

func failOpenRecord(sessionID, paperID string) core.ScreeningRecord {
	return core.ScreeningRecord{
		SessionID:  sessionID,
		PaperID:    paperID,
		Tier:       core.TierCore,
		ReasonCode: core.ReasonParseFailure,
		Rationale:  "screening response unusable; kept permissively",
		Include:    true,
	}
}

func normalizeTier(t string) core.ScreeningTier {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "core":
		return core.TierCore
	case "background":
		return core.TierBackground
	case "exclude", "excluded":
		return core.TierExclude
	default:
		return core.TierBackground
	}
}

func normalizeReason(code string, tier core.ScreeningTier) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case core.ReasonRelevant, core.ReasonOutOfScope, core.ReasonSurveyOnly,
		core.ReasonMissingEval, core.ReasonDuplicateWork, core.ReasonInsufficientDetail:
		return strings.ToLower(strings.TrimSpace(code))
	}
	if tier == core.TierExclude {
		return core.ReasonOutOfScope
	}
	return core.ReasonRelevant
}

func clampRelevance(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 10 {
		return 10
	}
	return r
}

// Included filters papers to those whose record keeps them, preserving input
// order.
func Included(papers []core.Paper, records []core.ScreeningRecord) []core.Paper {
	include := make(map[string]bool, len(records))
	for _, r := range records {
		include[r.PaperID] = r.Include
	}
	var kept []core.Paper
	for _, p := range papers {
		if include[p.ID] {
			kept = append(kept, p)
		}
	}
	return kept
}

// Summary aggregates tier counts for the screening_summary event.
func Summary(records []core.ScreeningRecord) map[string]int {
	counts := map[string]int{}
	for _, r := range records {
		counts[string(r.Tier)]++
	}
	return counts
}
