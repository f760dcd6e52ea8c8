// Package plan turns a research topic into an ordered, validated step plan.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// Registered tool names a plan step may invoke.
const (
	ToolSearchArxiv    = "search_arxiv"
	ToolSearchOpenAlex = "search_openalex"
	ToolTrendingPapers = "trending_papers"
	ToolIngestURL      = "ingest_url"
)

var registeredTools = map[string]bool{
	ToolSearchArxiv:    true,
	ToolSearchOpenAlex: true,
	ToolTrendingPapers: true,
	ToolIngestURL:      true,
}

// quick/full trigger phrases checked against the lowercased topic.
var quickTriggers = []string{"quick", "just find", "briefly", "short list"}
var fullTriggers = []string{"comprehensive", "survey", "deep dive", "in-depth", "systematic"}

// Request carries the planner inputs.
type Request struct {
	Topic        string
	SeedKeywords []string
	TimeWindow   string // e.g. "2022-2025", free-form, passed to the prompt
	Language     string // output language; queries stay English
	MaxPapers    int
}

// Planner builds plans with the LLM and falls back to a fixed template when
// generation fails.
type Planner struct {
	provider llm.Provider
}

// New creates a planner.
func New(provider llm.Provider) *Planner {
	return &Planner{provider: provider}
}

// DetectMode applies the surface heuristics on the topic. FULL is the
// default.
func DetectMode(topic string) core.Mode {
	lower := strings.ToLower(topic)
	for _, trigger := range quickTriggers {
		if strings.Contains(lower, trigger) {
			return core.ModeQuick
		}
	}
	for _, trigger := range fullTriggers {
		if strings.Contains(lower, trigger) {
			return core.ModeFull
		}
	}
	return core.ModeFull
}

// Generate produces a validated plan for the topic. LLM failure degrades to
// the deterministic template plan rather than failing the session.
func (p *Planner) Generate(ctx context.Context, req Request) (*core.Plan, error) {
	mode := DetectMode(req.Topic)

	steps, err := p.llmSteps(ctx, req, mode)
	if err != nil {
		logger.Warn("llm planning failed, using template plan", "error", err.Error())
		steps = templateSteps(req, mode)
	}

	plan := &core.Plan{Mode: mode, Steps: steps}
	if mode == core.ModeQuick {
		// Quick runs stop at the paper list; synthesis steps have nothing to
		// synthesize.
		for i := range plan.Steps {
			if plan.Steps[i].Action == core.ActionSynthesize {
				plan.Steps[i].Action = core.ActionAnalyze
			}
		}
	}
	Validate(plan)
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planner produced no usable steps for topic %q", req.Topic)
	}
	return plan, nil
}

// plannedStep mirrors the JSON shape requested from the model.
type plannedStep struct {
	Action         string         `json:"action"`
	Title          string         `json:"title"`
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args"`
	Queries        []string       `json:"queries"`
	ExpectedOutput string         `json:"expected_output"`
}

func (p *Planner) llmSteps(ctx context.Context, req Request, mode core.Mode) ([]core.PlanStep, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}

	resp, err := p.provider.Generate(ctx, llm.GenerateRequest{
		System:   planSystemPrompt,
		Prompt:   buildPlanPrompt(req, mode),
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	var raw []plannedStep
	if err := json.Unmarshal([]byte(llm.StripFences(resp)), &raw); err != nil {
		return nil, fmt.Errorf("plan response is not valid JSON: %w", err)
	}

	steps := make([]core.PlanStep, 0, len(raw))
	for i, rs := range raw {
		steps = append(steps, core.PlanStep{
			ID:             i + 1,
			Action:         normalizeAction(rs.Action),
			Title:          strings.TrimSpace(rs.Title),
			Tool:           strings.TrimSpace(rs.Tool),
			Args:           rs.Args,
			Queries:        rs.Queries,
			ExpectedOutput: rs.ExpectedOutput,
		})
	}
	return steps, nil
}

const planSystemPrompt = `You are a research planning assistant. You produce ` +
	`step-by-step literature research plans as JSON arrays. Search queries are ` +
	`always written in English, using standard terminology of the field, ` +
	`regardless of the requested report language.`

func buildPlanPrompt(req Request, mode core.Mode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	if len(req.SeedKeywords) > 0 {
		fmt.Fprintf(&b, "Seed keywords: %s\n", strings.Join(req.SeedKeywords, ", "))
	}
	if req.TimeWindow != "" {
		fmt.Fprintf(&b, "Time window: %s\n", req.TimeWindow)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Report language: %s (queries must stay English)\n", req.Language)
	}
	fmt.Fprintf(&b, "Paper budget: %d\n", req.MaxPapers)
	fmt.Fprintf(&b, "Mode: %s\n\n", mode)
	b.WriteString(`Produce a JSON array of steps. Each step: {"action": "research"|"analyze"|"synthesize", ` +
		`"title": string, "tool": one of [search_arxiv, search_openalex, trending_papers, ingest_url] or null, ` +
		`"args": object, "queries": [string], "expected_output": string}. ` +
		`Only research steps may carry a tool or queries. Research steps come first, ` +
		`then analysis, then synthesis. 3 to 7 steps total.`)
	return b.String()
}

// templateSteps is the deterministic fallback plan.
func templateSteps(req Request, mode core.Mode) []core.PlanStep {
	queries := []string{req.Topic}
	queries = append(queries, req.SeedKeywords...)

	steps := []core.PlanStep{
		{
			ID:             1,
			Action:         core.ActionResearch,
			Title:          "Search academic indexes for " + req.Topic,
			Tool:           ToolSearchArxiv,
			Queries:        queries,
			ExpectedOutput: "candidate paper list",
		},
		{
			ID:             2,
			Action:         core.ActionResearch,
			Title:          "Broaden coverage via OpenAlex",
			Tool:           ToolSearchOpenAlex,
			Queries:        queries,
			ExpectedOutput: "additional candidates",
		},
	}
	if mode == core.ModeQuick {
		steps = append(steps, core.PlanStep{
			ID:             3,
			Action:         core.ActionAnalyze,
			Title:          "Compile abstract-level listing",
			ExpectedOutput: "annotated paper list",
		})
		return steps
	}
	steps = append(steps,
		core.PlanStep{
			ID:             3,
			Action:         core.ActionAnalyze,
			Title:          "Screen and extract evidence from included papers",
			ExpectedOutput: "study cards with evidence spans",
		},
		core.PlanStep{
			ID:             4,
			Action:         core.ActionSynthesize,
			Title:          "Cluster findings, derive claims, and write the report",
			ExpectedOutput: "cited research report",
		},
	)
	return steps
}

// Validate enforces the structural contract in place: unknown tools are
// coerced to empty and the step demoted to analysis-only; tools and queries
// are stripped from non-research steps; research steps appearing after the
// first analyze/synthesize step are demoted; ids are renumbered 1-based.
func Validate(p *core.Plan) {
	synthesisSeen := false
	kept := p.Steps[:0]
	for _, s := range p.Steps {
		if s.Title == "" {
			continue
		}
		if s.Tool != "" && !registeredTools[s.Tool] {
			logger.Warn("plan step names unknown tool, demoting", "tool", s.Tool, "title", s.Title)
			s.Tool = ""
			s.Args = nil
			if s.Action == core.ActionResearch {
				s.Action = core.ActionAnalyze
			}
		}
		if s.Action != core.ActionResearch {
			synthesisSeen = true
			s.Tool = ""
			s.Queries = nil
			s.Args = nil
		} else if synthesisSeen {
			// Search after synthesis is forbidden; keep the step as analysis.
			s.Action = core.ActionAnalyze
			s.Tool = ""
			s.Queries = nil
		}
		kept = append(kept, s)
	}
	p.Steps = kept
	for i := range p.Steps {
		p.Steps[i].ID = i + 1
	}
}

func normalizeAction(a string) core.StepAction {
	switch strings.ToLower(strings.TrimSpace(a)) {
	case "research", "search", "collect":
		return core.ActionResearch
	case "synthesize", "write", "report":
		return core.ActionSynthesize
	default:
		return core.ActionAnalyze
	}
}
