package plan

import (
	"context"
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm/llmtest"
)

func TestDetectMode(t *testing.T) {
	cases := []struct {
		topic string
		want  core.Mode
	}{
		{"quick look at mixture of experts", core.ModeQuick},
		{"just find papers on RLHF", core.ModeQuick},
		{"a comprehensive survey of sparse attention", core.ModeFull},
		{"deep dive into kv-cache compression", core.ModeFull},
		{"retrieval augmented generation", core.ModeFull}, // default
	}
	for _, c := range cases {
		if got := DetectMode(c.topic); got != c.want {
			t.Errorf("DetectMode(%q) = %s, want %s", c.topic, got, c.want)
		}
	}
}

func TestGenerateFromLLM(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"action": "research", "title": "Search arXiv", "tool": "search_arxiv", "queries": ["sparse attention"]},
	  {"action": "research", "title": "Search OpenAlex", "tool": "search_openalex", "queries": ["sparse attention"]},
	  {"action": "analyze", "title": "Extract evidence"},
	  {"action": "synthesize", "title": "Write report"}
	]`}

	p := New(fake)
	plan, err := p.Generate(context.Background(), Request{Topic: "sparse attention survey", MaxPapers: 40})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan.Mode != core.ModeFull {
		t.Errorf("mode = %s", plan.Mode)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("steps = %d", len(plan.Steps))
	}
	for i, s := range plan.Steps {
		if s.ID != i+1 {
			t.Errorf("step %d id = %d", i, s.ID)
		}
	}
	if plan.Steps[0].Tool != ToolSearchArxiv {
		t.Errorf("tool = %q", plan.Steps[0].Tool)
	}
}

func TestGenerateFallsBackToTemplate(t *testing.T) {
	fake := &llmtest.Fake{Fallback: "this is not json"}
	p := New(fake)
	plan, err := p.Generate(context.Background(), Request{Topic: "graph neural networks"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plan.Steps) < 3 {
		t.Errorf("template plan too short: %d steps", len(plan.Steps))
	}
	if plan.Steps[0].Action != core.ActionResearch || plan.Steps[0].Tool == "" {
		t.Errorf("template plan must lead with a tooled research step: %+v", plan.Steps[0])
	}
}

func TestQuickPlanHasNoSynthesisSteps(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"action": "research", "title": "Search", "tool": "search_arxiv", "queries": ["attention"]},
	  {"action": "synthesize", "title": "Write a survey"}
	]`}
	p := New(fake)
	plan, err := p.Generate(context.Background(), Request{Topic: "quick look at attention"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plan.Mode != core.ModeQuick {
		t.Fatalf("mode = %s", plan.Mode)
	}
	for _, s := range plan.Steps {
		if s.Action == core.ActionSynthesize {
			t.Errorf("quick plan carries synthesize step: %+v", s)
		}
	}
}

func TestValidateCoercesUnknownTool(t *testing.T) {
	p := &core.Plan{Steps: []core.PlanStep{
		{ID: 1, Action: core.ActionResearch, Title: "use magic", Tool: "magic_search", Queries: []string{"x"}},
	}}
	Validate(p)
	if p.Steps[0].Tool != "" {
		t.Errorf("unknown tool survived: %q", p.Steps[0].Tool)
	}
	if p.Steps[0].Action != core.ActionAnalyze {
		t.Errorf("step not demoted to analysis: %s", p.Steps[0].Action)
	}
}

func TestValidateForbidsSearchAfterSynthesis(t *testing.T) {
	p := &core.Plan{Steps: []core.PlanStep{
		{ID: 1, Action: core.ActionResearch, Title: "search", Tool: ToolSearchArxiv, Queries: []string{"a"}},
		{ID: 2, Action: core.ActionSynthesize, Title: "write"},
		{ID: 3, Action: core.ActionResearch, Title: "search more", Tool: ToolSearchOpenAlex, Queries: []string{"b"}},
	}}
	Validate(p)
	last := p.Steps[2]
	if last.Action != core.ActionAnalyze || last.Tool != "" || last.Queries != nil {
		t.Errorf("search after synthesis not demoted: %+v", last)
	}
}

func TestValidateStripsToolsFromSynthesis(t *testing.T) {
	p := &core.Plan{Steps: []core.PlanStep{
		{ID: 1, Action: core.ActionSynthesize, Title: "write", Tool: ToolSearchArxiv, Queries: []string{"q"}},
	}}
	Validate(p)
	if p.Steps[0].Tool != "" || p.Steps[0].Queries != nil {
		t.Errorf("synthesis step kept search machinery: %+v", p.Steps[0])
	}
}
