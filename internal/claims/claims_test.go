package claims

import (
	"context"
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm/llmtest"
)

func fixture() ([]core.Theme, []core.StudyCard, []core.EvidenceSpan) {
	themes := []core.Theme{{ID: "t1", Label: "Sparse Attention", CardIDs: []string{"c1"}}}
	cards := []core.StudyCard{{ID: "c1", PaperID: "p1"}}
	spans := []core.EvidenceSpan{
		{ID: "p1#aaaaaaaa", PaperID: "p1", Field: core.FieldResult, Snippet: "improves accuracy"},
		{ID: "p1#bbbbbbbb", PaperID: "p1", Field: core.FieldMethod, Snippet: "sparse attention"},
	}
	return themes, cards, spans
}

func TestGenerateValidatesSpanIDs(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"text": "Sparse attention improves accuracy on long contexts.",
	   "evidence_span_ids": ["p1#aaaaaaaa", "p1#bbbbbbbb"], "salience": 0.9},
	  {"text": "This claim cites a fabricated span.",
	   "evidence_span_ids": ["p1#ffffffff"], "salience": 0.8},
	  {"text": "This claim keeps only its valid span.",
	   "evidence_span_ids": ["p1#aaaaaaaa", "p9#deadbeef"], "salience": 0.5}
	]`}
	themes, cards, spans := fixture()
	g := New(fake)
	out, err := g.Generate(context.Background(), themes, cards, spans)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("claims = %d, want fabricated-span claim dropped", len(out))
	}
	if len(out[0].EvidenceSpanIDs) != 2 || out[0].Uncertain {
		t.Errorf("first claim: %+v", out[0])
	}
	if len(out[1].EvidenceSpanIDs) != 1 {
		t.Errorf("invalid span id survived: %v", out[1].EvidenceSpanIDs)
	}
	// Fewer than 2 supporting spans flips the uncertainty flag.
	if !out[1].Uncertain {
		t.Error("single-span claim should be uncertain")
	}
	if out[0].ThemeID != "t1" {
		t.Errorf("theme tag not inherited: %q", out[0].ThemeID)
	}
}

func TestGenerateFlagsHedgedLanguage(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"text": "Some work suggests sparse attention may help.",
	   "evidence_span_ids": ["p1#aaaaaaaa", "p1#bbbbbbbb"], "salience": 0.4}
	]`}
	themes, cards, spans := fixture()
	g := New(fake)
	out, _ := g.Generate(context.Background(), themes, cards, spans)
	if len(out) != 1 || !out[0].Uncertain {
		t.Errorf("hedged claim not flagged: %+v", out)
	}
}

func TestGenerateCapsPerTheme(t *testing.T) {
	entry := `{"text": "claim", "evidence_span_ids": ["p1#aaaaaaaa"], "salience": 0.5}`
	long := "[" + entry
	for i := 0; i < 11; i++ {
		long += "," + entry
	}
	long += "]"
	fake := &llmtest.Fake{Fallback: long}
	themes, cards, spans := fixture()
	g := New(fake)
	out, _ := g.Generate(context.Background(), themes, cards, spans)
	if len(out) != MaxPerTheme {
		t.Errorf("claims = %d, want capped at %d", len(out), MaxPerTheme)
	}
}

func TestGenerateToleratesThemeFailure(t *testing.T) {
	fake := &llmtest.Fake{Fallback: "not json"}
	themes, cards, spans := fixture()
	g := New(fake)
	out, err := g.Generate(context.Background(), themes, cards, spans)
	if err != nil {
		t.Fatalf("theme failure must not fail the phase: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("claims = %d", len(out))
	}
}
