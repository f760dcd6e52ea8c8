package screen

import (
	"context"
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm/llmtest"
)

func paperBatch(n int) []core.Paper {
	papers := make([]core.Paper, n)
	for i := range papers {
		papers[i] = core.Paper{ID: string(rune('a' + i)), Title: "Paper", Abstract: "About things."}
	}
	return papers
}

func TestScreenParsesVerdicts(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"paper_id": "a", "tier": "core", "reason_code": "relevant", "rationale": "on topic", "scored_relevance": 9},
	  {"paper_id": "b", "tier": "exclude", "reason_code": "out_of_scope", "rationale": "off topic", "scored_relevance": 1}
	]`}
	s := New(fake, 15)
	records, err := s.Screen(context.Background(), "s1", "topic", paperBatch(2))
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0].Tier != core.TierCore || !records[0].Include {
		t.Errorf("record a: %+v", records[0])
	}
	if records[1].Tier != core.TierExclude || records[1].Include {
		t.Errorf("record b: %+v", records[1])
	}
}

func TestScreenEchoPreventsMisalignment(t *testing.T) {
	// Response lists papers in reverse order; paper_id echo must realign.
	fake := &llmtest.Fake{Fallback: `[
	  {"paper_id": "b", "tier": "exclude", "reason_code": "out_of_scope", "scored_relevance": 0},
	  {"paper_id": "a", "tier": "core", "reason_code": "relevant", "scored_relevance": 8}
	]`}
	s := New(fake, 15)
	records, _ := s.Screen(context.Background(), "s1", "topic", paperBatch(2))
	if records[0].PaperID != "a" || records[0].Tier != core.TierCore {
		t.Errorf("misaligned record: %+v", records[0])
	}
}

func TestScreenFailsOpenOnBadJSON(t *testing.T) {
	fake := &llmtest.Fake{Fallback: "I refuse to answer in JSON."}
	s := New(fake, 15)
	records, err := s.Screen(context.Background(), "s1", "topic", paperBatch(3))
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	for _, r := range records {
		if r.Tier != core.TierCore || r.ReasonCode != core.ReasonParseFailure || !r.Include {
			t.Errorf("fail-open record wrong: %+v", r)
		}
	}
}

func TestScreenFailsOpenForMissingPaper(t *testing.T) {
	fake := &llmtest.Fake{Fallback: `[
	  {"paper_id": "a", "tier": "core", "reason_code": "relevant", "scored_relevance": 7}
	]`}
	s := New(fake, 15)
	records, _ := s.Screen(context.Background(), "s1", "topic", paperBatch(2))
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[1].ReasonCode != core.ReasonParseFailure || !records[1].Include {
		t.Errorf("missing paper should fail open: %+v", records[1])
	}
}

func TestScreenBatches(t *testing.T) {
	fake := &llmtest.Fake{Fallback: "not json"} // every batch fails open
	s := New(fake, 2)
	records, err := s.Screen(context.Background(), "s1", "topic", paperBatch(5))
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if len(records) != 5 {
		t.Errorf("records = %d", len(records))
	}
	if fake.CallCount() != 3 {
		t.Errorf("batches = %d, want 3", fake.CallCount())
	}
}

func TestBatchOverride(t *testing.T) {
	fake := &llmtest.Fake{Fallback: "not json"} // every batch fails open
	s := New(fake, 15)
	if s.Batch(0) != s || s.Batch(15) != s {
		t.Error("no-op override must keep the screener")
	}

	// A per-session batch size reshapes the call pattern without touching
	// the original screener.
	if _, err := s.Batch(2).Screen(context.Background(), "s1", "topic", paperBatch(5)); err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if fake.CallCount() != 3 {
		t.Errorf("batches = %d, want 3", fake.CallCount())
	}
	if s.batchSize != 15 {
		t.Errorf("original batch size changed to %d", s.batchSize)
	}
}

func TestIncludedAndSummary(t *testing.T) {
	papers := paperBatch(3)
	records := []core.ScreeningRecord{
		{PaperID: "a", Tier: core.TierCore, Include: true},
		{PaperID: "b", Tier: core.TierExclude, Include: false},
		{PaperID: "c", Tier: core.TierBackground, Include: true},
	}
	kept := Included(papers, records)
	if len(kept) != 2 || kept[0].ID != "a" || kept[1].ID != "c" {
		t.Errorf("kept = %+v", kept)
	}
	counts := Summary(records)
	if counts["core"] != 1 || counts["background"] != 1 || counts["exclude"] != 1 {
		t.Errorf("summary = %v", counts)
	}
}
