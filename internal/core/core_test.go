package core

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSpanIDDeterministic(t *testing.T) {
	a := SpanID("P1", "we use a 12-layer encoder")
	b := SpanID("P1", "we use a 12-layer encoder")
	if a != b {
		t.Errorf("span id not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "P1#") {
		t.Errorf("span id should be prefixed with paper id, got %s", a)
	}
	if len(a) != len("P1#")+8 {
		t.Errorf("span id hash suffix should be 8 hex chars, got %s", a)
	}
}

func TestSpanIDTruncatesBeforeHashing(t *testing.T) {
	long := strings.Repeat("x", MaxSnippetLen+50)
	exact := long[:MaxSnippetLen]
	if SpanID("P", long) != SpanID("P", exact) {
		t.Error("snippets beyond the cap must hash identically to their truncation")
	}
	// A snippet of exactly the cap length is stable too.
	if SpanID("P", exact) != SpanID("P", exact) {
		t.Error("exact-length snippet id not stable")
	}
}

func TestFingerprintCaseInsensitive(t *testing.T) {
	a := Fingerprint("Attention Is All You Need", "Vaswani")
	b := Fingerprint("attention is all you need", "vaswani")
	if a != b {
		t.Error("fingerprint should be case-insensitive")
	}
	c := Fingerprint("attention is all you need", "devlin")
	if a == c {
		t.Error("different first authors must produce different fingerprints")
	}
}

func TestNormalizeArxivID(t *testing.T) {
	cases := map[string]string{
		"2101.00001v3":    "2101.00001",
		"arXiv:2101.00001": "2101.00001",
		"1706.03762":      "1706.03762",
		"hep-th/9901001v2": "hep-th/9901001",
	}
	for in, want := range cases {
		if got := NormalizeArxivID(in); got != want {
			t.Errorf("NormalizeArxivID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeDOI(t *testing.T) {
	if got := NormalizeDOI("https://doi.org/10.1000/XYZ123"); got != "10.1000/xyz123" {
		t.Errorf("got %q", got)
	}
}

func TestPhaseSequences(t *testing.T) {
	full := PhaseSequence(ModeFull)
	if full[0] != PhaseIdle || full[len(full)-1] != PhaseComplete {
		t.Error("FULL sequence must run IDLE..COMPLETE")
	}
	quick := PhaseSequence(ModeQuick)
	if len(quick) >= len(full) {
		t.Error("QUICK sequence must be shorter than FULL")
	}
	for _, p := range []Phase{PhaseScreening, PhaseEvidenceExtraction, PhaseCitationAudit} {
		if PhaseIndex(ModeQuick, p) != -1 {
			t.Errorf("QUICK mode must not include %s", p)
		}
	}
}

func TestNextPhase(t *testing.T) {
	if got := NextPhase(ModeFull, PhaseScreening); got != PhaseGatePDF {
		t.Errorf("after SCREENING want GATE_PDF, got %s", got)
	}
	if got := NextPhase(ModeQuick, PhasePersist); got != PhaseComplete {
		t.Errorf("QUICK after PERSIST want COMPLETE, got %s", got)
	}
	if got := NextPhase(ModeFull, PhaseComplete); got != PhaseComplete {
		t.Errorf("COMPLETE is terminal, got %s", got)
	}
}

func TestValidHistory(t *testing.T) {
	ok := []Phase{PhaseIdle, PhasePlanning, PhaseCollection}
	if !ValidHistory(ModeFull, ok) {
		t.Error("prefix of FULL sequence should validate")
	}
	bad := []Phase{PhaseIdle, PhaseCollection}
	if ValidHistory(ModeFull, bad) {
		t.Error("out-of-order history should not validate")
	}
}

func TestStatusAdvances(t *testing.T) {
	if !StatusAdvances(StatusRaw, StatusScreened) {
		t.Error("RAW -> SCREENED advances")
	}
	if StatusAdvances(StatusExtracted, StatusScreened) {
		t.Error("EXTRACTED -> SCREENED must not advance")
	}
}

func TestStudyCardRoundTrip(t *testing.T) {
	card := StudyCard{
		ID:              "card-1",
		PaperID:         "P1",
		Problem:         "long-context degradation",
		Method:          "sparse attention",
		Results:         "2x speedup at equal perplexity",
		Datasets:        []string{"wikitext-103"},
		Metrics:         []string{"perplexity"},
		EvidenceSpanIDs: []string{SpanID("P1", "sparse attention reduces cost")},
	}
	data, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back StudyCard
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != card.ID || back.Problem != card.Problem || len(back.EvidenceSpanIDs) != 1 {
		t.Errorf("round trip changed card: %+v", back)
	}
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{}.Normalize()
	if o.Mode != ModeFull {
		t.Errorf("default mode should be FULL, got %s", o.Mode)
	}
	if o.ScreeningBatchSize != DefaultScreeningBatchSize {
		t.Errorf("default batch size = %d", o.ScreeningBatchSize)
	}
	if o.AuditPassRateFloor != DefaultAuditFloor {
		t.Errorf("default audit floor = %f", o.AuditPassRateFloor)
	}
	// Explicit values survive.
	o2 := Options{Mode: ModeQuick, MaxPapersTotal: 20}.Normalize()
	if o2.Mode != ModeQuick || o2.MaxPapersTotal != 20 {
		t.Error("explicit options must not be overwritten")
	}
}
