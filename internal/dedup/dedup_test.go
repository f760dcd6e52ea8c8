package dedup

import (
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

func TestLCSRatio(t *testing.T) {
	if r := LCSRatio("abc", "abc"); r != 1 {
		t.Errorf("identical strings ratio = %f", r)
	}
	if r := LCSRatio("abc", "xyz"); r != 0 {
		t.Errorf("disjoint strings ratio = %f", r)
	}
	if r := LCSRatio("", ""); r != 1 {
		t.Errorf("empty strings ratio = %f", r)
	}
	// Near-identical titles score above the 0.85 threshold.
	a := "attention is all you need"
	b := "attention is all you need."
	if r := LCSRatio(a, b); r < 0.85 {
		t.Errorf("near-identical titles ratio = %f, want >= 0.85", r)
	}
}

func TestDedupByArxivID(t *testing.T) {
	d := New(0)
	papers := []core.Paper{
		{ID: "a", Title: "Paper One", ArxivID: "2101.00001v1", Source: core.SourceArxiv},
		{ID: "b", Title: "Paper One (v2)", ArxivID: "2101.00001v2", Source: core.SourceOpenAlex},
	}
	out := d.Dedup(papers)
	if len(out) != 1 {
		t.Fatalf("expected 1 unique paper, got %d", len(out))
	}
}

func TestDedupByDOI(t *testing.T) {
	d := New(0)
	papers := []core.Paper{
		{ID: "a", Title: "Completely different title one", DOI: "10.1000/XYZ", Source: core.SourceOpenAlex},
		{ID: "b", Title: "Another unrelated name entirely", DOI: "https://doi.org/10.1000/xyz", Source: core.SourceURL},
	}
	out := d.Dedup(papers)
	if len(out) != 1 {
		t.Fatalf("expected 1 unique paper, got %d", len(out))
	}
}

func TestDedupByFingerprintCaseAndSourcePriority(t *testing.T) {
	d := New(0)
	// S3: identical titles differing only in case, identical first author,
	// different source tags -> one paper with the higher-priority tag.
	papers := []core.Paper{
		{ID: "a", Title: "Transformers At Scale", Authors: []string{"Smith"}, Source: core.SourceHuggingFace},
		{ID: "b", Title: "transformers at scale", Authors: []string{"smith"}, Source: core.SourceArxiv},
	}
	out := d.Dedup(papers)
	if len(out) != 1 {
		t.Fatalf("expected 1 unique paper, got %d", len(out))
	}
	if out[0].Source != core.SourceArxiv {
		t.Errorf("survivor source = %s, want arxiv", out[0].Source)
	}
}

func TestDedupPrefersRicherMetadata(t *testing.T) {
	d := New(0)
	papers := []core.Paper{
		{ID: "a", Title: "Shared Title", Authors: []string{"Lee"}, Source: core.SourceArxiv},
		{
			ID: "b", Title: "Shared Title", Authors: []string{"Lee"},
			Source: core.SourceOpenAlex, DOI: "10.1/abc", Abstract: "full abstract", PDFURL: "http://x/p.pdf",
		},
	}
	out := d.Dedup(papers)
	if len(out) != 1 {
		t.Fatalf("expected 1 unique paper, got %d", len(out))
	}
	if out[0].ID != "b" {
		t.Errorf("richer record should win, got %s", out[0].ID)
	}
}

func TestDedupFuzzyTitle(t *testing.T) {
	d := New(0.85)
	papers := []core.Paper{
		{ID: "a", Title: "BERT: Pre-training of Deep Bidirectional Transformers", Authors: []string{"Devlin"}, Source: core.SourceArxiv},
		{ID: "b", Title: "BERT: Pre-training of Deep Bidirectional Transformer", Authors: []string{"J. Devlin"}, Source: core.SourceOpenAlex},
		{ID: "c", Title: "An Entirely Unrelated Study of Fish Migration", Authors: []string{"Au"}, Source: core.SourceOpenAlex},
	}
	out := d.Dedup(papers)
	if len(out) != 2 {
		t.Fatalf("expected 2 unique papers, got %d", len(out))
	}
}

func TestDedupPostcondition(t *testing.T) {
	d := New(0)
	papers := []core.Paper{
		{ID: "a", Title: "Alpha Beta Gamma", Authors: []string{"X"}, ArxivID: "2101.00001", Source: core.SourceArxiv},
		{ID: "b", Title: "alpha beta gamma", Authors: []string{"x"}, Source: core.SourceOpenAlex},
		{ID: "c", Title: "Delta Epsilon", Authors: []string{"Y"}, DOI: "10.2/d", Source: core.SourceOpenAlex},
		{ID: "d", Title: "Delta Epsilon", Authors: []string{"Y"}, DOI: "10.2/D", Source: core.SourceURL},
		{ID: "e", Title: "Wholly Distinct Work", Authors: []string{"Z"}, Source: core.SourceHuggingFace},
	}
	out := d.Dedup(papers)
	// No surviving pair may satisfy the duplicate predicate.
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if d.IsDuplicate(out[i], out[j]) {
				t.Errorf("papers %s and %s still duplicates after dedup", out[i].ID, out[j].ID)
			}
		}
	}
	if len(out) != 3 {
		t.Errorf("expected 3 unique papers, got %d", len(out))
	}
}

func TestMergeFillsEmptyFields(t *testing.T) {
	d := New(0)
	papers := []core.Paper{
		{ID: "a", Title: "Shared", Authors: []string{"A"}, ArxivID: "2101.00002", Abstract: "abs", Source: core.SourceArxiv},
		{ID: "b", Title: "Shared", Authors: []string{"A"}, ArxivID: "2101.00002", DOI: "10.3/z", Source: core.SourceOpenAlex},
	}
	out := d.Dedup(papers)
	if len(out) != 1 {
		t.Fatalf("expected 1, got %d", len(out))
	}
	if out[0].DOI != "10.3/z" || out[0].Abstract != "abs" {
		t.Errorf("merge should fill empty fields from loser: %+v", out[0])
	}
}
