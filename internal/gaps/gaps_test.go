package gaps

import (
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

func fixture() (core.TaxonomyMatrix, []core.StudyCard, []core.EvidenceSpan) {
	spans := []core.EvidenceSpan{
		{ID: "s1", PaperID: "p1", Field: core.FieldLimitation, Snippet: "high memory overhead during training"},
		{ID: "s2", PaperID: "p2", Field: core.FieldLimitation, Snippet: "memory overhead limits batch size"},
		{ID: "s3", PaperID: "p3", Field: core.FieldLimitation, Snippet: "restricted to English corpora"},
		{ID: "s4", PaperID: "p1", Field: core.FieldResult, Snippet: "improves accuracy by 3 points"},
		{ID: "s5", PaperID: "p2", Field: core.FieldResult, Snippet: "accuracy drops 2 points"},
	}
	cards := []core.StudyCard{
		{ID: "c1", PaperID: "p1", EvidenceSpanIDs: []string{"s1", "s4"}},
		{ID: "c2", PaperID: "p2", EvidenceSpanIDs: []string{"s2", "s5"}},
		{ID: "c3", PaperID: "p3", EvidenceSpanIDs: []string{"s3"}},
	}
	theme := core.Theme{ID: "t1", Label: "Efficient Attention", CardIDs: []string{"c1", "c2", "c3"}}
	matrix := core.TaxonomyMatrix{
		Themes: []core.Theme{theme},
		Holes: []core.Hole{
			{ThemeID: "t1", Dimension: core.Dimension{Name: "wikitext", Kind: core.DimDataset}},
		},
		Contradictions: []core.Contradiction{
			{ThemeID: "t1", Dataset: "longbench", Metric: "rouge-l", CardA: "c1", CardB: "c2"},
		},
	}
	return matrix, cards, spans
}

func TestMineProducesAllThreeKinds(t *testing.T) {
	matrix, cards, spans := fixture()
	dirs := Mine(matrix, cards, spans)

	kinds := map[DirectionKind]int{}
	for _, d := range dirs {
		kinds[d.Kind]++
		if len(d.EvidenceSpanIDs) == 0 {
			t.Errorf("direction without citation: %+v", d)
		}
	}
	if kinds[KindLimitation] != 1 || kinds[KindHole] != 1 || kinds[KindContradiction] != 1 {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestMinePicksRecurringLimitation(t *testing.T) {
	matrix, cards, spans := fixture()
	dirs := Mine(matrix, cards, spans)

	var lim *Direction
	for i := range dirs {
		if dirs[i].Kind == KindLimitation {
			lim = &dirs[i]
		}
	}
	if lim == nil {
		t.Fatal("no limitation direction")
	}
	// "memory overhead" recurs twice; the English-only limitation once.
	if len(lim.EvidenceSpanIDs) != 2 {
		t.Errorf("recurring limitation should cite both spans: %v", lim.EvidenceSpanIDs)
	}
	// frequency 2 x cluster size 3.
	if lim.Score != 6 {
		t.Errorf("score = %f, want 6", lim.Score)
	}
}

func TestMineRanksAndCaps(t *testing.T) {
	matrix, cards, spans := fixture()
	// Inflate holes to exceed the cap.
	for i := 0; i < 15; i++ {
		matrix.Holes = append(matrix.Holes, core.Hole{
			ThemeID:   "t1",
			Dimension: core.Dimension{Name: "dim", Kind: core.DimMetric},
		})
	}
	dirs := Mine(matrix, cards, spans)
	if len(dirs) != MaxDirections {
		t.Fatalf("directions = %d, want %d", len(dirs), MaxDirections)
	}
	for i := 1; i < len(dirs); i++ {
		if dirs[i].Score > dirs[i-1].Score {
			t.Errorf("directions not sorted by score at %d", i)
		}
	}
	// The strongest signal (recurring limitation, score 6) ranks first.
	if dirs[0].Kind != KindLimitation {
		t.Errorf("top direction = %+v", dirs[0])
	}
}

func TestMineSkipsUnciteableHole(t *testing.T) {
	matrix := core.TaxonomyMatrix{
		Themes: []core.Theme{{ID: "t1", CardIDs: []string{"c1"}}},
		Holes:  []core.Hole{{ThemeID: "t1", Dimension: core.Dimension{Name: "x", Kind: core.DimMetric}}},
	}
	// Card exists but its spans are unknown, so nothing can be cited.
	cards := []core.StudyCard{{ID: "c1", PaperID: "p1", EvidenceSpanIDs: []string{"ghost"}}}
	if dirs := Mine(matrix, cards, nil); len(dirs) != 0 {
		t.Errorf("unciteable hole produced directions: %+v", dirs)
	}
}
