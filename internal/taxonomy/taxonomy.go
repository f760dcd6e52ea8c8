// Package taxonomy builds the themes x dimensions matrix and derives holes
// and contradictions from it.
package taxonomy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

// holeMinCards is the theme size at which an empty cell counts as a hole.
const holeMinCards = 3

// Build assembles the dense matrix over the union of dataset and metric
// labels across all cards. Dimensions are sorted (datasets first, then
// metrics, alphabetical within kind) so the matrix shape is stable.
func Build(themes []core.Theme, cards []core.StudyCard) core.TaxonomyMatrix {
	byID := make(map[string]core.StudyCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	dims := collectDimensions(cards)
	cells := make([][][]string, len(themes))
	for i, theme := range themes {
		cells[i] = make([][]string, len(dims))
		for j, dim := range dims {
			for _, cardID := range theme.CardIDs {
				if mentions(byID[cardID], dim) {
					cells[i][j] = append(cells[i][j], cardID)
				}
			}
		}
	}

	m := core.TaxonomyMatrix{
		Themes:     themes,
		Dimensions: dims,
		Cells:      cells,
	}
	m.Holes = findHoles(m)
	m.Contradictions = findContradictions(m, byID)
	return m
}

func collectDimensions(cards []core.StudyCard) []core.Dimension {
	datasets := map[string]bool{}
	metrics := map[string]bool{}
	for _, c := range cards {
		for _, d := range c.Datasets {
			if n := normalize(d); n != "" {
				datasets[n] = true
			}
		}
		for _, m := range c.Metrics {
			if n := normalize(m); n != "" {
				metrics[n] = true
			}
		}
	}

	dims := make([]core.Dimension, 0, len(datasets)+len(metrics))
	for _, name := range sortedKeys(datasets) {
		dims = append(dims, core.Dimension{Name: name, Kind: core.DimDataset})
	}
	for _, name := range sortedKeys(metrics) {
		dims = append(dims, core.Dimension{Name: name, Kind: core.DimMetric})
	}
	return dims
}

func mentions(card core.StudyCard, dim core.Dimension) bool {
	var labels []string
	if dim.Kind == core.DimDataset {
		labels = card.Datasets
	} else {
		labels = card.Metrics
	}
	for _, l := range labels {
		if normalize(l) == dim.Name {
			return true
		}
	}
	return false
}

// findHoles returns empty cells in themes with enough cards that the
// absence is informative.
func findHoles(m core.TaxonomyMatrix) []core.Hole {
	var holes []core.Hole
	for i, theme := range m.Themes {
		if len(theme.CardIDs) < holeMinCards {
			continue
		}
		for j, dim := range m.Dimensions {
			if len(m.Cells[i][j]) == 0 {
				holes = append(holes, core.Hole{ThemeID: theme.ID, Dimension: dim})
			}
		}
	}
	return holes
}

// findContradictions reports card pairs in the same theme whose results
// state opposite numeric directions for a shared (dataset, metric) pair.
func findContradictions(m core.TaxonomyMatrix, byID map[string]core.StudyCard) []core.Contradiction {
	var out []core.Contradiction
	for _, theme := range m.Themes {
		for _, dataset := range datasetsOf(m.Dimensions) {
			for _, metric := range metricsOf(m.Dimensions) {
				var cardIDs []string
				for _, id := range theme.CardIDs {
					c := byID[id]
					if mentions(c, core.Dimension{Name: dataset, Kind: core.DimDataset}) &&
						mentions(c, core.Dimension{Name: metric, Kind: core.DimMetric}) {
						cardIDs = append(cardIDs, id)
					}
				}
				for a := 0; a < len(cardIDs); a++ {
					for b := a + 1; b < len(cardIDs); b++ {
						da := resultDirection(byID[cardIDs[a]].Results)
						db := resultDirection(byID[cardIDs[b]].Results)
						if da != 0 && db != 0 && da != db {
							out = append(out, core.Contradiction{
								ThemeID: theme.ID,
								Dataset: dataset,
								Metric:  metric,
								CardA:   cardIDs[a],
								CardB:   cardIDs[b],
							})
						}
					}
				}
			}
		}
	}
	return out
}

var improveWords = regexp.MustCompile(`\b(improv|increas|outperform|gain|boost|higher|better|reduc\w* error)`)
var degradeWords = regexp.MustCompile(`\b(degrad|decreas|underperform|drop|lower|worse|hurt)`)

// resultDirection classifies a results summary as +1 (improvement), -1
// (degradation), or 0 (no clear numeric direction).
func resultDirection(results string) int {
	lower := strings.ToLower(results)
	if !containsNumber(lower) {
		return 0
	}
	up := improveWords.MatchString(lower)
	down := degradeWords.MatchString(lower)
	switch {
	case up && !down:
		return 1
	case down && !up:
		return -1
	default:
		return 0
	}
}

func containsNumber(s string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '%' || r == '(' || r == ')' || r == ','
	}) {
		if _, err := strconv.ParseFloat(strings.TrimSuffix(f, "."), 64); err == nil {
			return true
		}
	}
	return false
}

func datasetsOf(dims []core.Dimension) []string {
	var out []string
	for _, d := range dims {
		if d.Kind == core.DimDataset {
			out = append(out, d.Name)
		}
	}
	return out
}

func metricsOf(dims []core.Dimension) []string {
	var out []string
	for _, d := range dims {
		if d.Kind == core.DimMetric {
			out = append(out, d.Name)
		}
	}
	return out
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
