// Package gaps mines future research directions from limitations, taxonomy
// holes, and contradictions.
package gaps

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

// MaxDirections per session.
const MaxDirections = 10

// DirectionKind names where a direction came from.
type DirectionKind string

const (
	KindLimitation    DirectionKind = "limitation"
	KindHole          DirectionKind = "hole"
	KindContradiction DirectionKind = "contradiction"
)

// Direction is one proposed future research direction. Every direction cites
// at least one evidence span.
type Direction struct {
	ID              string        `json:"id"`
	Kind            DirectionKind `json:"kind"`
	Text            string        `json:"text"`
	ThemeID         string        `json:"theme_id,omitempty"`
	EvidenceSpanIDs []string      `json:"evidence_span_ids"`
	Score           float64       `json:"score"` // frequency x cluster size
}

// Mine derives at most MaxDirections directions, ranked by score. Candidates
// that cannot cite any span are discarded.
func Mine(matrix core.TaxonomyMatrix, cards []core.StudyCard, spans []core.EvidenceSpan) []Direction {
	cardByID := make(map[string]core.StudyCard, len(cards))
	for _, c := range cards {
		cardByID[c.ID] = c
	}
	spanByID := make(map[string]core.EvidenceSpan, len(spans))
	for _, s := range spans {
		spanByID[s.ID] = s
	}

	var out []Direction
	out = append(out, limitationDirections(matrix.Themes, cardByID, spanByID)...)
	out = append(out, holeDirections(matrix, cardByID, spanByID)...)
	out = append(out, contradictionDirections(matrix, cardByID, spanByID)...)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > MaxDirections {
		out = out[:MaxDirections]
	}
	return out
}

// limitationDirections proposes one direction per theme built from its most
// frequently echoed limitation. Frequency counts limitation spans in the
// theme sharing a significant token with the chosen one.
func limitationDirections(themes []core.Theme, cardByID map[string]core.StudyCard, spanByID map[string]core.EvidenceSpan) []Direction {
	var out []Direction
	for _, theme := range themes {
		lims := themeLimitationSpans(theme, cardByID, spanByID)
		if len(lims) == 0 {
			continue
		}

		best, bestFreq := lims[0], 0
		for _, candidate := range lims {
			freq := 0
			for _, other := range lims {
				if sharesToken(candidate.Snippet, other.Snippet) {
					freq++
				}
			}
			if freq > bestFreq {
				best, bestFreq = candidate, freq
			}
		}

		ids := []string{best.ID}
		for _, other := range lims {
			if other.ID != best.ID && sharesToken(best.Snippet, other.Snippet) {
				ids = append(ids, other.ID)
			}
		}
		out = append(out, Direction{
			ID:              uuid.NewString(),
			Kind:            KindLimitation,
			Text:            fmt.Sprintf("Address the recurring limitation in %q: %s", themeLabel(theme), best.Snippet),
			ThemeID:         theme.ID,
			EvidenceSpanIDs: ids,
			Score:           float64(bestFreq * len(theme.CardIDs)),
		})
	}
	return out
}

func holeDirections(matrix core.TaxonomyMatrix, cardByID map[string]core.StudyCard, spanByID map[string]core.EvidenceSpan) []Direction {
	themeByID := make(map[string]core.Theme, len(matrix.Themes))
	for _, t := range matrix.Themes {
		themeByID[t.ID] = t
	}

	var out []Direction
	for _, hole := range matrix.Holes {
		theme := themeByID[hole.ThemeID]
		// A hole direction still needs a citation; borrow any span from the
		// theme's cards, preferring limitations.
		ids := anySpanIDs(theme, cardByID, spanByID)
		if len(ids) == 0 {
			continue
		}
		out = append(out, Direction{
			ID:   uuid.NewString(),
			Kind: KindHole,
			Text: fmt.Sprintf("No work in %q evaluates on %s %q; extending coverage there is open",
				themeLabel(theme), hole.Dimension.Kind, hole.Dimension.Name),
			ThemeID:         theme.ID,
			EvidenceSpanIDs: ids,
			Score:           float64(len(theme.CardIDs)),
		})
	}
	return out
}

func contradictionDirections(matrix core.TaxonomyMatrix, cardByID map[string]core.StudyCard, spanByID map[string]core.EvidenceSpan) []Direction {
	themeByID := make(map[string]core.Theme, len(matrix.Themes))
	for _, t := range matrix.Themes {
		themeByID[t.ID] = t
	}

	var out []Direction
	for _, c := range matrix.Contradictions {
		theme := themeByID[c.ThemeID]
		var ids []string
		for _, cardID := range []string{c.CardA, c.CardB} {
			for _, id := range cardByID[cardID].EvidenceSpanIDs {
				if span, ok := spanByID[id]; ok && span.Field == core.FieldResult {
					ids = append(ids, id)
					break
				}
			}
		}
		if len(ids) == 0 {
			continue
		}
		out = append(out, Direction{
			ID:   uuid.NewString(),
			Kind: KindContradiction,
			Text: fmt.Sprintf("Reconcile conflicting results on %s/%s within %q",
				c.Dataset, c.Metric, themeLabel(theme)),
			ThemeID:         theme.ID,
			EvidenceSpanIDs: ids,
			Score:           2 * float64(len(theme.CardIDs)),
		})
	}
	return out
}

func themeLimitationSpans(theme core.Theme, cardByID map[string]core.StudyCard, spanByID map[string]core.EvidenceSpan) []core.EvidenceSpan {
	var lims []core.EvidenceSpan
	for _, cardID := range theme.CardIDs {
		for _, spanID := range cardByID[cardID].EvidenceSpanIDs {
			if span, ok := spanByID[spanID]; ok && span.Field == core.FieldLimitation {
				lims = append(lims, span)
			}
		}
	}
	return lims
}

func anySpanIDs(theme core.Theme, cardByID map[string]core.StudyCard, spanByID map[string]core.EvidenceSpan) []string {
	var fallback []string
	for _, cardID := range theme.CardIDs {
		for _, spanID := range cardByID[cardID].EvidenceSpanIDs {
			span, ok := spanByID[spanID]
			if !ok {
				continue
			}
			if span.Field == core.FieldLimitation {
				return []string{span.ID}
			}
			if len(fallback) == 0 {
				fallback = []string{span.ID}
			}
		}
	}
	return fallback
}

func themeLabel(t core.Theme) string {
	if t.Label != "" {
		return t.Label
	}
	return t.ID
}

var gapStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "our": true,
	"this": true, "that": true, "not": true, "are": true, "has": true,
	"have": true, "does": true, "from": true, "only": true, "its": true,
}

// sharesToken reports whether two snippets share a significant token.
func sharesToken(a, b string) bool {
	set := map[string]bool{}
	for _, t := range significantTokens(a) {
		set[t] = true
	}
	for _, t := range significantTokens(b) {
		if set[t] {
			return true
		}
	}
	return false
}

func significantTokens(s string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, `"'.,;:!?()`)
		if len(f) < 4 || gapStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}
