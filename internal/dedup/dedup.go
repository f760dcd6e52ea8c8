// Package dedup eliminates duplicate paper records fused from multiple
// academic sources.
//
// Four levels are applied in order: normalized arXiv id, normalized DOI,
// title+first-author fingerprint, then fuzzy title similarity. When two
// records collide, the one with more populated metadata wins; source
// priority (arxiv > openalex > huggingface > url) breaks remaining ties.
package dedup

import (
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// DefaultTitleSimilarity is the LCS-ratio threshold for the fuzzy level.
// A tuning knob, not an invariant.
const DefaultTitleSimilarity = 0.85

// Deduper holds the fuzzy threshold.
type Deduper struct {
	titleSimilarity float64
}

// New creates a Deduper. A non-positive threshold selects the default.
func New(titleSimilarity float64) *Deduper {
	if titleSimilarity <= 0 {
		titleSimilarity = DefaultTitleSimilarity
	}
	return &Deduper{titleSimilarity: titleSimilarity}
}

// Dedup returns papers with all duplicates eliminated. Input order is
// preserved for survivors; a losing duplicate's richer fields are merged
// into the survivor.
func (d *Deduper) Dedup(papers []core.Paper) []core.Paper {
	var unique []core.Paper

	byArxiv := make(map[string]int)
	byDOI := make(map[string]int)
	byFingerprint := make(map[string]int)

	for _, p := range papers {
		p.ArxivID = core.NormalizeArxivID(p.ArxivID)
		p.DOI = core.NormalizeDOI(p.DOI)
		if p.MetadataHash == "" {
			p.MetadataHash = core.Fingerprint(p.Title, core.FirstAuthor(p.Authors))
		}

		idx := -1
		switch {
		case p.ArxivID != "" && lookup(byArxiv, p.ArxivID) >= 0:
			idx = byArxiv[p.ArxivID]
		case p.DOI != "" && lookup(byDOI, p.DOI) >= 0:
			idx = byDOI[p.DOI]
		case lookup(byFingerprint, p.MetadataHash) >= 0:
			idx = byFingerprint[p.MetadataHash]
		default:
			idx = d.fuzzyMatch(unique, p.Title)
		}

		if idx >= 0 {
			merged := merge(unique[idx], p)
			unique[idx] = merged
			logger.Debug("dedup merged record", "title", p.Title, "source", string(p.Source))
		} else {
			unique = append(unique, p)
			idx = len(unique) - 1
		}

		// Index the survivor's keys so later records collide with it.
		surv := unique[idx]
		if surv.ArxivID != "" {
			byArxiv[surv.ArxivID] = idx
		}
		if surv.DOI != "" {
			byDOI[surv.DOI] = idx
		}
		byFingerprint[surv.MetadataHash] = idx
	}

	return unique
}

// IsDuplicate reports whether the 4-level predicate declares two papers the
// same work.
func (d *Deduper) IsDuplicate(a, b core.Paper) bool {
	aArxiv, bArxiv := core.NormalizeArxivID(a.ArxivID), core.NormalizeArxivID(b.ArxivID)
	if aArxiv != "" && aArxiv == bArxiv {
		return true
	}
	aDOI, bDOI := core.NormalizeDOI(a.DOI), core.NormalizeDOI(b.DOI)
	if aDOI != "" && aDOI == bDOI {
		return true
	}
	if core.Fingerprint(a.Title, core.FirstAuthor(a.Authors)) == core.Fingerprint(b.Title, core.FirstAuthor(b.Authors)) {
		return true
	}
	return LCSRatio(strings.ToLower(a.Title), strings.ToLower(b.Title)) >= d.titleSimilarity
}

func (d *Deduper) fuzzyMatch(unique []core.Paper, title string) int {
	lower := strings.ToLower(title)
	for i, u := range unique {
		if LCSRatio(lower, strings.ToLower(u.Title)) >= d.titleSimilarity {
			return i
		}
	}
	return -1
}

func lookup(m map[string]int, key string) int {
	if i, ok := m[key]; ok {
		return i
	}
	return -1
}

// merge keeps the record with more populated metadata, falling back to
// source priority, and fills the winner's empty fields from the loser.
func merge(a, b core.Paper) core.Paper {
	winner, loser := a, b
	ac, bc := populatedFields(a), populatedFields(b)
	if bc > ac || (bc == ac && core.SourcePriority(b.Source) < core.SourcePriority(a.Source)) {
		winner, loser = b, a
	}

	if winner.ArxivID == "" {
		winner.ArxivID = loser.ArxivID
	}
	if winner.DOI == "" {
		winner.DOI = loser.DOI
	}
	if winner.Abstract == "" {
		winner.Abstract = loser.Abstract
	}
	if winner.PDFURL == "" {
		winner.PDFURL = loser.PDFURL
	}
	if winner.LandingURL == "" {
		winner.LandingURL = loser.LandingURL
	}
	if winner.Published.IsZero() {
		winner.Published = loser.Published
	}
	if len(winner.Authors) == 0 {
		winner.Authors = loser.Authors
	}
	return winner
}

func populatedFields(p core.Paper) int {
	n := 0
	for _, s := range []string{p.ArxivID, p.DOI, p.Abstract, p.PDFURL, p.LandingURL} {
		if s != "" {
			n++
		}
	}
	if !p.Published.IsZero() {
		n++
	}
	if len(p.Authors) > 0 {
		n++
	}
	return n
}

// LCSRatio computes the longest-common-subsequence similarity of two
// strings: 2*LCS / (len(a)+len(b)), in [0,1].
func LCSRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	// Rolling single-row DP keeps memory at O(min(len)).
	if len(b) < len(a) {
		a, b = b, a
	}
	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := 1; i <= len(b); i++ {
		for j := 1; j <= len(a); j++ {
			if b[i-1] == a[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(a)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}
