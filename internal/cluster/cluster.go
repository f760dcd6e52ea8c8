// Package cluster groups study cards into themes by embedding similarity.
package cluster

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// MinClusterSize below which members fall into the miscellaneous theme.
const MinClusterSize = 3

// DefaultSimilarityThreshold for joining a cluster.
const DefaultSimilarityThreshold = 0.80

// MiscThemeID is the stable id of the catch-all theme.
const MiscThemeID = "theme-misc"

// Clusterer assigns cards to themes. Embeddings come from the provider;
// theme labels from a single labelling call with a deterministic fallback.
type Clusterer struct {
	provider  llm.Provider
	threshold float64
	minSize   int
}

// New creates a clusterer. Zero threshold or minSize select the defaults.
func New(provider llm.Provider, threshold float64, minSize int) *Clusterer {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultSimilarityThreshold
	}
	if minSize <= 0 {
		minSize = MinClusterSize
	}
	return &Clusterer{provider: provider, threshold: threshold, minSize: minSize}
}

// MinSize returns a copy of the clusterer with a different minimum cluster
// size, for per-session overrides. Non-positive keeps the configured one.
func (c *Clusterer) MinSize(minSize int) *Clusterer {
	if minSize <= 0 || minSize == c.minSize {
		return c
	}
	cp := *c
	cp.minSize = minSize
	return &cp
}

// Cluster groups the cards into themes. Cards in groups smaller than the
// minimum form one miscellaneous theme. Input order decides seed order, so
// the grouping is deterministic for a deterministic embedder.
func (c *Clusterer) Cluster(ctx context.Context, cards []core.StudyCard) ([]core.Theme, error) {
	if len(cards) == 0 {
		return nil, nil
	}

	vectors := make([][]float64, len(cards))
	for i, card := range cards {
		vec, err := c.provider.Embed(ctx, embeddingText(card))
		if err != nil {
			return nil, fmt.Errorf("embedding card %s failed: %w", card.ID, err)
		}
		vectors[i] = vec
	}

	groups := c.group(vectors)

	var themes []core.Theme
	var misc []string
	for _, members := range groups {
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = cards[m].ID
		}
		if len(ids) < c.minSize {
			misc = append(misc, ids...)
			continue
		}
		themes = append(themes, core.Theme{
			ID:      fmt.Sprintf("theme-%d", len(themes)+1),
			CardIDs: ids,
		})
	}
	if len(misc) > 0 {
		themes = append(themes, core.Theme{
			ID:      MiscThemeID,
			Label:   "Miscellaneous",
			CardIDs: misc,
		})
	}

	c.label(ctx, themes, cards)
	return themes, nil
}

// group runs greedy centroid clustering: each vector joins the closest
// existing cluster above the threshold, else seeds a new one.
func (c *Clusterer) group(vectors [][]float64) [][]int {
	var groups [][]int
	var centroids [][]float64

	for i, vec := range vectors {
		best, bestSim := -1, c.threshold
		for g, centroid := range centroids {
			if sim := cosine(vec, centroid); sim >= bestSim {
				best, bestSim = g, sim
			}
		}
		if best < 0 {
			groups = append(groups, []int{i})
			centroids = append(centroids, append([]float64(nil), vec...))
			continue
		}
		groups[best] = append(groups[best], i)
		updateCentroid(centroids[best], vec, len(groups[best]))
	}
	return groups
}

// label asks the LLM for one short label per theme. Failure keeps the
// positional fallback labels.
func (c *Clusterer) label(ctx context.Context, themes []core.Theme, cards []core.StudyCard) {
	byID := make(map[string]core.StudyCard, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}

	for i := range themes {
		t := &themes[i]
		if t.Label != "" {
			continue
		}
		t.Label = fmt.Sprintf("Theme %d", i+1)

		var b strings.Builder
		b.WriteString("Give a 2-6 word label for the research theme shared by these papers. Reply with the label only.\n")
		for _, id := range t.CardIDs {
			card := byID[id]
			fmt.Fprintf(&b, "- problem: %s method: %s\n", card.Problem, card.Method)
		}
		resp, err := c.provider.Generate(ctx, llm.GenerateRequest{Prompt: b.String(), Temperature: 0.2})
		if err != nil {
			logger.Warn("theme labelling failed, keeping fallback label", "theme", t.ID, "error", err.Error())
			continue
		}
		if label := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp), `"'`)); label != "" && len(label) < 80 {
			t.Label = label
		}
	}
}

func embeddingText(card core.StudyCard) string {
	return strings.TrimSpace(card.Problem + " " + card.Method)
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// updateCentroid folds vec into a running mean of n members.
func updateCentroid(centroid, vec []float64, n int) {
	for i := range centroid {
		centroid[i] += (vec[i] - centroid[i]) / float64(n)
	}
}
