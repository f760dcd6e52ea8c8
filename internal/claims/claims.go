// Package claims derives atomic, span-backed claims from each theme.
package claims

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// Per-theme claim count bounds.
const (
	MinPerTheme = 3
	MaxPerTheme = 8
)

// hedgeWords trip the uncertainty flag when they appear in claim text.
var hedgeWords = []string{"may ", "might ", "suggests", "appears to", "possibly", "could ", "seems to"}

// Generator produces validated claims theme by theme.
type Generator struct {
	provider llm.Provider
}

// New creates a claim generator.
func New(provider llm.Provider) *Generator {
	return &Generator{provider: provider}
}

// rawClaim mirrors the JSON shape requested from the model.
type rawClaim struct {
	Text     string   `json:"text"`
	SpanIDs  []string `json:"evidence_span_ids"`
	Salience float64  `json:"salience"`
}

// Generate builds claims for every theme. Claims referencing unknown span
// ids are rejected; claims with no surviving span are dropped. A theme whose
// generation fails contributes no claims rather than failing the phase.
func (g *Generator) Generate(ctx context.Context, themes []core.Theme, cards []core.StudyCard, spans []core.EvidenceSpan) ([]core.Claim, error) {
	spanSet := make(map[string]bool, len(spans))
	for _, s := range spans {
		spanSet[s.ID] = true
	}
	spansByCard := make(map[string][]core.EvidenceSpan)
	for _, s := range spans {
		spansByCard[s.PaperID] = append(spansByCard[s.PaperID], s)
	}
	cardByID := make(map[string]core.StudyCard, len(cards))
	for _, c := range cards {
		cardByID[c.ID] = c
	}

	var all []core.Claim
	for _, theme := range themes {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		themeClaims, err := g.generateForTheme(ctx, theme, cardByID, spansByCard, spanSet)
		if err != nil {
			logger.Warn("claim generation failed for theme", "theme", theme.ID, "error", err.Error())
			continue
		}
		all = append(all, themeClaims...)
	}
	return all, nil
}

func (g *Generator) generateForTheme(ctx context.Context, theme core.Theme, cardByID map[string]core.StudyCard, spansByCard map[string][]core.EvidenceSpan, spanSet map[string]bool) ([]core.Claim, error) {
	prompt := buildThemePrompt(theme, cardByID, spansByCard)
	resp, err := g.provider.Generate(ctx, llm.GenerateRequest{
		System:   claimSystemPrompt,
		Prompt:   prompt,
		JSONMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("claim generation failed: %w", err)
	}

	var raws []rawClaim
	if err := json.Unmarshal([]byte(llm.StripFences(resp)), &raws); err != nil {
		return nil, fmt.Errorf("claim response is not valid JSON: %w", err)
	}

	var out []core.Claim
	for _, rc := range raws {
		if len(out) == MaxPerTheme {
			break
		}
		text := strings.TrimSpace(rc.Text)
		if text == "" {
			continue
		}
		var validIDs []string
		for _, id := range rc.SpanIDs {
			if spanSet[id] {
				validIDs = append(validIDs, id)
			} else {
				logger.Debug("claim references unknown span", "span", id, "theme", theme.ID)
			}
		}
		if len(validIDs) == 0 {
			continue
		}
		out = append(out, core.Claim{
			ID:              uuid.NewString(),
			Text:            text,
			EvidenceSpanIDs: validIDs,
			ThemeID:         theme.ID,
			Salience:        clamp01(rc.Salience),
			Uncertain:       len(validIDs) < 2 || hedged(text),
		})
	}
	if len(out) < MinPerTheme {
		logger.Warn("theme produced fewer claims than expected", "theme", theme.ID, "count", len(out))
	}
	return out, nil
}

const claimSystemPrompt = `You turn research evidence into atomic claims. A ` +
	`claim is one declarative sentence backed only by the evidence spans you ` +
	`cite. Never assert anything the cited spans do not state. Respond with a ` +
	`JSON array only.`

func buildThemePrompt(theme core.Theme, cardByID map[string]core.StudyCard, spansByCard map[string][]core.EvidenceSpan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n\nEvidence:\n", theme.Label)
	for _, cardID := range theme.CardIDs {
		card, ok := cardByID[cardID]
		if !ok {
			continue
		}
		for _, span := range spansByCard[card.PaperID] {
			fmt.Fprintf(&b, "- span_id: %s (%s): %q\n", span.ID, span.Field, span.Snippet)
		}
	}
	fmt.Fprintf(&b, "\nProduce %d to %d claims as a JSON array of {\"text\", "+
		"\"evidence_span_ids\": [string], \"salience\": number in [0,1]}. Cite "+
		"span_ids exactly as listed.", MinPerTheme, MaxPerTheme)
	return b.String()
}

func hedged(text string) bool {
	lower := strings.ToLower(text)
	for _, h := range hedgeWords {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
