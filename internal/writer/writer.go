// Package writer renders the final Markdown report. Factual prose may state
// only what a cited claim states; anything else becomes an explicit
// "(insufficient evidence)" placeholder.
package writer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/gaps"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// Placeholder emitted instead of an unsupported statement.
const Placeholder = "(insufficient evidence)"

// Input is everything the writer needs for one report.
type Input struct {
	Topic      string
	Mode       core.Mode
	Queries    []string
	Papers     []core.Paper
	Cards      []core.StudyCard
	Spans      []core.EvidenceSpan
	Matrix     core.TaxonomyMatrix
	Claims     []core.Claim
	Directions []gaps.Direction
}

// Writer renders reports, using the LLM for per-theme prose and falling back
// to deterministic claim-joined prose when generation fails the citation
// check.
type Writer struct {
	provider llm.Provider // may be nil; deterministic prose only
}

// New creates a writer.
func New(provider llm.Provider) *Writer {
	return &Writer{provider: provider}
}

var citationRe = regexp.MustCompile(`\[C([0-9a-fA-F]{8})\]`)

// CiteKey returns the citation tag for a claim, derived from its id.
func CiteKey(c core.Claim) string {
	id := strings.ReplaceAll(c.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "C" + strings.ToLower(id)
}

// Write renders the report. FULL mode uses the fixed section skeleton; QUICK
// mode produces the abstract-only listing.
func (w *Writer) Write(ctx context.Context, in Input) (string, error) {
	if in.Mode == core.ModeQuick {
		return w.writeQuick(in), nil
	}
	return w.writeFull(ctx, in)
}

func (w *Writer) writeQuick(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Topic)
	fmt.Fprintf(&b, "Abstract-level listing of %d papers.\n\n", len(in.Papers))
	for _, p := range in.Papers {
		fmt.Fprintf(&b, "## %s\n\n", p.Title)
		if len(p.Authors) > 0 {
			fmt.Fprintf(&b, "*%s*\n\n", strings.Join(p.Authors, ", "))
		}
		if p.Abstract != "" {
			fmt.Fprintf(&b, "%s\n\n", p.Abstract)
		}
		if url := paperURL(p); url != "" {
			fmt.Fprintf(&b, "<%s>\n\n", url)
		}
	}
	return b.String()
}

func (w *Writer) writeFull(ctx context.Context, in Input) (string, error) {
	claimByKey := make(map[string]core.Claim, len(in.Claims))
	for _, c := range in.Claims {
		claimByKey[CiteKey(c)] = c
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Topic)

	b.WriteString("## Scope & Search Strategy\n\n")
	b.WriteString(w.scopeSection(in))

	b.WriteString("## Theme Map\n\n")
	b.WriteString(themeMapSection(in.Matrix))

	b.WriteString("## Per-theme Synthesis\n\n")
	for _, theme := range in.Matrix.Themes {
		fmt.Fprintf(&b, "### %s\n\n", themeLabel(theme))
		b.WriteString(w.themeProse(ctx, theme, in.Claims, claimByKey))
		b.WriteString("\n\n")
	}

	b.WriteString("## Comparative Table\n\n")
	b.WriteString(comparativeTable(in))

	b.WriteString("## Limitations\n\n")
	b.WriteString(limitationsSection(in))

	b.WriteString("## Future Directions\n\n")
	b.WriteString(directionsSection(in))

	b.WriteString("## References\n\n")
	b.WriteString(referencesSection(in))

	content := b.String()
	if unresolved := UnresolvedCitations(content, in.Claims); len(unresolved) > 0 {
		return "", fmt.Errorf("report carries unresolved citations: %v", unresolved)
	}
	return content, nil
}

func (w *Writer) scopeSection(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This review covers %d papers", len(in.Papers))
	if len(in.Queries) > 0 {
		fmt.Fprintf(&b, " collected with the queries: %s", quoteJoin(in.Queries))
	}
	fmt.Fprintf(&b, ". %d papers contributed structured evidence.\n\n", len(in.Cards))
	return b.String()
}

// quoteJoin renders items as a quoted, comma-separated list.
func quoteJoin(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, it := range items {
		quoted = append(quoted, fmt.Sprintf("%q", it))
	}
	return strings.Join(quoted, ", ")
}

func themeMapSection(m core.TaxonomyMatrix) string {
	var b strings.Builder
	for _, t := range m.Themes {
		fmt.Fprintf(&b, "- **%s** (%d papers)\n", themeLabel(t), len(t.CardIDs))
	}
	b.WriteString("\n")
	return b.String()
}

// themeProse asks the LLM for a cited paragraph and verifies every sentence
// carries a resolvable citation; on any miss the deterministic rendering of
// the claims replaces it.
func (w *Writer) themeProse(ctx context.Context, theme core.Theme, allClaims []core.Claim, claimByKey map[string]core.Claim) string {
	themeClaims := claimsOf(theme.ID, allClaims)
	if len(themeClaims) == 0 {
		return Placeholder
	}

	if w.provider != nil {
		prose, err := w.generateProse(ctx, theme, themeClaims)
		if err == nil {
			if checked, ok := enforceCitations(prose, claimByKey); ok {
				return checked
			}
			logger.Warn("generated prose failed citation check, using deterministic rendering", "theme", theme.ID)
		} else {
			logger.Warn("theme prose generation failed", "theme", theme.ID, "error", err.Error())
		}
	}
	return deterministicProse(themeClaims)
}

func (w *Writer) generateProse(ctx context.Context, theme core.Theme, themeClaims []core.Claim) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one synthesis paragraph for the research theme %q.\n", themeLabel(theme))
	b.WriteString("You may state ONLY what the claims below state. End every sentence " +
		"with the citation tag of the claim it restates, like [" + CiteKey(themeClaims[0]) + "]. " +
		"No headings, no bullet lists.\n\nClaims:\n")
	for _, c := range themeClaims {
		fmt.Fprintf(&b, "- [%s] %s\n", CiteKey(c), c.Text)
	}
	return w.provider.Generate(ctx, llm.GenerateRequest{Prompt: b.String(), Temperature: 0.3})
}

// enforceCitations verifies each sentence cites a known claim. Sentences
// citing unknown keys are rejected wholesale (false), because silently
// keeping them would launder unsupported prose.
func enforceCitations(prose string, claimByKey map[string]core.Claim) (string, bool) {
	prose = strings.TrimSpace(prose)
	if prose == "" {
		return "", false
	}
	for _, sentence := range splitSentences(prose) {
		tags := citationRe.FindAllStringSubmatch(sentence, -1)
		if len(tags) == 0 {
			return "", false
		}
		for _, tag := range tags {
			if _, ok := claimByKey["C"+strings.ToLower(tag[1])]; !ok {
				return "", false
			}
		}
	}
	return prose, true
}

// deterministicProse joins claim texts, each with its citation. Always
// passes the citation check by construction.
func deterministicProse(themeClaims []core.Claim) string {
	parts := make([]string, 0, len(themeClaims))
	for _, c := range themeClaims {
		text := strings.TrimSuffix(strings.TrimSpace(c.Text), ".")
		if c.Uncertain && !strings.Contains(strings.ToLower(text), "suggest") {
			text = "Some work suggests that " + lowerFirst(text)
		}
		parts = append(parts, fmt.Sprintf("%s [%s].", text, CiteKey(c)))
	}
	return strings.Join(parts, " ")
}

// comparativeTable renders themes as rows and the most populated (dataset,
// metric) pairs as columns; cells hold cited result summaries.
func comparativeTable(in Input) string {
	pairs := frequentPairs(in.Cards, 4)
	if len(pairs) == 0 {
		return Placeholder + "\n\n"
	}

	cardByID := make(map[string]core.StudyCard, len(in.Cards))
	for _, c := range in.Cards {
		cardByID[c.ID] = c
	}
	claimsByPaper := claimsByPaperID(in.Claims, in.Spans)

	var b strings.Builder
	b.WriteString("| Theme |")
	for _, p := range pairs {
		fmt.Fprintf(&b, " %s / %s |", p.dataset, p.metric)
	}
	b.WriteString("\n|---|")
	b.WriteString(strings.Repeat("---|", len(pairs)))
	b.WriteString("\n")

	for _, theme := range in.Matrix.Themes {
		fmt.Fprintf(&b, "| %s |", themeLabel(theme))
		for _, pair := range pairs {
			cell := Placeholder
			for _, cardID := range theme.CardIDs {
				card := cardByID[cardID]
				if !hasLabel(card.Datasets, pair.dataset) || !hasLabel(card.Metrics, pair.metric) {
					continue
				}
				if card.Results == "" {
					continue
				}
				cell = card.Results
				if keys := claimsByPaper[card.PaperID]; len(keys) > 0 {
					cell += " [" + keys[0] + "]"
				}
				break
			}
			fmt.Fprintf(&b, " %s |", cell)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func limitationsSection(in Input) string {
	var b strings.Builder
	claimsByPaper := claimsByPaperID(in.Claims, in.Spans)
	wrote := false
	for _, card := range in.Cards {
		if card.Limitations == "" {
			continue
		}
		line := "- " + card.Limitations
		if keys := claimsByPaper[card.PaperID]; len(keys) > 0 {
			line += " [" + keys[0] + "]"
		}
		b.WriteString(line + "\n")
		wrote = true
	}
	if !wrote {
		b.WriteString(Placeholder + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

func directionsSection(in Input) string {
	if len(in.Directions) == 0 {
		return Placeholder + "\n\n"
	}
	claimsBySpan := make(map[string]string)
	for _, c := range in.Claims {
		for _, spanID := range c.EvidenceSpanIDs {
			if _, ok := claimsBySpan[spanID]; !ok {
				claimsBySpan[spanID] = CiteKey(c)
			}
		}
	}

	var b strings.Builder
	for _, d := range in.Directions {
		line := "- " + d.Text
		for _, spanID := range d.EvidenceSpanIDs {
			if key, ok := claimsBySpan[spanID]; ok {
				line += " [" + key + "]"
				break
			}
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	return b.String()
}

// referencesSection maps citation tags back to papers.
func referencesSection(in Input) string {
	paperByID := make(map[string]core.Paper, len(in.Papers))
	for _, p := range in.Papers {
		paperByID[p.ID] = p
	}
	spanByID := make(map[string]core.EvidenceSpan, len(in.Spans))
	for _, s := range in.Spans {
		spanByID[s.ID] = s
	}

	var b strings.Builder
	for _, c := range in.Claims {
		papers := map[string]bool{}
		for _, spanID := range c.EvidenceSpanIDs {
			if span, ok := spanByID[spanID]; ok {
				papers[span.PaperID] = true
			}
		}
		fmt.Fprintf(&b, "- **[%s]** %s", CiteKey(c), c.Text)
		for _, paperID := range sortedKeys(papers) {
			p := paperByID[paperID]
			fmt.Fprintf(&b, "\n  - %s", p.Title)
			if len(p.Authors) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(p.Authors, ", "))
			}
			if url := paperURL(p); url != "" {
				fmt.Fprintf(&b, " <%s>", url)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// UnresolvedCitations returns citation tags in the content that resolve to
// no claim.
func UnresolvedCitations(content string, claims []core.Claim) []string {
	known := make(map[string]bool, len(claims))
	for _, c := range claims {
		known[CiteKey(c)] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range citationRe.FindAllStringSubmatch(content, -1) {
		key := "C" + strings.ToLower(m[1])
		if !known[key] && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// ReplaceClaim swaps a claim's text in the report body, preserving the
// citation tag. Used by the audit repair pass.
func ReplaceClaim(content string, claim core.Claim, newText string) string {
	old := strings.TrimSuffix(strings.TrimSpace(claim.Text), ".")
	if old == "" {
		return content
	}
	return strings.ReplaceAll(content, old, strings.TrimSuffix(strings.TrimSpace(newText), "."))
}

type dimPair struct {
	dataset, metric string
	count           int
}

// frequentPairs ranks (dataset, metric) pairs by how many cards mention
// both.
func frequentPairs(cards []core.StudyCard, limit int) []dimPair {
	counts := map[[2]string]int{}
	for _, c := range cards {
		for _, d := range c.Datasets {
			for _, m := range c.Metrics {
				counts[[2]string{normalize(d), normalize(m)}]++
			}
		}
	}
	pairs := make([]dimPair, 0, len(counts))
	for k, n := range counts {
		pairs = append(pairs, dimPair{dataset: k[0], metric: k[1], count: n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		if pairs[i].dataset != pairs[j].dataset {
			return pairs[i].dataset < pairs[j].dataset
		}
		return pairs[i].metric < pairs[j].metric
	})
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

func claimsOf(themeID string, claims []core.Claim) []core.Claim {
	var out []core.Claim
	for _, c := range claims {
		if c.ThemeID == themeID {
			out = append(out, c)
		}
	}
	return out
}

// claimsByPaperID maps paper ids to the citation keys of claims citing that
// paper's spans.
func claimsByPaperID(claims []core.Claim, spans []core.EvidenceSpan) map[string][]string {
	spanPaper := make(map[string]string, len(spans))
	for _, s := range spans {
		spanPaper[s.ID] = s.PaperID
	}
	out := map[string][]string{}
	for _, c := range claims {
		seen := map[string]bool{}
		for _, spanID := range c.EvidenceSpanIDs {
			paperID := spanPaper[spanID]
			if paperID == "" || seen[paperID] {
				continue
			}
			seen[paperID] = true
			out[paperID] = append(out[paperID], CiteKey(c))
		}
	}
	return out
}

func splitSentences(prose string) []string {
	var out []string
	start := 0
	for i := 0; i < len(prose); i++ {
		if prose[i] == '.' || prose[i] == '!' || prose[i] == '?' {
			// Keep the trailing citation tag with its sentence.
			end := i + 1
			if m := citationRe.FindStringIndex(prose[end:]); m != nil && m[0] <= 1 {
				end += m[1]
			}
			if s := strings.TrimSpace(prose[start:end]); s != "" {
				out = append(out, s)
			}
			start = end
			i = end - 1
		}
	}
	if s := strings.TrimSpace(prose[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if normalize(l) == want {
			return true
		}
	}
	return false
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func paperURL(p core.Paper) string {
	if p.LandingURL != "" {
		return p.LandingURL
	}
	return p.PDFURL
}

func themeLabel(t core.Theme) string {
	if t.Label != "" {
		return t.Label
	}
	return t.ID
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
