package sources

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// QueryQualityFloor is the minimum fraction of returned titles that must
// share a keyword token with the query before refinement kicks in. A tuning
// knob, not an invariant.
const QueryQualityFloor = 0.2

// maxRefinementRounds bounds refinement per search step.
const maxRefinementRounds = 2

// Default TTLs for cached source results. Trending feeds rotate faster than
// index search results.
const (
	SearchTTL   = time.Hour
	TrendingTTL = 30 * time.Minute
)

// Collector fans a query out to every configured client in parallel and
// fuses the awaited results. Poor result quality triggers bounded query
// refinement.
type Collector struct {
	clients      []Client
	provider     llm.Provider // may be nil; heuristics still run
	qualityFloor float64

	cache       *cache.Cache // may be nil; every search goes to the source
	searchTTL   time.Duration
	trendingTTL time.Duration
}

// NewCollector creates a collector over the given clients.
func NewCollector(clients []Client, provider llm.Provider, qualityFloor float64) *Collector {
	if qualityFloor <= 0 {
		qualityFloor = QueryQualityFloor
	}
	return &Collector{clients: clients, provider: provider, qualityFloor: qualityFloor}
}

// WithCache caches per-client search results. Non-positive TTLs select the
// defaults.
func (c *Collector) WithCache(ca *cache.Cache, searchTTL, trendingTTL time.Duration) *Collector {
	if searchTTL <= 0 {
		searchTTL = SearchTTL
	}
	if trendingTTL <= 0 {
		trendingTTL = TrendingTTL
	}
	c.cache = ca
	c.searchTTL = searchTTL
	c.trendingTTL = trendingTTL
	return c
}

// Collect runs one query against all clients, refining it up to two rounds
// when the result titles barely overlap the query's keywords. Per-client
// failures degrade the result set but never fail the collection.
func (c *Collector) Collect(ctx context.Context, query string, maxPerSource int) ([]core.Paper, error) {
	current := query
	var papers []core.Paper

	for round := 0; ; round++ {
		papers = c.searchAll(ctx, current, maxPerSource)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if round == maxRefinementRounds || queryQuality(current, papers) >= c.qualityFloor {
			break
		}

		refined := c.refine(ctx, current, round)
		if refined == "" || refined == current {
			break
		}
		logger.Info("query refined", "from", current, "to", refined, "round", round+1)
		current = refined
	}

	for i := range papers {
		papers[i].RelevanceScore = Prescore(query, papers[i])
	}
	return papers, nil
}

// Prescore is the keyword-overlap relevance estimate recorded at collection
// time, on the screener's 0-10 scale. It orders truncation at the paper cap
// before LLM screening has run.
func Prescore(query string, p core.Paper) float64 {
	tokens := keywordTokens(query)
	if len(tokens) == 0 {
		return 0
	}
	text := strings.ToLower(p.Title + " " + p.Abstract)
	matched := 0
	for _, t := range tokens {
		if strings.Contains(text, t) {
			matched++
		}
	}
	return 10 * float64(matched) / float64(len(tokens))
}

// searchAll invokes every client in parallel and concatenates their results.
// Cached results short-circuit the source entirely.
func (c *Collector) searchAll(ctx context.Context, query string, maxPerSource int) []core.Paper {
	var mu sync.Mutex
	var all []core.Paper

	g, gctx := errgroup.WithContext(ctx)
	for _, client := range c.clients {
		g.Go(func() error {
			key := ""
			if c.cache != nil {
				key = cache.ToolKey(client.Name(), map[string]any{"query": query, "max": maxPerSource})
				var cached []core.Paper
				if c.cache.GetJSON(key, &cached) {
					mu.Lock()
					all = append(all, cached...)
					mu.Unlock()
					return nil
				}
			}

			results, err := client.Search(gctx, query, maxPerSource)
			if err != nil {
				// A failing source degrades the set; the others proceed.
				logger.Warn("source search failed", "source", client.Name(), "query", query, "error", err.Error())
				return nil
			}
			if c.cache != nil {
				c.cache.SetJSON(key, results, c.resultTTL(client))
			}
			mu.Lock()
			all = append(all, results...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// resultTTL picks the cache lifetime for a client's results. The Hugging Face
// client serves a rotating trending feed, not a stable index.
func (c *Collector) resultTTL(client Client) time.Duration {
	if client.Name() == "huggingface" {
		return c.trendingTTL
	}
	return c.searchTTL
}

// refine proposes a better query: one LLM reformulation first, then the
// heuristic cascade.
func (c *Collector) refine(ctx context.Context, query string, round int) string {
	if c.provider != nil && round == 0 {
		if reformulated := c.llmReformulate(ctx, query); reformulated != "" {
			return reformulated
		}
	}
	return HeuristicRefine(query, round)
}

func (c *Collector) llmReformulate(ctx context.Context, query string) string {
	prompt := "The academic search query below returned results whose titles share almost no keywords with it. " +
		"Propose one better query: shorter, using standard terminology from the field. " +
		"Reply with the query only, no explanation.\n\nQuery: " + query
	resp, err := c.provider.Generate(ctx, llm.GenerateRequest{Prompt: prompt, Temperature: 0.3})
	if err != nil {
		logger.Warn("llm query reformulation failed", "error", err.Error())
		return ""
	}
	refined := strings.TrimSpace(strings.Trim(strings.TrimSpace(resp), `"'`))
	if refined == "" || len(strings.Fields(refined)) > 12 {
		return ""
	}
	return refined
}

// queryQuality returns the fraction of result titles sharing at least one
// keyword token with the query.
func queryQuality(query string, papers []core.Paper) float64 {
	if len(papers) == 0 {
		return 0
	}
	tokens := keywordTokens(query)
	if len(tokens) == 0 {
		return 1
	}

	matched := 0
	for _, p := range papers {
		title := strings.ToLower(p.Title)
		for _, t := range tokens {
			if strings.Contains(title, t) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(papers))
}

func keywordTokens(query string) []string {
	var tokens []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.Trim(f, `"'.,;:!?()`)
		if f == "" || queryStopwords[f] || len(f) < 3 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// HeuristicRefine applies the fallback cascade: strip version suffixes, then
// walk the adjacent 2-word pairs round by round, then append "survey".
func HeuristicRefine(query string, round int) string {
	stripped := stripVersionSuffixes(query)
	if stripped != query {
		return stripped
	}

	fields := strings.Fields(query)
	if len(fields) > 2 && round < len(fields)-1 {
		return fields[round] + " " + fields[round+1]
	}
	if !strings.Contains(strings.ToLower(query), "survey") {
		return query + " survey"
	}
	return ""
}

// stripVersionSuffixes drops trailing version markers from tokens
// ("llama-3" -> "llama", "gpt4" stays).
func stripVersionSuffixes(query string) string {
	fields := strings.Fields(query)
	changed := false
	for i, f := range fields {
		if j := strings.LastIndexByte(f, '-'); j > 0 {
			suffix := f[j+1:]
			if suffix != "" && strings.Trim(suffix, "0123456789.v") == "" {
				fields[i] = f[:j]
				changed = true
			}
		}
	}
	if !changed {
		return query
	}
	return strings.Join(fields, " ")
}
