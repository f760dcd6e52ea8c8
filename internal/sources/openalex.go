package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// OpenAlexClient queries the OpenAlex works API. Supplying a mailto joins
// the polite pool (10 req/s budget); without one the client throttles hard
// to stay inside the anonymous 100 req/day allowance.
type OpenAlexClient struct {
	baseURL string
	mailto  string
	limiter *rate.Limiter
	fetch   *fetcher
}

// NewOpenAlexClient creates an OpenAlex client.
func NewOpenAlexClient(baseURL, mailto, userAgent string, client httpDoer) *OpenAlexClient {
	if baseURL == "" {
		baseURL = "https://api.openalex.org"
	}
	limiter := rate.NewLimiter(rate.Every(15*time.Minute), 1) // anonymous trickle
	if mailto != "" {
		limiter = rate.NewLimiter(rate.Limit(10), 1) // polite pool
	}
	return &OpenAlexClient{
		baseURL: baseURL,
		mailto:  mailto,
		limiter: limiter,
		fetch:   newFetcher("openalex", userAgent, client),
	}
}

// Name implements Client.
func (c *OpenAlexClient) Name() string { return "openalex" }

// Search implements Client. The query is condensed to at most 4 significant
// tokens because the title-and-abstract search is conjunctive: every extra
// token shrinks the result set.
func (c *OpenAlexClient) Search(ctx context.Context, query string, maxResults int) ([]core.Paper, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	condensed := CondenseQuery(query, 4)
	params := url.Values{}
	params.Set("search", condensed)
	params.Set("per-page", fmt.Sprintf("%d", maxResults))
	if c.mailto != "" {
		params.Set("mailto", c.mailto)
	}

	body, err := c.fetch.get(ctx, c.baseURL+"/works?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("openalex search failed: %w", err)
	}

	papers, err := parseOpenAlexResponse(body)
	if err != nil {
		return nil, fmt.Errorf("openalex response parse failed: %w", err)
	}
	logger.Debug("openalex search completed", "query", condensed, "results", len(papers))
	return papers, nil
}

type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DOI             string `json:"doi"`
	PublicationDate string `json:"publication_date"`
	Authorships     []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	PrimaryLocation *struct {
		LandingPageURL string `json:"landing_page_url"`
		PDFURL         string `json:"pdf_url"`
	} `json:"primary_location"`
	OpenAccess *struct {
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	IDs                   struct {
		Arxiv string `json:"arxiv,omitempty"`
	} `json:"ids"`
}

func parseOpenAlexResponse(body []byte) ([]core.Paper, error) {
	var resp openAlexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	papers := make([]core.Paper, 0, len(resp.Results))
	for _, w := range resp.Results {
		if w.Title == "" {
			continue
		}
		authors := make([]string, 0, len(w.Authorships))
		for _, a := range w.Authorships {
			if a.Author.DisplayName != "" {
				authors = append(authors, a.Author.DisplayName)
			}
		}

		var landing, pdfURL string
		if w.PrimaryLocation != nil {
			landing = w.PrimaryLocation.LandingPageURL
			pdfURL = w.PrimaryLocation.PDFURL
		}
		if pdfURL == "" && w.OpenAccess != nil {
			pdfURL = w.OpenAccess.OAURL
		}

		published, _ := time.Parse("2006-01-02", w.PublicationDate)

		papers = append(papers, core.Paper{
			ID:           uuid.NewString(),
			Title:        w.Title,
			Authors:      authors,
			Published:    published,
			Source:       core.SourceOpenAlex,
			ArxivID:      core.NormalizeArxivID(w.IDs.Arxiv),
			DOI:          core.NormalizeDOI(w.DOI),
			Abstract:     reconstructAbstract(w.AbstractInvertedIndex),
			PDFURL:       pdfURL,
			LandingURL:   landing,
			Status:       core.StatusRaw,
			MetadataHash: core.Fingerprint(w.Title, core.FirstAuthor(authors)),
		})
	}
	return papers, nil
}

// reconstructAbstract rebuilds the abstract text from OpenAlex's inverted
// index representation.
func reconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	maxPos := 0
	for _, positions := range index {
		for _, p := range positions {
			if p > maxPos {
				maxPos = p
			}
		}
	}
	words := make([]string, maxPos+1)
	for word, positions := range index {
		for _, p := range positions {
			words[p] = word
		}
	}
	return strings.TrimSpace(strings.Join(words, " "))
}

// queryStopwords are dropped when condensing queries.
var queryStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "in": true,
	"on": true, "and": true, "or": true, "to": true, "with": true, "is": true,
	"are": true, "what": true, "how": true, "why": true, "recent": true,
	"latest": true, "new": true, "state": true, "art": true,
}

// CondenseQuery keeps at most maxTokens significant tokens of a query.
func CondenseQuery(query string, maxTokens int) string {
	fields := strings.Fields(strings.ToLower(query))
	kept := make([]string, 0, maxTokens)
	for _, f := range fields {
		f = strings.Trim(f, `"'.,;:!?()`)
		if f == "" || queryStopwords[f] {
			continue
		}
		kept = append(kept, f)
		if len(kept) == maxTokens {
			break
		}
	}
	if len(kept) == 0 {
		return query
	}
	return strings.Join(kept, " ")
}
