package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

// HuggingFaceClient lists trending papers from the daily-papers feed. It is
// an optional supplement to the two primary indexes; query matching happens
// client-side against titles.
type HuggingFaceClient struct {
	baseURL string
	fetch   *fetcher
}

// NewHuggingFaceClient creates a Hugging Face daily-papers client.
func NewHuggingFaceClient(baseURL, userAgent string, client httpDoer) *HuggingFaceClient {
	if baseURL == "" {
		baseURL = "https://huggingface.co/api/daily_papers"
	}
	return &HuggingFaceClient{
		baseURL: baseURL,
		fetch:   newFetcher("huggingface", userAgent, client),
	}
}

// Name implements Client.
func (c *HuggingFaceClient) Name() string { return "huggingface" }

// Search implements Client by filtering the trending feed on query tokens.
func (c *HuggingFaceClient) Search(ctx context.Context, query string, maxResults int) ([]core.Paper, error) {
	body, err := c.fetch.get(ctx, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("huggingface daily papers failed: %w", err)
	}

	var items []hfDailyPaper
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("huggingface response parse failed: %w", err)
	}

	tokens := strings.Fields(strings.ToLower(CondenseQuery(query, 4)))
	papers := make([]core.Paper, 0, maxResults)
	for _, item := range items {
		if item.Paper.Title == "" {
			continue
		}
		if len(tokens) > 0 && !titleMatchesAny(item.Paper.Title, tokens) {
			continue
		}

		arxivID := core.NormalizeArxivID(item.Paper.ID)
		published, _ := time.Parse(time.RFC3339, item.PublishedAt)
		papers = append(papers, core.Paper{
			ID:           uuid.NewString(),
			Title:        item.Paper.Title,
			Authors:      item.Paper.AuthorNames(),
			Published:    published,
			Source:       core.SourceHuggingFace,
			ArxivID:      arxivID,
			Abstract:     item.Paper.Summary,
			PDFURL:       "https://arxiv.org/pdf/" + arxivID,
			LandingURL:   "https://huggingface.co/papers/" + arxivID,
			Status:       core.StatusRaw,
			MetadataHash: core.Fingerprint(item.Paper.Title, core.FirstAuthor(item.Paper.AuthorNames())),
		})
		if len(papers) == maxResults {
			break
		}
	}
	return papers, nil
}

type hfDailyPaper struct {
	PublishedAt string  `json:"publishedAt"`
	Paper       hfPaper `json:"paper"`
}

type hfPaper struct {
	ID      string `json:"id"` // arXiv id
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

func (p hfPaper) AuthorNames() []string {
	names := make([]string, 0, len(p.Authors))
	for _, a := range p.Authors {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return names
}

func titleMatchesAny(title string, tokens []string) bool {
	lower := strings.ToLower(title)
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
