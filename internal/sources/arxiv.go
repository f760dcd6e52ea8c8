package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// arXiv asks for no more than one request every 3 seconds; 3.5 keeps a
// margin. The semaphore is process-wide so concurrent sessions share the
// single pacing lane.
const DefaultArxivDelay = 3500 * time.Millisecond

var arxivPacer = semaphore.NewWeighted(1)

// ArxivClient queries the arXiv Atom API.
type ArxivClient struct {
	baseURL string
	delay   time.Duration
	fetch   *fetcher
}

// NewArxivClient creates an arXiv client. Zero values select defaults.
func NewArxivClient(baseURL, userAgent string, delay time.Duration, client httpDoer) *ArxivClient {
	if baseURL == "" {
		baseURL = "http://export.arxiv.org/api/query"
	}
	if delay <= 0 {
		delay = DefaultArxivDelay
	}
	return &ArxivClient{
		baseURL: baseURL,
		delay:   delay,
		fetch:   newFetcher("arxiv", userAgent, client),
	}
}

// Name implements Client.
func (c *ArxivClient) Name() string { return "arxiv" }

// Search implements Client. Calls are serialized through the process-wide
// pacer; the permit is held through a trailing delay after each completed
// call.
func (c *ArxivClient) Search(ctx context.Context, query string, maxResults int) ([]core.Paper, error) {
	if err := arxivPacer.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer func() {
		// Trailing delay before the next caller may proceed.
		timer := time.NewTimer(c.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		arxivPacer.Release(1)
	}()

	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", maxResults))
	params.Set("sortBy", "relevance")

	body, err := c.fetch.get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("arxiv search failed: %w", err)
	}

	papers, err := parseArxivFeed(body)
	if err != nil {
		return nil, fmt.Errorf("arxiv feed parse failed: %w", err)
	}
	logger.Debug("arxiv search completed", "query", query, "results", len(papers))
	return papers, nil
}

// Atom feed shapes for the arXiv API.
type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string        `xml:"id"`
	Title     string        `xml:"title"`
	Summary   string        `xml:"summary"`
	Published string        `xml:"published"`
	Authors   []arxivAuthor `xml:"author"`
	Links     []arxivLink   `xml:"link"`
	DOI       string        `xml:"doi"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
	Rel   string `xml:"rel,attr"`
}

func parseArxivFeed(body []byte) ([]core.Paper, error) {
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, err
	}

	papers := make([]core.Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		arxivID := core.NormalizeArxivID(arxivIDFromAbsURL(e.ID))
		if arxivID == "" {
			continue
		}

		authors := make([]string, 0, len(e.Authors))
		for _, a := range e.Authors {
			if name := strings.TrimSpace(a.Name); name != "" {
				authors = append(authors, name)
			}
		}

		var pdfURL string
		for _, l := range e.Links {
			if l.Title == "pdf" {
				pdfURL = l.Href
				break
			}
		}
		if pdfURL == "" {
			pdfURL = "https://arxiv.org/pdf/" + arxivID
		}

		published, _ := time.Parse(time.RFC3339, e.Published)

		title := collapseWhitespace(e.Title)
		papers = append(papers, core.Paper{
			ID:           uuid.NewString(),
			Title:        title,
			Authors:      authors,
			Published:    published,
			Source:       core.SourceArxiv,
			ArxivID:      arxivID,
			DOI:          core.NormalizeDOI(e.DOI),
			Abstract:     collapseWhitespace(e.Summary),
			PDFURL:       pdfURL,
			LandingURL:   "https://arxiv.org/abs/" + arxivID,
			Status:       core.StatusRaw,
			MetadataHash: core.Fingerprint(title, core.FirstAuthor(authors)),
		})
	}
	return papers, nil
}

// arxivIDFromAbsURL extracts "2101.00001v1" from
// "http://arxiv.org/abs/2101.00001v1".
func arxivIDFromAbsURL(absURL string) string {
	i := strings.Index(absURL, "/abs/")
	if i < 0 {
		return ""
	}
	return absURL[i+len("/abs/"):]
}

// collapseWhitespace folds the newline-wrapped text the arXiv feed emits
// into single-spaced text.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
