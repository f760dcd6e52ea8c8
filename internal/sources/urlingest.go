package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/core"
)

// URLIngestTTL is the default lifetime of a cached ingest result. Landing
// pages change far less often than search results.
const URLIngestTTL = 24 * time.Hour

// URLIngester turns an arbitrary landing URL into a paper record by scraping
// the page for scholarly metadata and a PDF link.
type URLIngester struct {
	fetch *fetcher
	cache *cache.Cache // may be nil; every ingest fetches
	ttl   time.Duration
}

// NewURLIngester creates a URL ingester.
func NewURLIngester(userAgent string, client httpDoer) *URLIngester {
	return &URLIngester{fetch: newFetcher("urlingest", userAgent, client)}
}

// WithCache caches ingested papers per URL. A non-positive TTL selects the
// default.
func (u *URLIngester) WithCache(ca *cache.Cache, ttl time.Duration) *URLIngester {
	if ttl <= 0 {
		ttl = URLIngestTTL
	}
	u.cache = ca
	u.ttl = ttl
	return u
}

// Ingest fetches a landing page and builds a url-tagged paper. Blocked
// domains are refused before any request.
func (u *URLIngester) Ingest(ctx context.Context, rawURL string) (core.Paper, error) {
	if IsBlockedURL(rawURL) {
		return core.Paper{}, fmt.Errorf("url %s is on the blocked-domain list", rawURL)
	}

	key := ""
	if u.cache != nil {
		key = cache.ToolKey("ingest_url", map[string]any{"url": rawURL})
		var cached core.Paper
		if u.cache.GetJSON(key, &cached) && cached.Title != "" {
			return cached, nil
		}
	}

	body, err := u.fetch.get(ctx, rawURL)
	if err != nil {
		return core.Paper{}, fmt.Errorf("failed to fetch landing page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return core.Paper{}, fmt.Errorf("failed to parse landing page: %w", err)
	}

	title := metaContent(doc, "citation_title")
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		return core.Paper{}, fmt.Errorf("no title found at %s", rawURL)
	}

	var authors []string
	doc.Find(`meta[name="citation_author"]`).Each(func(_ int, sel *goquery.Selection) {
		if name, ok := sel.Attr("content"); ok && name != "" {
			authors = append(authors, name)
		}
	})

	abstract := metaContent(doc, "citation_abstract")
	if abstract == "" {
		abstract = metaProperty(doc, "og:description")
	}

	pdfURL := resolvePDFLink(doc, rawURL)
	if pdfURL != "" && IsBlockedURL(pdfURL) {
		pdfURL = ""
	}

	paper := core.Paper{
		ID:           uuid.NewString(),
		Title:        title,
		Authors:      authors,
		Source:       core.SourceURL,
		DOI:          core.NormalizeDOI(metaContent(doc, "citation_doi")),
		Abstract:     abstract,
		PDFURL:       pdfURL,
		LandingURL:   rawURL,
		Status:       core.StatusRaw,
		MetadataHash: core.Fingerprint(title, core.FirstAuthor(authors)),
	}
	if u.cache != nil {
		u.cache.SetJSON(key, paper, u.ttl)
	}
	return paper, nil
}

// resolvePDFLink finds a PDF URL on a landing page: the citation_pdf_url
// meta tag first, then the first .pdf anchor, resolved against the page URL.
func resolvePDFLink(doc *goquery.Document, pageURL string) string {
	if href := metaContent(doc, "citation_pdf_url"); href != "" {
		return absoluteURL(pageURL, href)
	}

	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if strings.HasSuffix(strings.ToLower(strings.Split(href, "?")[0]), ".pdf") {
			found = absoluteURL(pageURL, href)
			return false
		}
		return true
	})
	return found
}

func metaContent(doc *goquery.Document, name string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[name=%q]`, name)).First().Attr("content")
	return strings.TrimSpace(content)
}

func metaProperty(doc *goquery.Document, property string) string {
	content, _ := doc.Find(fmt.Sprintf(`meta[property=%q]`, property)).First().Attr("content")
	return strings.TrimSpace(content)
}

func absoluteURL(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}
