package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/core"
)

const arxivSample = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/1706.03762v7</id>
    <title>Attention Is All
 You Need</title>
    <summary>The dominant sequence transduction models are based on
 complex recurrent networks.</summary>
    <published>2017-06-12T17:57:34Z</published>
    <author><name>Ashish Vaswani</name></author>
    <author><name>Noam Shazeer</name></author>
    <link href="http://arxiv.org/pdf/1706.03762v7" title="pdf" rel="related"/>
  </entry>
</feed>`

func TestParseArxivFeed(t *testing.T) {
	papers, err := parseArxivFeed([]byte(arxivSample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(papers) != 1 {
		t.Fatalf("expected 1 paper, got %d", len(papers))
	}
	p := papers[0]
	if p.Title != "Attention Is All You Need" {
		t.Errorf("title whitespace not collapsed: %q", p.Title)
	}
	if p.ArxivID != "1706.03762" {
		t.Errorf("arxiv id = %q, want version-stripped", p.ArxivID)
	}
	if p.Source != core.SourceArxiv || p.Status != core.StatusRaw {
		t.Errorf("source/status wrong: %s %s", p.Source, p.Status)
	}
	if len(p.Authors) != 2 || p.Authors[0] != "Ashish Vaswani" {
		t.Errorf("authors = %v", p.Authors)
	}
	if p.PDFURL == "" || p.LandingURL != "https://arxiv.org/abs/1706.03762" {
		t.Errorf("urls: pdf=%q landing=%q", p.PDFURL, p.LandingURL)
	}
}

const openAlexSample = `{
  "results": [{
    "id": "https://openalex.org/W123",
    "title": "Scaling Laws for Neural Language Models",
    "doi": "https://doi.org/10.1000/XYZ",
    "publication_date": "2020-01-23",
    "authorships": [{"author": {"display_name": "Jared Kaplan"}}],
    "primary_location": {"landing_page_url": "https://example.org/w123", "pdf_url": ""},
    "open_access": {"oa_url": "https://arxiv.org/pdf/2001.08361"},
    "abstract_inverted_index": {"We": [0], "study": [1], "scaling": [2], "laws": [3]}
  }]
}`

func TestParseOpenAlexResponse(t *testing.T) {
	papers, err := parseOpenAlexResponse([]byte(openAlexSample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(papers) != 1 {
		t.Fatalf("expected 1 paper, got %d", len(papers))
	}
	p := papers[0]
	if p.DOI != "10.1000/xyz" {
		t.Errorf("doi not normalized: %q", p.DOI)
	}
	if p.Abstract != "We study scaling laws" {
		t.Errorf("abstract not reconstructed: %q", p.Abstract)
	}
	if p.PDFURL != "https://arxiv.org/pdf/2001.08361" {
		t.Errorf("pdf url should fall back to oa_url: %q", p.PDFURL)
	}
	if p.Source != core.SourceOpenAlex {
		t.Errorf("source = %s", p.Source)
	}
}

func TestCondenseQuery(t *testing.T) {
	got := CondenseQuery("what is the state of the art in transformer attention mechanisms for vision", 4)
	fields := len(splitFields(got))
	if fields > 4 {
		t.Errorf("condensed query has %d tokens: %q", fields, got)
	}
	// Stopwords must not survive condensing.
	if got == "" || containsWord(got, "the") || containsWord(got, "what") {
		t.Errorf("stopwords survived: %q", got)
	}
}

func TestIsBlockedURL(t *testing.T) {
	if !IsBlockedURL("https://ieeexplore.ieee.org/document/123") {
		t.Error("ieee should be blocked")
	}
	if !IsBlockedURL("https://www.sciencedirect.com/science/article/pii/X") {
		t.Error("sciencedirect should be blocked")
	}
	if IsBlockedURL("https://arxiv.org/pdf/1706.03762") {
		t.Error("arxiv must not be blocked")
	}
}

func TestQueryQuality(t *testing.T) {
	papers := []core.Paper{
		{Title: "Transformer architectures revisited"},
		{Title: "A study of fish migration"},
		{Title: "Efficient transformers at scale"},
		{Title: "Cooking with cast iron"},
	}
	q := queryQuality("transformer efficiency", papers)
	if q != 0.5 {
		t.Errorf("quality = %f, want 0.5", q)
	}
	if queryQuality("transformer", nil) != 0 {
		t.Error("no results means zero quality")
	}
}

func TestHeuristicRefine(t *testing.T) {
	if got := HeuristicRefine("llama-3 reasoning benchmarks", 0); got != "llama reasoning benchmarks" {
		t.Errorf("version strip failed: %q", got)
	}
	if got := HeuristicRefine("sparse attention long context", 0); got != "sparse attention" {
		t.Errorf("first adjacent pair failed: %q", got)
	}
	// Later rounds advance to the next adjacent pair instead of repeating
	// the first one.
	if got := HeuristicRefine("sparse attention long context", 1); got != "attention long" {
		t.Errorf("second adjacent pair failed: %q", got)
	}
	if got := HeuristicRefine("sparse attention", 1); got != "sparse attention survey" {
		t.Errorf("survey append failed: %q", got)
	}
	if got := HeuristicRefine("sparse attention survey", 1); got != "" {
		t.Errorf("exhausted cascade should return empty, got %q", got)
	}
}

func TestPrescore(t *testing.T) {
	p := core.Paper{
		Title:    "Sparse attention for transformers",
		Abstract: "We study attention sparsity in long-context models.",
	}
	if got := Prescore("sparse attention", p); got != 10 {
		t.Errorf("full overlap = %f, want 10", got)
	}
	if got := Prescore("sparse attention retrieval kernels", p); got != 5 {
		t.Errorf("half overlap = %f, want 5", got)
	}
	if got := Prescore("the of", p); got != 0 {
		t.Errorf("stopword-only query = %f, want 0", got)
	}
}

// fakeClient returns canned results per query.
type fakeClient struct {
	name    string
	results map[string][]core.Paper
	err     error
	calls   int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Search(_ context.Context, query string, _ int) ([]core.Paper, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func TestCollectorFusesAndSurvivesFailure(t *testing.T) {
	good := &fakeClient{name: "arxiv", results: map[string][]core.Paper{
		"transformers": {{ID: "a", Title: "transformers explained"}},
	}}
	bad := &fakeClient{name: "openalex", err: errors.New("boom")}

	c := NewCollector([]Client{good, bad}, nil, 0)
	papers, err := c.Collect(context.Background(), "transformers", 10)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(papers) != 1 {
		t.Fatalf("expected 1 paper from surviving source, got %d", len(papers))
	}
}

func TestCollectorRefinesPoorResults(t *testing.T) {
	// Initial query returns titles with zero keyword overlap; the heuristic
	// cascade strips the version suffix and the second round matches.
	client := &fakeClient{name: "arxiv", results: map[string][]core.Paper{
		"llama-3 evaluation": {{Title: "unrelated result entirely"}},
		"llama evaluation":   {{Title: "llama evaluation deep dive"}},
	}}
	c := NewCollector([]Client{client}, nil, 0.2)
	papers, err := c.Collect(context.Background(), "llama-3 evaluation", 10)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(papers) != 1 || papers[0].Title != "llama evaluation deep dive" {
		t.Errorf("refinement did not improve results: %+v", papers)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 search rounds, got %d", client.calls)
	}
}

func TestCollectorCachesSearchResults(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	client := &fakeClient{name: "arxiv", results: map[string][]core.Paper{
		"transformers": {{ID: "a", Title: "transformers explained"}},
	}}
	col := NewCollector([]Client{client}, nil, 0).WithCache(c, time.Hour, time.Minute)

	for i := 0; i < 2; i++ {
		papers, err := col.Collect(context.Background(), "transformers", 10)
		if err != nil {
			t.Fatalf("Collect %d: %v", i, err)
		}
		if len(papers) != 1 || papers[0].Title != "transformers explained" {
			t.Fatalf("Collect %d: %+v", i, papers)
		}
	}
	if client.calls != 1 {
		t.Errorf("second collect should serve from cache, source called %d times", client.calls)
	}
}

func TestURLIngest(t *testing.T) {
	page := `<html><head>
	  <title>Fallback Title</title>
	  <meta name="citation_title" content="A Landing Page Paper">
	  <meta name="citation_author" content="Ada Lovelace">
	  <meta name="citation_pdf_url" content="/files/paper.pdf">
	</head><body></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	ing := NewURLIngester("test-agent", srv.Client())
	paper, err := ing.Ingest(context.Background(), srv.URL+"/paper")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if paper.Title != "A Landing Page Paper" {
		t.Errorf("title = %q", paper.Title)
	}
	if paper.PDFURL != srv.URL+"/files/paper.pdf" {
		t.Errorf("pdf url not resolved: %q", paper.PDFURL)
	}
	if paper.Source != core.SourceURL {
		t.Errorf("source = %s", paper.Source)
	}
}

func TestURLIngestCached(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = w.Write([]byte(`<html><head><meta name="citation_title" content="Cached Paper"></head></html>`))
	}))
	defer srv.Close()

	ing := NewURLIngester("test-agent", srv.Client()).WithCache(c, time.Hour)
	for i := 0; i < 2; i++ {
		paper, err := ing.Ingest(context.Background(), srv.URL+"/paper")
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if paper.Title != "Cached Paper" {
			t.Fatalf("Ingest %d title = %q", i, paper.Title)
		}
	}
	if hits != 1 {
		t.Errorf("second ingest should serve from cache, page fetched %d times", hits)
	}
}

func TestURLIngestBlockedDomain(t *testing.T) {
	ing := NewURLIngester("test-agent", nil)
	if _, err := ing.Ingest(context.Background(), "https://dl.acm.org/doi/10.1/x"); err == nil {
		t.Error("blocked domain must refuse ingestion")
	}
}

func splitFields(s string) []string {
	var out []string
	field := ""
	for _, r := range s + " " {
		if r == ' ' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
		} else {
			field += string(r)
		}
	}
	return out
}

func containsWord(s, w string) bool {
	for _, f := range splitFields(s) {
		if f == w {
			return true
		}
	}
	return false
}
