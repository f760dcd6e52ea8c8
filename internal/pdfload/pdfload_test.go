package pdfload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/core"
)

func pageMapFor(pages ...string) (string, []core.PageRange) {
	full := ""
	var pm []core.PageRange
	for i, p := range pages {
		start := len(full)
		full += p
		pm = append(pm, core.PageRange{Page: i + 1, CharStart: start, CharEnd: len(full)})
	}
	return full, pm
}

func TestLocateFindsSnippetAndPage(t *testing.T) {
	full, pm := pageMapFor("alpha beta gamma. ", "delta epsilon zeta. ", "eta theta iota.")

	loc := Locate("delta epsilon", full, pm)
	if loc.Page != 2 {
		t.Errorf("page = %d, want 2", loc.Page)
	}
	if loc.CharStart != 18 || loc.CharEnd != 31 {
		t.Errorf("chars = [%d,%d)", loc.CharStart, loc.CharEnd)
	}
	if full[loc.CharStart:loc.CharEnd] != "delta epsilon" {
		t.Error("locator does not round-trip to the snippet")
	}
}

func TestLocateCrossPageBoundaryUsesStartPage(t *testing.T) {
	full, pm := pageMapFor("end of page one ", "start of page two")
	loc := Locate("one start of", full, pm)
	if loc.Page != 1 {
		t.Errorf("boundary-crossing snippet should report the start page, got %d", loc.Page)
	}
}

func TestLocateMissingSnippet(t *testing.T) {
	full, pm := pageMapFor("some text here")
	loc := Locate("absent entirely", full, pm)
	if loc.CharStart != -1 || loc.CharEnd != -1 || loc.Page != 0 {
		t.Errorf("missing snippet locator = %+v", loc)
	}
}

func TestPageAtSkipsEmptyPages(t *testing.T) {
	// Page 2 contributed no text; its range is empty.
	pm := []core.PageRange{
		{Page: 1, CharStart: 0, CharEnd: 10},
		{Page: 2, CharStart: 10, CharEnd: 10},
		{Page: 3, CharStart: 10, CharEnd: 20},
	}
	if got := PageAt(pm, 12); got != 3 {
		t.Errorf("PageAt(12) = %d, want 3", got)
	}
	if got := PageAt(pm, 50); got != 0 {
		t.Errorf("out-of-range offset should give 0, got %d", got)
	}
	if got := PageAt(nil, 0); got != 0 {
		t.Errorf("empty map should give 0, got %d", got)
	}
}

func TestLoadSkipsBlockedHost(t *testing.T) {
	l := New(nil, nil, "test-agent")
	p := &core.Paper{PDFURL: "https://ieeexplore.ieee.org/document/1.pdf"}
	if err := l.Load(context.Background(), p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.FullTextFailed || p.FullText != "" {
		t.Errorf("blocked host should mark full text unavailable: %+v", p)
	}
}

func TestLoadDownloadFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := New(srv.Client(), nil, "test-agent")
	p := &core.Paper{PDFURL: srv.URL + "/missing.pdf"}
	if err := l.Load(context.Background(), p); err != nil {
		t.Fatalf("Load must not fail the phase: %v", err)
	}
	if !p.FullTextFailed {
		t.Error("failed download should set FullTextFailed")
	}
}

func TestLoadServesFromCache(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	url := "https://arxiv.org/pdf/1234.5678"
	want := Result{FullText: "cached body", PDFHash: "abc", PageMap: []core.PageRange{{Page: 1, CharEnd: 11}}}
	c.SetJSON(cache.PDFPagesKey(url), want, PagesTTL)

	// nil transport would panic on a real request; a cache hit never dials.
	l := New(&http.Client{Transport: http.NewFileTransport(http.Dir(t.TempDir()))}, c, "test-agent")
	p := &core.Paper{PDFURL: url}
	if err := l.Load(context.Background(), p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.FullText != "cached body" || p.PDFHash != "abc" || p.FullTextFailed {
		t.Errorf("cache hit not applied: %+v", p)
	}
}

func TestLoadFallsBackToPlainTextCache(t *testing.T) {
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer c.Close()

	// Only the plain-text entry survives; the page-map entry is gone.
	url := "https://arxiv.org/pdf/1234.5678"
	c.Set(cache.PDFKey(url), []byte("plain text body"), PagesTTL)

	l := New(&http.Client{Transport: http.NewFileTransport(http.Dir(t.TempDir()))}, c, "test-agent")
	p := &core.Paper{PDFURL: url}
	if err := l.Load(context.Background(), p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.FullText != "plain text body" || p.FullTextFailed {
		t.Errorf("plain-text fallback not applied: %+v", p)
	}
	if len(p.PageMap) != 0 {
		t.Errorf("fallback carries no page map, got %v", p.PageMap)
	}
}

func TestExtractRejectsGarbage(t *testing.T) {
	if _, err := Extract([]byte("not a pdf at all")); err == nil {
		t.Error("garbage bytes should fail extraction")
	}
}
