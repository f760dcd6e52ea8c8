// Package pdfload downloads PDFs, extracts text page by page, and resolves
// snippet locators against the resulting page map.
package pdfload

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
	"github.com/DuyTa506/tiny-researcher/internal/sources"
)

// PagesTTL is how long extracted text stays cached.
const PagesTTL = 7 * 24 * time.Hour

// PreviewLen chars of each page kept in the page map preview.
const PreviewLen = 80

// maxPDFBytes caps a single download.
const maxPDFBytes = 64 << 20

// Result is the outcome of loading one PDF.
type Result struct {
	FullText string           `json:"full_text"`
	PageMap  []core.PageRange `json:"page_map"`
	PDFHash  string           `json:"pdf_hash"`
}

// Loader fetches and parses PDFs with a best-effort cache in front.
type Loader struct {
	client    *http.Client
	cache     *cache.Cache // may be nil
	userAgent string
	ttl       time.Duration
}

// New creates a loader. A nil client uses a 30s-timeout default.
func New(client *http.Client, c *cache.Cache, userAgent string) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{client: client, cache: c, userAgent: userAgent, ttl: PagesTTL}
}

// WithTTL overrides how long extracted text stays cached. Non-positive keeps
// the default.
func (l *Loader) WithTTL(ttl time.Duration) *Loader {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// Load populates the paper's full text, page map, and pdf hash in place.
// Blocked hosts, download failures, and parse failures all degrade to
// FullTextFailed rather than returning an error; only context cancellation
// propagates.
func (l *Loader) Load(ctx context.Context, p *core.Paper) error {
	if p.PDFURL == "" {
		p.FullTextFailed = true
		return nil
	}
	if sources.IsBlockedURL(p.PDFURL) {
		logger.Info("pdf host blocked, skipping download", "url", p.PDFURL)
		p.FullTextFailed = true
		return nil
	}

	if l.cache != nil {
		var cached Result
		if l.cache.GetJSON(cache.PDFPagesKey(p.PDFURL), &cached) && cached.FullText != "" {
			applyResult(p, cached)
			return nil
		}
		// The plain-text entry can outlive its page-map sibling. Without a
		// page map locators resolve to offsets only, which still beats a
		// re-download.
		if text, ok := l.cache.Get(cache.PDFKey(p.PDFURL)); ok && len(text) > 0 {
			applyResult(p, Result{FullText: string(text)})
			return nil
		}
	}

	data, err := l.download(ctx, p.PDFURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("pdf download failed", "url", p.PDFURL, "error", err.Error())
		p.FullTextFailed = true
		return nil
	}

	result, err := Extract(data)
	if err != nil {
		logger.Warn("pdf parse failed", "url", p.PDFURL, "error", err.Error())
		p.FullTextFailed = true
		return nil
	}

	if l.cache != nil {
		l.cache.SetJSON(cache.PDFPagesKey(p.PDFURL), result, l.ttl)
		l.cache.Set(cache.PDFKey(p.PDFURL), []byte(result.FullText), l.ttl)
	}
	applyResult(p, result)
	return nil
}

func applyResult(p *core.Paper, r Result) {
	p.FullText = r.FullText
	p.PageMap = r.PageMap
	p.PDFHash = r.PDFHash
	p.FullTextFailed = false
}

func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pdf download returned status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "pdf") && !strings.Contains(ct, "octet-stream") {
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPDFBytes {
		return nil, fmt.Errorf("pdf exceeds %d byte limit", maxPDFBytes)
	}
	return data, nil
}

// Extract parses PDF bytes into full text plus a page map. Concatenating the
// page ranges in order reproduces the full text exactly; pages whose text
// extraction fails contribute an empty range.
func Extract(data []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open pdf: %w", err)
	}

	var full strings.Builder
	var pages []core.PageRange
	for i := 1; i <= reader.NumPage(); i++ {
		start := full.Len()
		page := reader.Page(i)
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err != nil {
				logger.Warn("pdf page extraction failed", "page", i, "error", err.Error())
			} else {
				full.WriteString(text)
			}
		}
		pages = append(pages, core.PageRange{
			Page:      i,
			CharStart: start,
			CharEnd:   full.Len(),
			Preview:   preview(full.String()[start:full.Len()]),
		})
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("pdf produced no extractable text")
	}

	sum := sha1.Sum(data)
	return Result{
		FullText: text,
		PageMap:  pages,
		PDFHash:  hex.EncodeToString(sum[:]),
	}, nil
}

func preview(pageText string) string {
	trimmed := strings.TrimSpace(pageText)
	if len(trimmed) > PreviewLen {
		trimmed = trimmed[:PreviewLen]
	}
	return trimmed
}

// Locate resolves a verbatim snippet to a locator: exact substring search in
// the full text, then binary search over the page map. A snippet crossing a
// page boundary reports the page containing its first character. Missing
// snippets return CharStart/CharEnd of -1.
func Locate(snippet, fullText string, pageMap []core.PageRange) core.Locator {
	idx := strings.Index(fullText, snippet)
	if snippet == "" || idx < 0 {
		return core.Locator{CharStart: -1, CharEnd: -1}
	}
	return core.Locator{
		Page:      PageAt(pageMap, idx),
		CharStart: idx,
		CharEnd:   idx + len(snippet),
	}
}

// PageAt binary-searches the page containing the character offset. Returns 0
// when the page map is empty or the offset is out of range.
func PageAt(pageMap []core.PageRange, offset int) int {
	lo, hi := 0, len(pageMap)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		pr := pageMap[mid]
		switch {
		case offset < pr.CharStart:
			hi = mid - 1
		case offset >= pr.CharEnd:
			lo = mid + 1
		default:
			return pr.Page
		}
	}
	return 0
}
