package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t)

	c.Set("tool:search:abc", []byte("payload"), time.Hour)
	got, ok := c.Get("tool:search:abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != "payload" {
		t.Errorf("got %q", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t)

	c.Set("k", []byte("v"), -time.Minute) // already expired
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry must miss")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	c := newTestCache(t)

	type payload struct {
		Title string `json:"title"`
		Count int    `json:"count"`
	}
	c.SetJSON("p", payload{Title: "t", Count: 3}, time.Hour)

	var back payload
	if !c.GetJSON("p", &back) {
		t.Fatal("expected hit")
	}
	if back.Title != "t" || back.Count != 3 {
		t.Errorf("round trip changed payload: %+v", back)
	}
}

func TestCodecMismatchIsMiss(t *testing.T) {
	c := newTestCache(t)

	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT INTO entries (key, value, codec, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		"old", []byte("x"), "v0", now, now.Add(time.Hour),
	)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok := c.Get("old"); ok {
		t.Error("entry with stale codec must be a miss")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t)

	c.Set("k", []byte("v"), time.Hour)
	c.Get("k")
	c.Get("nope")

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestToolKeyStableUnderArgOrder(t *testing.T) {
	a := ToolKey("search_arxiv", map[string]any{"query": "transformers", "max": 10})
	b := ToolKey("search_arxiv", map[string]any{"max": 10, "query": "transformers"})
	if a != b {
		t.Error("tool key must not depend on map iteration order")
	}
	c := ToolKey("search_arxiv", map[string]any{"query": "attention", "max": 10})
	if a == c {
		t.Error("different args must produce different keys")
	}
}

func TestNamespaceKeys(t *testing.T) {
	if PDFKey("http://x/p.pdf") != "pdf:http://x/p.pdf" {
		t.Error("pdf key shape")
	}
	if PDFPagesKey("u") != "pdfpages:u" {
		t.Error("pdfpages key shape")
	}
	if CheckpointKey("s1", "SCREENING") != "ckpt:s1:SCREENING" {
		t.Error("checkpoint key shape")
	}
}

func TestCleanup(t *testing.T) {
	c := newTestCache(t)

	c.Set("live", []byte("v"), time.Hour)
	c.Set("dead", []byte("v"), -time.Hour)
	if err := c.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, ok := c.Get("live"); !ok {
		t.Error("live entry should survive cleanup")
	}
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row after cleanup, got %d", n)
	}
}
