package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
app:
  data_dir: /tmp/research-data
pipeline:
  max_papers_total: 25
  title_similarity: 0.9
gates:
  auto_approve: true
  safe_hosts: "arxiv.org,example.org"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.DataDir != "/tmp/research-data" {
		t.Errorf("data_dir = %q", cfg.App.DataDir)
	}
	if cfg.Pipeline.MaxPapersTotal != 25 {
		t.Errorf("max_papers_total = %d", cfg.Pipeline.MaxPapersTotal)
	}
	if cfg.Pipeline.TitleSimilarity != 0.9 {
		t.Errorf("title_similarity = %v", cfg.Pipeline.TitleSimilarity)
	}
	if !cfg.Gates.AutoApprove {
		t.Error("auto_approve not read")
	}

	// Untouched keys keep their defaults.
	if cfg.Pipeline.MaxPDFDownload != 15 {
		t.Errorf("max_pdf_download default = %d", cfg.Pipeline.MaxPDFDownload)
	}
	if cfg.AI.Gemini.Model == "" {
		t.Error("gemini model default missing")
	}
	if cfg.Audit.PassRateFloor != 0.8 {
		t.Errorf("pass_rate_floor default = %v", cfg.Audit.PassRateFloor)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestParseDuration(t *testing.T) {
	if d := ParseDuration("90s", time.Minute); d != 90*time.Second {
		t.Errorf("ParseDuration(90s) = %v", d)
	}
	if d := ParseDuration("", time.Minute); d != time.Minute {
		t.Errorf("empty fallback = %v", d)
	}
	if d := ParseDuration("not-a-duration", 5*time.Second); d != 5*time.Second {
		t.Errorf("malformed fallback = %v", d)
	}
}

func TestSafeHostSet(t *testing.T) {
	g := Gates{SafeHosts: "ArXiv.org, openalex.org ,"}
	set := g.SafeHostSet()
	if !set["arxiv.org"] || !set["openalex.org"] {
		t.Errorf("set = %v", set)
	}
	if len(set) != 2 {
		t.Errorf("unexpected entries: %v", set)
	}
}
