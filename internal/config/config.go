// Package config loads application configuration from .env, YAML and
// environment variables via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App      App      `mapstructure:"app"`
	AI       AI       `mapstructure:"ai"`
	Sources  Sources  `mapstructure:"sources"`
	Cache    Cache    `mapstructure:"cache"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	Gates    Gates    `mapstructure:"gates"`
	Audit    Audit    `mapstructure:"audit"`
	Output   Output   `mapstructure:"output"`
}

// App holds general application configuration.
type App struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	DataDir  string `mapstructure:"data_dir"`
}

// AI holds LLM configuration.
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// GeminiConfig holds Google Gemini configuration.
type GeminiConfig struct {
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	JudgeModel     string  `mapstructure:"judge_model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	MaxTokens      int32   `mapstructure:"max_tokens"`
	Temperature    float32 `mapstructure:"temperature"`
	Timeout        string  `mapstructure:"timeout"`
}

// Sources holds external academic source configuration.
type Sources struct {
	Arxiv    ArxivConfig    `mapstructure:"arxiv"`
	OpenAlex OpenAlexConfig `mapstructure:"openalex"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// ArxivConfig holds arXiv client configuration. The API terms require one
// request per 3 seconds; the default keeps a margin.
type ArxivConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	RateDelay string `mapstructure:"rate_delay"` // trailing delay per call
}

// OpenAlexConfig holds OpenAlex client configuration. Supplying a mailto
// joins the polite pool (10 req/s); without it the client stays conservative.
type OpenAlexConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Mailto  string `mapstructure:"mailto"`
}

// HTTPConfig holds shared HTTP client settings.
type HTTPConfig struct {
	Timeout   string `mapstructure:"timeout"`
	UserAgent string `mapstructure:"user_agent"`
}

// Cache holds cache configuration.
type Cache struct {
	Directory string    `mapstructure:"directory"`
	TTL       TTLConfig `mapstructure:"ttl"`
}

// TTLConfig holds TTLs per cache namespace.
type TTLConfig struct {
	Search     string `mapstructure:"search"`     // tool results: search
	Trending   string `mapstructure:"trending"`   // tool results: trending
	URLIngest  string `mapstructure:"url_ingest"` // tool results: url ingest
	PDF        string `mapstructure:"pdf"`        // pdf text + page maps
	Checkpoint string `mapstructure:"checkpoint"` // session checkpoints
}

// Pipeline holds orchestrator defaults.
type Pipeline struct {
	MaxPapersTotal     int     `mapstructure:"max_papers_total"`
	MaxPDFDownload     int     `mapstructure:"max_pdf_download"`
	TokenBudget        int64   `mapstructure:"token_budget"`
	MinClusterSize     int     `mapstructure:"min_cluster_size"`
	ScreeningBatchSize int     `mapstructure:"screening_batch_size"`
	ExtractWorkers     int     `mapstructure:"extract_workers"`
	QueryQualityFloor  float64 `mapstructure:"query_quality_floor"` // min title-keyword overlap ratio
	TitleSimilarity    float64 `mapstructure:"title_similarity"`    // LCS dedup threshold
	PhaseSoftDeadline  string  `mapstructure:"phase_soft_deadline"`
}

// Gates holds approval-gate configuration.
type Gates struct {
	AutoApprove    bool   `mapstructure:"auto_approve"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SafeHosts      string `mapstructure:"safe_hosts"` // comma-separated, for external_crawl
}

// Audit holds citation-audit configuration.
type Audit struct {
	PassRateFloor  float64 `mapstructure:"pass_rate_floor"`
	SalienceCutoff float64 `mapstructure:"salience_cutoff"`
	MinSampleAll   int     `mapstructure:"min_sample_all"` // audit everything below this claim count
}

// Output holds report output configuration.
type Output struct {
	Directory string `mapstructure:"directory"`
	Language  string `mapstructure:"language"`
}

// Load reads configuration from .env, the config file and environment
// variables, in increasing priority. An empty cfgFile searches the working
// directory and ~/.tiny-researcher.
func Load(cfgFile string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tiny-researcher"))
		}
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The Gemini key commonly lives in the environment rather than the file.
	if cfg.AI.Gemini.APIKey == "" {
		cfg.AI.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.debug", false)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.data_dir", ".tiny-researcher")

	v.SetDefault("ai.gemini.model", "gemini-flash-lite-latest")
	v.SetDefault("ai.gemini.judge_model", "gemini-flash-lite-latest")
	v.SetDefault("ai.gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("ai.gemini.max_tokens", 8192)
	v.SetDefault("ai.gemini.temperature", 0.2)
	v.SetDefault("ai.gemini.timeout", "60s")

	v.SetDefault("sources.arxiv.base_url", "http://export.arxiv.org/api/query")
	v.SetDefault("sources.arxiv.rate_delay", "3.5s")
	v.SetDefault("sources.openalex.base_url", "https://api.openalex.org")
	v.SetDefault("sources.openalex.mailto", "")
	v.SetDefault("sources.http.timeout", "30s")
	v.SetDefault("sources.http.user_agent", "tiny-researcher/1.0")

	v.SetDefault("cache.directory", ".tiny-researcher/cache")
	v.SetDefault("cache.ttl.search", "1h")
	v.SetDefault("cache.ttl.trending", "30m")
	v.SetDefault("cache.ttl.url_ingest", "24h")
	v.SetDefault("cache.ttl.pdf", "168h")
	v.SetDefault("cache.ttl.checkpoint", "24h")

	v.SetDefault("pipeline.max_papers_total", 60)
	v.SetDefault("pipeline.max_pdf_download", 15)
	v.SetDefault("pipeline.token_budget", 500000)
	v.SetDefault("pipeline.min_cluster_size", 3)
	v.SetDefault("pipeline.screening_batch_size", 15)
	v.SetDefault("pipeline.extract_workers", 4)
	v.SetDefault("pipeline.query_quality_floor", 0.2)
	v.SetDefault("pipeline.title_similarity", 0.85)
	v.SetDefault("pipeline.phase_soft_deadline", "10m")

	v.SetDefault("gates.auto_approve", false)
	v.SetDefault("gates.timeout_seconds", 3600)
	v.SetDefault("gates.safe_hosts", "arxiv.org,export.arxiv.org,openalex.org,api.openalex.org,huggingface.co,aclanthology.org,openreview.net")

	v.SetDefault("audit.pass_rate_floor", 0.8)
	v.SetDefault("audit.salience_cutoff", 0.3)
	v.SetDefault("audit.min_sample_all", 20)

	v.SetDefault("output.directory", "reports")
	v.SetDefault("output.language", "en")
}

// ParseDuration parses a config duration string, falling back to def on
// empty or malformed values.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SafeHostSet splits the configured safe-host list into a lookup set.
func (g Gates) SafeHostSet() map[string]bool {
	set := make(map[string]bool)
	for _, h := range strings.Split(g.SafeHosts, ",") {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			set[h] = true
		}
	}
	return set
}

// errorsAs is a tiny wrapper to keep the viper import surface tidy.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
