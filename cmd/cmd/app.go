package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/DuyTa506/tiny-researcher/internal/audit"
	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/claims"
	"github.com/DuyTa506/tiny-researcher/internal/cluster"
	"github.com/DuyTa506/tiny-researcher/internal/config"
	"github.com/DuyTa506/tiny-researcher/internal/dedup"
	"github.com/DuyTa506/tiny-researcher/internal/events"
	"github.com/DuyTa506/tiny-researcher/internal/extract"
	"github.com/DuyTa506/tiny-researcher/internal/gates"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
	"github.com/DuyTa506/tiny-researcher/internal/pdfload"
	"github.com/DuyTa506/tiny-researcher/internal/pipeline"
	"github.com/DuyTa506/tiny-researcher/internal/plan"
	"github.com/DuyTa506/tiny-researcher/internal/screen"
	"github.com/DuyTa506/tiny-researcher/internal/sources"
	"github.com/DuyTa506/tiny-researcher/internal/store"
	"github.com/DuyTa506/tiny-researcher/internal/writer"
)

// app bundles the wired application for one CLI invocation.
type app struct {
	cfg    *config.Config
	store  *store.Store
	cache  *cache.Cache
	bus    *events.Bus
	gates  *gates.Manager
	budget *llm.Budget
	orch   *pipeline.Orchestrator
}

// buildApp loads configuration and constructs the full pipeline. The Gemini
// key is required for everything except status, report and cache commands.
func buildApp(ctx context.Context, needLLM bool) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if runYes || resumeYes {
		cfg.Gates.AutoApprove = true
	}

	st, err := store.New(cfg.App.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	ca, err := cache.New(cfg.Cache.Directory)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	a := &app{cfg: cfg, store: st, cache: ca, bus: events.New()}
	a.gates = gates.NewManager(a.bus, time.Duration(cfg.Gates.TimeoutSeconds)*time.Second, cfg.Gates.AutoApprove)

	if !needLLM {
		return a, nil
	}

	a.budget = llm.NewBudget(cfg.Pipeline.TokenBudget)
	client, err := llm.NewClient(ctx, llm.Options{
		APIKey:         cfg.AI.Gemini.APIKey,
		Model:          cfg.AI.Gemini.Model,
		EmbeddingModel: cfg.AI.Gemini.EmbeddingModel,
		Budget:         a.budget,
		CallTimeout:    config.ParseDuration(cfg.AI.Gemini.Timeout, 60*time.Second),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	httpc := &http.Client{Timeout: config.ParseDuration(cfg.Sources.HTTP.Timeout, 30*time.Second)}
	ua := cfg.Sources.HTTP.UserAgent
	clients := []sources.Client{
		sources.NewArxivClient(cfg.Sources.Arxiv.BaseURL, ua,
			config.ParseDuration(cfg.Sources.Arxiv.RateDelay, sources.DefaultArxivDelay), httpc),
		sources.NewOpenAlexClient(cfg.Sources.OpenAlex.BaseURL, cfg.Sources.OpenAlex.Mailto, ua, httpc),
		sources.NewHuggingFaceClient("", ua, httpc),
	}

	ttl := cfg.Cache.TTL
	a.orch = pipeline.New(pipeline.Deps{
		Store:   st,
		Cache:   ca,
		Bus:     a.bus,
		Gates:   a.gates,
		Planner: plan.New(client),
		Collector: sources.NewCollector(clients, client, cfg.Pipeline.QueryQualityFloor).
			WithCache(ca,
				config.ParseDuration(ttl.Search, sources.SearchTTL),
				config.ParseDuration(ttl.Trending, sources.TrendingTTL)),
		Ingester: sources.NewURLIngester(ua, httpc).
			WithCache(ca, config.ParseDuration(ttl.URLIngest, sources.URLIngestTTL)),
		Deduper:  dedup.New(cfg.Pipeline.TitleSimilarity),
		Screener: screen.New(client, cfg.Pipeline.ScreeningBatchSize),
		Loader:   pdfload.New(httpc, ca, ua).WithTTL(config.ParseDuration(ttl.PDF, pdfload.PagesTTL)),
		Extractor: extract.New(client, cfg.Pipeline.ExtractWorkers),
		Clusterer: cluster.New(client, cluster.DefaultSimilarityThreshold, cfg.Pipeline.MinClusterSize),
		Claims:    claims.New(client),
		Writer:    writer.New(client),
		Auditor: audit.New(client, cfg.Audit.PassRateFloor).
			WithJudgeModel(cfg.AI.Gemini.JudgeModel).
			WithSampling(cfg.Audit.SalienceCutoff, cfg.Audit.MinSampleAll),
		Budget:        a.budget,
		SafeHosts:     cfg.Gates.SafeHostSet(),
		CheckpointTTL: config.ParseDuration(ttl.Checkpoint, pipeline.CheckpointTTL),
	})
	return a, nil
}

// Close releases the store and cache.
func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		logger.Warn("cache close failed", "error", err.Error())
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", "error", err.Error())
	}
}
