// Package llm wraps the Gemini SDK behind the narrow capability set the
// pipeline consumes: structured text generation, token streaming and
// embeddings.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

const (
	// DefaultModel is the default Gemini model for generation.
	DefaultModel = "gemini-flash-lite-latest"
	// DefaultEmbeddingModel is the default model for embeddings.
	DefaultEmbeddingModel = "gemini-embedding-001"
	// DefaultEmbeddingDimensions is the output dimension for embeddings (Matryoshka).
	DefaultEmbeddingDimensions = int32(768)
	// defaultCallTimeout bounds a single provider call.
	defaultCallTimeout = 60 * time.Second
	// maxAttempts bounds transient-error retries per call.
	maxAttempts = 3
)

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt      string
	System      string
	JSONMode    bool    // ask for application/json output
	Model       string  // optional override
	MaxTokens   int32   // 0 = provider default
	Temperature float32 // 0 = provider default
}

// Provider is the text-completion capability the pipeline consumes.
// Implementations are swapped via configuration; tests use a fake.
type Provider interface {
	// Generate returns the full completion for a prompt. Failures are
	// wrapped as TransientError or PermanentError.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// GenerateStream returns a finite, non-restartable token sequence.
	// The channel closes when the stream ends; callers must drain it or
	// cancel the context.
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error)

	// Embed returns a fixed-dimension vector, deterministic for the same
	// input.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Client is the Gemini-backed Provider.
type Client struct {
	gClient     *genai.Client
	modelName   string
	embedModel  string
	budget      *Budget
	callTimeout time.Duration
}

// Options configures a new Client.
type Options struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Budget         *Budget // optional session token budget
	CallTimeout    time.Duration
}

// NewClient creates a Gemini client. The API key is required.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required; set GEMINI_API_KEY or ai.gemini.api_key")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = DefaultEmbeddingModel
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		gClient:     gClient,
		modelName:   opts.Model,
		embedModel:  opts.EmbeddingModel,
		budget:      opts.Budget,
		callTimeout: opts.CallTimeout,
	}, nil
}

// Generate implements Provider. Transient failures are retried with
// exponential backoff up to maxAttempts.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if req.Prompt == "" {
		return "", Permanent(fmt.Errorf("prompt cannot be empty"))
	}
	if !c.budget.Allow(EstimateTokens(req.System + req.Prompt)) {
		return "", ErrBudgetExceeded
	}

	model := c.modelName
	if req.Model != "" {
		model = req.Model
	}
	contents, config := c.buildCall(req)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		resp, err := c.gClient.Models.GenerateContent(callCtx, model, contents, config)
		cancel()
		if err == nil {
			text := resp.Text()
			if text == "" {
				return "", Permanent(fmt.Errorf("empty response from model %s", model))
			}
			c.chargeUsage(resp)
			return text, nil
		}

		lastErr = classify(err)
		if !IsTransient(lastErr) {
			return "", lastErr
		}
		if attempt < maxAttempts {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Warn("llm call failed, retrying", "model", model, "attempt", attempt, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// GenerateStream implements Provider. Tokens arrive on the returned channel
// in production order; the channel closes at end of stream or on error.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	if req.Prompt == "" {
		return nil, Permanent(fmt.Errorf("prompt cannot be empty"))
	}
	if !c.budget.Allow(EstimateTokens(req.System + req.Prompt)) {
		return nil, ErrBudgetExceeded
	}

	model := c.modelName
	if req.Model != "" {
		model = req.Model
	}
	contents, config := c.buildCall(req)

	out := make(chan string, 16)
	go func() {
		defer close(out)
		var streamed int64
		for resp, err := range c.gClient.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				logger.Error("llm stream failed", err, "model", model)
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			streamed += EstimateTokens(text)
			select {
			case out <- text:
			case <-ctx.Done():
				return
			}
		}
		c.budget.Charge(streamed)
	}()
	return out, nil
}

// Embed implements Provider using the configured embedding model at 768
// dimensions.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: text}},
		Role:  "user",
	}}
	dims := DefaultEmbeddingDimensions
	config := &genai.EmbedContentConfig{OutputDimensionality: &dims}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	resp, err := c.gClient.Models.EmbedContent(callCtx, c.embedModel, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, Permanent(fmt.Errorf("no embedding values returned"))
	}

	values := resp.Embeddings[0].Values
	embedding := make([]float64, len(values))
	for i, v := range values {
		embedding[i] = float64(v)
	}
	return embedding, nil
}

// Budget exposes the session budget so phases can project remaining capacity.
func (c *Client) Budget() *Budget { return c.budget }

func (c *Client) buildCall(req GenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: req.Prompt}},
		Role:  "user",
	}}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		config.Temperature = &temp
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	return contents, config
}

func (c *Client) chargeUsage(resp *genai.GenerateContentResponse) {
	if resp != nil && resp.UsageMetadata != nil {
		c.budget.Charge(int64(resp.UsageMetadata.TotalTokenCount))
	}
}

// classify splits provider errors into transient and permanent categories.
// Rate limits and 5xx are transient; everything else is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "unavailable"):
		return Transient(err)
	default:
		return Permanent(err)
	}
}

// StripFences removes Markdown code fences that models wrap around JSON even
// in JSON mode.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
