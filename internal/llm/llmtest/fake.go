// Package llmtest provides a scripted Provider fake for tests.
package llmtest

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/DuyTa506/tiny-researcher/internal/llm"
)

// Rule maps a prompt substring to a canned response.
type Rule struct {
	Contains string
	Response string
	Err      error
}

// Fake is a scripted llm.Provider. The first matching rule wins; unmatched
// prompts return Fallback (or an error when Fallback is empty).
type Fake struct {
	mu       sync.Mutex
	Rules    []Rule
	Fallback string
	Calls    []string // prompts seen, in order
}

// Generate implements llm.Provider.
func (f *Fake) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, req.Prompt)
	f.mu.Unlock()

	for _, r := range f.Rules {
		if strings.Contains(req.Prompt, r.Contains) {
			if r.Err != nil {
				return "", r.Err
			}
			return r.Response, nil
		}
	}
	if f.Fallback != "" {
		return f.Fallback, nil
	}
	return "", llm.Permanent(fmt.Errorf("fake llm: no rule matches prompt %.60q", req.Prompt))
}

// GenerateStream implements llm.Provider by chunking the Generate output.
func (f *Fake) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan string, error) {
	text, err := f.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 8)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(text, " ") {
			select {
			case out <- word:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Embed implements llm.Provider with a deterministic hash-derived vector so
// identical texts land near each other and differing texts do not.
func (f *Fake) Embed(_ context.Context, text string) ([]float64, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(text)))
	seed := h.Sum64()
	vec := make([]float64, 8)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed>>32)) / float64(1<<31)
	}
	return vec, nil
}

// CallCount returns how many Generate calls the fake has seen.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
