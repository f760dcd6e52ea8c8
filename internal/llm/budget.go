package llm

import "sync"

// Budget is a per-session token budget counter shared by all LLM calls.
// Charges are recorded from provider usage metadata after each call; Allow
// answers whether an estimated charge still fits.
type Budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewBudget creates a budget with the given token limit. A non-positive
// limit means unlimited.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Allow reports whether an estimated charge of n tokens fits the remaining
// budget.
func (b *Budget) Allow(n int64) bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used+n <= b.limit
}

// Charge records n tokens of actual usage.
func (b *Budget) Charge(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.mu.Lock()
	b.used += n
	b.mu.Unlock()
}

// Extend raises the limit by n tokens. Used when a token_budget gate is
// approved. No-op on unlimited budgets.
func (b *Budget) Extend(n int64) {
	if b == nil || n <= 0 {
		return
	}
	b.mu.Lock()
	if b.limit > 0 {
		b.limit += n
	}
	b.mu.Unlock()
}

// Used returns the tokens charged so far.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining returns the tokens left, or -1 for unlimited budgets.
func (b *Budget) Remaining() int64 {
	if b == nil || b.limit <= 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

// EstimateTokens gives a rough token count for budgeting decisions before a
// call returns real usage numbers.
func EstimateTokens(text string) int64 {
	return int64(len(text)/4) + 1
}
