package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestBudgetAllowCharge(t *testing.T) {
	b := NewBudget(100)
	if !b.Allow(50) {
		t.Error("50 of 100 should be allowed")
	}
	b.Charge(80)
	if b.Allow(50) {
		t.Error("80+50 exceeds 100")
	}
	if !b.Allow(20) {
		t.Error("80+20 fits exactly")
	}
	if b.Used() != 80 {
		t.Errorf("used = %d, want 80", b.Used())
	}
	if b.Remaining() != 20 {
		t.Errorf("remaining = %d, want 20", b.Remaining())
	}
}

func TestBudgetUnlimited(t *testing.T) {
	b := NewBudget(0)
	if !b.Allow(1 << 40) {
		t.Error("zero limit means unlimited")
	}
	if b.Remaining() != -1 {
		t.Error("unlimited budget reports -1 remaining")
	}
	var nilBudget *Budget
	if !nilBudget.Allow(10) {
		t.Error("nil budget must allow everything")
	}
	nilBudget.Charge(10) // must not panic
}

func TestClassify(t *testing.T) {
	transient := []string{
		"googleapi: Error 429: rate limit",
		"server error 503 unavailable",
		"context deadline exceeded",
	}
	for _, msg := range transient {
		if !IsTransient(classify(fmt.Errorf("%s", msg))) {
			t.Errorf("%q should classify transient", msg)
		}
	}
	permanent := classify(errors.New("googleapi: Error 400: invalid request"))
	if IsTransient(permanent) {
		t.Error("400 should classify permanent")
	}
	var p *PermanentError
	if !errors.As(permanent, &p) {
		t.Error("expected PermanentError wrapper")
	}
}

func TestStripFences(t *testing.T) {
	fenced := "```json\n{\"a\": 1}\n```"
	if got := StripFences(fenced); got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
	plain := `{"a": 1}`
	if got := StripFences(plain); got != plain {
		t.Errorf("unfenced text should pass through, got %q", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 1 {
		t.Error("empty text estimates at least 1 token")
	}
	if EstimateTokens("aaaaaaaa") < 2 {
		t.Error("8 chars should estimate ~2 tokens")
	}
}
