package gates

import (
	"context"
	"testing"
	"time"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/events"
)

func TestRaiseAndDecide(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe("s1", 8)
	m := NewManager(bus, time.Minute, false)

	done := make(chan Decision, 1)
	go func() {
		d, err := m.Raise(context.Background(), core.GateRequest{
			Kind:      core.GatePDFDownload,
			SessionID: "s1",
		})
		if err != nil {
			t.Errorf("Raise: %v", err)
		}
		done <- d
	}()

	// The approval_required event surfaces before the decision.
	ev := <-sub.Events()
	if ev.Kind != events.KindApprovalRequired {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.Payload["gate"] != "pdf_download" {
		t.Errorf("payload gate = %v", ev.Payload["gate"])
	}

	if _, ok := m.Pending("s1"); !ok {
		t.Error("gate should be pending")
	}
	if err := m.Decide("s1", DecisionSkip); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d := <-done; d != DecisionSkip {
		t.Errorf("decision = %s", d)
	}
	if _, ok := m.Pending("s1"); ok {
		t.Error("gate should be cleared after decision")
	}
}

func TestTimeoutMeansCancel(t *testing.T) {
	m := NewManager(events.New(), 10*time.Millisecond, false)
	d, err := m.Raise(context.Background(), core.GateRequest{Kind: core.GateTokenBudget, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if d != DecisionCancel {
		t.Errorf("timeout should cancel, got %s", d)
	}
}

func TestAutoApprove(t *testing.T) {
	m := NewManager(events.New(), time.Hour, true)
	d, err := m.Raise(context.Background(), core.GateRequest{Kind: core.GateExternalCrawl, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if d != DecisionApprove {
		t.Errorf("auto-approve should approve, got %s", d)
	}
}

func TestRaiseWithSessionOverrides(t *testing.T) {
	// Session-level auto-approve wins over a manual manager.
	m := NewManager(events.New(), time.Hour, false)
	d, err := m.RaiseWith(context.Background(),
		core.GateRequest{Kind: core.GatePDFDownload, SessionID: "s1"},
		RaiseOptions{AutoApprove: true})
	if err != nil {
		t.Fatalf("RaiseWith: %v", err)
	}
	if d != DecisionApprove {
		t.Errorf("session auto-approve should approve, got %s", d)
	}

	// Session-level timeout replaces the manager's.
	d, err = m.RaiseWith(context.Background(),
		core.GateRequest{Kind: core.GatePDFDownload, SessionID: "s2"},
		RaiseOptions{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("RaiseWith: %v", err)
	}
	if d != DecisionCancel {
		t.Errorf("session timeout should cancel, got %s", d)
	}
}

func TestDecideWithoutPending(t *testing.T) {
	m := NewManager(events.New(), time.Hour, false)
	if err := m.Decide("ghost", DecisionApprove); err == nil {
		t.Error("expected error for session with no pending gate")
	}
	if err := m.Decide("ghost", Decision("maybe")); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestPDFDownloadGate(t *testing.T) {
	papers := make([]core.Paper, 20)
	for i := range papers {
		papers[i] = core.Paper{PDFURL: "https://arxiv.org/pdf/x"}
	}
	req, fire := PDFDownloadGate("s1", papers, 15)
	if !fire {
		t.Fatal("gate should fire at 20 > 15")
	}
	if req.Context["count"] != 20 || req.Context["threshold"] != 15 {
		t.Errorf("context = %v", req.Context)
	}
	if urls := req.Context["example_urls"].([]string); len(urls) != 3 {
		t.Errorf("example urls = %v", urls)
	}
	if _, fire := PDFDownloadGate("s1", papers[:10], 15); fire {
		t.Error("gate must not fire under the threshold")
	}
}

func TestExternalCrawlGate(t *testing.T) {
	safe := map[string]bool{"arxiv.org": true, "openalex.org": true}
	papers := []core.Paper{
		{PDFURL: "https://arxiv.org/pdf/1"},
		{LandingURL: "https://export.arxiv.org/abs/1"}, // subdomain of safe host
		{LandingURL: "https://weird.example.net/p"},
	}
	req, fire := ExternalCrawlGate("s1", papers, safe)
	if !fire {
		t.Fatal("gate should fire for unknown host")
	}
	hosts := req.Context["hosts"].([]string)
	if len(hosts) != 1 || hosts[0] != "weird.example.net" {
		t.Errorf("hosts = %v", hosts)
	}

	if _, fire := ExternalCrawlGate("s1", papers[:2], safe); fire {
		t.Error("safe hosts and subdomains must not fire the gate")
	}
}

func TestTokenBudgetGate(t *testing.T) {
	proj := map[string]int{"extraction": 40_000, "writing": 30_000}
	if _, fire := TokenBudgetGate("s1", proj, 100_000); fire {
		t.Error("must not fire within budget")
	}
	req, fire := TokenBudgetGate("s1", proj, 50_000)
	if !fire {
		t.Fatal("gate should fire when projection exceeds remaining budget")
	}
	if req.Context["projected"] != int64(70_000) {
		t.Errorf("projected = %v", req.Context["projected"])
	}
}
