// Package gates implements the human-in-the-loop approval gates raised
// between screening and the expensive downstream phases.
package gates

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/events"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
)

// Decision is the outcome of a raised gate.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionSkip    Decision = "skip"
	DecisionCancel  Decision = "cancel"
)

// DefaultTimeout applies when no per-manager timeout is configured.
const DefaultTimeout = time.Hour

// estimatedPDFBytes is the average download size used for gate context.
const estimatedPDFBytes = 2 << 20

// Manager raises gates, surfaces them on the event bus, and blocks the
// pipeline until a decision arrives. A timeout counts as cancel unless
// auto-approve is on.
type Manager struct {
	mu          sync.Mutex
	pending     map[string]*pendingGate
	bus         *events.Bus
	timeout     time.Duration
	autoApprove bool
}

type pendingGate struct {
	req core.GateRequest
	ch  chan Decision
}

// NewManager creates a gate manager publishing on bus.
func NewManager(bus *events.Bus, timeout time.Duration, autoApprove bool) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		pending:     make(map[string]*pendingGate),
		bus:         bus,
		timeout:     timeout,
		autoApprove: autoApprove,
	}
}

// RaiseOptions are per-raise overrides of the manager's defaults. The zero
// value keeps them.
type RaiseOptions struct {
	Timeout     time.Duration // non-positive keeps the manager timeout
	AutoApprove bool          // true approves immediately even on a manual manager
}

// Raise blocks until the gate is decided, under the manager's defaults.
func (m *Manager) Raise(ctx context.Context, req core.GateRequest) (Decision, error) {
	return m.RaiseWith(ctx, req, RaiseOptions{})
}

// RaiseWith blocks until the gate is decided. With auto-approve on, the event
// is still emitted for observability and approve returns immediately. A
// timeout or a cancelled context resolves to cancel.
func (m *Manager) RaiseWith(ctx context.Context, req core.GateRequest, opts RaiseOptions) (Decision, error) {
	if req.RaisedAt.IsZero() {
		req.RaisedAt = time.Now().UTC()
	}
	m.bus.Publish(req.SessionID, events.KindApprovalRequired, map[string]any{
		"gate":    string(req.Kind),
		"context": req.Context,
	})

	if m.autoApprove || opts.AutoApprove {
		logger.Info("gate auto-approved", "gate", string(req.Kind), "session", req.SessionID)
		return DecisionApprove, nil
	}

	pg := &pendingGate{req: req, ch: make(chan Decision, 1)}
	m.mu.Lock()
	if _, busy := m.pending[req.SessionID]; busy {
		m.mu.Unlock()
		return DecisionCancel, fmt.Errorf("session %s already has a pending gate", req.SessionID)
	}
	m.pending[req.SessionID] = pg
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.SessionID)
		m.mu.Unlock()
	}()

	timeout := m.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-pg.ch:
		logger.Info("gate decided", "gate", string(req.Kind), "session", req.SessionID, "decision", string(d))
		return d, nil
	case <-timer.C:
		logger.Warn("gate timed out", "gate", string(req.Kind), "session", req.SessionID)
		return DecisionCancel, nil
	case <-ctx.Done():
		return DecisionCancel, ctx.Err()
	}
}

// Decide resolves the pending gate for a session. It fails when nothing is
// pending or the decision is unknown.
func (m *Manager) Decide(sessionID string, d Decision) error {
	switch d {
	case DecisionApprove, DecisionSkip, DecisionCancel:
	default:
		return fmt.Errorf("unknown gate decision %q", d)
	}

	m.mu.Lock()
	pg, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending gate for session %s", sessionID)
	}
	pg.ch <- d
	return nil
}

// Pending reports the gate currently blocking a session, if any.
func (m *Manager) Pending(sessionID string) (core.GateRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg, ok := m.pending[sessionID]
	if !ok {
		return core.GateRequest{}, false
	}
	return pg.req, true
}

// PDFDownloadGate fires when the included set exceeds the download cap. The
// context carries the count, an estimated byte total, and example URLs.
func PDFDownloadGate(sessionID string, included []core.Paper, maxDownloads int) (core.GateRequest, bool) {
	if maxDownloads <= 0 || len(included) <= maxDownloads {
		return core.GateRequest{}, false
	}

	examples := make([]string, 0, 3)
	for _, p := range included {
		if p.PDFURL != "" {
			examples = append(examples, p.PDFURL)
			if len(examples) == 3 {
				break
			}
		}
	}
	return core.GateRequest{
		Kind:      core.GatePDFDownload,
		SessionID: sessionID,
		Context: map[string]any{
			"count":           len(included),
			"threshold":       maxDownloads,
			"estimated_bytes": len(included) * estimatedPDFBytes,
			"example_urls":    examples,
		},
	}, true
}

// ExternalCrawlGate fires when any paper URL points at a host outside the
// known-safe set.
func ExternalCrawlGate(sessionID string, papers []core.Paper, safeHosts map[string]bool) (core.GateRequest, bool) {
	unsafe := make(map[string]bool)
	for _, p := range papers {
		for _, raw := range []string{p.PDFURL, p.LandingURL} {
			host := hostOf(raw)
			if host == "" || hostIsSafe(host, safeHosts) {
				continue
			}
			unsafe[host] = true
		}
	}
	if len(unsafe) == 0 {
		return core.GateRequest{}, false
	}

	hosts := make([]string, 0, len(unsafe))
	for h := range unsafe {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return core.GateRequest{
		Kind:      core.GateExternalCrawl,
		SessionID: sessionID,
		Context:   map[string]any{"hosts": hosts},
	}, true
}

// TokenBudgetGate fires when the phase-wise projection of remaining token
// use exceeds what is left of the budget.
func TokenBudgetGate(sessionID string, projection map[string]int, remaining int64) (core.GateRequest, bool) {
	if remaining <= 0 {
		return core.GateRequest{}, false
	}
	var projected int64
	for _, n := range projection {
		projected += int64(n)
	}
	if projected <= remaining {
		return core.GateRequest{}, false
	}
	return core.GateRequest{
		Kind:      core.GateTokenBudget,
		SessionID: sessionID,
		Context: map[string]any{
			"projected":  projected,
			"remaining":  remaining,
			"projection": projection,
		},
	}, true
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func hostIsSafe(host string, safe map[string]bool) bool {
	if safe[host] {
		return true
	}
	for s := range safe {
		if strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}
