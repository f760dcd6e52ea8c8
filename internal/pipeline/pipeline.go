// Package pipeline drives a session through the phase state machine, from
// planning to publish, with checkpoints, approval gates, and progress events
// along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DuyTa506/tiny-researcher/internal/audit"
	"github.com/DuyTa506/tiny-researcher/internal/cache"
	"github.com/DuyTa506/tiny-researcher/internal/claims"
	"github.com/DuyTa506/tiny-researcher/internal/cluster"
	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/dedup"
	"github.com/DuyTa506/tiny-researcher/internal/events"
	"github.com/DuyTa506/tiny-researcher/internal/extract"
	"github.com/DuyTa506/tiny-researcher/internal/gaps"
	"github.com/DuyTa506/tiny-researcher/internal/gates"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
	"github.com/DuyTa506/tiny-researcher/internal/pdfload"
	"github.com/DuyTa506/tiny-researcher/internal/plan"
	"github.com/DuyTa506/tiny-researcher/internal/screen"
	"github.com/DuyTa506/tiny-researcher/internal/sources"
	"github.com/DuyTa506/tiny-researcher/internal/store"
	"github.com/DuyTa506/tiny-researcher/internal/taxonomy"
	"github.com/DuyTa506/tiny-researcher/internal/writer"
)

// CheckpointTTL for phase checkpoints.
const CheckpointTTL = 24 * time.Hour

// softPhaseDeadline after which a phase emits slow-flagged progress.
const softPhaseDeadline = 10 * time.Minute

// pdfConcurrency bounds parallel PDF downloads.
const pdfConcurrency = 3

// Failure causes recorded on the session.
const (
	CauseEmptyCorpus    = "empty_corpus"
	CauseAuditFloor     = "audit_floor_unmet"
	CauseGateCancelled  = "gate_cancelled"
	CauseUserCancelled  = "user_cancelled"
	CauseBudgetDeclined = "token_budget_declined"
)

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store     *store.Store
	Cache     *cache.Cache // may be nil; checkpoints become no-ops
	Bus       *events.Bus
	Gates     *gates.Manager
	Planner   *plan.Planner
	Collector *sources.Collector
	Ingester  *sources.URLIngester // may be nil; ingest_url plan steps are skipped
	Deduper   *dedup.Deduper
	Screener  *screen.Screener
	Loader    *pdfload.Loader
	Extractor *extract.Extractor
	Clusterer *cluster.Clusterer
	Claims    *claims.Generator
	Writer    *writer.Writer
	Auditor   *audit.Auditor
	Budget    *llm.Budget     // may be nil
	SafeHosts map[string]bool // for the external_crawl gate

	CheckpointTTL time.Duration // non-positive selects CheckpointTTL
}

// Orchestrator runs and resumes sessions.
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, cancels: make(map[string]context.CancelFunc)}
}

// checkpoint carries exactly what the next phase needs. Spans, cards, and
// claims live in the store and are not duplicated here.
type checkpoint struct {
	Queries     []string              `json:"queries,omitempty"`
	Papers      []core.Paper          `json:"papers,omitempty"` // pre-persist working set only
	IncludedIDs []string              `json:"included_ids,omitempty"`
	PDFSkipped  []string              `json:"pdf_skipped,omitempty"`
	Themes      []core.Theme          `json:"themes,omitempty"`
	Matrix      *core.TaxonomyMatrix  `json:"matrix,omitempty"`
	Directions  []gaps.Direction      `json:"directions,omitempty"`
	Report      string                `json:"report,omitempty"`
	Cancelled   bool                  `json:"cancelled,omitempty"`
}

// state is the in-memory working set while driving a session.
type state struct {
	queries    []string
	papers     []core.Paper
	included   []core.Paper
	pdfSkipped map[string]bool
	themes     []core.Theme
	matrix     *core.TaxonomyMatrix
	directions []gaps.Direction
	report     string
}

// Run creates a session for the topic and drives it to a terminal phase.
// The returned session id is valid even when the run ends in FAILED.
func (o *Orchestrator) Run(ctx context.Context, topic string, opts core.Options) (string, error) {
	sess, err := o.newSession(topic, opts)
	if err != nil {
		return "", err
	}
	return sess.ID, o.drive(ctx, sess, &state{pdfSkipped: map[string]bool{}})
}

// CreateSession persists a new idle session without driving it, so callers
// can subscribe to the event bus before any events are produced. Drive the
// session with Resume.
func (o *Orchestrator) CreateSession(topic string, opts core.Options) (string, error) {
	sess, err := o.newSession(topic, opts)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func (o *Orchestrator) newSession(topic string, opts core.Options) (*core.Session, error) {
	now := time.Now().UTC()
	sess := &core.Session{
		ID:        uuid.NewString(),
		Topic:     topic,
		Language:  opts.OutputLanguage,
		Phase:     core.PhaseIdle,
		PhaseDone: []core.Phase{core.PhaseIdle},
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Resume reloads a session and continues from the phase after its last
// completed one, restoring the working set from the latest checkpoint and
// the store.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	sess, err := o.deps.Store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if core.IsTerminal(sess.Phase) && sess.Phase != core.PhaseCancelled {
		return fmt.Errorf("session %s already ended in %s", sessionID, sess.Phase)
	}
	if sess.Phase == core.PhaseCancelled {
		// A cancelled session resumes from its last completed phase.
		sess.Phase = lastCompleted(sess)
		sess.Termination = nil
	}

	st, err := o.restore(sess)
	if err != nil {
		return err
	}
	logger.Info("resuming session", "session", sessionID, "phase", string(sess.Phase))
	return o.drive(ctx, sess, st)
}

// Cancel requests cooperative cancellation of a running session.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Decide resolves a pending approval gate.
func (o *Orchestrator) Decide(sessionID string, d gates.Decision) error {
	return o.deps.Gates.Decide(sessionID, d)
}

// drive advances the session until a terminal phase.
func (o *Orchestrator) drive(parent context.Context, sess *core.Session, st *state) error {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.cancels[sess.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, sess.ID)
		o.mu.Unlock()
		o.deps.Bus.Publish(sess.ID, events.KindDone, nil)
	}()

	for !core.IsTerminal(sess.Phase) {
		next := core.NextPhase(mode(sess), sess.Phase)
		if next == sess.Phase {
			break
		}
		if err := ctx.Err(); err != nil {
			return o.terminate(sess, st, core.PhaseCancelled, core.TermCancelled, CauseUserCancelled)
		}

		stopSlow := o.watchSlow(sess.ID, next)
		err := o.runPhase(ctx, sess, st, next)
		stopSlow()

		switch {
		case err == nil:
			o.advance(sess, st, next)
		case errors.Is(err, context.Canceled):
			return o.terminate(sess, st, core.PhaseCancelled, core.TermCancelled, CauseUserCancelled)
		case errors.Is(err, errCancelledByGate):
			return o.terminate(sess, st, core.PhaseCancelled, core.TermCancelled, CauseGateCancelled)
		default:
			var pf *phaseFailure
			cause := err.Error()
			if errors.As(err, &pf) {
				cause = pf.cause
			}
			o.deps.Bus.Publish(sess.ID, events.KindError, map[string]any{
				"phase": string(next),
				"cause": cause,
			})
			return o.terminate(sess, st, core.PhaseFailed, core.TermFailed, cause)
		}
	}

	if sess.Phase == core.PhaseComplete && sess.Termination == nil {
		sess.Termination = &core.Termination{State: core.TermCompleted}
		sess.UpdatedAt = time.Now().UTC()
		if err := o.deps.Store.SaveSession(sess); err != nil {
			logger.Warn("session save failed", "session", sess.ID, "error", err.Error())
		}
	}
	o.deps.Bus.Publish(sess.ID, events.KindComplete, map[string]any{
		"papers": len(sess.PaperIDs),
	})
	return nil
}

// advance records a completed phase: history, session save, checkpoint,
// state-change event.
func (o *Orchestrator) advance(sess *core.Session, st *state, done core.Phase) {
	prev := sess.Phase
	sess.Phase = done
	sess.PhaseDone = append(sess.PhaseDone, done)
	sess.UpdatedAt = time.Now().UTC()
	if o.deps.Cache != nil {
		hits, misses := o.deps.Cache.Stats()
		sess.Cache = core.CacheMetrics{Hits: hits, Misses: misses}
	}
	if err := o.deps.Store.SaveSession(sess); err != nil {
		logger.Warn("session save failed", "session", sess.ID, "error", err.Error())
	}
	o.writeCheckpoint(sess, st, false)
	o.deps.Bus.StateChange(sess.ID, string(prev), string(done))
}

// terminate moves the session to a terminal phase and persists it.
func (o *Orchestrator) terminate(sess *core.Session, st *state, phase core.Phase, ts core.TerminalState, reason string) error {
	sess.Phase = phase
	sess.Termination = &core.Termination{State: ts, Reason: reason}
	sess.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.SaveSession(sess); err != nil {
		logger.Warn("session save failed", "session", sess.ID, "error", err.Error())
	}
	o.writeCheckpoint(sess, st, phase == core.PhaseCancelled)
	logger.Info("session ended", "session", sess.ID, "phase", string(phase), "reason", reason)
	if ts == core.TermFailed {
		return fmt.Errorf("session %s failed: %s", sess.ID, reason)
	}
	return nil
}

// watchSlow emits a slow-flagged progress event if the phase exceeds its
// soft deadline. The returned func stops the watcher.
func (o *Orchestrator) watchSlow(sessionID string, phase core.Phase) func() {
	timer := time.AfterFunc(softPhaseDeadline, func() {
		o.deps.Bus.Publish(sessionID, events.KindProgress, map[string]any{
			"phase": string(phase),
			"slow":  true,
		})
	})
	return func() { timer.Stop() }
}

// errCancelledByGate signals a cancel decision on an approval gate.
var errCancelledByGate = errors.New("cancelled by gate decision")

// phaseFailure carries a machine-readable cause for FAILED sessions.
type phaseFailure struct {
	cause string
	err   error
}

func (f *phaseFailure) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %v", f.cause, f.err)
	}
	return f.cause
}

func (f *phaseFailure) Unwrap() error { return f.err }

func failPhase(cause string, err error) error { return &phaseFailure{cause: cause, err: err} }

func (o *Orchestrator) runPhase(ctx context.Context, sess *core.Session, st *state, phase core.Phase) error {
	logger.Info("phase starting", "session", sess.ID, "phase", string(phase))
	switch phase {
	case core.PhasePlanning:
		return o.phasePlanning(ctx, sess, st)
	case core.PhaseCollection:
		return o.phaseCollection(ctx, sess, st)
	case core.PhaseDedup:
		return o.phaseDedup(sess, st)
	case core.PhasePersist:
		return o.phasePersist(sess, st)
	case core.PhaseScreening:
		return o.phaseScreening(ctx, sess, st)
	case core.PhaseGatePDF:
		return o.phaseGatePDF(ctx, sess, st)
	case core.PhasePDFLoading:
		return o.phasePDFLoading(ctx, sess, st)
	case core.PhaseEvidenceExtraction:
		return o.phaseExtraction(ctx, sess, st)
	case core.PhaseClustering:
		return o.phaseClustering(ctx, sess, st)
	case core.PhaseTaxonomy:
		return o.phaseTaxonomy(sess, st)
	case core.PhaseClaimGeneration:
		return o.phaseClaims(ctx, sess, st)
	case core.PhaseGapMining:
		return o.phaseGaps(sess, st)
	case core.PhaseGroundedWriting:
		return o.phaseWriting(ctx, sess, st)
	case core.PhaseCitationAudit:
		return o.phaseAudit(ctx, sess, st)
	case core.PhasePublish:
		return o.phasePublish(sess, st)
	case core.PhaseComplete:
		return nil
	default:
		return fmt.Errorf("phase %s has no handler", phase)
	}
}

func (o *Orchestrator) phasePlanning(ctx context.Context, sess *core.Session, st *state) error {
	p, err := o.deps.Planner.Generate(ctx, plan.Request{
		Topic:        sess.Topic,
		SeedKeywords: sess.Options.SeedKeywords,
		Language:     sess.Options.OutputLanguage,
		MaxPapers:    sess.Options.MaxPapersTotal,
	})
	if err != nil {
		return failPhase("planning_failed", err)
	}
	if sess.Options.Mode == "" {
		sess.Options.Mode = p.Mode
	} else {
		p.Mode = sess.Options.Mode
	}
	sess.Options = sess.Options.Normalize()
	sess.Plan = p

	st.queries = planQueries(p, sess.Topic)
	o.deps.Bus.Publish(sess.ID, events.KindPlan, map[string]any{
		"mode":  string(p.Mode),
		"steps": len(p.Steps),
	})
	return nil
}

func (o *Orchestrator) phaseCollection(ctx context.Context, sess *core.Session, st *state) error {
	perSource := sess.Options.MaxPapersTotal
	var collected []core.Paper
	for i, q := range st.queries {
		papers, err := o.deps.Collector.Collect(ctx, q, perSource)
		if err != nil {
			return err
		}
		collected = append(collected, papers...)
		o.deps.Bus.Progress(sess.ID, string(core.PhaseCollection), 2, i+1, len(st.queries),
			fmt.Sprintf("%d results for %q", len(papers), q))
	}
	collected = append(collected, o.ingestPlanURLs(ctx, sess)...)
	st.papers = collected
	o.deps.Bus.Publish(sess.ID, events.KindPapersCollected, map[string]any{
		"count": len(collected),
	})
	return nil
}

// ingestPlanURLs resolves plan steps that pull in individual papers by URL.
// Ingest failures degrade the step, never the phase.
func (o *Orchestrator) ingestPlanURLs(ctx context.Context, sess *core.Session) []core.Paper {
	if o.deps.Ingester == nil || sess.Plan == nil {
		return nil
	}
	var papers []core.Paper
	for _, step := range sess.Plan.Steps {
		if step.Tool != plan.ToolIngestURL {
			continue
		}
		for _, raw := range step.Queries {
			p, err := o.deps.Ingester.Ingest(ctx, raw)
			if err != nil {
				logger.Warn("url ingest failed", "url", raw, "error", err.Error())
				o.deps.Bus.Warn(sess.ID, string(core.PhaseCollection), fmt.Sprintf("could not ingest %s", raw))
				continue
			}
			papers = append(papers, p)
		}
	}
	return papers
}

func (o *Orchestrator) phaseDedup(sess *core.Session, st *state) error {
	st.papers = o.deps.Deduper.Dedup(st.papers)
	if len(st.papers) > sess.Options.MaxPapersTotal {
		// Truncate lowest collection-time relevance first.
		sort.SliceStable(st.papers, func(i, j int) bool {
			return st.papers[i].RelevanceScore > st.papers[j].RelevanceScore
		})
		st.papers = st.papers[:sess.Options.MaxPapersTotal]
	}
	if len(st.papers) == 0 && mode(sess) == core.ModeFull {
		return failPhase(CauseEmptyCorpus, nil)
	}
	return nil
}

func (o *Orchestrator) phasePersist(sess *core.Session, st *state) error {
	ids := make([]string, 0, len(st.papers))
	for i, p := range st.papers {
		saved, _, err := o.deps.Store.PutPaper(p)
		if err != nil {
			return failPhase("persist_failed", err)
		}
		st.papers[i] = saved
		ids = append(ids, saved.ID)
	}
	sess.PaperIDs = ids
	return nil
}

func (o *Orchestrator) phaseScreening(ctx context.Context, sess *core.Session, st *state) error {
	records, err := o.deps.Screener.Batch(sess.Options.ScreeningBatchSize).Screen(ctx, sess.ID, sess.Topic, st.papers)
	if err != nil {
		return err
	}
	relevance := make(map[string]float64, len(records))
	for _, r := range records {
		if err := o.deps.Store.PutScreeningRecord(r); err != nil {
			return failPhase("screening_persist_failed", err)
		}
		relevance[r.PaperID] = r.Relevance
	}
	for _, p := range st.papers {
		if err := o.deps.Store.UpdatePaperStatus(p.ID, core.StatusScreened); err != nil {
			logger.Warn("paper status update failed", "paper", p.ID, "error", err.Error())
		}
	}

	st.included = screen.Included(st.papers, records)
	// Highest relevance first; the order decides who survives a skip
	// decision on the pdf_download gate.
	sort.SliceStable(st.included, func(i, j int) bool {
		return relevance[st.included[i].ID] > relevance[st.included[j].ID]
	})
	o.deps.Bus.Publish(sess.ID, events.KindScreeningSummary, map[string]any{
		"tiers":    screen.Summary(records),
		"included": len(st.included),
	})
	return nil
}

func (o *Orchestrator) phaseGatePDF(ctx context.Context, sess *core.Session, st *state) error {
	if req, fire := gates.ExternalCrawlGate(sess.ID, st.included, o.deps.SafeHosts); fire {
		decision, err := o.raiseGate(ctx, sess, req)
		if err != nil {
			return err
		}
		if decision == gates.DecisionSkip {
			// Drop papers on unknown hosts from download consideration.
			for i := range st.included {
				if unsafeHost(st.included[i], o.deps.SafeHosts) {
					st.pdfSkipped[st.included[i].ID] = true
				}
			}
		}
	}

	req, fire := gates.PDFDownloadGate(sess.ID, st.included, sess.Options.MaxPDFDownload)
	if !fire {
		return nil
	}
	decision, err := o.raiseGate(ctx, sess, req)
	if err != nil {
		return err
	}
	if decision == gates.DecisionSkip {
		// Cap at the threshold: included is relevance-ordered, so the top-N
		// survive and the rest are marked skipped.
		for _, p := range st.included[sess.Options.MaxPDFDownload:] {
			st.pdfSkipped[p.ID] = true
		}
	}
	return nil
}

func (o *Orchestrator) raiseGate(ctx context.Context, sess *core.Session, req core.GateRequest) (gates.Decision, error) {
	sess.PendingGate = &req
	if err := o.deps.Store.SaveSession(sess); err != nil {
		logger.Warn("session save failed", "session", sess.ID, "error", err.Error())
	}
	decision, err := o.deps.Gates.RaiseWith(ctx, req, gates.RaiseOptions{
		Timeout:     sess.Options.GateTimeout,
		AutoApprove: sess.Options.GateAutoApprove,
	})
	sess.PendingGate = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return decision, err
	}
	if errors.Is(err, context.Canceled) {
		return decision, context.Canceled
	}
	if decision == gates.DecisionCancel {
		return decision, errCancelledByGate
	}
	return decision, nil
}

func (o *Orchestrator) phasePDFLoading(ctx context.Context, sess *core.Session, st *state) error {
	toLoad := make([]*core.Paper, 0, len(st.included))
	for i := range st.included {
		if !st.pdfSkipped[st.included[i].ID] {
			toLoad = append(toLoad, &st.included[i])
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pdfConcurrency)
	var mu sync.Mutex
	done := 0
	for _, p := range toLoad {
		g.Go(func() error {
			if err := o.deps.Loader.Load(gctx, p); err != nil {
				return err
			}
			mu.Lock()
			done++
			current := done
			mu.Unlock()
			o.deps.Bus.Progress(sess.ID, string(core.PhasePDFLoading), 7, current, len(toLoad), p.Title)
			if p.FullTextFailed {
				o.deps.Bus.Warn(sess.ID, string(core.PhasePDFLoading), "full text unavailable for "+p.Title)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range toLoad {
		if err := o.deps.Store.UpdatePaper(*p); err != nil {
			logger.Warn("paper update failed", "paper", p.ID, "error", err.Error())
		}
		if p.HasFullText() {
			if err := o.deps.Store.UpdatePaperStatus(p.ID, core.StatusFulltext); err != nil {
				logger.Warn("paper status update failed", "paper", p.ID, "error", err.Error())
			}
		}
	}
	return nil
}

func (o *Orchestrator) phaseExtraction(ctx context.Context, sess *core.Session, st *state) error {
	pending := st.included
	for round := 0; len(pending) > 0; round++ {
		outcomes, err := o.deps.Extractor.ExtractAll(ctx, pending)
		if errors.Is(err, llm.ErrBudgetExceeded) {
			// Project the remaining work and put the decision to the gate.
			var deferred []core.Paper
			for i, out := range outcomes {
				if out.PaperID == "" {
					deferred = append(deferred, pending[i])
				}
			}
			if err := o.storeOutcomes(sess, outcomes); err != nil {
				return err
			}
			if round > 0 {
				return failPhase(CauseBudgetDeclined, nil)
			}

			projection := map[string]int{"extraction": len(deferred) * 4000, "synthesis": 20000}
			req, fire := gates.TokenBudgetGate(sess.ID, projection, o.deps.Budget.Remaining())
			if !fire {
				req = core.GateRequest{Kind: core.GateTokenBudget, SessionID: sess.ID,
					Context: map[string]any{"projection": projection}}
			}
			decision, gerr := o.raiseGate(ctx, sess, req)
			if gerr != nil {
				return gerr
			}
			switch decision {
			case gates.DecisionApprove:
				var extension int64
				for _, n := range projection {
					extension += int64(n)
				}
				o.deps.Budget.Extend(extension)
				pending = deferred
				continue
			case gates.DecisionSkip:
				pending = nil
				continue
			}
		}
		if err != nil {
			return err
		}
		if err := o.storeOutcomes(sess, outcomes); err != nil {
			return err
		}
		pending = nil
	}
	return nil
}

func (o *Orchestrator) storeOutcomes(sess *core.Session, outcomes []extract.Outcome) error {
	stored := 0
	for _, out := range outcomes {
		if out.PaperID == "" {
			continue // deferred before running
		}
		if out.Err != nil {
			o.deps.Bus.Warn(sess.ID, string(core.PhaseEvidenceExtraction),
				"extraction failed for paper "+out.PaperID)
			continue
		}
		for _, span := range out.Extraction.Spans {
			if err := o.deps.Store.PutSpan(sess.ID, span); err != nil {
				return failPhase("span_persist_failed", err)
			}
		}
		if err := o.deps.Store.PutCard(sess.ID, out.Extraction.Card); err != nil {
			return failPhase("card_persist_failed", err)
		}
		if err := o.deps.Store.UpdatePaperStatus(out.PaperID, core.StatusExtracted); err != nil {
			logger.Warn("paper status update failed", "paper", out.PaperID, "error", err.Error())
		}
		stored++
	}
	o.deps.Bus.Publish(sess.ID, events.KindEvidence, map[string]any{"cards": stored})
	return nil
}

func (o *Orchestrator) phaseClustering(ctx context.Context, sess *core.Session, st *state) error {
	cards, err := o.deps.Store.ListCards(sess.ID)
	if err != nil {
		return failPhase("cards_load_failed", err)
	}
	themes, err := o.deps.Clusterer.MinSize(sess.Options.MinClusterSize).Cluster(ctx, cards)
	if err != nil {
		return err
	}
	st.themes = themes
	return nil
}

func (o *Orchestrator) phaseTaxonomy(sess *core.Session, st *state) error {
	cards, err := o.deps.Store.ListCards(sess.ID)
	if err != nil {
		return failPhase("cards_load_failed", err)
	}
	matrix := taxonomy.Build(st.themes, cards)
	st.matrix = &matrix
	o.deps.Bus.Publish(sess.ID, events.KindTaxonomy, map[string]any{
		"themes":         len(matrix.Themes),
		"dimensions":     len(matrix.Dimensions),
		"holes":          len(matrix.Holes),
		"contradictions": len(matrix.Contradictions),
	})
	return nil
}

func (o *Orchestrator) phaseClaims(ctx context.Context, sess *core.Session, st *state) error {
	cards, err := o.deps.Store.ListCards(sess.ID)
	if err != nil {
		return failPhase("cards_load_failed", err)
	}
	spans, err := o.deps.Store.ListSpans(sess.ID)
	if err != nil {
		return failPhase("spans_load_failed", err)
	}
	generated, err := o.deps.Claims.Generate(ctx, st.themes, cards, spans)
	if err != nil {
		return err
	}
	for _, c := range generated {
		if err := o.deps.Store.PutClaim(sess.ID, c); err != nil {
			return failPhase("claim_persist_failed", err)
		}
	}
	o.deps.Bus.Publish(sess.ID, events.KindClaims, map[string]any{"count": len(generated)})
	return nil
}

func (o *Orchestrator) phaseGaps(sess *core.Session, st *state) error {
	if st.matrix == nil {
		return failPhase("taxonomy_missing", nil)
	}
	cards, err := o.deps.Store.ListCards(sess.ID)
	if err != nil {
		return failPhase("cards_load_failed", err)
	}
	spans, err := o.deps.Store.ListSpans(sess.ID)
	if err != nil {
		return failPhase("spans_load_failed", err)
	}
	st.directions = gaps.Mine(*st.matrix, cards, spans)
	o.deps.Bus.Publish(sess.ID, events.KindGapMining, map[string]any{"directions": len(st.directions)})
	return nil
}

func (o *Orchestrator) phaseWriting(ctx context.Context, sess *core.Session, st *state) error {
	in, err := o.writerInput(sess, st)
	if err != nil {
		return err
	}
	content, err := o.deps.Writer.Write(ctx, in)
	if err != nil {
		return failPhase("writing_failed", err)
	}
	st.report = content
	return nil
}

func (o *Orchestrator) phaseAudit(ctx context.Context, sess *core.Session, st *state) error {
	allClaims, err := o.deps.Store.ListClaims(sess.ID)
	if err != nil {
		return failPhase("claims_load_failed", err)
	}
	spans, err := o.deps.Store.ListSpans(sess.ID)
	if err != nil {
		return failPhase("spans_load_failed", err)
	}

	auditor := o.deps.Auditor.FloorAt(sess.Options.AuditPassRateFloor)
	result, err := auditor.Run(ctx, st.report, allClaims, spans)
	if err != nil {
		return err
	}
	for _, id := range result.Dropped {
		if err := o.deps.Store.DeleteClaim(sess.ID, id); err != nil {
			logger.Warn("claim delete failed", "claim", id, "error", err.Error())
		}
	}
	for _, c := range result.Claims {
		if err := o.deps.Store.PutClaim(sess.ID, c); err != nil {
			return failPhase("claim_persist_failed", err)
		}
	}
	st.report = result.Content

	o.deps.Bus.Publish(sess.ID, events.KindMessage, map[string]any{
		"audit_pass_rate": result.PassRate,
		"repaired":        result.Repaired,
		"dropped":         len(result.Dropped),
	})
	if !auditor.MeetsFloor(result) {
		return failPhase(CauseAuditFloor, nil)
	}
	return nil
}

func (o *Orchestrator) phasePublish(sess *core.Session, st *state) error {
	finalClaims, err := o.deps.Store.ListClaims(sess.ID)
	if err != nil {
		return failPhase("claims_load_failed", err)
	}
	if unresolved := writer.UnresolvedCitations(st.report, finalClaims); len(unresolved) > 0 {
		return failPhase("unresolved_citations", fmt.Errorf("%s", strings.Join(unresolved, ", ")))
	}

	claimIDs := make([]string, 0, len(finalClaims))
	for _, c := range finalClaims {
		claimIDs = append(claimIDs, c.ID)
	}
	report := core.Report{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		Content:     st.report,
		ClaimIDs:    claimIDs,
		Language:    sess.Options.OutputLanguage,
		GeneratedAt: time.Now().UTC(),
	}
	if err := o.deps.Store.PutReport(report); err != nil {
		return failPhase("report_persist_failed", err)
	}
	for _, id := range sess.PaperIDs {
		if err := o.deps.Store.UpdatePaperStatus(id, core.StatusReported); err != nil {
			logger.Warn("paper status update failed", "paper", id, "error", err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) writerInput(sess *core.Session, st *state) (writer.Input, error) {
	cards, err := o.deps.Store.ListCards(sess.ID)
	if err != nil {
		return writer.Input{}, failPhase("cards_load_failed", err)
	}
	spans, err := o.deps.Store.ListSpans(sess.ID)
	if err != nil {
		return writer.Input{}, failPhase("spans_load_failed", err)
	}
	allClaims, err := o.deps.Store.ListClaims(sess.ID)
	if err != nil {
		return writer.Input{}, failPhase("claims_load_failed", err)
	}
	papers, err := o.deps.Store.GetPapers(sess.PaperIDs)
	if err != nil {
		return writer.Input{}, failPhase("papers_load_failed", err)
	}

	var matrix core.TaxonomyMatrix
	if st.matrix != nil {
		matrix = *st.matrix
	}
	return writer.Input{
		Topic:      sess.Topic,
		Mode:       mode(sess),
		Queries:    st.queries,
		Papers:     papers,
		Cards:      cards,
		Spans:      spans,
		Matrix:     matrix,
		Claims:     allClaims,
		Directions: st.directions,
	}, nil
}

// writeCheckpoint persists the working set for the just-completed phase.
func (o *Orchestrator) writeCheckpoint(sess *core.Session, st *state, cancelled bool) {
	if o.deps.Cache == nil {
		return
	}
	ck := checkpoint{
		Queries:     st.queries,
		IncludedIDs: paperIDs(st.included),
		PDFSkipped:  keys(st.pdfSkipped),
		Themes:      st.themes,
		Matrix:      st.matrix,
		Directions:  st.directions,
		Report:      st.report,
		Cancelled:   cancelled,
	}
	// The working set only needs to travel in full before papers reach the
	// store.
	if len(sess.PaperIDs) == 0 {
		ck.Papers = st.papers
	}
	ttl := o.deps.CheckpointTTL
	if ttl <= 0 {
		ttl = CheckpointTTL
	}
	o.deps.Cache.SetJSON(cache.CheckpointKey(sess.ID, string(sess.Phase)), ck, ttl)
}

// restore rebuilds the working set for a resume: latest checkpoint first,
// store as fallback for everything it holds authoritatively.
func (o *Orchestrator) restore(sess *core.Session) (*state, error) {
	st := &state{pdfSkipped: map[string]bool{}}

	var ck checkpoint
	found := false
	if o.deps.Cache != nil {
		// Walk completed phases backwards for the newest usable checkpoint.
		for i := len(sess.PhaseDone) - 1; i >= 0 && !found; i-- {
			found = o.deps.Cache.GetJSON(cache.CheckpointKey(sess.ID, string(sess.PhaseDone[i])), &ck)
		}
	}
	if found {
		st.queries = ck.Queries
		st.papers = ck.Papers
		st.themes = ck.Themes
		st.matrix = ck.Matrix
		st.directions = ck.Directions
		st.report = ck.Report
		for _, id := range ck.PDFSkipped {
			st.pdfSkipped[id] = true
		}
	}

	if len(sess.PaperIDs) > 0 {
		papers, err := o.deps.Store.GetPapers(sess.PaperIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to reload papers: %w", err)
		}
		st.papers = papers

		if len(ck.IncludedIDs) > 0 {
			byID := make(map[string]core.Paper, len(papers))
			for _, p := range papers {
				byID[p.ID] = p
			}
			for _, id := range ck.IncludedIDs {
				if p, ok := byID[id]; ok {
					st.included = append(st.included, p)
				}
			}
		}
	}
	if st.queries == nil {
		st.queries = planQueries(sess.Plan, sess.Topic)
	}
	return st, nil
}

func mode(sess *core.Session) core.Mode {
	if sess.Options.Mode != "" {
		return sess.Options.Mode
	}
	return core.ModeFull
}

// lastCompleted returns the final entry of the phase history.
func lastCompleted(sess *core.Session) core.Phase {
	if len(sess.PhaseDone) == 0 {
		return core.PhaseIdle
	}
	return sess.PhaseDone[len(sess.PhaseDone)-1]
}

// planQueries collects English search queries from the plan's research
// steps, falling back to the topic.
func planQueries(p *core.Plan, topic string) []string {
	seen := map[string]bool{}
	var out []string
	if p != nil {
		for _, step := range p.Steps {
			if step.Action != core.ActionResearch || step.Tool == plan.ToolIngestURL {
				// ingest_url queries are URLs, not search terms.
				continue
			}
			for _, q := range step.Queries {
				q = strings.TrimSpace(q)
				if q != "" && !seen[q] {
					seen[q] = true
					out = append(out, q)
				}
			}
		}
	}
	if len(out) == 0 {
		out = []string{topic}
	}
	return out
}

func unsafeHost(p core.Paper, safe map[string]bool) bool {
	if _, fire := gates.ExternalCrawlGate("check", []core.Paper{p}, safe); fire {
		return true
	}
	return false
}

func paperIDs(papers []core.Paper) []string {
	ids := make([]string, 0, len(papers))
	for _, p := range papers {
		ids = append(ids, p.ID)
	}
	return ids
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
