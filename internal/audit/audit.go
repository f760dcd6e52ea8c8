// Package audit judges whether each claim's cited evidence actually supports
// it, repairs failures once, and computes the final pass rate.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/core"
	"github.com/DuyTa506/tiny-researcher/internal/llm"
	"github.com/DuyTa506/tiny-researcher/internal/logger"
	"github.com/DuyTa506/tiny-researcher/internal/writer"
)

// Verdict classifies one judged claim.
type Verdict string

const (
	VerdictPass      Verdict = "pass"
	VerdictMinorFail Verdict = "minor_fail"
	VerdictMajorFail Verdict = "major_fail"
)

// Sampling policy: claims at or above the salience cutoff are judged; when
// fewer than MinSampleAll claims exist, all are.
const (
	SalienceCutoff = 0.3
	MinSampleAll   = 20
)

// DefaultFloor is the pass rate below which the session fails.
const DefaultFloor = 0.8

// Judgment is one claim's audit outcome.
type Judgment struct {
	ClaimID   string  `json:"claim_id"`
	Verdict   Verdict `json:"verdict"`
	Rationale string  `json:"rationale"`
	Rewrite   string  `json:"rewrite,omitempty"` // populated for failures
}

// Result is the audit outcome for a whole report.
type Result struct {
	Judgments []Judgment   `json:"judgments"`
	PassRate  float64      `json:"pass_rate"` // after repair
	Repaired  int          `json:"repaired"`
	Dropped   []string     `json:"dropped,omitempty"` // claim ids removed outright
	Claims    []core.Claim `json:"-"`                 // post-repair claim set
	Content   string       `json:"-"`                 // post-repair report body
}

// Auditor runs the judge-and-repair pass.
type Auditor struct {
	provider  llm.Provider
	model     string // optional judge-model override
	floor     float64
	salience  float64
	minSample int
}

// New creates an auditor. floor <= 0 selects the default.
func New(provider llm.Provider, floor float64) *Auditor {
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Auditor{provider: provider, floor: floor, salience: SalienceCutoff, minSample: MinSampleAll}
}

// WithSampling overrides the salience cutoff and the claim count below which
// every claim is judged. Non-positive values keep the defaults.
func (a *Auditor) WithSampling(salienceCutoff float64, minSampleAll int) *Auditor {
	if salienceCutoff > 0 {
		a.salience = salienceCutoff
	}
	if minSampleAll > 0 {
		a.minSample = minSampleAll
	}
	return a
}

// WithJudgeModel routes judge calls to a dedicated model, so the judge can
// differ from the generator being judged.
func (a *Auditor) WithJudgeModel(model string) *Auditor {
	a.model = model
	return a
}

// Floor returns the configured pass-rate floor.
func (a *Auditor) Floor() float64 { return a.floor }

// FloorAt returns a copy of the auditor with a different pass-rate floor,
// for per-session overrides. Non-positive keeps the configured one.
func (a *Auditor) FloorAt(floor float64) *Auditor {
	if floor <= 0 || floor == a.floor {
		return a
	}
	cp := *a
	cp.floor = floor
	return &cp
}

// Run judges the sampled claims, applies one repair pass to the failures,
// and reports the final pass rate. Minor failures are rewritten with hedge
// wording and flagged uncertain; major failures are rewritten conservatively
// or dropped when no rewrite is usable.
func (a *Auditor) Run(ctx context.Context, content string, claims []core.Claim, spans []core.EvidenceSpan) (Result, error) {
	spanByID := make(map[string]core.EvidenceSpan, len(spans))
	for _, s := range spans {
		spanByID[s.ID] = s
	}

	sampled := a.sample(claims)
	result := Result{Claims: claims, Content: content}

	passed := 0
	for _, claim := range sampled {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		j, err := a.judge(ctx, claim, spanByID)
		if err != nil {
			return result, fmt.Errorf("auditing claim %s failed: %w", claim.ID, err)
		}
		result.Judgments = append(result.Judgments, j)
		if j.Verdict == VerdictPass {
			passed++
			continue
		}
		if a.repair(&result, claim, j) {
			passed++
		}
	}

	if len(sampled) > 0 {
		result.PassRate = float64(passed) / float64(len(sampled))
	} else {
		result.PassRate = 1
	}
	return result, nil
}

// MeetsFloor reports whether the audited report may publish.
func (a *Auditor) MeetsFloor(r Result) bool {
	return r.PassRate >= a.floor
}

// sample picks the claims to judge.
func (a *Auditor) sample(claims []core.Claim) []core.Claim {
	if len(claims) < a.minSample {
		return claims
	}
	var out []core.Claim
	for _, c := range claims {
		if c.Salience >= a.salience {
			out = append(out, c)
		}
	}
	return out
}

// judgeResponse mirrors the JSON shape requested from the model.
type judgeResponse struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
	Rewrite   string `json:"rewrite"`
}

func (a *Auditor) judge(ctx context.Context, claim core.Claim, spanByID map[string]core.EvidenceSpan) (Judgment, error) {
	resp, err := a.provider.Generate(ctx, llm.GenerateRequest{
		System:   judgeSystemPrompt,
		Prompt:   buildJudgePrompt(claim, spanByID),
		JSONMode: true,
		Model:    a.model,
	})
	if err != nil {
		return Judgment{}, err
	}

	var jr judgeResponse
	if err := json.Unmarshal([]byte(llm.StripFences(resp)), &jr); err != nil {
		// An unusable judgment counts against the claim rather than the run.
		logger.Warn("judge response unparseable, treating as minor fail", "claim", claim.ID, "error", err.Error())
		return Judgment{ClaimID: claim.ID, Verdict: VerdictMinorFail, Rationale: "judge response unusable"}, nil
	}
	return Judgment{
		ClaimID:   claim.ID,
		Verdict:   normalizeVerdict(jr.Verdict),
		Rationale: strings.TrimSpace(jr.Rationale),
		Rewrite:   strings.TrimSpace(jr.Rewrite),
	}, nil
}

const judgeSystemPrompt = `You audit citations in a research report. Given a ` +
	`claim and the verbatim evidence snippets it cites, judge whether the ` +
	`evidence semantically supports the claim. Respond with a single JSON ` +
	`object only.`

func buildJudgePrompt(claim core.Claim, spanByID map[string]core.EvidenceSpan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\nCited evidence:\n", claim.Text)
	for _, id := range claim.EvidenceSpanIDs {
		if span, ok := spanByID[id]; ok {
			fmt.Fprintf(&b, "- (%s) %q\n", span.Field, span.Snippet)
		}
	}
	b.WriteString(`
Return {"verdict": "pass"|"minor_fail"|"major_fail", "rationale": string, "rewrite": string}.
pass: the evidence supports the claim.
minor_fail: imprecise wording; rewrite with hedge language ("some work suggests ...").
major_fail: unsupported; rewrite to state only what the evidence states, or leave rewrite empty to drop the claim.`)
	return b.String()
}

// repair applies the remedy for a failed judgment in place and reports
// whether the repaired claim counts as passing.
func (a *Auditor) repair(result *Result, claim core.Claim, j Judgment) bool {
	idx := claimIndex(result.Claims, claim.ID)
	if idx < 0 {
		return false
	}

	switch j.Verdict {
	case VerdictMinorFail:
		rewritten := j.Rewrite
		if rewritten == "" {
			rewritten = "Some work suggests " + lowerFirst(strings.TrimSuffix(claim.Text, "."))
		}
		result.Content = writer.ReplaceClaim(result.Content, claim, rewritten)
		result.Claims[idx].Text = rewritten
		result.Claims[idx].Uncertain = true
		result.Repaired++
		return true

	case VerdictMajorFail:
		if j.Rewrite == "" {
			result.Content = writer.ReplaceClaim(result.Content, claim, writerPlaceholder)
			result.Claims = append(result.Claims[:idx], result.Claims[idx+1:]...)
			result.Dropped = append(result.Dropped, claim.ID)
			return false
		}
		result.Content = writer.ReplaceClaim(result.Content, claim, j.Rewrite)
		result.Claims[idx].Text = j.Rewrite
		result.Claims[idx].Uncertain = true
		result.Repaired++
		return true
	}
	return false
}

const writerPlaceholder = writer.Placeholder

func claimIndex(claims []core.Claim, id string) int {
	for i, c := range claims {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func normalizeVerdict(v string) Verdict {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pass", "ok", "supported":
		return VerdictPass
	case "major_fail", "major", "unsupported":
		return VerdictMajorFail
	default:
		return VerdictMinorFail
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
