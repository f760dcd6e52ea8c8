package core

// Phase is one state of the pipeline state machine.
type Phase string

const (
	PhaseIdle               Phase = "IDLE"
	PhasePlanning           Phase = "PLANNING"
	PhaseCollection         Phase = "COLLECTION"
	PhaseDedup              Phase = "DEDUP"
	PhasePersist            Phase = "PERSIST"
	PhaseScreening          Phase = "SCREENING"
	PhaseGatePDF            Phase = "GATE_PDF"
	PhasePDFLoading         Phase = "PDF_LOADING"
	PhaseEvidenceExtraction Phase = "EVIDENCE_EXTRACTION"
	PhaseClustering         Phase = "CLUSTERING"
	PhaseTaxonomy           Phase = "TAXONOMY"
	PhaseClaimGeneration    Phase = "CLAIM_GENERATION"
	PhaseGapMining          Phase = "GAP_MINING"
	PhaseGroundedWriting    Phase = "GROUNDED_WRITING"
	PhaseCitationAudit      Phase = "CITATION_AUDIT"
	PhasePublish            Phase = "PUBLISH"
	PhaseComplete           Phase = "COMPLETE"
	PhaseFailed             Phase = "FAILED"
	PhaseCancelled          Phase = "CANCELLED"
)

// Mode selects the phase template for a session.
type Mode string

const (
	ModeQuick Mode = "QUICK"
	ModeFull  Mode = "FULL"
)

// fullSequence is the totally ordered phase list for FULL mode.
var fullSequence = []Phase{
	PhaseIdle,
	PhasePlanning,
	PhaseCollection,
	PhaseDedup,
	PhasePersist,
	PhaseScreening,
	PhaseGatePDF,
	PhasePDFLoading,
	PhaseEvidenceExtraction,
	PhaseClustering,
	PhaseTaxonomy,
	PhaseClaimGeneration,
	PhaseGapMining,
	PhaseGroundedWriting,
	PhaseCitationAudit,
	PhasePublish,
	PhaseComplete,
}

// quickSequence skips screening through audit and yields an abstract-only
// paper list.
var quickSequence = []Phase{
	PhaseIdle,
	PhasePlanning,
	PhaseCollection,
	PhaseDedup,
	PhasePersist,
	PhaseComplete,
}

// PhaseSequence returns the declared phase order for a mode. The returned
// slice must not be mutated.
func PhaseSequence(mode Mode) []Phase {
	if mode == ModeQuick {
		return quickSequence
	}
	return fullSequence
}

// PhaseIndex returns the position of a phase in its mode's sequence, or -1
// for terminal failure states that sit outside the ordering.
func PhaseIndex(mode Mode, phase Phase) int {
	for i, p := range PhaseSequence(mode) {
		if p == phase {
			return i
		}
	}
	return -1
}

// NextPhase returns the phase after the given one in the mode's sequence.
// COMPLETE and out-of-sequence phases map to themselves.
func NextPhase(mode Mode, phase Phase) Phase {
	seq := PhaseSequence(mode)
	for i, p := range seq {
		if p == phase && i+1 < len(seq) {
			return seq[i+1]
		}
	}
	return phase
}

// IsTerminal reports whether a phase ends the pipeline.
func IsTerminal(phase Phase) bool {
	return phase == PhaseComplete || phase == PhaseFailed || phase == PhaseCancelled
}

// ValidHistory reports whether a recorded phase history is a prefix of the
// declared sequence for the mode.
func ValidHistory(mode Mode, history []Phase) bool {
	seq := PhaseSequence(mode)
	if len(history) > len(seq) {
		return false
	}
	for i, p := range history {
		if seq[i] != p {
			return false
		}
	}
	return true
}
