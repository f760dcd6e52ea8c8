package core

import "time"

// Options are the recognized per-session knobs. Zero values are filled in by
// Normalize before a run starts.
type Options struct {
	Mode               Mode          `json:"mode"`
	MaxPapersTotal     int           `json:"max_papers_total"`  // ceiling after dedup
	MaxPDFDownload     int           `json:"max_pdf_download"`  // pdf_download gate threshold
	TokenBudget        int64         `json:"token_budget"`      // token_budget gate threshold
	OutputLanguage     string        `json:"output_language"`   // report language; queries stay English
	AuditPassRateFloor float64       `json:"audit_pass_rate_floor"`
	GateAutoApprove    bool          `json:"gate_auto_approve"`
	GateTimeout        time.Duration `json:"gate_timeout"`
	MinClusterSize     int           `json:"min_cluster_size"`
	ScreeningBatchSize int           `json:"screening_batch_size"`
	SeedKeywords       []string      `json:"seed_keywords,omitempty"`
	TimeWindow         time.Duration `json:"time_window,omitempty"` // only papers newer than this
}

// Defaults mirrored from the configuration layer.
const (
	DefaultMaxPapersTotal     = 60
	DefaultMaxPDFDownload     = 15
	DefaultTokenBudget        = int64(500_000)
	DefaultAuditFloor         = 0.8
	DefaultGateTimeout        = time.Hour
	DefaultMinClusterSize     = 3
	DefaultScreeningBatchSize = 15
)

// Normalize fills unset options with their documented defaults.
func (o Options) Normalize() Options {
	if o.Mode == "" {
		o.Mode = ModeFull
	}
	if o.MaxPapersTotal <= 0 {
		o.MaxPapersTotal = DefaultMaxPapersTotal
	}
	if o.MaxPDFDownload <= 0 {
		o.MaxPDFDownload = DefaultMaxPDFDownload
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = DefaultTokenBudget
	}
	if o.OutputLanguage == "" {
		o.OutputLanguage = "en"
	}
	if o.AuditPassRateFloor == 0 {
		o.AuditPassRateFloor = DefaultAuditFloor
	}
	if o.GateTimeout <= 0 {
		o.GateTimeout = DefaultGateTimeout
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = DefaultMinClusterSize
	}
	if o.ScreeningBatchSize <= 0 {
		o.ScreeningBatchSize = DefaultScreeningBatchSize
	}
	return o
}
