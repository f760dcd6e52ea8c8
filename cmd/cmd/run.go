package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

var (
	runQuick       bool
	runFull        bool
	runMaxPapers   int
	runMaxPDF      int
	runTokenBudget int64
	runLanguage    string
	runSeeds       []string
	runYes         bool
)

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Run a research session for a topic",
	Long: `Run plans searches for the topic, collects and screens papers, and in
full mode extracts evidence and writes a cited report. Mode is detected from
the topic phrasing unless --quick or --full forces it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		topic := strings.Join(args, " ")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		a, err := buildApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := sessionOptions(a)
		id, err := a.orch.CreateSession(topic, opts)
		if err != nil {
			return err
		}
		fmt.Printf("session %s\n", id)

		runErr := runSession(ctx, a, id, func() error {
			return a.orch.Resume(ctx, id)
		})
		if err := writeReportFile(a, id); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runQuick, "quick", false, "force quick mode (paper list only)")
	runCmd.Flags().BoolVar(&runFull, "full", false, "force full mode (cited report)")
	runCmd.Flags().IntVar(&runMaxPapers, "max-papers", 0, "cap on papers after dedup")
	runCmd.Flags().IntVar(&runMaxPDF, "max-pdf", 0, "PDF downloads allowed before the approval gate fires")
	runCmd.Flags().Int64Var(&runTokenBudget, "token-budget", 0, "session LLM token budget")
	runCmd.Flags().StringVar(&runLanguage, "language", "", "report language (search queries stay English)")
	runCmd.Flags().StringSliceVar(&runSeeds, "seed", nil, "seed keywords added to the search queries")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "auto-approve all gates")
	runCmd.MarkFlagsMutuallyExclusive("quick", "full")
}

// sessionOptions folds config defaults and run flags into session options.
// Unset fields are filled by Normalize during planning.
func sessionOptions(a *app) core.Options {
	opts := core.Options{
		MaxPapersTotal:     a.cfg.Pipeline.MaxPapersTotal,
		MaxPDFDownload:     a.cfg.Pipeline.MaxPDFDownload,
		TokenBudget:        a.cfg.Pipeline.TokenBudget,
		OutputLanguage:     a.cfg.Output.Language,
		AuditPassRateFloor: a.cfg.Audit.PassRateFloor,
		GateAutoApprove:    a.cfg.Gates.AutoApprove,
		GateTimeout:        time.Duration(a.cfg.Gates.TimeoutSeconds) * time.Second,
		MinClusterSize:     a.cfg.Pipeline.MinClusterSize,
		ScreeningBatchSize: a.cfg.Pipeline.ScreeningBatchSize,
		SeedKeywords:       runSeeds,
	}
	if runQuick {
		opts.Mode = core.ModeQuick
	}
	if runFull {
		opts.Mode = core.ModeFull
	}
	if runMaxPapers > 0 {
		opts.MaxPapersTotal = runMaxPapers
	}
	if runMaxPDF > 0 {
		opts.MaxPDFDownload = runMaxPDF
	}
	if runTokenBudget > 0 {
		opts.TokenBudget = runTokenBudget
	}
	if runLanguage != "" {
		opts.OutputLanguage = runLanguage
	}
	return opts
}

// writeReportFile saves the session's report, if one exists, under the
// configured output directory.
func writeReportFile(a *app, sessionID string) error {
	rep, err := a.store.GetReport(sessionID)
	if err != nil {
		return err
	}
	if rep == nil {
		return nil // quick runs and failed runs have no report
	}

	sess, err := a.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	dir := a.cfg.Output.Directory
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.md", rep.GeneratedAt.Format("2006-01-02"), slugify(sess.Topic))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(rep.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Printf("report written to %s\n", path)
	return nil
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	if slug == "" {
		slug = "report"
	}
	return slug
}
