package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var resumeYes bool

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted or cancelled session",
	Long: `Resume continues a session from the phase after its last completed
one. Papers, evidence and claims already persisted are reused; completed and
failed sessions cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		a, err := buildApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

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
	resumeCmd.Flags().BoolVarP(&resumeYes, "yes", "y", false, "auto-approve all gates")
}
