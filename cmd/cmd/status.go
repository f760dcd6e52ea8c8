package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DuyTa506/tiny-researcher/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the stored state of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.store.GetSession(args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		printSession(sess)
		return nil
	},
}

func printSession(sess *core.Session) {
	fmt.Printf("session:  %s\n", sess.ID)
	fmt.Printf("topic:    %s\n", sess.Topic)
	fmt.Printf("phase:    %s\n", sess.Phase)
	if sess.Options.Mode != "" {
		fmt.Printf("mode:     %s\n", sess.Options.Mode)
	}
	fmt.Printf("papers:   %d\n", len(sess.PaperIDs))
	if sess.Plan != nil {
		fmt.Printf("plan:     %d steps\n", len(sess.Plan.Steps))
	}
	if sess.Cache.Hits+sess.Cache.Misses > 0 {
		fmt.Printf("cache:    %d hits / %d misses\n", sess.Cache.Hits, sess.Cache.Misses)
	}
	if sess.Termination != nil {
		line := string(sess.Termination.State)
		if sess.Termination.Reason != "" {
			line += " (" + sess.Termination.Reason + ")"
		}
		fmt.Printf("ended:    %s\n", line)
	}
	done := make([]string, 0, len(sess.PhaseDone))
	for _, p := range sess.PhaseDone {
		done = append(done, string(p))
	}
	fmt.Printf("history:  %s\n", strings.Join(done, " -> "))
	fmt.Printf("updated:  %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Print the report of a completed session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.store.GetReport(args[0])
		if err != nil {
			return err
		}
		if rep == nil {
			return fmt.Errorf("session %s has no report", args[0])
		}
		fmt.Println(rep.Content)
		return nil
	},
}
