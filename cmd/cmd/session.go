package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/DuyTa506/tiny-researcher/internal/events"
	"github.com/DuyTa506/tiny-researcher/internal/gates"
)

// runSession drives a session while rendering its event stream on the
// terminal. Approval gates are answered from stdin. It returns the driver's
// error once the event stream ends.
func runSession(ctx context.Context, a *app, sessionID string, drive func() error) error {
	sub := a.bus.Subscribe(sessionID, 0)
	defer sub.Cancel()

	done := make(chan error, 1)
	go func() { done <- drive() }()

	input := bufio.NewReader(os.Stdin)
	for ev := range sub.Events() {
		renderEvent(ev)
		if ev.Kind == events.KindApprovalRequired && !a.cfg.Gates.AutoApprove {
			if err := promptGate(a, sessionID, input); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
		if ev.Kind == events.KindDone {
			break
		}
	}
	if n := sub.Dropped(); n > 0 {
		fmt.Fprintf(os.Stderr, "(%d progress events dropped)\n", n)
	}
	return <-done
}

// promptGate asks for a decision on the gate currently blocking the session.
func promptGate(a *app, sessionID string, input *bufio.Reader) error {
	for {
		fmt.Print("decision [approve/skip/cancel]: ")
		line, err := input.ReadString('\n')
		if err != nil {
			// stdin is gone; let the gate time out rather than guessing.
			return fmt.Errorf("cannot read decision: %w", err)
		}
		var d gates.Decision
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "approve", "a", "y", "yes":
			d = gates.DecisionApprove
		case "skip", "s":
			d = gates.DecisionSkip
		case "cancel", "c", "n", "no":
			d = gates.DecisionCancel
		default:
			fmt.Println("please answer approve, skip or cancel")
			continue
		}
		return a.orch.Decide(sessionID, d)
	}
}

func renderEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindStateChange:
		fmt.Printf("==> %v\n", ev.Payload["to"])
	case events.KindProgress:
		renderProgress(ev.Payload)
	case events.KindPlan:
		fmt.Printf("plan ready: %v steps (%v mode)\n", ev.Payload["steps"], ev.Payload["mode"])
	case events.KindPapersCollected:
		fmt.Printf("collected %v candidate papers\n", ev.Payload["count"])
	case events.KindScreeningSummary:
		fmt.Printf("screening: %s\n", payloadSummary(ev.Payload))
	case events.KindEvidence:
		fmt.Printf("evidence: %s\n", payloadSummary(ev.Payload))
	case events.KindTaxonomy:
		fmt.Printf("taxonomy: %s\n", payloadSummary(ev.Payload))
	case events.KindClaims:
		fmt.Printf("claims: %s\n", payloadSummary(ev.Payload))
	case events.KindGapMining:
		fmt.Printf("gap mining: %s\n", payloadSummary(ev.Payload))
	case events.KindApprovalRequired:
		fmt.Printf("\napproval required: %v\n", ev.Payload["gate"])
		if gateCtx, ok := ev.Payload["context"].(map[string]any); ok {
			fmt.Printf("  %s\n", payloadSummary(gateCtx))
		}
	case events.KindMessage:
		fmt.Printf("%v\n", ev.Payload["message"])
	case events.KindError:
		fmt.Printf("failed in %v: %v\n", ev.Payload["phase"], ev.Payload["cause"])
	case events.KindComplete:
		fmt.Printf("session complete (%v papers)\n", ev.Payload["papers"])
	}
}

func renderProgress(p map[string]any) {
	msg, _ := p["message"].(string)
	switch {
	case p["slow"] == true:
		fmt.Printf("  %v is taking longer than usual, still working\n", p["phase"])
	case p["warn"] == true:
		fmt.Printf("  warning: %s\n", msg)
	case p["current"] != nil && p["total"] != nil:
		fmt.Printf("  [%v/%v] %s\n", p["current"], p["total"], msg)
	default:
		fmt.Printf("  %s\n", msg)
	}
}

// payloadSummary renders a payload map as stable "k=v" pairs.
func payloadSummary(p map[string]any) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
