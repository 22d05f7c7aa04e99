package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/reflexsec/reflex/pkg/runtime"
)

var (
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleCyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleDim    = lipgloss.NewStyle().Faint(true)
)

func okMark() string   { return styleGreen.Render("✓") }
func gateMark() string { return styleYellow.Render("⏸") }

// renderStatus colors a status string by outcome class.
func renderStatus(status string) string {
	switch runtime.ExecutionStatus(status) {
	case runtime.ExecCompleted:
		return styleGreen.Render(status)
	case runtime.ExecPartiallyCompleted, runtime.ExecRolledBack:
		return styleYellow.Render(status)
	case runtime.ExecFailed:
		return styleRed.Render(status)
	case runtime.ExecRunning, runtime.ExecInitiated:
		return styleCyan.Render(status)
	}
	switch runtime.ActionStatus(status) {
	case runtime.ActionSuccess:
		return styleGreen.Render(status)
	case runtime.ActionFailed:
		return styleRed.Render(status)
	case runtime.ActionSkipped:
		return styleDim.Render(status)
	case runtime.ActionCompensated:
		return styleYellow.Render(status)
	}
	return status
}

// printExecution writes a human-readable execution summary.
func printExecution(x *runtime.Execution) {
	fmt.Printf("Execution: %s\n", x.ID)
	fmt.Printf("Playbook:  %s v%d\n", x.PlaybookID, x.PlaybookVersion)
	fmt.Printf("Target:    %s  risk=%s\n", x.TargetID, x.RiskLevel)
	fmt.Printf("Status:    %s\n", renderStatus(string(x.Status)))
	if x.EndedAt != nil {
		fmt.Printf("Duration:  %s\n", x.EndedAt.Sub(x.StartedAt).Round(time.Millisecond))
	}
	fmt.Printf("Actions:   ok=%d fail=%d skip=%d\n",
		x.Counters.Succeeded, x.Counters.Failed, x.Counters.Skipped)

	for _, a := range x.Actions {
		line := fmt.Sprintf("  [stage %d] %-24s %-16s %s", a.Stage, a.ActionID, a.Kind, renderStatus(string(a.Status)))
		if len(a.Attempts) > 1 {
			line += styleDim.Render(fmt.Sprintf("  (%d attempts)", len(a.Attempts)))
		}
		if a.Reason != "" {
			line += styleDim.Render("  " + a.Reason)
		}
		fmt.Println(line)
		if a.Compensation != nil {
			fmt.Printf("      undo %-21s %-16s %s\n",
				a.Compensation.ActionID, a.Compensation.Kind, renderStatus(string(a.Compensation.Status)))
		}
	}
	for _, req := range x.Approvals {
		fmt.Printf("  approval %s gate=%s %s votes=%d/%d\n",
			req.ID, req.GateName, renderStatus(string(req.Status)), len(req.Decisions), req.Required)
	}
	for _, n := range x.Notes {
		fmt.Printf("  note: %s\n", n)
	}
}
