package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/reflexsec/reflex/pkg/runtime"
)

var (
	approveAs      string
	approveDeny    bool
	approveComment string
)

var approveCmd = &cobra.Command{
	Use:   "approve [execution-id] [request-id]",
	Short: "Vote on a pending approval request",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	if approveAs == "" {
		return fmt.Errorf("--as is required: approvals are attributed to a person")
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	svc, _, err := buildService(logger, nil, nil)
	if err != nil {
		return err
	}

	decision := runtime.DecisionApprove
	if approveDeny {
		decision = runtime.DecisionDeny
	}
	err = svc.SubmitApprovalDecision(context.Background(), args[0], args[1], approveAs, decision, approveComment)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s recorded for %s\n", okMark(), decision, args[1])
	return nil
}

// promptNotifier answers approval requests interactively: when the evaluator
// publishes a request, it prompts at the terminal and submits the vote
// through the service, which wakes the blocked evaluator.
type promptNotifier struct {
	svc *runtime.Service
}

func (p *promptNotifier) ApprovalRequested(req *runtime.ApprovalRequest, roles []string) {
	go p.prompt(req)
}

func (p *promptNotifier) ApprovalEscalated(req *runtime.ApprovalRequest, level int, roles []string) {
	fmt.Printf("\n  approval %s escalated to level %d (%s)\n", req.ID, level, strings.Join(roles, ", "))
}

func (p *promptNotifier) prompt(req *runtime.ApprovalRequest) {
	fmt.Printf("\n%s action %s requires approval (gate %s, %d vote(s) needed)\n",
		gateMark(), req.ActionID, req.GateName, req.Required)
	fmt.Printf("  eligible: %s\n", strings.Join(req.Approvers, ", "))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "  approve/deny as <name> (e.g. \"approve alice\"): ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		fmt.Printf("  prompt unavailable: %v\n", err)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) != 2 {
			fmt.Println("  expected: approve <name> | deny <name>")
			continue
		}
		var decision string
		switch strings.ToLower(parts[0]) {
		case "approve", "yes", "y":
			decision = runtime.DecisionApprove
		case "deny", "no", "n":
			decision = runtime.DecisionDeny
		default:
			fmt.Println("  expected: approve <name> | deny <name>")
			continue
		}
		err = p.svc.SubmitApprovalDecision(context.Background(), req.ExecutionID, req.ID, parts[1], decision, "")
		if err != nil {
			fmt.Printf("  vote rejected: %v\n", err)
			continue
		}
		fmt.Printf("  %s recorded for %s\n", decision, parts[1])
		latest, err := p.svc.GetExecution(context.Background(), req.ExecutionID)
		if err == nil {
			if stored := latest.FindApproval(req.ID); stored != nil && stored.Status.Resolved() {
				return
			}
		}
	}
}

func init() {
	approveCmd.Flags().StringVar(&approveAs, "as", "", "Approver identity (required)")
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "Record a DENY instead of an APPROVE")
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "Optional comment recorded with the vote")
}
