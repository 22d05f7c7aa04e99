package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reflexsec/reflex/pkg/approval"
	"github.com/reflexsec/reflex/pkg/runtime"
	"github.com/reflexsec/reflex/pkg/schema"
)

var (
	triggerIncidentFile string
	triggerContext      []string
	triggerTarget       string
	triggerPolicies     []string
	triggerInteractive  bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [playbook.yaml]",
	Short: "Run a playbook against an incident and block until it resolves",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func runTrigger(cmd *cobra.Command, args []string) error {
	pb, errs := schema.ValidateFile(args[0])
	for _, e := range errs {
		if e.Severity != "warning" {
			fmt.Fprintf(os.Stderr, "  [%s] %s\n", e.Phase, e.Message)
		}
	}
	if hasErrors(errs) {
		return fmt.Errorf("playbook validation failed")
	}

	incident, err := parseIncident(triggerIncidentFile, triggerContext)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	policies, err := loadPolicies(triggerPolicies)
	if err != nil {
		return err
	}

	// Interactive mode answers approval requests at this terminal; otherwise
	// votes arrive out of band via `reflex approve`.
	var notifier approval.Notifier
	var prompt *promptNotifier
	if triggerInteractive {
		prompt = &promptNotifier{}
		notifier = prompt
	}
	svc, _, err := buildService(logger, policies, notifier)
	if err != nil {
		return err
	}
	if prompt != nil {
		prompt.svc = svc
	}

	if err := svc.RegisterPlaybook(pb); err != nil {
		return err
	}

	fmt.Printf("Playbook: %s v%d\n", pb.ID, pb.Version)
	fmt.Printf("Target:   %s\n", triggerTarget)

	x, err := svc.TriggerExecution(context.Background(), pb.ID, incident, triggerTarget)
	if err != nil {
		return err
	}

	fmt.Println()
	printExecution(x)
	if x.Status != runtime.ExecCompleted {
		os.Exit(1)
	}
	return nil
}

func hasErrors(errs []*schema.ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

// --- resume ---

var resumePolicies []string

var resumeCmd = &cobra.Command{
	Use:   "resume [playbook.yaml] [execution-id]",
	Short: "Resume an interrupted execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pb, errs := schema.ValidateFile(args[0])
		if hasErrors(errs) {
			return fmt.Errorf("playbook validation failed")
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		policies, err := loadPolicies(resumePolicies)
		if err != nil {
			return err
		}
		svc, _, err := buildService(logger, policies, nil)
		if err != nil {
			return err
		}
		if err := svc.RegisterPlaybook(pb); err != nil {
			return err
		}
		x, err := svc.ResumeExecution(context.Background(), args[1])
		if err != nil {
			return err
		}
		printExecution(x)
		return nil
	},
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry [playbook.yaml] [execution-id]",
	Short: "Run a fresh execution of the same playbook, incident and target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pb, errs := schema.ValidateFile(args[0])
		if hasErrors(errs) {
			return fmt.Errorf("playbook validation failed")
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
		if err := svc.RegisterPlaybook(pb); err != nil {
			return err
		}
		x, err := svc.RetryExecution(context.Background(), args[1])
		if err != nil {
			return err
		}
		printExecution(x)
		return nil
	},
}

// --- rollback ---

var rollbackCmd = &cobra.Command{
	Use:   "rollback [playbook.yaml] [execution-id]",
	Short: "Compensate every applied action of a terminal execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pb, errs := schema.ValidateFile(args[0])
		if hasErrors(errs) {
			return fmt.Errorf("playbook validation failed")
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
		if err := svc.RegisterPlaybook(pb); err != nil {
			return err
		}
		x, err := svc.RollbackExecution(context.Background(), args[1])
		if err != nil {
			return err
		}
		printExecution(x)
		return nil
	},
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel [execution-id]",
	Short: "Cancel a non-terminal execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		svc, _, err := buildService(logger, nil, nil)
		if err != nil {
			return err
		}
		if err := svc.CancelExecution(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s cancelled %s\n", okMark(), args[0])
		return nil
	},
}

// --- note ---

var noteActor string

var noteCmd = &cobra.Command{
	Use:   "note [execution-id] [text]",
	Short: "Attach a resolution note to a terminal execution",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		svc, _, err := buildService(logger, nil, nil)
		if err != nil {
			return err
		}
		if err := svc.AppendNote(context.Background(), args[0], noteActor, args[1]); err != nil {
			return err
		}
		fmt.Printf("%s note recorded\n", okMark())
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerIncidentFile, "incident", "", "JSON file with the incident context")
	triggerCmd.Flags().StringArrayVar(&triggerContext, "context", nil, "Incident context entry (key=value), repeatable")
	triggerCmd.Flags().StringVar(&triggerTarget, "target", "", "Target entity (user ID, host, IP)")
	triggerCmd.Flags().StringArrayVar(&triggerPolicies, "policy", nil, "Approval policy YAML, repeatable")
	triggerCmd.Flags().BoolVar(&triggerInteractive, "interactive", false, "Answer approval requests at this terminal")

	resumeCmd.Flags().StringArrayVar(&resumePolicies, "policy", nil, "Approval policy YAML, repeatable")

	noteCmd.Flags().StringVar(&noteActor, "as", "operator", "Actor identity recorded in the audit trail")
}
