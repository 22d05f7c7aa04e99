package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/reflexsec/reflex/pkg/actions"
	"github.com/reflexsec/reflex/pkg/approval"
	"github.com/reflexsec/reflex/pkg/runtime"
	"github.com/reflexsec/reflex/pkg/schema"
	"github.com/reflexsec/reflex/pkg/store"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	dataDir   string
	verbose   bool
	rolesFile string
)

var rootCmd = &cobra.Command{
	Use:   "reflex",
	Short: "Incident response playbook orchestration",
	Long:  "reflex — triggers security response playbooks against incidents: staged actions, retries, approval gates, compensation, and a full audit trail.",
}

// newLogger builds the process logger; --verbose switches to development
// output.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [playbook.yaml]",
	Short: "Validate a playbook YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	pb, errs := schema.ValidateFile(args[0])
	var errors, warnings []*schema.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			warnings = append(warnings, e)
		} else {
			errors = append(errors, e)
		}
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  warning [%s] %s\n", w.Phase, w.Message)
		if w.Path != "" {
			fmt.Fprintf(os.Stderr, "    at: %s\n", w.Path)
		}
	}
	if len(errors) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errors))
		for i, e := range errors {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errors))
	}
	fmt.Printf("%s %s v%d is valid (%d actions, %d rules)\n",
		okMark(), pb.ID, pb.Version, len(pb.Actions), len(pb.Rules))
	return nil
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "JSON Schema utilities",
}

var schemaExportTarget string

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the JSON Schema for playbooks or approval policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		var blob []byte
		var err error
		switch schemaExportTarget {
		case "playbook":
			blob, err = schema.GenerateJSONSchema()
		case "policy":
			blob, err = schema.GeneratePolicyJSONSchema()
		default:
			return fmt.Errorf("unknown schema target %q (playbook or policy)", schemaExportTarget)
		}
		if err != nil {
			return err
		}
		fmt.Println(string(blob))
		return nil
	},
}

// --- services shared by the run commands ---

// buildService assembles the store, registry, evaluator and engine the way
// a long-running deployment would, rooted at --data-dir.
func buildService(logger *zap.Logger, policies []*schema.ApprovalPolicy, notifier approval.Notifier) (*runtime.Service, *approval.Manager, error) {
	st, err := store.NewFile(dataDir, nil)
	if err != nil {
		return nil, nil, err
	}

	reg := actions.NewRegistry()
	actions.RegisterBuiltins(reg)

	dir, err := loadRoles(rolesFile)
	if err != nil {
		return nil, nil, err
	}

	mgr := approval.NewManager()
	eval, err := approval.NewEvaluator(approval.Config{
		Policies:  policies,
		Directory: dir,
		Notifier:  notifier,
		Store:     st,
		Manager:   mgr,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	eng, err := runtime.NewEngine(runtime.Config{
		Store:     st,
		Registry:  reg,
		Approvals: eval,
		Logger:    logger,
		AuditDir:  dataDir,
	})
	if err != nil {
		return nil, nil, err
	}
	return runtime.NewService(eng, mgr), mgr, nil
}

// loadRoles reads a role → members YAML table; missing file means an empty
// directory.
func loadRoles(path string) (approval.StaticDirectory, error) {
	if path == "" {
		return approval.StaticDirectory{}, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	var dir approval.StaticDirectory
	if err := yaml.Unmarshal(blob, &dir); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	return dir, nil
}

func loadPolicies(paths []string) ([]*schema.ApprovalPolicy, error) {
	var out []*schema.ApprovalPolicy
	for _, p := range paths {
		pol, err := schema.LoadPolicyFile(p)
		if err != nil {
			return nil, err
		}
		if errs := schema.ValidatePolicy(pol); len(errs) > 0 {
			return nil, fmt.Errorf("policy %s: %s", p, errs[0].Error())
		}
		out = append(out, pol)
	}
	return out, nil
}

// parseIncident merges --context key=value pairs and an optional JSON file
// into the incident context.
func parseIncident(file string, pairs []string) (map[string]any, error) {
	incident := make(map[string]any)
	if file != "" {
		blob, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read incident file: %w", err)
		}
		if err := json.Unmarshal(blob, &incident); err != nil {
			return nil, fmt.Errorf("parse incident file: %w", err)
		}
	}
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --context %q: expected key=value", p)
		}
		incident[parts[0]] = parts[1]
	}
	return incident, nil
}

// --- get ---

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get [execution-id]",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewFile(dataDir, nil)
		if err != nil {
			return err
		}
		x, err := st.Load(context.Background(), args[0])
		if err != nil {
			return err
		}
		if getJSON {
			blob, err := json.MarshalIndent(x, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(blob))
			return nil
		}
		printExecution(x)
		return nil
	},
}

// --- list ---

var (
	listPlaybook string
	listTarget   string
	listStatus   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.NewFile(dataDir, nil)
		if err != nil {
			return err
		}
		execs, err := st.List(context.Background(), runtime.ExecutionFilter{
			PlaybookID: listPlaybook,
			TargetID:   listTarget,
			Status:     runtime.ExecutionStatus(listStatus),
		})
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Println("no executions")
			return nil
		}
		for _, x := range execs {
			fmt.Printf("%s  %-28s %-12s %s  ok=%d fail=%d skip=%d\n",
				x.ID, x.PlaybookID, x.TargetID, renderStatus(string(x.Status)),
				x.Counters.Succeeded, x.Counters.Failed, x.Counters.Skipped)
		}
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reflex %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", ".reflex", "Directory for execution state and audit logs")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Development logging to stderr")
	rootCmd.PersistentFlags().StringVar(&rolesFile, "roles", "", "YAML file mapping approver roles to members")

	schemaExportCmd.Flags().StringVar(&schemaExportTarget, "target", "playbook", "Schema to export: playbook or policy")
	schemaCmd.AddCommand(schemaExportCmd)

	getCmd.Flags().BoolVar(&getJSON, "json", false, "Output as JSON")

	listCmd.Flags().StringVar(&listPlaybook, "playbook", "", "Filter by playbook ID")
	listCmd.Flags().StringVar(&listTarget, "target", "", "Filter by target ID")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)
}
