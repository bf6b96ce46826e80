package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/audit"
	"stagegate/internal/config"
	"stagegate/internal/db"
	"stagegate/internal/domain"
	"stagegate/internal/engine"
	"stagegate/internal/mcp"
	"stagegate/internal/migrate"
	"stagegate/internal/repo"
	"stagegate/internal/server"
	"stagegate/internal/statemachine"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Stagegate CLI",
	Long: `Stagegate tracks delivery maturity through human-approved stage gates.
Core concepts:
- Workspace: your .stagegate directory holding the database; configs live in the DB and are imported explicitly.
- Project: the delivery effort whose maturity is tracked.
- Maturity state: LEVEL-CHECKPOINT, e.g. POC-L1 or MVP-L3; levels go POC -> MVP -> PILOT -> PRODUCTION -> SCALE.
- Evidence: recorded proof that a hardening requirement holds (security.*, reliability.*, scalability.*).
- Decision gate: every transition needs an explicit human decision; only one decision window is open at a time.
- Payment gate: level advances carry a budget approval that must be confirmed before the transition executes.
- Audit trail: append-only diary of everything that happened, view with 'sg log tail' or 'sg report'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(statemachineCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(keysCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if err := e.Repo.UpsertProjectConfig(cmd.Context(), id, cfg); err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("project")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Project.ID
				}
				return e.Repo.DeleteProject(ctx, target)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "STAGEGATE_DEFAULT_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set STAGEGATE_DEFAULT_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stagegate.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = strings.TrimSpace(viper.GetString("project"))
			}
			if id == "" {
				return fmt.Errorf("--id or --project required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard: current maturity state, whether a decision is pending, and how long the audit trail is.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID = strings.TrimSpace(projectID)
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				state, err := e.Repo.GetState(ctx, projectID)
				if err != nil {
					return err
				}
				count, err := e.Repo.AuditCount(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":  p.ID,
					"status":      p.Status,
					"state":       state,
					"audit_count": count,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Printf("Maturity: %s\n", state.Label())
				if state.DecisionPending {
					fmt.Println("Decision window: OPEN (sg decide present / sg decide submit)")
				} else {
					fmt.Println("Decision window: closed")
				}
				fmt.Printf("Audit entries: %d\n", count)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func assessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess current maturity level",
		Long:  "Runs the maturity engine against recorded evidence and reports the current level, the next level, and a confidence score.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssessCurrentLevel(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate readiness for a target level",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := statemachine.ParseLevel(target)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ValidateLevelRequirements(ctx, e.Config.Project.ID, lvl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("Target: %s -> %s\n", v.TargetLevel, v.OverallStatus)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Passed", "Checked", "Failed"})
				for _, cat := range config.Categories() {
					res, ok := v.Requirements[cat]
					if !ok {
						continue
					}
					tw.AppendRow(table.Row{res.Category, res.Passed, res.Checked, strings.Join(res.Failed, ", ")})
				}
				tw.Render()
				for _, rec := range v.Recommendations {
					fmt.Println("hint:", rec)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target level (POC, MVP, PILOT, PRODUCTION, SCALE)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Level transitions",
	}
	cmd.AddCommand(transitionInitiateCmd())
	return cmd
}

func transitionInitiateCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Initiate a level advance",
		Long:  "Re-validates readiness for the target level. When ready this opens the decision window and a payment gate; when blocked it reports the blockers and changes nothing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := statemachine.ParseLevel(target)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				init, err := e.InitiateTransition(ctx, e.Config.Project.ID, lvl, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(init)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target level")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func decideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Human decision gate",
	}
	cmd.AddCommand(decidePresentCmd())
	cmd.AddCommand(decideSubmitCmd())
	cmd.AddCommand(decideCloseCmd())
	return cmd
}

func decidePresentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "present",
		Short: "Present legal transitions and open the decision window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts, err := e.Tracker(e.Config.Project.ID).PresentTransitionOptions(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(opts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "Type", "To", "Risk", "Effort", "Payment"})
				for _, o := range opts {
					payment := ""
					if o.Transition.PaymentGate {
						payment = "required"
					}
					tw.AppendRow(table.Row{o.Transition.Label, o.Transition.Type, string(o.Transition.ToLevel) + "-" + string(o.Transition.ToCheckpoint), o.RiskLevel, o.EstimatedEffort, payment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func decideSubmitCmd() *cobra.Command {
	var transition, justification string
	var approve, reject bool
	var txnID, authorizedBy, method string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a decision on a presented transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if transition == "" {
				return fmt.Errorf("--transition required")
			}
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject required")
			}
			if justification == "" {
				return fmt.Errorf("--justification required")
			}
			decision := domain.Decision{
				Transition:    transition,
				Approved:      approve,
				Justification: justification,
				DecidedBy:     viper.GetString("actor-id"),
			}
			if txnID != "" {
				decision.PaymentConfirmation = &domain.PaymentConfirmation{
					TransactionID: txnID,
					AuthorizedBy:  authorizedBy,
					PaymentMethod: method,
					Timestamp:     time.Now().UTC().Format(time.RFC3339),
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				outcome, err := e.RecordDecision(ctx, e.Config.Project.ID, decision)
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "transition label (e.g. MVP-L1 or abort)")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the transition")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the transition")
	cmd.Flags().StringVar(&justification, "justification", "", "why this decision was made")
	cmd.Flags().StringVar(&txnID, "transaction-id", "", "payment transaction id")
	cmd.Flags().StringVar(&authorizedBy, "authorized-by", "", "payment authorizer")
	cmd.Flags().StringVar(&method, "payment-method", "", "payment method")
	return cmd
}

func decideCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Close the open decision window without deciding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Tracker(e.Config.Project.ID).CloseDecisionWindow(ctx)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Payment gates",
	}
	cmd.AddCommand(gateListCmd())
	cmd.AddCommand(gateShowCmd())
	cmd.AddCommand(gatePresentCmd())
	cmd.AddCommand(gateConfirmCmd())
	cmd.AddCommand(gateRejectCmd())
	return cmd
}

func gateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payment gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gates, err := e.Repo.ListGates(ctx, e.Config.Project.ID, domain.PaymentGateStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "To", "Amount", "Currency", "Status", "Expires"})
				for _, g := range gates {
					tw.AppendRow(table.Row{g.ID, g.ToState, g.Amount, g.Currency, g.Status, g.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, confirmed, rejected)")
	return cmd
}

func gateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <gate-id>",
		Short: "Show a payment gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func gatePresentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "present <gate-id>",
		Short: "Present a gate with payment instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Gates.PresentGate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func gateConfirmCmd() *cobra.Command {
	var txnID, authorizedBy, method string
	cmd := &cobra.Command{
		Use:   "confirm <gate-id>",
		Short: "Confirm a payment gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := domain.PaymentConfirmation{
				TransactionID: txnID,
				AuthorizedBy:  authorizedBy,
				PaymentMethod: method,
				Timestamp:     time.Now().UTC().Format(time.RFC3339),
			}
			if conf.AuthorizedBy == "" {
				conf.AuthorizedBy = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Gates.ProcessConfirmation(ctx, args[0], conf)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&txnID, "transaction-id", "", "transaction id")
	cmd.Flags().StringVar(&authorizedBy, "authorized-by", "", "authorizer (defaults to --actor-id)")
	cmd.Flags().StringVar(&method, "payment-method", "", "payment method")
	_ = cmd.MarkFlagRequired("transaction-id")
	_ = cmd.MarkFlagRequired("payment-method")
	return cmd
}

func gateRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <gate-id>",
		Short: "Reject a payment gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Gates.RejectGate(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Manage hardening evidence",
	}
	cmd.AddCommand(evidenceAddCmd())
	cmd.AddCommand(evidenceListCmd())
	return cmd
}

func evidenceAddCmd() *cobra.Command {
	var requirement, payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record evidence for a requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requirement == "" {
				return fmt.Errorf("--requirement required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.RecordEvidence(ctx, domain.Evidence{
					ProjectID:   e.Config.Project.ID,
					Requirement: requirement,
					ActorID:     viper.GetString("actor-id"),
					PayloadJSON: payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&requirement, "requirement", "", "requirement id (e.g. security.authn_enforced)")
	cmd.Flags().StringVar(&payload, "payload-json", "", "supporting payload JSON")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Requirement", "Category", "Actor", "TS"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.Requirement, ev.Category, ev.ActorID, ev.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func statemachineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statemachine",
		Short: "Inspect the maturity state machine",
	}
	cmd.AddCommand(statemachineStatesCmd())
	cmd.AddCommand(statemachineTransitionsCmd())
	return cmd
}

func statemachineStatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "List all maturity states",
		RunE: func(cmd *cobra.Command, args []string) error {
			states := statemachine.StatesCatalog()
			if viper.GetBool("json") {
				return printJSON(states)
			}
			for _, s := range states {
				fmt.Println(s.Label())
			}
			return nil
		},
	}
	return cmd
}

func statemachineTransitionsCmd() *cobra.Command {
	var level, checkpoint string
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "List legal transitions from a state",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := statemachine.ParseLevel(level)
			if err != nil {
				return err
			}
			cp, err := statemachine.ParseCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			trs := statemachine.AvailableTransitions(domain.MaturityState{Level: lvl, Checkpoint: cp})
			if viper.GetBool("json") {
				return printJSON(trs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Label", "Type", "To", "Payment", "Risk"})
			for _, t := range trs {
				payment := ""
				if t.PaymentGate {
					payment = "required"
				}
				tw.AppendRow(table.Row{t.Label, t.Type, string(t.ToLevel) + "-" + string(t.ToCheckpoint), payment, statemachine.RiskLevel(t.Type)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "POC", "from level")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "L1", "from checkpoint")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit trail",
		Long:  "The diary of everything that happened: decisions, transitions, gates, evidence, and RBAC changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate an audit report",
		Long:  "Summarizes the full audit trail: event counts by type, the complete state history, and the current state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := audit.Generate(ctx, e.Repo, e.Config.Project.ID, time.Now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("Project: %s (%d events)\n", rep.ProjectID, rep.TotalEvents)
				if rep.CurrentState != nil {
					fmt.Printf("Current state: %s\n", rep.CurrentState.Label())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Transition", "Actor"})
				for _, sc := range rep.StateHistory {
					tw.AppendRow(table.Row{sc.TS, sc.FromState, sc.ToState, sc.Transition, sc.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), conn, viper.GetString("project"), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("STAGEGATE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("STAGEGATE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stagegate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server over stdio",
		Long:  "Exposes assess, validate, transition, decision, gate, evidence, and audit operations as MCP tools so an agent can drive a project while humans keep the gate decisions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return mcp.NewServer(e).Run(ctx)
			})
		},
	}
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, e.Config.Project.ID, viper.GetString("actor-id"), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap an actor role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			projectID := strings.TrimSpace(viper.GetString("project"))
			if projectID == "" {
				return fmt.Errorf("project not specified; use --project or set STAGEGATE_DEFAULT_PROJECT (sg project use <id>)")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, projectID); err != nil {
					return err
				}
				cfg, cfgErr := r.GetProjectConfig(ctx, projectID)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if cfgErr == nil && cfg != nil {
					if roleDef, ok := cfg.RBAC.Roles[role]; ok {
						if err := r.InsertRole(ctx, tx, role, roleDef.Description); err != nil {
							return err
						}
						for _, perm := range roleDef.Permissions {
							if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
								return err
							}
							if err := r.AddRolePermission(ctx, tx, role, perm); err != nil {
								return err
							}
						}
					} else {
						if err := r.InsertRole(ctx, tx, role, ""); err != nil {
							return err
						}
					}
				} else {
					if err := r.InsertRole(ctx, tx, role, ""); err != nil {
						return err
					}
				}
				if err := r.EnsureActor(ctx, tx, target, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				if err := r.AssignRole(ctx, tx, projectID, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysDeleteCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "sg_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureActor(ctx, tx, key.ActorID, key.CreatedAt); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is only shown once.
				return printJSONOrTable(map[string]any{
					"id":     key.ID,
					"actor":  key.ActorID,
					"name":   key.Name,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, conn, viper.GetString("project"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
