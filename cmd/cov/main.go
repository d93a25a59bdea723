package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"covenant/internal/config"
	"covenant/internal/db"
	"covenant/internal/decompose"
	"covenant/internal/dispatch"
	"covenant/internal/domain"
	"covenant/internal/engine"
	"covenant/internal/migrate"
	"covenant/internal/repo"
	"covenant/internal/server"
	"covenant/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "cov",
	Short: "Covenant CLI",
	Long: `Covenant runs constitutional build projects: a design document is the
authority, tiers of task contracts are planned from it, worker outputs are
checked against the charter's rules, and every human decision passes through
a gate with explicit options.
- Workspace: a .covenant directory holding only the database.
- Design document: subsystems per tier with schemas, rules and verbs.
- Charter: covenant.yml, the vocabulary and dispatch limits for a project.
- Contracts: scoped work units with dependency ordering inside each tier.
- Gates: pending decisions; nothing advances while one is open.
- Lineage: every accepted artifact traces back to a design element.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

// runOutcome carries the tier result out of the run command for exit-code
// mapping in main.
var runOutcome *engine.TierReport

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		switch {
		case errors.Is(err, engine.ErrGateBlocked):
			os.Exit(3)
		case errors.Is(err, decompose.ErrTierNotApproved),
			errors.Is(err, decompose.ErrCyclicDependency),
			errors.Is(err, dispatch.ErrDependencyUnmet),
			errors.Is(err, engine.ErrPhase):
			os.Exit(2)
		default:
			os.Exit(4)
		}
	}
	if runOutcome != nil && (runOutcome.Rejected > 0 || runOutcome.Escalated > 0) {
		os.Exit(2)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COVENANT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(designCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(charterCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectNewCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectNewCmd() *cobra.Command {
	var id, name, designFile string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create project from a design document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if designFile == "" {
				return fmt.Errorf("--design required")
			}
			designYAML, err := os.ReadFile(designFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, g, err := e.InitProject(ctx, id, name, designYAML, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": p, "gate": g})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (defaults to design project name)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&designFile, "design", "", "design document YAML file")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phase", "Tier", "Pending Gate"})
				for _, p := range items {
					pending := ""
					if p.PendingGateID != nil {
						pending = *p.PendingGateID
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.Phase, p.Tier, pending})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Project status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Status(ctx, e.Charter.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func planCmd() *cobra.Command {
	var tier int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan task contracts for a tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Charter.Project.ID
				t := tier
				if t == 0 {
					p, err := e.Repo.GetProject(ctx, projectID)
					if err != nil {
						return err
					}
					t = p.Tier
				}
				contracts, err := e.PlanTier(ctx, projectID, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contracts)
				}
				printContractTable(contracts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&tier, "tier", 0, "tier to plan (defaults to the active tier)")
	return cmd
}

func runCmd() *cobra.Command {
	var tier int
	var outputsDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch and review the active tier",
		Long: `Executes the tier's contracts against output files prepared per
subsystem (<dir>/<subsystem>.json), reviews each output and opens the
follow-up gate. Revision attempts read <subsystem>.rev<N>.json when present.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputsDir == "" {
				return fmt.Errorf("--outputs required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Charter.Project.ID
				t := tier
				if t == 0 {
					p, err := e.Repo.GetProject(ctx, projectID)
					if err != nil {
						return err
					}
					t = p.Tier
				}
				session := worker.FileSession{Dir: outputsDir}
				report, err := e.RunTier(ctx, projectID, t, session, worker.StaticAuthority{}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				runOutcome = &report
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().IntVar(&tier, "tier", 0, "tier to run (defaults to the active tier)")
	cmd.Flags().StringVar(&outputsDir, "outputs", "", "directory of worker output files")
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Inspect and resolve gates"}
	g.AddCommand(gateListCmd())
	g.AddCommand(gateShowCmd())
	g.AddCommand(gateResolveCmd())
	return g
}

func gateListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				gates, err := r.ListGates(ctx, p.ID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Tier", "Status", "Trigger"})
				for _, g := range gates {
					tw.AppendRow(table.Row{g.ID, g.Type, g.Tier, g.Status, g.Trigger})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func gateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <gate-id>",
		Short: "Show a gate with its options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGate(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("%s gate %s (%s)\ntrigger: %s\n\n", g.Type, g.ID, g.Status, g.Trigger)
				for _, o := range g.Options {
					marker := " "
					if o.Recommended {
						marker = "*"
					}
					fmt.Printf("%s [%s] %s: %s\n", marker, o.Letter, o.Name, o.Summary)
					for _, line := range o.Consequences.Immediate {
						fmt.Printf("      now: %s\n", line)
					}
					for _, line := range o.Consequences.Downstream {
						fmt.Printf("     next: %s\n", line)
					}
					for _, line := range o.Consequences.LongTerm {
						fmt.Printf("    later: %s\n", line)
					}
				}
				return nil
			})
		},
	}
}

func gateResolveCmd() *cobra.Command {
	var kind, option, feedback, reason string
	var combine, modifications []string
	cmd := &cobra.Command{
		Use:   "resolve <gate-id>",
		Short: "Resolve a pending gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.ResolveGate(ctx, args[0], domain.GateResponse{
					Kind:            kind,
					SelectedOption:  option,
					CombinedOptions: combine,
					Modifications:   modifications,
					Feedback:        feedback,
					Reason:          reason,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "response kind (choose, choose_with_modifications, combine, revise_and_proceed, explore_differently, reject)")
	cmd.Flags().StringVar(&option, "option", "", "selected option letter")
	cmd.Flags().StringSliceVar(&combine, "combine", nil, "option letters to combine")
	cmd.Flags().StringSliceVar(&modifications, "modify", nil, "modifications to the selected option")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for revise_and_proceed or explore_differently")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for reject")
	return cmd
}

func designCmd() *cobra.Command {
	d := &cobra.Command{Use: "design", Short: "Manage the design document"}
	d.AddCommand(designShowCmd())
	d.AddCommand(designReviseCmd())
	return d
}

func designShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the latest design document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				doc, err := r.LatestDesignDocument(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				fmt.Printf("# version %d (%s), approved tier %d\n%s", doc.Version, doc.Status, doc.ApprovedTier, doc.BodyYAML)
				return nil
			})
		},
	}
}

func designReviseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "revise",
		Short: "Propose a design revision (opens a scope-change gate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			designYAML, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, g, err := e.ReviseDesign(ctx, e.Charter.Project.ID, designYAML, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"design": doc, "gate": g})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "revised design YAML file")
	return cmd
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Inspect task contracts"}
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	return c
}

func contractListCmd() *cobra.Command {
	var tier int
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				contracts, err := r.ListContracts(ctx, repo.ContractFilters{
					ProjectID: p.ID,
					Tier:      tier,
					HasTier:   tier > 0,
					Status:    status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contracts)
				}
				printContractTable(contracts)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&tier, "tier", 0, "tier filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract with its outputs and verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				outputs, err := r.ListWorkerOutputs(ctx, c.ID)
				if err != nil {
					return err
				}
				verdicts, err := r.ListVerdicts(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"contract": c,
					"outputs":  outputs,
					"verdicts": verdicts,
				})
			})
		},
	}
}

func artifactCmd() *cobra.Command {
	a := &cobra.Command{Use: "artifact", Short: "Inspect accepted artifacts"}
	a.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := resolveProject(ctx, r)
				if err != nil {
					return err
				}
				items, err := r.ListArtifacts(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Path", "Tier", "Subsystem", "Supersedes"})
				for _, a := range items {
					supersedes := ""
					if a.SupersedesID != nil {
						supersedes = *a.SupersedesID
					}
					tw.AppendRow(table.Row{a.ID, a.Path, a.Tier, a.Subsystem, supersedes})
				}
				tw.Render()
				return nil
			})
		},
	})
	return a
}

func traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <artifact-id>",
		Short: "Decision chain from artifact to design element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				chain, err := e.Trace(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				for i, d := range chain {
					ref := d.PolicyRef
					if d.DesignRef != "" {
						ref = d.DesignRef
					}
					fmt.Printf("%d. [%s] %s (%s) %s\n", i+1, d.Actor, d.Description, d.TS, ref)
				}
				return nil
			})
		},
	}
}

func decisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions",
		Short: "Decision log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Decisions(ctx, e.Charter.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Type", "Description"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.TS, d.Actor, d.Type, d.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func costsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Aggregated resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Costs(ctx, e.Charter.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slice", "Key", "Calls", "In", "Out", "Cost"})
				tw.AppendRow(table.Row{"total", report.Total.Key, report.Total.Calls, report.Total.InputTokens, report.Total.OutputTokens, fmt.Sprintf("%.4f", report.Total.EstimatedCost)})
				for _, line := range report.ByTier {
					tw.AppendRow(table.Row{"tier", line.Key, line.Calls, line.InputTokens, line.OutputTokens, fmt.Sprintf("%.4f", line.EstimatedCost)})
				}
				for _, line := range report.ByRole {
					tw.AppendRow(table.Row{"role", line.Key, line.Calls, line.InputTokens, line.OutputTokens, fmt.Sprintf("%.4f", line.EstimatedCost)})
				}
				for _, line := range report.ByModel {
					tw.AppendRow(table.Row{"model", line.Key, line.Calls, line.InputTokens, line.OutputTokens, fmt.Sprintf("%.4f", line.EstimatedCost)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func charterCmd() *cobra.Command {
	c := &cobra.Command{Use: "charter", Short: "Manage the project charter"}
	c.AddCommand(charterShowCmd())
	c.AddCommand(charterImportCmd())
	c.AddCommand(charterValidateCmd())
	c.AddCommand(charterInitCmd())
	return c
}

func charterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored charter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Charter)
			})
		},
	}
}

func charterImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a charter into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ImportCharter(ctx, e.Charter.Project.ID, c, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "charter YAML file")
	return cmd
}

func charterValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a charter file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(file)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("charter ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "charter YAML file (defaults to workspace covenant.yml)")
	return cmd
}

func charterInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default covenant.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the journal"}
	l.AddCommand(logTailCmd())
	l.AddCommand(logVerifyCmd())
	return l
}

func logVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the journal and check it against stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveProject(ctx, e.Repo)
				if err != nil {
					return err
				}
				if err := e.State.Replay(ctx, p.ID); err != nil {
					return err
				}
				fmt.Printf("journal for %s replays cleanly\n", p.ID)
				return nil
			})
		},
	}
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Charter.Project.ID, evtType, entityKind, entityID)
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("COVENANT_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("COVENANT_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Covenant API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func resolveProject(ctx context.Context, r repo.Repo) (domain.Project, error) {
	if id := strings.TrimSpace(viper.GetString("project")); id != "" {
		return r.GetProject(ctx, id)
	}
	return r.SingleProject(ctx)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		charter, err := resolveCharter(ctx, r)
		if err != nil {
			return err
		}
		e := engine.New(r.DB, charter)
		return fn(ctx, e)
	})
}

// resolveCharter prefers the project's stored charter, then the workspace
// covenant.yml, then defaults. Engine calls that create projects store their
// own charter, so the default only covers a fresh workspace.
func resolveCharter(ctx context.Context, r repo.Repo) (*config.Charter, error) {
	p, err := resolveProject(ctx, r)
	if err == nil {
		if c, cErr := r.GetCharter(ctx, p.ID); cErr == nil {
			return c, nil
		} else if !errors.Is(cErr, repo.ErrNotFound) {
			return nil, cErr
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if c, err := config.LoadOptional(viper.GetString("workspace")); err != nil {
		return nil, err
	} else if c != nil {
		return c, nil
	}
	id := strings.TrimSpace(viper.GetString("project"))
	if p.ID != "" {
		id = p.ID
	}
	if id == "" {
		id = "covenant"
	}
	return config.Default(id), nil
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

func printContractTable(contracts []domain.TaskContract) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Subsystem", "Tier", "Group", "Class", "Status", "Rev"})
	for _, c := range contracts {
		tw.AppendRow(table.Row{c.ID, c.Subsystem, c.Tier, c.ParallelGroup, c.ConcurrencyClass, c.Status, c.Revisions})
	}
	tw.Render()
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
