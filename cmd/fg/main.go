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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldgate/internal/app"
	"fieldgate/internal/config"
	"fieldgate/internal/db"
	"fieldgate/internal/domain"
	"fieldgate/internal/engine"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/migrate"
	"fieldgate/internal/repo"
	"fieldgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "Fieldgate CLI",
	Long: `Fieldgate manages task risk assessments and last-minute risk analyses.
Core concepts:
- Workspace: your .fieldgate directory with the database; org config lives in the DB and is imported from fieldgate.yml.
- TRA (task risk assessment): task steps with hazards scored on the Kinney & Wiruth scales; drafts flow draft -> submitted -> in_review -> approved, then active/expired/archived.
- Approval workflow: ordered steps, each decided by a qualified role or a named approver; a rejection sends the whole document back for resubmission.
- LMRA (last-minute risk analysis): an on-site session against an approved TRA; completion requires a location and all three checklists, and a stop_work call is final.
- Event log: diary of every transition, view with 'fg log tail'.`,
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
	viper.SetEnvPrefix("FG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "actor role override (field_worker, supervisor, safety_manager, admin)")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(traCmd())
	rootCmd.AddCommand(lmraCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				p, err := e.CreateProject(ctx, domain.Project{ID: id, Name: name, Description: desc}, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional)")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func traCmd() *cobra.Command {
	tra := &cobra.Command{
		Use:   "tra",
		Short: "Manage task risk assessments",
		Long:  "A TRA breaks a task into steps, scores each hazard with the Kinney & Wiruth method, and routes the result through an ordered approval workflow.",
	}
	tra.AddCommand(traCreateCmd())
	tra.AddCommand(traListCmd())
	tra.AddCommand(traGetCmd())
	tra.AddCommand(traUpdateCmd())
	tra.AddCommand(traSubmitCmd())
	tra.AddCommand(traDecideCmd())
	tra.AddCommand(traSignCmd())
	tra.AddCommand(traSetStatusCmd())
	return tra
}

func parseSteps(stepsJSON string) ([]domain.TaskStep, error) {
	if stepsJSON == "" {
		return nil, nil
	}
	var steps []domain.TaskStep
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("invalid steps JSON: %w", err)
	}
	return steps, nil
}

func traCreateCmd() *cobra.Command {
	var id, projectID, title, desc, stepsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a TRA draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := parseSteps(stepsJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.CreateAssessment(ctx, engine.CreateAssessmentOptions{
					ID:          id,
					ProjectID:   projectID,
					Title:       title,
					Description: desc,
					Steps:       steps,
					Actor:       actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "assessment id (optional)")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", "task steps JSON")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func traListCmd() *cobra.Command {
	var projectID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List TRAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssessments(ctx, projectID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Risk", "Level", "Version"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Status, a.OverallRiskScore, a.OverallRiskLevel, a.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func traGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get TRA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func traUpdateCmd() *cobra.Command {
	var title, desc, stepsJSON string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a TRA draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateAssessmentOptions{ID: args[0]}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &desc
			}
			if cmd.Flags().Changed("steps-json") {
				steps, err := parseSteps(stepsJSON)
				if err != nil {
					return err
				}
				opts.Steps = &steps
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				opts.Actor = actor
				a, err := e.UpdateAssessment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&stepsJSON, "steps-json", "", "task steps JSON (replaces all steps)")
	return cmd
}

func traSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit a TRA for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.Submit(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func traDecideCmd() *cobra.Command {
	var decision, comments string
	var step int
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject the current workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.Decide(ctx, engine.DecideOptions{
					AssessmentID: args[0],
					Actor:        actor,
					Decision:     decision,
					StepNumber:   step,
					Comments:     comments,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().IntVar(&step, "step", 0, "step number (defaults to current)")
	cmd.Flags().StringVar(&comments, "comments", "", "decision comments")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func traSignCmd() *cobra.Command {
	var step int
	var name, reason, blob string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Attach a signature to a workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.AttachSignature(ctx, args[0], actor, step, blob, name, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 1, "step number")
	cmd.Flags().StringVar(&name, "name", "", "signer name")
	cmd.Flags().StringVar(&reason, "reason", "", "signing reason")
	cmd.Flags().StringVar(&blob, "blob", "", "base64 signature image")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func traSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Activate, expire, or archive a TRA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				a, err := e.SetAssessmentStatus(ctx, args[0], status, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active, expired, or archived")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func lmraCmd() *cobra.Command {
	lmra := &cobra.Command{
		Use:   "lmra",
		Short: "Manage LMRA sessions",
		Long:  "An LMRA session is the on-site gate: before work starts the crew answers environmental, personnel, and equipment checklists, then calls safe_to_proceed, proceed_with_caution, or stop_work. Completion is one way.",
	}
	lmra.AddCommand(lmraStartCmd())
	lmra.AddCommand(lmraListCmd())
	lmra.AddCommand(lmraGetCmd())
	lmra.AddCommand(lmraUpdateCmd())
	lmra.AddCommand(lmraCompleteCmd())
	return lmra
}

func lmraStartCmd() *cobra.Command {
	var traID, location string
	var team []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session against an approved TRA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				s, err := e.StartSession(ctx, engine.StartSessionOptions{
					TRAID:       traID,
					Actor:       actor,
					TeamMembers: team,
					Location:    location,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&traID, "tra", "", "assessment id")
	cmd.Flags().StringVar(&location, "location", "", "work location")
	cmd.Flags().StringArrayVar(&team, "team-member", []string{}, "team member id (repeatable)")
	_ = cmd.MarkFlagRequired("tra")
	return cmd
}

func lmraListCmd() *cobra.Command {
	var traID, projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSessions(ctx, traID, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TRA", "Performer", "Assessment", "Sync", "Started"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.TRAID, s.PerformedBy, s.OverallAssessment, s.SyncStatus, s.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&traID, "tra", "", "assessment filter")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	return cmd
}

func lmraGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				if missing := engine.MissingCategories(s); len(missing) > 0 {
					fmt.Printf("Missing before completion: %s\n", strings.Join(missing, ", "))
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func parseChecks(raw string) (*[]domain.CheckItem, error) {
	if raw == "" {
		return nil, nil
	}
	var items []domain.CheckItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("invalid checks JSON: %w", err)
	}
	return &items, nil
}

func lmraUpdateCmd() *cobra.Command {
	var location, comments, envJSON, personnelJSON, equipmentJSON string
	var team, photos []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update session checklists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateSessionOptions{ID: args[0]}
			if cmd.Flags().Changed("location") {
				opts.Location = &location
			}
			if cmd.Flags().Changed("comments") {
				opts.Comments = &comments
			}
			if cmd.Flags().Changed("team-member") {
				opts.TeamMembers = &team
			}
			if cmd.Flags().Changed("photo") {
				opts.Photos = &photos
			}
			var err error
			if opts.EnvironmentalChecks, err = parseChecks(envJSON); err != nil {
				return err
			}
			if opts.PersonnelChecks, err = parseChecks(personnelJSON); err != nil {
				return err
			}
			if opts.EquipmentChecks, err = parseChecks(equipmentJSON); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				opts.Actor = actor
				s, err := e.UpdateSession(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "work location")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringArrayVar(&team, "team-member", []string{}, "team member id (repeatable)")
	cmd.Flags().StringArrayVar(&photos, "photo", []string{}, "photo reference (repeatable)")
	cmd.Flags().StringVar(&envJSON, "environmental-json", "", "environmental checks JSON")
	cmd.Flags().StringVar(&personnelJSON, "personnel-json", "", "personnel checks JSON")
	cmd.Flags().StringVar(&equipmentJSON, "equipment-json", "", "equipment checks JSON")
	return cmd
}

func lmraCompleteCmd() *cobra.Command {
	var assessment, comments, signName, signBlob string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sig *domain.StepSignature
			if signName != "" {
				sig = &domain.StepSignature{Name: signName, Blob: signBlob}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				s, err := e.CompleteSession(ctx, engine.CompleteSessionOptions{
					ID:                args[0],
					Actor:             actor,
					OverallAssessment: assessment,
					Comments:          comments,
					Signature:         sig,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&assessment, "assessment", "", "safe_to_proceed, proceed_with_caution, or stop_work")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&signName, "sign-name", "", "signer name")
	cmd.Flags().StringVar(&signBlob, "sign-blob", "", "base64 signature image")
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect org config",
		Long:  "Config is the rulebook (stored in DB): org identity, default approval workflow steps, LMRA checklist catalogs, and webhooks. Import from fieldgate.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldgate.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default-org", "org id")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import org config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orgID := cfg.Org.ID
				if orgID == "" {
					orgID = e.Config.Org.ID
				}
				if err := e.Repo.UpsertOrgConfig(ctx, orgID, cfg); err != nil {
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

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "Role management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacListCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := cliActor(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"actor_id": actor.ID,
					"role":     string(actor.Role),
					"org_id":   actor.OrgID,
				})
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant an org role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, target, "", now); err != nil {
					return err
				}
				if err := e.Repo.AssignOrgRole(ctx, tx, e.Config.Org.ID, target, parsed); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke an actor's org role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeOrgRole(ctx, tx, e.Config.Org.ID, target); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func rbacListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List org role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ListOrgRoles(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role"})
				for actorID, role := range roles {
					tw.AppendRow(table.Row{actorID, string(role)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (raw key shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(rawKey),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: assessments, approvals, sessions, and stop-work calls.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, projectID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FG_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("FG_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for dev)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldgate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

// cliActor resolves the local actor. The --role flag overrides the org
// role table; without either, the actor acts as a field worker.
func cliActor(ctx context.Context, e engine.Engine) (auth.Actor, error) {
	actor := auth.Actor{
		ID:    viper.GetString("actor-id"),
		OrgID: e.Config.Org.ID,
		Role:  auth.RoleFieldWorker,
	}
	if flag := viper.GetString("role"); flag != "" {
		role, err := auth.ParseRole(flag)
		if err != nil {
			return actor, err
		}
		actor.Role = role
		return actor, nil
	}
	role, err := e.Repo.ActorOrgRole(ctx, actor.OrgID, actor.ID)
	if err == nil {
		actor.Role = role
	} else if !errors.Is(err, repo.ErrNotFound) {
		return actor, err
	}
	return actor, nil
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
