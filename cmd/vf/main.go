package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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

	"veriflow/internal/app"
	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/identity"
	"veriflow/internal/migrate"
	"veriflow/internal/repo"
	"veriflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vf",
	Short: "Veriflow CLI",
	Long: `Veriflow runs tenant-scoped approval workflows with auditable sessions.
- Workspace: your .veriflow directory with the database; veriflow.yml holds tenant and workflow definitions.
- Actors: people, service accounts, or the system itself, each locked to one tenant.
- Sessions: time-bounded grants that can be revoked once and resolved many times.
- Instances: a workflow definition in flight, stepping through approval checkpoints.
- Tasks: one pending checkpoint per step; APPROVE moves the instance forward, REJECT fails it.
- Journal: every decision lands in an append-only journal with its justification.`,
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
	viper.SetEnvPrefix("VERIFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier for attribution")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config)")
	rootCmd.PersistentFlags().Bool("enforce-roles", false, "narrow pending tasks by assigned role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("enforce-roles", rootCmd.PersistentFlags().Lookup("enforce-roles"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	tenant := &cobra.Command{Use: "tenant", Short: "Manage the tenant and its config"}
	tenant.AddCommand(tenantInitCmd())
	tenant.AddCommand(tenantShowCmd())
	tenant.AddCommand(tenantConfigShowCmd())
	return tenant
}

func tenantInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default veriflow.yml for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
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
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTenant(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tenantConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{
		Use:   "actor",
		Short: "Manage actors",
		Long:  "Actors are identities inside one tenant: humans, service accounts, or the system. Deactivating an actor keeps its history but blocks new sessions.",
	}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorListCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorDeactivateCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var kind, name, contact string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := identity.NewRegistry(e.Repo)
				a, err := reg.CreateActor(ctx, e.Config.Tenant.ID, kind, name, contact)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.ActorHumanUser, "HUMAN_USER, SERVICE_ACCOUNT, or SYSTEM")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&contact, "contact", "", "contact (email or similar)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors in the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActors(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "KIND", "NAME", "CONTACT", "ACTIVE")
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.DisplayName, a.Contact, a.IsActive})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				reg := identity.NewRegistry(r)
				a, err := reg.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actorDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <actor-id>",
		Short: "Deactivate an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				reg := identity.NewRegistry(r)
				return reg.DeactivateActor(ctx, args[0])
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "Sessions are time-bounded grants snapshotting the actor's tenant at issuance. Resolving one never mutates it; revoking is a one-time, idempotent stamp.",
	}
	session.AddCommand(sessionCreateCmd())
	session.AddCommand(sessionResolveCmd())
	session.AddCommand(sessionRevokeCmd())
	session.AddCommand(sessionListCmd())
	return session
}

func sessionCreateCmd() *cobra.Command {
	var actorID string
	var minutes int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a session for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := identity.NewRegistry(e.Repo)
				reg.Events = &e.Events
				if minutes <= 0 {
					minutes = e.Config.SessionDuration()
				}
				s, err := reg.CreateSession(ctx, actorID, time.Duration(minutes)*time.Minute)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "session lifetime in minutes (config default if omitted)")
	return cmd
}

func sessionResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <session-id>",
		Short: "Resolve a session to its actor context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := identity.NewRegistry(e.Repo)
				ac, err := reg.ResolveSession(ctx, args[0], viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ac)
			})
		},
	}
	return cmd
}

func sessionRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a session (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg := identity.NewRegistry(e.Repo)
				reg.Events = &e.Events
				return reg.RevokeSession(ctx, args[0])
			})
		},
	}
	return cmd
}

func sessionListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage role assignments"}
	role.AddCommand(roleGrantCmd())
	role.AddCommand(roleRevokeCmd())
	role.AddCommand(roleListCmd())
	return role
}

func roleGrantCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AssignRole(ctx, e.Config.Tenant.ID, actorID, roleID)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || roleID == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeRole(ctx, e.Config.Tenant.ID, actorID, roleID)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	return cmd
}

func roleListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an actor's roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Tenant.ID, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(roles)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	return cmd
}

func instanceCmd() *cobra.Command {
	instance := &cobra.Command{
		Use:   "instance",
		Short: "Manage workflow instances",
	}
	instance.AddCommand(instanceStartCmd())
	instance.AddCommand(instanceListCmd())
	instance.AddCommand(instanceShowCmd())
	instance.AddCommand(instanceTasksCmd())
	return instance
}

func instanceStartCmd() *cobra.Command {
	var definition, snapshotJSON string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if definition == "" {
				return fmt.Errorf("--definition required")
			}
			var snapshot map[string]any
			if snapshotJSON != "" {
				if err := json.Unmarshal([]byte(snapshotJSON), &snapshot); err != nil {
					return fmt.Errorf("invalid --snapshot: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				in, err := e.StartInstance(ctx, engine.StartInstanceOptions{
					DefinitionID: definition,
					TenantID:     e.Config.Tenant.ID,
					OwnerID:      actorID,
					Snapshot:     snapshot,
					ActorID:      actorID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "workflow definition id")
	cmd.Flags().StringVar(&snapshotJSON, "snapshot", "", "context snapshot as JSON")
	return cmd
}

func instanceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "DEFINITION", "STATUS", "STEP", "UPDATED")
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.DefinitionID, in.Status, in.CurrentStepID, in.UpdatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func instanceTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <instance-id>",
		Short: "List an instance's tasks, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasksForInstance(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "STEP", "TYPE", "STATUS", "DECISION")
				for _, t := range items {
					decision := ""
					if t.Decision != nil {
						decision = fmt.Sprintf("%s by %s", t.Decision.Decision, t.Decision.ActorID)
					}
					tw.AppendRow(table.Row{t.ID, t.StepID, t.StepType, t.Status, decision})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work pending approval tasks",
	}
	task.AddCommand(taskPendingCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskReleaseCmd())
	return task
}

func taskPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending tasks visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.PendingTasks(ctx, actorID, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "INSTANCE", "STEP", "ROLE", "CREATED")
				for _, t := range items {
					role := ""
					if t.AssignedRole != nil {
						role = *t.AssignedRole
					}
					tw.AppendRow(table.Row{t.ID, t.InstanceID, t.StepID, role, t.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return taskDecideCmd("approve", "Approve a pending task", domain.DecisionApprove)
}

func taskRejectCmd() *cobra.Command {
	return taskDecideCmd("reject", "Reject a pending task", domain.DecisionReject)
}

func taskDecideCmd(use, short, decision string) *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID := viper.GetString("actor-id")
			if actorID == "" {
				return fmt.Errorf("--actor-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteHumanTask(ctx, engine.CompleteTaskOptions{
					TaskID:        args[0],
					Decision:      decision,
					Justification: justification,
					ActorID:       actorID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&justification, "justification", "", "why (required)")
	return cmd
}

func taskReleaseCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a system-wait task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				if actorID == "" {
					sys, err := app.EnsureSystemActor(ctx, e.Repo, e.Config.Tenant.ID)
					if err != nil {
						return err
					}
					actorID = sys.ID
				}
				t, err := e.ReleaseWait(ctx, args[0], actorID, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "journal note")
	return cmd
}

func journalCmd() *cobra.Command {
	var instanceID string
	var n int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List decision journal entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListJournal(ctx, e.Config.Tenant.ID, instanceID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "filter by instance id")
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys for service accounts"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetActor(ctx, actorID); err != nil {
					return err
				}
				raw, err := generateAPIKey()
				if err != nil {
					return err
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        "key-" + uuid.New().String(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("API key %s created for %s\n", key.ID, actorID)
				fmt.Printf("Key (save it now, it is not stored): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
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
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, e.Config.Tenant.ID, evtType, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
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
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), workspace, viper.GetString("tenant"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if viper.GetBool("enforce-roles") {
				e.Roles = e.Repo
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VERIFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VERIFLOW_JWT_SECRET is required for bearer auth")
			}
			reg := identity.NewRegistry(r)
			reg.Events = &e.Events
			handler, err := server.New(server.Config{
				Engine:     e,
				Registry:   reg,
				BasePath:   basePath,
				Auth:       authCfg,
				SessionTTL: time.Duration(cfg.SessionDuration()) * time.Minute,
			})
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
			fmt.Printf("Serving Veriflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	_, cfg, err := app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if viper.GetBool("enforce-roles") {
		e.Roles = e.Repo
	}
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

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(headers))
	return tw
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

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "vfk_" + hex.EncodeToString(buf), nil
}
