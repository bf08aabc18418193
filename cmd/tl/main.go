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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"traceline/internal/app"
	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/repo"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline tracks entities through a configurable approval workflow.
Core concepts:
- Workspace: your .traceline directory holding the database; traceline.yml customizes the state catalog.
- Entities: documents or tasks moving draft -> submitted -> review -> validated -> published (or rejected).
- Versions: every content edit appends an immutable snapshot; state changes never do.
- Timeline: the append-only diary of everything that happened to an entity.
- Contributors: people with owner/editor/viewer roles per entity; admins see everything.`,
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
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting contributor id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(contributorCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the rulebook: the workflow state catalog and per-role action grants, read from traceline.yml at startup.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default traceline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
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
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage entities",
		Long:  "Entities are the tracked items. Creating one seeds version 1 and a created event; every edit appends a version; state changes are recorded on the timeline only.",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityShowCmd())
	ent.AddCommand(entityUpdateCmd())
	ent.AddCommand(entitySetStateCmd())
	ent.AddCommand(entityDeleteCmd())
	ent.AddCommand(entityTimelineCmd())
	ent.AddCommand(entityVersionsCmd())
	ent.AddCommand(entityContributorCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var cmdOpts engine.CreateEntityCommand
	var dueDate string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdOpts.ActorID = viper.GetString("actor-id")
			cmdOpts.Tags = tags
			if cmd.Flags().Changed("due-date") {
				cmdOpts.DueDate = &dueDate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.CreateEntity(ctx, cmdOpts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&cmdOpts.Name, "name", "", "entity name")
	cmd.Flags().StringVar(&cmdOpts.Type, "type", "document", "entity type")
	cmd.Flags().StringVar(&cmdOpts.Description, "description", "", "description")
	cmd.Flags().StringVar(&cmdOpts.Priority, "priority", "medium", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entityListCmd() *cobra.Command {
	var stateName string
	var f repo.EntityFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if stateName != "" {
					s, err := e.States.GetByName(ctx, stateName)
					if err != nil {
						return err
					}
					f.StateID = s.ID
				}
				if mine {
					f.ContributorID = viper.GetString("actor-id")
				}
				items, err := e.Repo.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				statesByID, err := stateIndex(ctx, e)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Priority", "State", "Updated"})
				for _, ent := range items {
					tw.AppendRow(table.Row{ent.ID, ent.Name, ent.Type, ent.Priority, statesByID[ent.CurrentStateID], ent.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stateName, "state", "", "state name filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only entities where the actor is on the roster")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func entityShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.GetEntity(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	return cmd
}

func entityUpdateCmd() *cobra.Command {
	var name, description, priority, dueDate string
	var tags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update entity fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.UpdateEntityCommand{
				ActorID:  viper.GetString("actor-id"),
				EntityID: args[0],
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("due-date") {
				opts.DueDate = &dueDate
			}
			if cmd.Flags().Changed("tag") {
				opts.Tags = &tags
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ent, err := e.UpdateEntity(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "entity name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, critical)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339, empty clears)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "replace tags (repeatable)")
	return cmd
}

func entitySetStateCmd() *cobra.Command {
	var stateName, comment string
	cmd := &cobra.Command{
		Use:   "set-state <id>",
		Short: "Move an entity to another workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.States.GetByName(ctx, stateName)
				if err != nil {
					return err
				}
				ent, err := e.ChangeState(ctx, engine.ChangeStateCommand{
					ActorID:   viper.GetString("actor-id"),
					EntityID:  args[0],
					ToStateID: s.ID,
					Comment:   comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&stateName, "state", "", "target state name")
	cmd.Flags().StringVar(&comment, "comment", "", "transition comment")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func entityDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEntity(ctx, engine.DeleteEntityCommand{
					ActorID:  viper.GetString("actor-id"),
					EntityID: args[0],
				})
			})
		},
	}
	return cmd
}

func entityTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Show the entity timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Timeline(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Kind", "Actor", "Payload"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Kind, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func entityVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <id>",
		Short: "Show the entity version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Versions(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Name", "Priority", "State", "Author", "Created"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ID, v.Name, v.Priority, v.StateID, v.AuthorID, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func entityContributorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contributor",
		Short: "Manage entity contributors",
	}
	c.AddCommand(entityContributorAddCmd())
	c.AddCommand(entityContributorRemoveCmd())
	c.AddCommand(entityContributorListCmd())
	return c
}

func entityContributorAddCmd() *cobra.Command {
	var contributorID, role string
	cmd := &cobra.Command{
		Use:   "add <entity-id>",
		Short: "Grant a contributor a role on an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddContributor(ctx, engine.AddContributorCommand{
					ActorID:       viper.GetString("actor-id"),
					EntityID:      args[0],
					ContributorID: contributorID,
					Role:          role,
				})
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id")
	cmd.Flags().StringVar(&role, "role", "viewer", "role (owner, editor, viewer)")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

func entityContributorRemoveCmd() *cobra.Command {
	var contributorID string
	cmd := &cobra.Command{
		Use:   "remove <entity-id>",
		Short: "Remove a contributor from an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveContributor(ctx, engine.RemoveContributorCommand{
					ActorID:       viper.GetString("actor-id"),
					EntityID:      args[0],
					ContributorID: contributorID,
				})
			})
		},
	}
	cmd.Flags().StringVar(&contributorID, "contributor", "", "contributor id")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

func entityContributorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List the entity roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetEntity(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				links, err := e.Repo.ListEntityContributors(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(links)
			})
		},
	}
	return cmd
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "state",
		Short: "Inspect workflow states",
	}
	st.AddCommand(stateListCmd())
	return st
}

func stateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.States.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Label", "Order", "Initial", "Final"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Label, s.Order, s.IsInitial, s.IsFinal})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contributorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contributor",
		Short: "Manage contributors",
	}
	c.AddCommand(contributorCreateCmd())
	c.AddCommand(contributorListCmd())
	c.AddCommand(contributorDeactivateCmd())
	return c
}

func contributorCreateCmd() *cobra.Command {
	var name, email, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contributor account",
		Long:  "Creates a local contributor without credentials. API logins require registering through the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c := domain.Contributor{
					ID:        uuid.New().String(),
					Name:      name,
					Email:     strings.ToLower(email),
					Role:      role,
					IsActive:  true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertContributor(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&role, "role", "contributor", "global role (contributor, admin)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func contributorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contributors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContributors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Active"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Email, c.Role, c.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contributorDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeactivateContributor(ctx, args[0])
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entity statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				total, err := e.Repo.CountEntities(ctx)
				if err != nil {
					return err
				}
				byState, err := e.Repo.CountEntitiesByState(ctx)
				if err != nil {
					return err
				}
				byPriority, err := e.Repo.CountEntitiesByPriority(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"total":       total,
					"by_state":    byState,
					"by_priority": byPriority,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Entities: %d\n", total)
				fmt.Println("By state:")
				for name, c := range byState {
					fmt.Printf("  %s: %d\n", name, c)
				}
				fmt.Println("By priority:")
				for name, c := range byPriority {
					fmt.Printf("  %s: %d\n", name, c)
				}
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
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()
			conn, cfg, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			secret := os.Getenv("TRACELINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("TRACELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
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
			logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Traceline API")
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
	conn, cfg, err := app.Bootstrap(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func stateIndex(ctx context.Context, e engine.Engine) (map[string]string, error) {
	items, err := e.States.List(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(items))
	for _, s := range items {
		byID[s.ID] = s.Name
	}
	return byID, nil
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
