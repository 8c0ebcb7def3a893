package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmline/internal/config"
	"swarmline/internal/db"
	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/engine/audit"
	"swarmline/internal/engine/election"
	"swarmline/internal/ledger"
	"swarmline/internal/migrate"
	"swarmline/internal/repo"
	"swarmline/internal/roster"
	"swarmline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Swarmline CLI",
	Long: `Swarmline coordinates decentralized work across untrusted nodes.
Issue groups hold work items; nodes claim items under round-based
leases, a deterministic election picks an aggregator per group, and an
audit reconciler settles each round against its distribution outcome.`,
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
	viper.SetEnvPrefix("SWARMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-operator", "actor identifier for the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(electCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var streamID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default swarmline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(streamID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "default", "initial stream id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	var streamID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stream status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if streamID == "" {
					streamID = e.Config.Streams[0].ID
				}
				status, err := e.Status(ctx, streamID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(status)
				}
				fmt.Printf("Stream: %s\n", status.StreamID)
				fmt.Println("Groups:")
				for s, n := range status.Groups {
					fmt.Printf("  %s: %d\n", s, n)
				}
				fmt.Println("Work items:")
				for s, n := range status.WorkItems {
					fmt.Printf("  %s: %d\n", s, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id (defaults to first configured)")
	return cmd
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "group",
		Short: "Manage issue groups",
		Long:  "Issue groups gather related work items. A group moves initialized -> in_progress -> assign_pending -> assigned -> approved -> merged, with an elected aggregator bracketing each side.",
	}
	g.AddCommand(groupCreateCmd())
	g.AddCommand(groupListCmd())
	g.AddCommand(groupShowCmd())
	g.AddCommand(groupStartCmd())
	return g
}

func groupCreateCmd() *cobra.Command {
	var opts engine.GroupCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue group",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorKey = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.StreamID == "" {
					opts.StreamID = e.Config.Streams[0].ID
				}
				g, err := e.CreateIssueGroup(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "group id (optional)")
	cmd.Flags().StringVar(&opts.StreamID, "stream", "", "stream id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.RepoOwner, "repo-owner", "", "repository owner")
	cmd.Flags().StringVar(&opts.RepoName, "repo-name", "", "repository name")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("repo-owner")
	_ = cmd.MarkFlagRequired("repo-name")
	return cmd
}

func groupListCmd() *cobra.Command {
	var f repo.GroupFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issue groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.Repo.ListIssueGroups(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Aggregator"})
				for _, g := range groups {
					agg := ""
					if g.AggregatorIdentity != nil {
						agg = *g.AggregatorIdentity
					}
					tw.AppendRow(table.Row{g.ID, g.Title, g.Status, agg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StreamID, "stream", "", "stream filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func groupShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an issue group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetIssueGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func groupStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <id>",
		Short: "Open a group for claiming without an aggregator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.StartGroup(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "work",
		Short: "Manage work items",
		Long:  "Work items flow initialized -> in_progress -> in_review -> approved -> merged. Claims are round-leased; a rejected or expired claim returns the item to the pool.",
	}
	w.AddCommand(workCreateCmd())
	w.AddCommand(workListCmd())
	w.AddCommand(workShowCmd())
	w.AddCommand(workHistoryCmd())
	return w
}

func workCreateCmd() *cobra.Command {
	var opts engine.WorkItemCreateOptions
	var dependsOn []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorKey = viper.GetString("actor")
			opts.DependsOn = dependsOn
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "work item id (optional)")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "issue group id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Acceptance, "acceptance", "", "acceptance criteria")
	cmd.Flags().StringArrayVar(&dependsOn, "depends-on", []string{}, "dependency work item id (repeatable)")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func workListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Group"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Status, w.GroupID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StreamID, "stream", "", "stream filter")
	cmd.Flags().StringVar(&f.GroupID, "group", "", "group filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func workShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item with its active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Assignment history for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.Repo.ListAssignmentHistory(ctx, domain.EntityWorkItem, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(history)
			})
		},
	}
	return cmd
}

func electCmd() *cobra.Command {
	var streamID, key string
	var round int64
	cmd := &cobra.Command{
		Use:   "elect",
		Short: "Compute the leader for a round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if streamID == "" {
					streamID = e.Config.Streams[0].ID
				}
				res, err := e.Elector.Elect(ctx, streamID, round, e.Config.Election.MaxRank, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().Int64Var(&round, "round", 0, "round number")
	cmd.Flags().StringVar(&key, "key", "", "requesting public key")
	_ = cmd.MarkFlagRequired("round")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var streamID string
	var round int64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a round against its distribution outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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
			if streamID == "" {
				streamID = cfg.Streams[0].ID
			}
			eng, src := buildEngine(conn, cfg)
			rec := audit.New(eng, src, clockwork.NewRealClock(), cfg.Audit.StaleAfter.Std())
			report, err := rec.Reconcile(cmd.Context(), streamID, round)
			if err != nil {
				return err
			}
			return printJSONOrTable(report)
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().Int64Var(&round, "round", 0, "round number")
	_ = cmd.MarkFlagRequired("round")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var streamID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, streamID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&streamID, "stream", "", "stream filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an operator API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					Name:    name,
					KeyHash: repo.HashAPIKey(plain),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "name": key.Name, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operator API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an operator API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
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
			cfg, err := config.Load(workspace)
			if err != nil {
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
			jwtSecret := cfg.Auth.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("SWARMLINE_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("jwt secret required; set auth.jwt_secret or SWARMLINE_JWT_SECRET")
			}
			eng, src := buildEngine(conn, cfg)
			rec := audit.New(eng, src, clockwork.NewRealClock(), cfg.Audit.StaleAfter.Std())
			handler, err := server.New(server.Config{
				Engine:     eng,
				Reconciler: rec,
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: jwtSecret},
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
			fmt.Printf("Serving Swarmline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

func buildEngine(conn *sql.DB, cfg *config.Config) (engine.Engine, ledger.Source) {
	var src ledger.Source = ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Timeout.Std())
	elector := election.Elector{History: src, Lookback: cfg.Election.LookbackRounds}
	var checker engine.EligibilityChecker
	if cfg.Roster.URL != "" {
		checker = roster.New(cfg.Roster.URL, cfg.Roster.CacheTTL.Std(), cfg.Roster.Timeout.Std(), nil)
	}
	return engine.New(conn, cfg, checker, elector), src
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	eng, _ := buildEngine(conn, cfg)
	return fn(ctx, eng)
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
