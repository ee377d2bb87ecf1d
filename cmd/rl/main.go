package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"runline/internal/approval"
	"runline/internal/collab"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/eventbus"
	"runline/internal/eventstore"
	"runline/internal/gate"
	"runline/internal/metrics"
	"runline/internal/migrate"
	"runline/internal/replay"
	"runline/internal/repo"
	"runline/internal/scheduler"
	"runline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Runline CLI",
	Long: `Runline drives development runs from issue to merged PR through an
append-only event log. Every state change is an event; run state is a fold
over the log, so any past moment can be reconstructed with 'rl replay'.
Gated steps retry up to a ceiling and then escalate to a human; plan and
merge checkpoints park the run until someone decides.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("RUNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// env bundles the per-command wiring over one workspace database.
type env struct {
	conn   *sql.DB
	store  *eventstore.Store
	repo   repo.Repo
	cfg    *config.Config
	replay replay.Engine
	logger zerolog.Logger
}

func withEnv(ctx context.Context, fn func(context.Context, env) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	store := eventstore.New(conn)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	return fn(ctx, env{
		conn:   conn,
		store:  store,
		repo:   repo.Repo{DB: conn},
		cfg:    cfg,
		replay: replay.New(store),
		logger: logger,
	})
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs carry an issue from selection to merge. Each run's history is its event log; 'rl run show' folds it into current state.",
	}
	run.AddCommand(runSelectCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runEventsCmd())
	run.AddCommand(runAbortCmd())
	return run
}

func runSelectCmd() *cobra.Command {
	var issue, title string
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Start a run for an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if issue == "" {
				return fmt.Errorf("--issue required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				sched := newScheduler(e)
				defer sched.Close()
				runID, err := sched.StartRun(ctx, collab.Issue{Ref: issue, Title: title})
				if err != nil {
					return err
				}
				proj, err := e.replay.Head(ctx, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "issue reference")
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	_ = cmd.MarkFlagRequired("issue")
	return cmd
}

func runListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				var states []domain.State
				if state != "" {
					states = append(states, domain.State(state))
				}
				runs, err := e.repo.ListRuns(ctx, states...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "State", "Issue", "Seq", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.RunID, r.State, r.IssueRef, r.LastSeq, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run's current projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				proj, err := e.replay.Head(ctx, args[0])
				if err != nil {
					return err
				}
				if proj.LastSeq < 0 {
					return fmt.Errorf("run %s not found", args[0])
				}
				return printJSONOrTable(proj)
			})
		},
	}
	return cmd
}

func runEventsCmd() *cobra.Command {
	var fromSeq, toSeq int64
	cmd := &cobra.Command{
		Use:   "events <run_id>",
		Short: "Print a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				events, err := e.store.ReadRange(ctx, args[0], fromSeq, toSeq)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Actor", "Payload"})
				for _, evt := range events {
					ts := time.UnixMilli(evt.TSMillis).UTC().Format(time.RFC3339)
					tw.AppendRow(table.Row{evt.Seq, ts, evt.Type, evt.ActorID, truncate(string(evt.Payload), 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&fromSeq, "from", 0, "first sequence number")
	cmd.Flags().Int64Var(&toSeq, "to", -1, "last sequence number (-1 for all)")
	return cmd
}

func runAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <run_id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				sched := newScheduler(e)
				defer sched.Close()
				if err := sched.Abort(ctx, args[0], reason, domain.ActorHuman, viper.GetString("actor-id")); err != nil {
					return err
				}
				proj, err := e.replay.Head(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "abort reason")
	return cmd
}

func approveCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "approve <run_id>",
		Short: "Resolve a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision(decision)
			switch d {
			case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionEdited:
			default:
				return fmt.Errorf("--decision must be approved, rejected, or edited")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				gw := approval.New(e.store, e.cfg, e.logger)
				if err := gw.Decide(ctx, args[0], d, viper.GetString("actor-id"), domain.ActorHuman); err != nil {
					return err
				}
				// The decision unparks the run; drive it until it parks
				// again so an approval is never left stranded.
				sched := newScheduler(e)
				sched.Kick(args[0])
				sched.Close()
				proj, err := e.replay.Head(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "approved", "approved, rejected, or edited")
	return cmd
}

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalation",
		Short: "Inspect and resolve escalations",
	}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationResolveCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalated runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				runs, err := e.repo.ListRuns(ctx, domain.StateEscalated)
				if err != nil {
					return err
				}
				type row struct {
					RunID    string               `json:"run_id"`
					IssueRef string               `json:"issue_ref,omitempty"`
					Reason   string               `json:"reason"`
					Gate     string               `json:"gate,omitempty"`
					Attempts []domain.GateAttempt `json:"attempts,omitempty"`
				}
				var out []row
				for _, r := range runs {
					proj, err := e.replay.Head(ctx, r.RunID)
					if err != nil {
						return err
					}
					if proj.Escalation == nil {
						continue
					}
					out = append(out, row{
						RunID:    proj.RunID,
						IssueRef: proj.IssueRef,
						Reason:   proj.Escalation.Reason,
						Gate:     string(proj.Escalation.Gate),
						Attempts: proj.Escalation.Attempts,
					})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Issue", "Reason", "Gate", "Attempts"})
				for _, r := range out {
					tw.AppendRow(table.Row{r.RunID, r.IssueRef, r.Reason, r.Gate, len(r.Attempts)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <run_id>",
		Short: "Resolve an escalation and resume the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				sched := newScheduler(e)
				defer sched.Close()
				if err := sched.ResolveEscalation(ctx, args[0], viper.GetString("actor-id"), note); err != nil {
					return err
				}
				proj, err := e.replay.Head(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of everything that happened, across all runs.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				f := eventstore.Filter{RunID: runID}
				if evtType != "" {
					f.Types = []domain.EventType{domain.EventType(evtType)}
				}
				// Page through to the newest n matching events.
				var events []domain.Event
				token := ""
				for {
					page, next, err := e.store.Query(ctx, f, 500, token)
					if err != nil {
						return err
					}
					events = append(events, page...)
					if next == "" {
						break
					}
					token = next
				}
				if len(events) > n {
					events = events[len(events)-n:]
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func replayCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "replay <run_id>",
		Short: "Reconstruct a run's state as of a timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff := time.Now().UTC()
			if asOf != "" {
				parsed, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				cutoff = parsed
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				proj, err := e.replay.Reconstruct(ctx, args[0], cutoff)
				if err != nil {
					return err
				}
				return printJSONOrTable(proj)
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC3339 cutoff (default now)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			jwtSecret := os.Getenv("RUNLINE_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("RUNLINE_JWT_SECRET is required for bearer auth")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				bus := eventbus.New(e.logger)
				defer bus.Close()
				e.store.SetNotifier(bus)

				m := metrics.New()
				bus.Subscribe("metrics", m.Observe)

				sched := newScheduler(e)
				defer sched.Close()
				bus.Subscribe("scheduler", sched.HandleEvent)

				handler, err := server.New(server.Config{
					Store:     e.store,
					Repo:      e.repo,
					Runs:      sched,
					Approvals: approval.New(e.store, e.cfg, e.logger),
					AppConfig: e.cfg,
					Metrics:   m.Handler(),
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: jwtSecret},
					Logger:    e.logger,
				})
				if err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				go func() {
					if err := sched.Run(ctx); err != nil {
						e.logger.Error().Err(err).Msg("scheduler stopped")
					}
				}()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Runline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default runline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(pipelineID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "pipeline", "default", "pipeline id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return printJSONOrTable(e.cfg)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				k, raw, err := e.repo.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       k.ID,
					"actor_id": k.ActorID,
					"name":     k.Name,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				keys, err := e.repo.ListAPIKeys(ctx)
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
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// newScheduler wires a scheduler over the workspace with in-memory
// collaborators. Real provider/git/CI integrations plug in here.
func newScheduler(e env) *scheduler.Scheduler {
	return scheduler.New(scheduler.Deps{
		Store:     e.store,
		Repo:      e.repo,
		Config:    e.cfg,
		Gates:     gate.New(e.store, e.cfg, &collab.FakeGateRunner{}, e.logger),
		Approvals: approval.New(e.store, e.cfg, e.logger),
		Provider:  &collab.FakeProvider{},
		Git:       collab.NewFakeGit(),
		CI:        &collab.FakeCI{},
		Logger:    e.logger,
	})
}

// --- helpers ---

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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
