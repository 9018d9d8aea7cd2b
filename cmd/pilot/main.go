package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aipilot/internal/app"
	"aipilot/internal/budget"
	"aipilot/internal/config"
	"aipilot/internal/domain"
	"aipilot/internal/engine"
	"aipilot/internal/ingest"
	"aipilot/internal/repo"
	"aipilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pilot",
	Short: "AI Pilot CLI",
	Long: `AI Pilot supervises simulated agents from one dashboard service.
- Agents: five named roles (writer, coder, tester, finance, image) that run commands.
- Builds: submit a prompt, watch it move processing -> complete/failed, then export, preview or deploy.
- Chains: dependent tasks executed in order by a single worker; a finished root is skipped.
- Budget: every run is costed and summed per month; past the limit new work is refused.
- Images: paired event/description uploads go through a stubbed verification step before approval.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("AIPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace..error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(imageCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(promptCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(app.Options{
		Workspace: viper.GetString("workspace"),
		Log:       newLogger(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actingUser() string {
	return viper.GetString("user")
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default aipilot.yml and prepare the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(defaultConfigYAML(actingUser())), 0o644); err != nil {
				return err
			}
			// Bootstrap applies migrations and seeds the agent roster.
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Println("initialized workspace, config at", path)
				return nil
			})
		},
	}
}

func defaultConfigYAML(leader string) string {
	return fmt.Sprintf(`deployment:
  id: local
  leader: %s

budget:
  monthly_limit: 100.0
  kill_threshold: 3.0

executor:
  min_delay_ms: 1500
  max_delay_ms: 4000

storage:
  root: .aipilot/storage
  signing_secret: dev-signing-secret
  url_ttl_seconds: 3600

ingest:
  max_pairs: 10
`, leader)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("AIPILOT_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("AIPILOT_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			// Signed object URLs must point back at this listener.
			a, err := app.Bootstrap(app.Options{
				Workspace: viper.GetString("workspace"),
				BaseURL:   "http://" + addr,
				Log:       newLogger(),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			broker := engine.NewBroker(a.Engine)
			brokerCtx, stopBroker := context.WithCancel(context.Background())
			defer stopBroker()
			go func() {
				if err := broker.Run(brokerCtx); err != nil && !errors.Is(err, context.Canceled) {
					a.Log.Error().Err(err).Msg("event broker stopped")
				}
			}()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Ingest:   a.Ingest,
				Broker:   broker,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: a.Log},
			})
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
			fmt.Printf("Serving AI Pilot API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login (development only)")
	return cmd
}

func buildCmd() *cobra.Command {
	b := &cobra.Command{Use: "build", Short: "Manage app builds"}
	b.AddCommand(buildSubmitCmd())
	b.AddCommand(buildListCmd())
	b.AddCommand(buildShowCmd())
	b.AddCommand(buildActionCmd("export", "Export a completed build as a signed zip URL"))
	b.AddCommand(buildActionCmd("preview", "Get or assign the preview URL"))
	b.AddCommand(buildActionCmd("deploy", "Get or assign the production URL"))
	b.AddCommand(buildRemixCmd())
	return b
}

func buildSubmitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a build prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.SubmitBuild(ctx, actingUser(), args[0])
				if err != nil {
					return err
				}
				if wait {
					a.Engine.WaitBuilds()
					b, err = a.Engine.GetBuild(ctx, b.ID, actingUser())
					if err != nil {
						return err
					}
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the build reaches a terminal state")
	return cmd
}

func buildListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListBuilds(ctx, actingUser(), repo.BuildFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "App", "Status", "Prompt", "Created"})
				for _, b := range items {
					prompt := b.Prompt
					if len(prompt) > 40 {
						prompt = prompt[:37] + "..."
					}
					tw.AppendRow(table.Row{b.ID, b.AppName, b.Status, prompt, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func buildShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build-id>",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.GetBuild(ctx, args[0], actingUser())
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
}

func buildActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <build-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					url string
					err error
				)
				switch action {
				case "export":
					url, err = a.Engine.ExportBuild(ctx, args[0], actingUser())
				case "preview":
					url, err = a.Engine.PreviewBuild(ctx, args[0], actingUser())
				case "deploy":
					url, err = a.Engine.DeployBuild(ctx, args[0], actingUser())
				}
				if err != nil {
					return err
				}
				fmt.Println(url)
				return nil
			})
		},
	}
}

func buildRemixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remix <build-id>",
		Short: "Re-submit a prior build's prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.RemixBuild(ctx, args[0], actingUser())
				if err != nil {
					return err
				}
				a.Engine.WaitBuilds()
				return printJSON(b)
			})
		},
	}
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Inspect agents"}
	ag.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Status"})
				for _, ag := range items {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Role, ag.Status})
				}
				tw.Render()
				return nil
			})
		},
	})
	ag.AddCommand(&cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, err := a.Engine.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(agent)
			})
		},
	})
	return ag
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Run and inspect tasks"}
	t.AddCommand(taskRunCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskChainCmd())
	return t
}

func taskRunCmd() *cobra.Command {
	var agentID, parentID string
	var queue bool
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run (or queue) a single task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var parent *string
				if parentID != "" {
					parent = &parentID
				}
				var (
					task domain.AgentTask
					err  error
				)
				if queue {
					task, err = a.Engine.QueueTask(ctx, agentID, args[0], actingUser(), parent)
				} else {
					task, err = a.Engine.RunTask(ctx, agentID, args[0], actingUser(), parent)
				}
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (agent-writer, agent-coder, ...)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent task id for chains")
	cmd.Flags().BoolVar(&queue, "queue", false, "record without executing")
	return cmd
}

func taskListCmd() *cobra.Command {
	var agentID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTasks(ctx, repo.TaskFilters{AgentID: agentID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Cost", "Flagged", "Command"})
				for _, t := range items {
					cost := ""
					if t.Cost != nil {
						cost = fmt.Sprintf("%.4f", *t.Cost)
					}
					command := t.Command
					if len(command) > 40 {
						command = command[:37] + "..."
					}
					tw.AppendRow(table.Row{t.ID, t.AgentID, t.Status, cost, t.CostFlag, command})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				task, err := a.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
}

func taskChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <root-task-id>",
		Short: "Run the chain rooted at a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Engine.RunChain(ctx, args[0], actingUser())
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{Use: "budget", Short: "Budget and cost estimation"}
	b.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Current settings and monthly standing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				settings, err := a.Engine.Repo.GetBudgetSettings(ctx)
				if err != nil {
					return err
				}
				status, err := a.Engine.Budget.MonthlyStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"settings": settings,
					"used":     status.Used,
					"severity": status.Severity,
				})
			})
		},
	})
	b.AddCommand(budgetSetCmd())
	b.AddCommand(&cobra.Command{
		Use:   "estimate <command>",
		Short: "Estimate the cost of a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%.6f\n", budget.EstimateCost(args[0]))
			return nil
		},
	})
	return b
}

func budgetSetCmd() *cobra.Command {
	var limit, threshold float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update budget settings (leader only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.UpdateBudgetSettings(ctx, actingUser(), limit, threshold)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().Float64Var(&limit, "monthly-limit", 100, "monthly spend limit")
	cmd.Flags().Float64Var(&threshold, "kill-threshold", 3, "flagging multiplier against estimated cost")
	return cmd
}

func imageCmd() *cobra.Command {
	img := &cobra.Command{Use: "image", Short: "Image ingestion"}
	img.AddCommand(imageUploadCmd())
	img.AddCommand(imageListCmd())
	img.AddCommand(&cobra.Command{
		Use:   "approve <image-id>",
		Short: "Approve a record for use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Ingest.Approve(ctx, args[0], actingUser())
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	})
	img.AddCommand(&cobra.Command{
		Use:   "backfill",
		Short: "Re-verify stored records with empty scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Ingest.Backfill(ctx, actingUser())
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	})
	return img
}

func imageUploadCmd() *cobra.Command {
	var eventPaths, descPaths []string
	var metadataPath, source string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload paired event/description images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := readFiles(eventPaths)
				if err != nil {
					return err
				}
				descs, err := readFiles(descPaths)
				if err != nil {
					return err
				}
				var meta *ingest.File
				if metadataPath != "" {
					files, err := readFiles([]string{metadataPath})
					if err != nil {
						return err
					}
					meta = &files[0]
				}
				batch, err := a.Ingest.SelectBatch(events, descs, meta, source)
				if err != nil {
					return err
				}
				recs, err := a.Ingest.Upload(ctx, batch, actingUser())
				if err != nil {
					return err
				}
				return printJSON(recs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&eventPaths, "event", nil, "event image paths (repeatable)")
	cmd.Flags().StringSliceVar(&descPaths, "desc", nil, "description image paths (repeatable)")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "optional spreadsheet (.xlsx/.xls/.csv)")
	cmd.Flags().StringVar(&source, "source", "", "source label")
	return cmd
}

func readFiles(paths []string) ([]ingest.File, error) {
	var out []ingest.File
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ingest.File{Name: p, Data: data})
	}
	return out, nil
}

func imageListCmd() *cobra.Command {
	var approvedOnly bool
	var source string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List image records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.ImageFilters{Source: source, Limit: limit}
				if approvedOnly {
					yes := true
					f.Approved = &yes
				}
				items, err := a.Ingest.Repo.ListImages(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().BoolVar(&approvedOnly, "approved", false, "only approved records")
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func feedbackCmd() *cobra.Command {
	fb := &cobra.Command{Use: "feedback", Short: "Rate completed tasks"}
	var agentID, taskID, comment string
	var rating int
	add := &cobra.Command{
		Use:   "add",
		Short: "Record feedback for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entry, err := a.Engine.SubmitFeedback(ctx, agentID, taskID, rating, comment, actingUser())
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	add.Flags().StringVar(&agentID, "agent", "", "agent id")
	add.Flags().StringVar(&taskID, "task", "", "task id")
	add.Flags().IntVar(&rating, "rating", 1, "0 or 1")
	add.Flags().StringVar(&comment, "comment", "", "free-text comment")
	fb.AddCommand(add)

	var listAgent string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List feedback, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListFeedback(ctx, listAgent, limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().StringVar(&listAgent, "agent", "", "filter by agent")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	fb.AddCommand(list)
	return fb
}

func chatCmd() *cobra.Command {
	c := &cobra.Command{Use: "chat", Short: "Talk to an agent"}
	var agentID string
	send := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a message and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Engine.SendChat(ctx, actingUser(), agentID, args[0])
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Printf("[%s] %s\n", m.Sender, m.Content)
				}
				return nil
			})
		},
	}
	send.Flags().StringVar(&agentID, "agent", "", "agent id")
	c.AddCommand(send)

	var historyAgent string
	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "Conversation history for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if historyAgent == "" {
				return fmt.Errorf("--agent required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				msgs, err := a.Engine.Repo.ListChatMessages(ctx, historyAgent, limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Printf("%s [%s] %s\n", m.CreatedAt, m.Sender, m.Content)
				}
				return nil
			})
		},
	}
	history.Flags().StringVar(&historyAgent, "agent", "", "agent id")
	history.Flags().IntVar(&limit, "limit", 100, "max messages")
	c.AddCommand(history)
	return c
}

func promptCmd() *cobra.Command {
	p := &cobra.Command{Use: "prompt", Short: "Saved prompts (workspace-local)"}
	p.AddCommand(&cobra.Command{
		Use:   "save <text>",
		Short: "Save a prompt for reuse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Prefs.SavePrompt(args[0])
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved prompts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, prompt := range a.Prefs.SortedPrompts() {
					fmt.Println(prompt)
				}
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "delete <text>",
		Short: "Delete a saved prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Prefs.DeletePrompt(args[0])
			})
		},
	})
	return p
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = actingUser()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      secret,
				})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)

	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, actingUser())
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit event log"}
	var limit int
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, optionally following new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, limit, "", "", "")
				if err != nil {
					return err
				}
				for i := len(events) - 1; i >= 0; i-- {
					e := events[i]
					fmt.Printf("%s %-20s %s/%s %s\n", e.TS, e.Type, e.EntityKind, e.EntityID, e.Payload)
				}
				if !follow {
					return nil
				}
				cursor, err := a.Engine.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := a.Engine.Repo.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					for _, e := range batch {
						cursor = e.ID
						fmt.Printf("%s %-20s %s/%s %s\n", e.TS, e.Type, e.EntityKind, e.EntityID, e.Payload)
					}
				}
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "rows of history")
	tail.Flags().BoolVar(&follow, "follow", false, "keep printing new events")
	lg.AddCommand(tail)
	return lg
}
