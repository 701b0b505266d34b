package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tasktrack/internal/app"
	"tasktrack/internal/config"
	"tasktrack/internal/domain"
	"tasktrack/internal/engine"
	"tasktrack/internal/server"
	"tasktrack/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Tasktrack CLI",
	Long: `Tasktrack keeps task records in a local SQLite workspace and serves them over HTTP.
- Tasks carry a title, optional description, status, priority, due date, assignee and author.
- Priority sorts urgent > high > medium > low; status sorts pending > in_progress > completed > cancelled.
- Every change is written to an event log, view it with 'tm log tail'.
- 'tm serve' exposes the same operations as a JSON API (OpenAPI at <base>/openapi.json, Swagger UI at /docs).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/tasktrack.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskSortCmd())
	task.AddCommand(taskSearchCmd())
	task.AddCommand(taskBulkUpdateCmd())
	task.AddCommand(taskBulkDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in validate.TaskInput
	var description, due, assignedTo, author string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if cmd.Flags().Changed("due") {
				in.DueDate = &due
			}
			if cmd.Flags().Changed("assigned-to") {
				in.AssignedTo = &assignedTo
			}
			if cmd.Flags().Changed("author") {
				in.Author = &author
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				nt, err := validate.Validator{Now: e.Now}.NewTask(in)
				if err != nil {
					return err
				}
				t, err := e.Create(ctx, nt)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&in.Status, "status", "", "status (default pending)")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "priority (default medium)")
	cmd.Flags().StringVar(&due, "due", "", "due date, RFC3339 or YYYY-MM-DD; must be in the future")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "assignee")
	cmd.Flags().StringVar(&author, "author", "", "author")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, ok, err := e.Get(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %d not found", id)
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var skip, limit int
	var status, priority string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, l, err := validate.Page(skip, limit, e.Config.Paging.DefaultLimit, e.Config.Paging.MaxLimit)
				if err != nil {
					return err
				}
				st, err := validate.StatusFilter(status)
				if err != nil {
					return err
				}
				pr, err := validate.PriorityFilter(priority)
				if err != nil {
					return err
				}
				tasks, err := e.List(ctx, engine.ListOptions{Skip: s, Limit: l, Status: st, Priority: pr})
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 uses the configured default)")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, status, priority, due, assignedTo, author string
	var clear []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update the given fields of a task",
		Long:  "Only flags that are passed are changed. --clear sets a nullable field (description, due_date, assigned_to, author) to null.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			raw := map[string]json.RawMessage{}
			for flag, field := range map[string]struct {
				name string
				val  *string
			}{
				"title":       {"title", &title},
				"description": {"description", &description},
				"status":      {"status", &status},
				"priority":    {"priority", &priority},
				"due":         {"due_date", &due},
				"assigned-to": {"assigned_to", &assignedTo},
				"author":      {"author", &author},
			} {
				if cmd.Flags().Changed(flag) {
					b, _ := json.Marshal(*field.val)
					raw[field.name] = b
				}
			}
			for _, name := range clear {
				raw[name] = json.RawMessage("null")
			}
			if len(raw) == 0 {
				return fmt.Errorf("nothing to update")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				patch, err := validate.Validator{Now: e.Now}.Patch(raw)
				if err != nil {
					return err
				}
				t, ok, err := e.Update(ctx, id, patch)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %d not found", id)
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&priority, "priority", "", "new priority")
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	cmd.Flags().StringVar(&assignedTo, "assigned-to", "", "new assignee")
	cmd.Flags().StringVar(&author, "author", "", "new author")
	cmd.Flags().StringArrayVar(&clear, "clear", []string{}, "nullable field to clear (repeatable)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deleted, err := e.Delete(ctx, id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("task %d not found", id)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": id})
				}
				fmt.Printf("deleted task %d\n", id)
				return nil
			})
		},
	}
	return cmd
}

func taskSortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sort <field>",
		Short: "List all tasks sorted by title, created_at, due_date, priority or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Sort(ctx, args[0])
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	return cmd
}

func taskSearchCmd() *cobra.Command {
	var skip, limit int
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search title and description (case-insensitive, literal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, l, err := validate.Page(skip, limit, e.Config.Paging.DefaultLimit, e.Config.Paging.MaxLimit)
				if err != nil {
					return err
				}
				tasks, err := e.Search(ctx, engine.SearchOptions{Text: args[0], Skip: s, Limit: l})
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "rows to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 uses the configured default)")
	return cmd
}

func taskBulkUpdateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk-update",
		Short: "Apply many updates in one statement",
		Long:  `Reads a JSON array of update items, or {"items":[...]}, from --file ("-" for stdin). Every item needs an id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readBulkItems(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				patches, err := validate.Validator{Now: e.Now}.BulkItems(items)
				if err != nil {
					return err
				}
				n, err := e.BulkUpdate(ctx, patches)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"affected": n})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file with update items")
	return cmd
}

func taskBulkDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk-delete <id>...",
		Short: "Delete many tasks in one statement",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.BulkDelete(ctx, ids)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"affected": n})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every create, update, delete and bulk operation appends an event in the same transaction.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var filter *int64
				if taskID != 0 {
					filter = &taskID
				}
				items, err := e.ListEvents(ctx, n, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Request", "Payload"})
				for _, evt := range items {
					task := ""
					if evt.TaskID != nil {
						task = strconv.FormatInt(*evt.TaskID, 10)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, task, evt.RequestID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&taskID, "task", 0, "only events for this task id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (file, env and flags merged)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.Log, os.Stderr)
			rt, err := app.Open(cmd.Context(), viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: cfg.Server.BasePath, Logger: logger})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), rt.Engine, cfg.Webhooks, logger)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving tasktrack API",
				"url", "http://"+cfg.Server.Addr+cfg.Server.BasePath,
				"openapi", cfg.Server.BasePath+"/openapi.json",
				"docs", "/docs",
				"cache", rt.Cache != nil,
				"webhooks", len(cfg.Webhooks),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().String("redis-addr", "", "Redis address for the task cache (overrides cache.redis_addr)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr"))
	return cmd
}

// --- helpers ---

// loadConfig reads the config file and applies env and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("base-path"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := viper.GetString("redis-addr"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.NewLogger(cfg.Log, os.Stderr))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func readBulkItems(file string) ([]map[string]json.RawMessage, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []map[string]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse bulk items: %w", err)
	}
	return wrapped.Items, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due", "Assignee"})
	for _, t := range tasks {
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.Format(time.RFC3339)
		}
		assignee := ""
		if t.AssignedTo != nil {
			assignee = *t.AssignedTo
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, due, assignee})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	if t, ok := v.(domain.Task); ok {
		return printTasks([]domain.Task{t})
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
