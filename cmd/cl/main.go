package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chainline/internal/access"
	"chainline/internal/config"
	"chainline/internal/db"
	"chainline/internal/migrate"
	"chainline/internal/rbac"
	"chainline/internal/registry"
	"chainline/internal/repo"
	"chainline/internal/scenario"
	"chainline/internal/server"
	"chainline/internal/sweep"
	"chainline/internal/taskqueue"
	"chainline/internal/trigger"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Chainline CLI",
	Long: `Chainline dispatches actions to registered services and expands trigger
events into persisted, dependency-linked action chains.
- Actions: named operations owned by services, routed through one registry.
- Access rules: declarative group checks applied before dispatch.
- Queues: named execution lanes with concurrency, timeout and retry bounds.
- Chains: scenario-expanded action rows unlocked by predecessor outcomes.`,
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
	viper.SetEnvPrefix("CHAINLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(queuesCmd())
	rootCmd.AddCommand(scenariosCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch service",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger := newLogger()
			slog.SetDefault(logger)

			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				cfg.Server.JWTSecret = os.Getenv("CHAINLINE_JWT_SECRET")
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret or CHAINLINE_JWT_SECRET is required")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			scenarios, err := loadScenarios(workspace, cfg, logger)
			if err != nil {
				return err
			}
			tasks := taskqueue.New(cfg, logger)
			validator := access.NewValidator(cfg, logger)
			reg := registry.New(registrySelfInfo(), validator, tasks, logger)
			perms := rbac.New(conn, logger)
			expander := trigger.New(conn, scenarios, perms, logger)
			sweeper := sweep.New(conn, cfg.Sweep.BatchSize, logger)

			runner := cron.New()
			if _, err := sweeper.Schedule(runner, cfg.Sweep.Schedule); err != nil {
				return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweep.Schedule, err)
			}
			runner.Start()
			defer runner.Stop()

			handler, err := server.New(server.Config{
				Registry:   reg,
				Tasks:      tasks,
				Expander:   expander,
				Sweeper:    sweeper,
				Repo:       repo.Repo{DB: conn},
				PlatformID: cfg.Platform.ID,
				BasePath:   cfg.Server.BasePath,
				Auth:       server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				tasks.Shutdown(shutdownCtx)
			}()
			logger.Info("serving chainline api", "addr", addr, "base_path", cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// registrySelfInfo declares the registry's own internal actions so they show
// up in the routing table alongside service actions.
func registrySelfInfo() registry.InfoProvider {
	return registry.InfoProviderFunc(func(service string) (registry.PluginInfo, bool) {
		if service != "action_hub" {
			return registry.PluginInfo{}, false
		}
		return registry.PluginInfo{Actions: map[string]registry.ActionSpec{
			registry.ActionAvailableActions: {
				Description: "List all routable actions and their schemas",
			},
		}}, true
	})
}

func loadScenarios(workspace string, cfg *config.Config, logger *slog.Logger) (*scenario.Store, error) {
	path := cfg.Scenarios.File
	if path == "" {
		logger.Warn("no scenarios file configured, trigger expansion disabled")
		return scenario.Empty(logger), nil
	}
	if !strings.HasPrefix(path, "/") {
		path = workspace + "/" + path
	}
	return scenario.LoadFile(path, logger)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				fmt.Println("database ready at", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one unlock sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				batch := 0
				if cfg != nil {
					batch = cfg.Sweep.BatchSize
				}
				sweeper := sweep.New(conn, batch, newLogger())
				sum, err := sweeper.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
}

func chainCmd() *cobra.Command {
	chain := &cobra.Command{Use: "chain", Short: "Inspect persisted action chains"}
	chain.AddCommand(chainListCmd())
	chain.AddCommand(chainShowCmd())
	return chain
}

func chainListCmd() *cobra.Command {
	var status, actionType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List action rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(conn *sql.DB) error {
				r := repo.Repo{DB: conn}
				items, err := r.ListActions(cmd.Context(), status, actionType, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "User", "Prev", "Created"})
				for _, a := range items {
					prev := ""
					if a.PrevActionID != nil {
						prev = fmt.Sprintf("%d", *a.PrevActionID)
					}
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Status, a.UserID, prev, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, hold, completed, failed, drop)")
	cmd.Flags().StringVar(&actionType, "type", "", "action type filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func chainShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one action row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid action id %q", args[0])
			}
			return withDB(func(conn *sql.DB) error {
				r := repo.Repo{DB: conn}
				a, err := r.GetAction(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func queuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show configured queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Queues)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Queue", "Max Concurrent", "Timeout (s)", "Retries", "Retry Delay (s)", "Default"})
			for name, q := range cfg.Queues.Definitions {
				def := ""
				if name == cfg.Queues.Default {
					def = "*"
				}
				tw.AppendRow(table.Row{name, q.MaxConcurrent, q.Timeout, q.RetryCount, q.RetryDelay, def})
			}
			tw.Render()
			return nil
		},
	}
}

func scenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List loaded scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			store, err := loadScenarios(workspace, cfg, newLogger())
			if err != nil {
				return err
			}
			names := store.Names()
			if viper.GetBool("json") {
				return printJSON(names)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Scenario", "Actions"})
			for _, name := range names {
				sc, _ := store.GetScenario(name)
				tw.AppendRow(table.Row{name, len(sc.Actions)})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default chainline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "platform", "default", "platform identifier")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate chainline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			fmt.Printf("config ok: platform=%s queues=%d rules=%d\n",
				cfg.Platform.ID, len(cfg.Queues.Definitions), len(cfg.Access.Rules))
			return nil
		},
	}
}

func withDB(fn func(*sql.DB) error) error {
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
	return fn(conn)
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
