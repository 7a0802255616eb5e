package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"salesline/internal/app"
	"salesline/internal/config"
	"salesline/internal/db"
	"salesline/internal/domain"
	"salesline/internal/engine"
	"salesline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Salesline CLI",
	Long: `Salesline tracks sales deals through a staged pipeline.
Core concepts:
- Workspace: a directory holding salesline.yml and the .salesline database.
- Stages: the ordered pipeline columns; one may be the won stage and one the lost stage.
- Deals: prospects moving through the stages; won and lost deals are closed and only reopen explicitly.
- Timeline: every stage change, call, email, note and meeting recorded on a deal.
- Alerts: follow-up, dormancy and high-value warnings derived when a deal is read.
- Trash: deleted deals are kept until purged.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SALESLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadEnv reads <workspace>/.env without overriding the real environment.
func loadEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/salesline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (default warn for commands, config level for serve)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(dealsCmd())
	rootCmd.AddCommand(trashCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(followUpCmd())
	rootCmd.AddCommand(meetingCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create salesline.yml, the database and the stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := writeDefaultConfig(workspace, force); err != nil {
				return err
			}
			if cmd.Flags().Changed("actor-id") {
				if err := setEnvValue(filepath.Join(workspace, ".env"), "SALESLINE_ACTOR_ID", actorID()); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				fmt.Printf("Workspace ready at %s with %d stages\n", workspace, len(stages))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing salesline.yml")
	return cmd
}

func writeDefaultConfig(workspace string, force bool) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect pipeline config",
		Long:  "Config is salesline.yml: currency defaults, the stage catalog, alert thresholds, webhooks, integrations and logging.",
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
		Short: "Write the default salesline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := writeDefaultConfig(workspace, true); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate salesline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
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
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOrDefault(viper.GetString("workspace"))
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.ListStages(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Slug", "Name", "Kind", "Color"})
				for _, st := range stages {
					kind := "open"
					if st.IsWon {
						kind = "won"
					} else if st.IsLost {
						kind = "lost"
					}
					tw.AppendRow(table.Row{st.Position, st.Slug, st.Name, kind, st.Color})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Pipeline and performance metrics"}
	m.AddCommand(&cobra.Command{
		Use:   "pipeline",
		Short: "Open pipeline value per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pm, err := e.ComputeMetrics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pm)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Deals", "Value"})
				for _, b := range pm.StagesBreakdown {
					tw.AppendRow(table.Row{b.Name, b.Count, b.Value.StringFixed(2)})
				}
				tw.AppendFooter(table.Row{"Total", pm.ActiveDeals, pm.PipelineValue.StringFixed(2)})
				tw.Render()
				fmt.Printf("Deals needing follow-up: %d\n", pm.DealsNeedingFollowUp)
				return nil
			})
		},
	})
	var days int
	perf := &cobra.Command{
		Use:   "performance",
		Short: "Win rate and sales cycle over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ComputePerformance(ctx, days)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	perf.Flags().IntVar(&days, "days", 90, "trailing window in days")
	m.AddCommand(perf)
	return m
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var origins []string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				LogLevel:   viper.GetString("log-level"),
				Telemetry:  true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("SALESLINE_JWT_SECRET is required for bearer auth (or pass --legacy-actor-header)")
			}
			handler, err := server.New(server.Config{
				Engine:      rt.Engine,
				BasePath:    basePath,
				Auth:        authCfg,
				CORSOrigins: origins,
				Metrics:     rt.Metrics,
				Log:         rt.Log,
			})
			if err != nil {
				return err
			}
			rt.StartNotifier(ctx)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.Log.WithField("addr", addr).Info("serving salesline api")
			fmt.Printf("Serving Salesline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	cmd.Flags().BoolVar(&legacyHeader, "legacy-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	rt, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   level,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
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

// setEnvValue updates one key in a dotenv file, keeping the others.
func setEnvValue(path, key, value string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		values = map[string]string{}
	}
	values[key] = value
	return godotenv.Write(values, path)
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func optionalTime(cmd *cobra.Command, flag, value string) (*time.Time, error) {
	if !cmd.Flags().Changed(flag) {
		return nil, nil
	}
	t, err := parseTime(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalDecimal(cmd *cobra.Command, flag, value string) (*decimal.Decimal, error) {
	if !cmd.Flags().Changed(flag) {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &d, nil
}

func stageRef(ctx context.Context, e engine.Engine, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	st, err := e.StageBySlug(ctx, ref)
	if errors.Is(err, engine.ErrNotFound) {
		return ref, nil
	}
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func renderDeals(views []domain.DealView) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Company", "Stage", "Value", "Priority", "Alerts"})
	for _, v := range views {
		value := ""
		if v.EstimatedValue != nil {
			value = v.EstimatedValue.StringFixed(2) + " " + v.Currency
		}
		alerts := make([]string, 0, len(v.Alerts))
		for _, a := range v.Alerts {
			alerts = append(alerts, string(a.Type))
		}
		tw.AppendRow(table.Row{v.ID, v.Name, deref(v.Company), v.Stage.Name, value, v.Priority, strings.Join(alerts, ",")})
	}
	tw.Render()
}
