package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"facility-ingest/adminapi"
	"facility-ingest/ingest"
)

var version = "dev"

type globalFlags struct {
	configPath string
	envFile    string
	dbDriver   string
	dbDSN      string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "facility-ingest",
		Short:         "Ingest childcare and kindergarten registries into the facility store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "YAML config file path.")
	pf.StringVar(&g.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env, .env.local if present).")
	pf.StringVar(&g.dbDriver, "db-driver", "", "Database driver: sqlite or postgres. Overrides config.")
	pf.StringVar(&g.dbDSN, "db-dsn", "", "Database DSN (sqlite path or postgres URL). Overrides config.")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error).")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: console or json.")

	root.AddCommand(newRunCmd(g), newServeCmd(g), newRunsCmd(g), newVersionCmd())
	return root
}

// app is everything a command needs once config is resolved.
type app struct {
	cfg      *ingest.FileConfig
	log      zerolog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	orch     *ingest.Orchestrator
}

func (g *globalFlags) loadConfig(cmd *cobra.Command) (*ingest.FileConfig, error) {
	loadEnvFiles(g.envFile)
	// Defaults go last so an overlaid driver does not inherit the sqlite DSN.
	cfg, err := ingest.ReadConfig(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(ingest.NewEnvViper()); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	// Flags explicitly given win over file and environment.
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.Database.Driver = g.dbDriver
	}
	if flags.Changed("db-dsn") {
		cfg.Database.DSN = g.dbDSN
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (g *globalFlags) open(cmd *cobra.Command) (*app, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg.Log, os.Stderr)

	db, err := ingest.OpenDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := ingest.Options{Logger: log, Metrics: ingest.NewMetrics(reg)}
	if cfg.Report.SyslogAddr != "" {
		opts.Reporter = ingest.NewSyslogReporter(ingest.NewSyslogClient(cfg.Report.SyslogAddr), cfg.Report)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: reg,
		orch:     ingest.NewOrchestrator(db, cfg, opts),
	}, nil
}

func (a *app) close() {
	if err := ingest.CloseDB(a.db); err != nil {
		a.log.Warn().Err(err).Msg("close database")
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		source   string
		once     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion for one source or all enabled sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !once && interval <= 0 {
				return fmt.Errorf("--interval must be positive with --once=false, got %s", interval)
			}
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			trigger := ingest.TriggerCLI
			if !once {
				trigger = ingest.TriggerLoop
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				report, err := a.orch.Run(ctx, source, trigger)
				if report != nil {
					_ = enc.Encode(report)
				}
				if once {
					return err
				}
				if err != nil {
					a.log.Error().Err(err).Msg("ingest run failed")
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().StringVar(&source, "source", ingest.SelectAll, "Source selector: childcare, kindergarten or all.")
	cmd.Flags().BoolVar(&once, "once", true, "Run once and exit (default true for crontab).")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "Pause between runs when --once=false.")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin ingest trigger, health and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if cmd.Flags().Changed("addr") {
				a.cfg.Admin.Addr = addr
			}
			if a.cfg.Admin.Secret == "" {
				a.log.Warn().Msg("no ingest secret configured (CRON_SECRET); every trigger will be rejected")
			}

			srv := adminapi.New(a.orch, adminapi.Config{
				Secret:   a.cfg.Admin.Secret,
				Logger:   a.log,
				Gatherer: a.registry,
				Health: func(ctx context.Context) error {
					sqlDB, err := a.db.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				},
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.ListenAndServe(ctx, a.cfg.Admin.Addr, 15*time.Second)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address. Overrides config admin.addr.")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		source string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingest runs as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			runs, err := ingest.NewRunTracker(a.db).Recent(cmd.Context(), source, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range runs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Only runs of this source id (childcare_portal, e_childschoolinfo).")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs.")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadEnvFiles loads an explicit dotenv file, or .env then .env.local when
// none is given. Variables already set in the process win.
func loadEnvFiles(explicit string) {
	if explicit != "" {
		_ = godotenv.Load(explicit)
		return
	}
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

func newLogger(cfg ingest.LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	w := out
	if !strings.EqualFold(cfg.Format, "json") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: os.Getenv("NO_COLOR") != ""}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "facility-ingest").Logger()
}
