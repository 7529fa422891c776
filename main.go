package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/supporttools/pgzipbackup/pkg/api"
	"github.com/supporttools/pgzipbackup/pkg/backup"
	"github.com/supporttools/pgzipbackup/pkg/config"
	"github.com/supporttools/pgzipbackup/pkg/metadata"
	"github.com/supporttools/pgzipbackup/pkg/metrics"
	"github.com/supporttools/pgzipbackup/pkg/restore"
	"github.com/supporttools/pgzipbackup/pkg/runner"
	"github.com/supporttools/pgzipbackup/pkg/scheduler"
	s3store "github.com/supporttools/pgzipbackup/pkg/storage/s3"
	"github.com/supporttools/pgzipbackup/pkg/timing"
	"github.com/supporttools/pgzipbackup/pkg/version"
)

// flagBinding copies a flag onto the configuration when it was given on
// the command line, so flags override the file and the environment
type flagBinding struct {
	name  string
	apply func(fs *pflag.FlagSet) error
}

var bindings = map[*pflag.FlagSet][]flagBinding{}

func bindString(fs *pflag.FlagSet, name, short, usage string, dst *string) {
	fs.StringP(name, short, "", usage)
	bindings[fs] = append(bindings[fs], flagBinding{name, func(fs *pflag.FlagSet) (err error) {
		*dst, err = fs.GetString(name)
		return err
	}})
}

func bindInt(fs *pflag.FlagSet, name, short, usage string, dst *int) {
	fs.IntP(name, short, 0, usage)
	bindings[fs] = append(bindings[fs], flagBinding{name, func(fs *pflag.FlagSet) (err error) {
		*dst, err = fs.GetInt(name)
		return err
	}})
}

func bindBool(fs *pflag.FlagSet, name, short, usage string, dst *bool) {
	fs.BoolP(name, short, false, usage)
	bindings[fs] = append(bindings[fs], flagBinding{name, func(fs *pflag.FlagSet) (err error) {
		*dst, err = fs.GetBool(name)
		return err
	}})
}

func bindList(fs *pflag.FlagSet, name, short, usage string, dst *[]string) {
	fs.StringP(name, short, "", usage)
	bindings[fs] = append(bindings[fs], flagBinding{name, func(fs *pflag.FlagSet) error {
		v, err := fs.GetString(name)
		*dst = config.SplitList(v)
		return err
	}})
}

// loadConfig builds CFG from defaults, environment, the config file and
// the flags given to cmd, in that order
func loadConfig(cmd *cobra.Command, configFile string) error {
	config.LoadConfiguration()
	if configFile != "" {
		if err := config.LoadFile(configFile); err != nil {
			return err
		}
	}
	for _, fs := range []*pflag.FlagSet{cmd.Root().PersistentFlags(), cmd.Flags()} {
		for _, b := range bindings[fs] {
			if f := fs.Lookup(b.name); f == nil || !f.Changed {
				continue
			}
			if err := b.apply(fs); err != nil {
				return err
			}
		}
	}

	logrus.SetOutput(os.Stderr)
	if config.CFG.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	config.DisplayConfiguration()
	return nil
}

// app holds what every command needs once the configuration is loaded
type app struct {
	runner *runner.Runner
	s3     *s3store.Client
	timing *timing.Stopwatch
}

func newApp(ctx context.Context) (*app, error) {
	cfg := &config.CFG

	var ledger *metadata.Store
	if cfg.Metadata.File != "" {
		var err error
		if ledger, err = metadata.Open(cfg.Metadata.File); err != nil {
			return nil, err
		}
	}

	a := &app{}
	opts := runner.Options{
		Database: cfg.PostgreSQL.Database,
		Backup: backup.Options{
			BatchSize:          cfg.Dump.BatchSize,
			MaxObjectsPerBatch: cfg.Dump.MaxObjectsPerBatch,
			Filter:             cfg.DataFilter(),
		},
		Restore: restore.Options{CommitEvery: cfg.Restore.CommitEvery},
		Ledger:  ledger,
		Logger:  logrus.StandardLogger(),
	}
	if cfg.S3.Enabled {
		client, err := s3store.NewClient(ctx, cfg.S3, ledger)
		if err != nil {
			return nil, err
		}
		a.s3 = client
		opts.S3 = client
	}
	a.runner = runner.New(cfg.Provider(), opts)

	if cfg.Metrics.Enabled {
		var routes []metrics.RouteRegistrar
		if ledger != nil {
			var presigner api.Presigner
			if a.s3 != nil {
				presigner = a.s3
			}
			routes = append(routes, api.NewRunsHandler(ledger, presigner))
		}
		go metrics.StartMetricsServer(cfg.Metrics.Port, routes...)
	}
	return a, nil
}

// context returns ctx carrying a stopwatch when timing is enabled
func (a *app) context(ctx context.Context) context.Context {
	if !config.CFG.Timing {
		return ctx
	}
	a.timing = timing.NewStopwatch(os.Stderr)
	return timing.WithCollector(ctx, a.timing)
}

func (a *app) report() {
	if a.timing != nil {
		a.timing.Report()
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(ctx context.Context) *cobra.Command {
	var configFile string
	cfg := &config.CFG

	rootCmd := &cobra.Command{
		Use:   "pgzipbackup",
		Short: "Schema level PostgreSQL backups in zip archives",
		Long: `pgzipbackup dumps PostgreSQL schemas, with their table data, into a
zip archive and restores them, optionally under new names.

Examples:
  pgzipbackup dump -d app -f app.zip                # whole database
  pgzipbackup dump -d app -s sales,hr -f part.zip   # selected schemas
  pgzipbackup restore -d app -f part.zip -s sales -n sales_copy
  pgzipbackup list -f s3://backups/pg/app.zip`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	bindString(pf, "host", "H", "Database host (PGHOST)", &cfg.PostgreSQL.Host)
	bindInt(pf, "port", "p", "Database port (PGPORT)", &cfg.PostgreSQL.Port)
	bindString(pf, "database", "d", "Database name (PGDATABASE)", &cfg.PostgreSQL.Database)
	bindString(pf, "user", "U", "Database user (PGUSER)", &cfg.PostgreSQL.Username)
	bindString(pf, "password", "P", "Database password (PGPASSWORD, or ~/.pgpass)", &cfg.PostgreSQL.Password)
	bindString(pf, "sslmode", "", "SSL mode (PGSSLMODE)", &cfg.PostgreSQL.SSLMode)
	bindBool(pf, "debug", "", "Enable debug logging", &cfg.Debug)
	bindBool(pf, "timing", "t", "Report time spent per step on stderr", &cfg.Timing)
	bindBool(pf, "metrics", "", "Serve Prometheus metrics and the run API while running", &cfg.Metrics.Enabled)
	bindString(pf, "metrics-port", "", "Metrics server port", &cfg.Metrics.Port)
	bindString(pf, "ledger", "", "Run ledger file", &cfg.Metadata.File)

	rootCmd.AddCommand(
		dumpCommand(ctx, &configFile),
		restoreCommand(ctx, &configFile),
		listCommand(ctx, &configFile),
		scheduleCommand(ctx, &configFile),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			},
		},
	)

	return rootCmd
}

func dumpCommand(ctx context.Context, configFile *string) *cobra.Command {
	cfg := &config.CFG
	var presign time.Duration

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump schemas into an archive",
		Long: `Dump the selected schemas, or every schema of the database, into a zip
archive. Without -f the archive is written to standard output. An s3://
destination is uploaded to the configured bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, *configFile); err != nil {
				return err
			}
			if err := config.ValidateConfig(config.ModeDump); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			runCtx := a.context(ctx)
			defer a.report()

			if _, err := a.runner.Dump(runCtx, cfg.Dump.File, cfg.Dump.Schemas); err != nil {
				return err
			}
			if presign > 0 {
				return printPresignedURL(ctx, a, cfg.Dump.File, presign)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	bindString(fs, "file", "f", "Archive to write, a local path or s3://bucket/key", &cfg.Dump.File)
	bindList(fs, "schemas", "s", "Comma separated schemas to dump (default all)", &cfg.Dump.Schemas)
	bindBool(fs, "schema-only", "o", "Dump structure only, no table data", &cfg.Dump.SchemaOnly)
	bindInt(fs, "batch-size", "b", "Schemas per batch of a whole database dump", &cfg.Dump.BatchSize)
	bindInt(fs, "max-objects", "", "Catalog objects per batch, 0 for no limit", &cfg.Dump.MaxObjectsPerBatch)
	bindList(fs, "exclude-data", "", "Comma separated schema.object patterns whose data is skipped", &cfg.Dump.ExcludeData)
	fs.DurationVar(&presign, "presign", 0, "Print a download URL valid for this long after uploading")
	return cmd
}

func printPresignedURL(ctx context.Context, a *app, dest string, expiry time.Duration) error {
	if a.s3 == nil || dest == "" {
		return fmt.Errorf("--presign needs S3 and an archive file")
	}
	key := a.s3.ObjectKey(filepath.Base(dest))
	if s3store.IsURL(dest) {
		var err error
		if _, key, err = s3store.ParseURL(dest); err != nil {
			return err
		}
	}
	url, err := a.s3.PresignArchive(ctx, key, expiry)
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}

func restoreCommand(ctx context.Context, configFile *string) *cobra.Command {
	cfg := &config.CFG

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore schemas from an archive",
		Long: `Restore the selected schemas, or every schema of the archive, into the
database. With -n the schemas of -s are restored under the matching new
names; ownership statements are skipped for renamed schemas.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, *configFile); err != nil {
				return err
			}
			if err := config.ValidateConfig(config.ModeRestore); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			runCtx := a.context(ctx)
			defer a.report()

			_, err = a.runner.Restore(runCtx, cfg.Restore.File, cfg.Restore.Schemas, cfg.Restore.ToSchemas)
			return err
		},
	}

	fs := cmd.Flags()
	bindString(fs, "file", "f", "Archive to read, a local path or s3://bucket/key", &cfg.Restore.File)
	bindList(fs, "schemas", "s", "Comma separated schemas to restore (default all)", &cfg.Restore.Schemas)
	bindList(fs, "to-schemas", "n", "Comma separated new names for the schemas of -s", &cfg.Restore.ToSchemas)
	bindInt(fs, "commit-every", "", "Schemas restored per transaction when restoring everything", &cfg.Restore.CommitEvery)
	return cmd
}

func listCommand(ctx context.Context, configFile *string) *cobra.Command {
	cfg := &config.CFG

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the schemas in an archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, *configFile); err != nil {
				return err
			}
			if err := config.ValidateConfig(config.ModeList); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			schemas, err := a.runner.ListSchemas(ctx, cfg.Restore.File)
			if err != nil {
				return err
			}
			for _, s := range schemas {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}

	bindString(cmd.Flags(), "file", "f", "Archive to read, a local path or s3://bucket/key", &cfg.Restore.File)
	return cmd
}

func scheduleCommand(ctx context.Context, configFile *string) *cobra.Command {
	cfg := &config.CFG

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Dump the whole database on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, *configFile); err != nil {
				return err
			}
			if err := config.ValidateConfig(config.ModeSchedule); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}

			sched := scheduler.NewScheduler(a.runner, scheduler.Options{
				Schedule:        cfg.Schedule.Cron,
				OutputDirectory: cfg.Schedule.OutputDirectory,
				Retention:       cfg.RetentionPeriod(),
			})
			if err := sched.SetupJobs(); err != nil {
				return err
			}
			sched.Start()
			if next, err := sched.NextRunTime(); err == nil {
				logrus.WithField("next_run", next.Format(time.RFC3339)).Info("pgzipbackup is running. Press Ctrl+C to exit.")
			}
			sched.Wait(ctx)
			return nil
		},
	}

	fs := cmd.Flags()
	bindString(fs, "cron", "", "Cron expression of the dump schedule", &cfg.Schedule.Cron)
	bindString(fs, "output-dir", "", "Directory receiving the archives", &cfg.Schedule.OutputDirectory)
	bindString(fs, "retention", "", "Remove archives older than this duration", &cfg.Schedule.Retention)
	bindBool(fs, "schema-only", "o", "Dump structure only, no table data", &cfg.Dump.SchemaOnly)
	bindInt(fs, "batch-size", "b", "Schemas per batch", &cfg.Dump.BatchSize)
	bindInt(fs, "max-objects", "", "Catalog objects per batch, 0 for no limit", &cfg.Dump.MaxObjectsPerBatch)
	return cmd
}
