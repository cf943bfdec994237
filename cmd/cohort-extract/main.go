package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/reporting"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cohort-extract",
		Short: "Build the pregnancy event sequence dataset",
	}

	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(codelistsCmd())
	rootCmd.AddCommand(dummyCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Extract event sequences for the study population and write the dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := applyBuildFlags(cmd, cfg); err != nil {
				return err
			}

			logger := newLogger(cfg.Env, cfg.LogLevel)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runBuild(ctx, cfg, logger); err != nil {
				logger.Error().Err(err).Msg("build failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("output", "", "Dataset path, or - for stdout (overrides OUTPUT_PATH)")
	cmd.Flags().String("source", "", "Data source: dummy, csv or postgres (overrides SOURCE)")
	cmd.Flags().Int("population-size", 0, "Dummy population size (overrides DUMMY_POPULATION_SIZE)")
	cmd.Flags().Int("workers", 0, "Parallel batches, 0 for GOMAXPROCS (overrides WORKERS)")
	return cmd
}

// applyBuildFlags copies explicitly set flags over the loaded config.
func applyBuildFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("output") {
		cfg.OutputPath, _ = flags.GetString("output")
	}
	if flags.Changed("source") {
		cfg.Source, _ = flags.GetString("source")
	}
	if flags.Changed("population-size") {
		cfg.DummyPopulationSize, _ = flags.GetInt("population-size")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	return cfg.Validate()
}

func runBuild(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return err
	}
	ref, err := cfg.Reference()
	if err != nil {
		return err
	}

	categories := codelist.PregnancyCategories
	codelists, err := loadCodelists(ctx, cfg, categories, logger)
	if err != nil {
		return err
	}

	ctx, src, err := openSource(ctx, cfg, codelists, categories, ref, logger)
	if err != nil {
		return err
	}
	defer src.close()

	builder, err := cohort.NewBuilder(src.patients, src.events, codelists, cohort.Options{
		Categories: categories,
		Reference:  ref,
		Batches:    cfg.Workers,
	}, logger)
	if err != nil {
		return err
	}

	rows, err := builder.Build(ctx)
	if err != nil {
		return err
	}

	if err := writeDataset(cfg.OutputPath, rows, categories); err != nil {
		return err
	}

	reporting.Summarize(rows, categories).Log(logger)
	logger.Info().
		Str("source", cfg.Source).
		Str("output", cfg.OutputPath).
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("dataset written")
	return nil
}

func loadCodelists(ctx context.Context, cfg *config.Config, categories []codelist.Category, logger zerolog.Logger) (codelist.Set, error) {
	loader := codelist.NewLoader(cfg.CodelistColumn, logger)
	return loader.Load(ctx, codelist.Files(cfg.CodelistDir, categories))
}

type source struct {
	patients cohort.PatientRepository
	events   cohort.EventRepository
	close    func()
}

// openSource returns the repositories for cfg.Source. For postgres the
// returned context carries the schema-scoped connection.
func openSource(ctx context.Context, cfg *config.Config, codelists codelist.Set, categories []codelist.Category, ref time.Time, logger zerolog.Logger) (context.Context, *source, error) {
	switch cfg.Source {
	case config.SourceDummy:
		store, err := cohort.GenerateDummy(cohort.DummyOptions{
			PopulationSize: cfg.DummyPopulationSize,
			Seed:           cfg.DummySeed,
			Reference:      ref,
		}, codelists, categories)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().
			Int("patients", cfg.DummyPopulationSize).
			Int("events", store.EventCount()).
			Int64("seed", cfg.DummySeed).
			Msg("generated dummy population")
		return ctx, &source{patients: store, events: store, close: func() {}}, nil

	case config.SourceCSV:
		store, err := cohort.LoadCSV(cfg.PatientsCSV, cfg.EventsCSV)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().
			Str("patients_csv", cfg.PatientsCSV).
			Str("events_csv", cfg.EventsCSV).
			Int("events", store.EventCount()).
			Msg("loaded csv source")
		return ctx, &source{patients: store, events: store, close: func() {}}, nil

	case config.SourcePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		scoped, release, err := db.WithSchema(ctx, pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().
			Str("schema", cfg.DBSchema).
			Object("pool", db.GetPoolStats(pool)).
			Msg("connected to database")
		return scoped, &source{
			patients: cohort.NewPatientRepoPG(pool),
			events:   cohort.NewEventRepoPG(pool),
			close: func() {
				release()
				pool.Close()
			},
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", cfg.Source)
}

// writeDataset writes rows to path, creating parent directories. A path of
// "-" writes to stdout.
func writeDataset(path string, rows []cohort.Row, categories []codelist.Category) error {
	if path == "-" {
		return reporting.WriteCSV(os.Stdout, rows, categories)
	}
	return writeFile(path, func(w io.Writer) error {
		return reporting.WriteCSV(w, rows, categories)
	})
}

// writeFile writes through a temp file in the same directory and renames it
// over path only once fn succeeds, so a failed write leaves no partial file.
func writeFile(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	tmp := f.Name()

	if err := fn(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func codelistsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codelists",
		Short: "Inspect codelists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load every category codelist and report code counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, cfg.LogLevel)

			categories := codelist.PregnancyCategories
			set, err := loadCodelists(context.Background(), cfg, categories, logger)
			if err != nil {
				return err
			}
			printCodelists(cmd.OutOrStdout(), set, categories)
			return nil
		},
	})

	return cmd
}

func printCodelists(w io.Writer, set codelist.Set, categories []codelist.Category) {
	fmt.Fprintf(w, "%-26s %-6s %s\n", "CATEGORY", "CODES", "PATH")
	for _, c := range categories {
		cl, err := set.Get(c.Name)
		if err != nil {
			fmt.Fprintf(w, "%-26s %-6s %s\n", c.Name, "-", "")
			continue
		}
		fmt.Fprintf(w, "%-26s %-6d %s\n", c.Name, cl.Len(), cl.Path)
	}
}

func dummyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dummy",
		Short: "Generate a synthetic source population",
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, _ := cmd.Flags().GetString("out-dir")
			toDB, _ := cmd.Flags().GetBool("to-db")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("population-size") {
				cfg.DummyPopulationSize, _ = cmd.Flags().GetInt("population-size")
			}
			if cmd.Flags().Changed("seed") {
				cfg.DummySeed, _ = cmd.Flags().GetInt64("seed")
			}
			logger := newLogger(cfg.Env, cfg.LogLevel)

			ctx := context.Background()
			store, err := generateDummy(ctx, cfg, logger)
			if err != nil {
				return err
			}

			if toDB {
				return copyDummyToDB(ctx, cfg, store, logger)
			}
			return writeDummyCSV(outDir, store, logger)
		},
	}
	cmd.Flags().String("out-dir", "dummy", "Directory for patients.csv and clinical_events.csv")
	cmd.Flags().Bool("to-db", false, "Load into DATABASE_URL instead of writing CSV files")
	cmd.Flags().Int("population-size", cohort.DefaultDummyPopulationSize, "Number of synthetic patients (overrides DUMMY_POPULATION_SIZE)")
	cmd.Flags().Int64("seed", 1, "Random seed (overrides DUMMY_SEED)")
	return cmd
}

func generateDummy(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*cohort.MemoryStore, error) {
	if cfg.DummyPopulationSize < 0 {
		return nil, fmt.Errorf("population size must be >= 0, got %d", cfg.DummyPopulationSize)
	}
	ref, err := cfg.Reference()
	if err != nil {
		return nil, err
	}
	categories := codelist.PregnancyCategories
	codelists, err := loadCodelists(ctx, cfg, categories, logger)
	if err != nil {
		return nil, err
	}
	return cohort.GenerateDummy(cohort.DummyOptions{
		PopulationSize: cfg.DummyPopulationSize,
		Seed:           cfg.DummySeed,
		Reference:      ref,
	}, codelists, categories)
}

func writeDummyCSV(dir string, store *cohort.MemoryStore, logger zerolog.Logger) error {
	patientsPath := filepath.Join(dir, "patients.csv")
	eventsPath := filepath.Join(dir, "clinical_events.csv")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	pf, err := os.Create(patientsPath)
	if err != nil {
		return err
	}
	defer pf.Close()
	ef, err := os.Create(eventsPath)
	if err != nil {
		return err
	}
	defer ef.Close()

	if err := store.WriteCSV(pf, ef); err != nil {
		return fmt.Errorf("write dummy csv: %w", err)
	}

	logger.Info().
		Str("patients_csv", patientsPath).
		Str("events_csv", eventsPath).
		Int("events", store.EventCount()).
		Msg("dummy population written")
	return nil
}

func copyDummyToDB(ctx context.Context, cfg *config.Config, store *cohort.MemoryStore, logger zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.CreateSchema(ctx, pool, cfg.DBSchema)
	if err != nil {
		return err
	}

	patients, events, err := cohort.CopyStore(ctx, pool, cfg.DBSchema, store)
	if err != nil {
		return err
	}

	logger.Info().
		Str("schema", cfg.DBSchema).
		Int("migrations_applied", applied).
		Int64("patients", patients).
		Int64("events", events).
		Msg("dummy population loaded")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the source table schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := cfg.DBSchema
			if cmd.Flags().Changed("schema") {
				schema, _ = cmd.Flags().GetString("schema")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.CreateSchema(ctx, pool, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema (overrides DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := cfg.DBSchema
			if cmd.Flags().Changed("schema") {
				schema, _ = cmd.Flags().GetString("schema")
			}
			if !db.ValidSchema(schema) {
				return fmt.Errorf("invalid schema identifier: %q", schema)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema (overrides DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
