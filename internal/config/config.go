package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

// ReferenceDateLayout is the layout REFERENCE_DATE is parsed with.
const ReferenceDateLayout = "2006-01-02"

// Source kinds accepted by SOURCE.
const (
	SourceDummy    = "dummy"
	SourceCSV      = "csv"
	SourcePostgres = "postgres"
)

type Config struct {
	Env                 string `mapstructure:"ENV"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	Source              string `mapstructure:"SOURCE"`
	DummyPopulationSize int    `mapstructure:"DUMMY_POPULATION_SIZE"`
	DummySeed           int64  `mapstructure:"DUMMY_SEED"`
	CodelistDir         string `mapstructure:"CODELIST_DIR"`
	CodelistColumn      string `mapstructure:"CODELIST_COLUMN"`
	ReferenceDate       string `mapstructure:"REFERENCE_DATE"`
	PatientsCSV         string `mapstructure:"PATIENTS_CSV"`
	EventsCSV           string `mapstructure:"EVENTS_CSV"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	DBSchema            string `mapstructure:"DB_SCHEMA"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`
	OutputPath          string `mapstructure:"OUTPUT_PATH"`
	Workers             int    `mapstructure:"WORKERS"`
}

var keys = []string{
	"ENV",
	"LOG_LEVEL",
	"SOURCE",
	"DUMMY_POPULATION_SIZE",
	"DUMMY_SEED",
	"CODELIST_DIR",
	"CODELIST_COLUMN",
	"REFERENCE_DATE",
	"PATIENTS_CSV",
	"EVENTS_CSV",
	"DATABASE_URL",
	"DB_SCHEMA",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"OUTPUT_PATH",
	"WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SOURCE", SourceDummy)
	v.SetDefault("DUMMY_POPULATION_SIZE", 100)
	v.SetDefault("DUMMY_SEED", 1)
	v.SetDefault("CODELIST_DIR", "codelists/Local")
	v.SetDefault("CODELIST_COLUMN", "code")
	v.SetDefault("REFERENCE_DATE", "2020-03-31")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("OUTPUT_PATH", "output/dataset.csv")
	v.SetDefault("WORKERS", 0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.IsDev() && cfg.Source == SourceDummy {
		log.Println("WARNING: SOURCE=dummy, output rows are built from a synthetic population.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Reference parses REFERENCE_DATE, the date ages are computed on.
func (c *Config) Reference() (time.Time, error) {
	t, err := time.Parse(ReferenceDateLayout, c.ReferenceDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("REFERENCE_DATE %q is not a YYYY-MM-DD date: %w", c.ReferenceDate, err)
	}
	return t, nil
}

// Validate checks that the selected source has everything it needs.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceDummy:
		if c.DummyPopulationSize < 0 {
			return fmt.Errorf("DUMMY_POPULATION_SIZE must be >= 0, got %d", c.DummyPopulationSize)
		}
	case SourceCSV:
		if c.PatientsCSV == "" || c.EventsCSV == "" {
			return fmt.Errorf("PATIENTS_CSV and EVENTS_CSV are required when SOURCE is %q", SourceCSV)
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SOURCE is %q", SourcePostgres)
		}
	default:
		return fmt.Errorf("SOURCE must be %q, %q, or %q, got %q", SourceDummy, SourceCSV, SourcePostgres, c.Source)
	}

	if c.CodelistColumn == "" {
		return fmt.Errorf("CODELIST_COLUMN must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("WORKERS must be >= 0, got %d", c.Workers)
	}
	if _, err := c.Reference(); err != nil {
		return err
	}

	return nil
}
