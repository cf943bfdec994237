package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/platform/db"
)

// writeCodelists writes one single-code file per pregnancy category.
func writeCodelists(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for i, c := range codelist.PregnancyCategories {
		content := "code,term\n" + string(rune('1'+i)) + "000001,term\n"
		if err := os.WriteFile(filepath.Join(dir, c.File), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                 "test",
		Source:              config.SourceDummy,
		DummyPopulationSize: 40,
		DummySeed:           1,
		CodelistDir:         writeCodelists(t),
		CodelistColumn:      "code",
		ReferenceDate:       "2020-03-31",
		OutputPath:          filepath.Join(t.TempDir(), "out", "dataset.csv"),
	}
}

func readDataset(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	return records
}

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := newLogger("production", tt.level).GetLevel(); got != tt.want {
			t.Errorf("newLogger(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestApplyBuildFlags(t *testing.T) {
	cfg := testConfig(t)
	cmd := buildCmd()
	if err := cmd.Flags().Parse([]string{"--output", "-", "--population-size", "7", "--workers", "3"}); err != nil {
		t.Fatal(err)
	}
	if err := applyBuildFlags(cmd, cfg); err != nil {
		t.Fatalf("applyBuildFlags() error: %v", err)
	}
	if cfg.OutputPath != "-" || cfg.DummyPopulationSize != 7 || cfg.Workers != 3 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Source != config.SourceDummy {
		t.Errorf("unset flag should keep config value, got source %q", cfg.Source)
	}
}

func TestApplyBuildFlags_InvalidSource(t *testing.T) {
	cfg := testConfig(t)
	cmd := buildCmd()
	if err := cmd.Flags().Parse([]string{"--source", "ftp"}); err != nil {
		t.Fatal(err)
	}
	if err := applyBuildFlags(cmd, cfg); err == nil {
		t.Error("expected validation error for unknown source")
	}
}

func TestRunBuild_Dummy(t *testing.T) {
	cfg := testConfig(t)

	if err := runBuild(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("runBuild() error: %v", err)
	}

	records := readDataset(t, cfg.OutputPath)
	if len(records) < 2 {
		t.Fatalf("expected header and rows, got %d records", len(records))
	}
	if len(records[0]) != 3+len(codelist.PregnancyCategories)*cohort.EventsPerCategory {
		t.Errorf("unexpected column count %d", len(records[0]))
	}
	for _, rec := range records[1:] {
		if rec[2] != cohort.SexFemale {
			t.Errorf("row %s has sex %q", rec[0], rec[2])
		}
	}

	// Same seed gives the same file.
	first, _ := os.ReadFile(cfg.OutputPath)
	if err := runBuild(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("second runBuild() error: %v", err)
	}
	second, _ := os.ReadFile(cfg.OutputPath)
	if !bytes.Equal(first, second) {
		t.Error("rebuilding with the same inputs should give identical output")
	}
}

func TestRunBuild_CSVFromDummy(t *testing.T) {
	cfg := testConfig(t)
	store, err := generateDummy(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("generateDummy() error: %v", err)
	}
	dir := t.TempDir()
	if err := writeDummyCSV(dir, store, zerolog.Nop()); err != nil {
		t.Fatalf("writeDummyCSV() error: %v", err)
	}

	dummyOut := cfg.OutputPath
	if err := runBuild(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("dummy runBuild() error: %v", err)
	}

	cfg.Source = config.SourceCSV
	cfg.PatientsCSV = filepath.Join(dir, "patients.csv")
	cfg.EventsCSV = filepath.Join(dir, "clinical_events.csv")
	cfg.OutputPath = filepath.Join(t.TempDir(), "csv.csv")
	if err := runBuild(context.Background(), cfg, zerolog.Nop()); err != nil {
		t.Fatalf("csv runBuild() error: %v", err)
	}

	a, _ := os.ReadFile(dummyOut)
	b, _ := os.ReadFile(cfg.OutputPath)
	if !bytes.Equal(a, b) {
		t.Error("dataset from exported csv should match dataset from dummy source")
	}
}

func TestRunBuild_MissingCodelistFails(t *testing.T) {
	cfg := testConfig(t)
	missing := filepath.Join(cfg.CodelistDir, codelist.PregnancyCategories[2].File)
	if err := os.Remove(missing); err != nil {
		t.Fatal(err)
	}

	err := runBuild(context.Background(), cfg, zerolog.Nop())
	var loadErr *codelist.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *codelist.LoadError, got %v", err)
	}
	if !strings.Contains(err.Error(), "dating_scan") || !strings.Contains(err.Error(), missing) {
		t.Errorf("error should name category and path, got %v", err)
	}
	if _, statErr := os.Stat(cfg.OutputPath); !os.IsNotExist(statErr) {
		t.Error("no dataset should be written when a codelist fails to load")
	}
}

func TestPrintCodelists(t *testing.T) {
	categories := []codelist.Category{{Name: "pregnancy_test"}, {Name: "dating_scan"}}
	set := codelist.Set{"pregnancy_test": codelist.New("pregnancy_test", "A1.csv", []string{"1", "2"})}

	var buf bytes.Buffer
	printCodelists(&buf, set, categories)
	out := buf.String()
	if !strings.Contains(out, "A1.csv") {
		t.Errorf("expected path in output, got %q", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[2], "dating_scan") || !strings.Contains(lines[2], "-") {
		t.Errorf("missing codelist should be marked, got %q", lines[2])
	}
}

func TestPrintStatuses(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatuses(&buf, "public", []db.MigrationStatus{
		{Version: 1, Name: "001_source_tables.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "2024-05-01 12:00:00") {
		t.Errorf("expected applied timestamp, got %q", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("expected pending migration, got %q", out)
	}
}

func TestWriteFile_FailureLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dataset.csv")
	if err := os.WriteFile(path, []byte("previous\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	err := writeFile(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, "patient_id,age,sex\n"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "previous\n" {
		t.Errorf("existing file should be untouched, got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestWriteFile_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dataset.csv")
	if err := writeFile(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "ok\n")
		return err
	}); err != nil {
		t.Fatalf("writeFile() error: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "ok\n" {
		t.Errorf("unexpected content %q", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the dataset file, got %v", entries)
	}
}
