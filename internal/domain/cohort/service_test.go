package cohort

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/codelist"
)

var testRef = d("2020-03-31")

var testCategories = []codelist.Category{
	{Name: "pregnancy_test"},
	{Name: "dating_scan"},
}

func testCodelists() codelist.Set {
	return codelist.Set{
		"pregnancy_test": codelist.New("pregnancy_test", "", []string{"PT1", "PT2"}),
		"dating_scan":    codelist.New("dating_scan", "", []string{"DS1", "SHARED"}),
	}
}

// recordingEvents records which patients were asked for.
type recordingEvents struct {
	inner     EventRepository
	requested []uuid.UUID
	err       error
}

func (r *recordingEvents) ListByPatients(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]ClinicalEvent, error) {
	r.requested = append(r.requested, ids...)
	if r.err != nil {
		return nil, r.err
	}
	return r.inner.ListByPatients(ctx, ids)
}

type failingPatients struct{ err error }

func (f failingPatients) List(context.Context) ([]*Patient, error) { return nil, f.err }

func female(age int) *Patient {
	return &Patient{ID: uuid.New(), DateOfBirth: testRef.AddDate(-age, 0, 0), Sex: SexFemale}
}

func newTestBuilder(t *testing.T, patients PatientRepository, events EventRepository) *Builder {
	t.Helper()
	b, err := NewBuilder(patients, events, testCodelists(), Options{Categories: testCategories, Reference: testRef}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBuilder() error: %v", err)
	}
	return b
}

func TestNewBuilder_MissingCodelist(t *testing.T) {
	store := NewMemoryStore()
	sets := []codelist.Set{
		{"pregnancy_test": codelist.New("pregnancy_test", "", []string{"PT1"})},
		{
			"pregnancy_test": codelist.New("pregnancy_test", "", []string{"PT1"}),
			"dating_scan":    codelist.New("dating_scan", "", nil),
		},
	}
	for _, set := range sets {
		_, err := NewBuilder(store, store, set, Options{Categories: testCategories, Reference: testRef}, zerolog.Nop())
		if !errors.Is(err, ErrMissingCodelist) {
			t.Errorf("expected ErrMissingCodelist, got %v", err)
		}
	}
}

func TestNewBuilder_NegativeBatches(t *testing.T) {
	store := NewMemoryStore()
	_, err := NewBuilder(store, store, testCodelists(), Options{Categories: testCategories, Batches: -1}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for negative batches")
	}
}

func TestBuild_RowsForPopulationOnly(t *testing.T) {
	store := NewMemoryStore()
	in := female(30)
	young := female(13)
	old := female(50)
	man := &Patient{ID: uuid.New(), DateOfBirth: testRef.AddDate(-30, 0, 0), Sex: SexMale}
	for _, p := range []*Patient{in, young, old, man} {
		store.AddPatient(p)
		store.AddEvent(ClinicalEvent{PatientID: p.ID, SnomedCTCode: "PT1", Date: nd("2019-01-01")})
	}

	events := &recordingEvents{inner: store}
	rows, err := newTestBuilder(t, store, events).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if len(rows) != 1 || rows[0].PatientID != in.ID {
		t.Fatalf("expected a single row for %s, got %+v", in.ID, rows)
	}
	if rows[0].Age != 30 || rows[0].Sex != SexFemale {
		t.Errorf("unexpected age/sex %d/%s", rows[0].Age, rows[0].Sex)
	}
	if len(events.requested) != 1 || events.requested[0] != in.ID {
		t.Errorf("events should only be read for the population, got %v", events.requested)
	}
}

func TestBuild_EventChains(t *testing.T) {
	store := NewMemoryStore()
	p := female(25)
	store.AddPatient(p)
	for _, e := range []ClinicalEvent{
		{SnomedCTCode: "PT2", Date: nd("2019-03-01")},
		{SnomedCTCode: "PT1", Date: nd("2019-01-01")},
		{SnomedCTCode: "PT1", Date: nd("2019-01-01")},
		{SnomedCTCode: "OTHER", Date: nd("2019-02-01")},
		{SnomedCTCode: "SHARED", Date: nd("2019-05-01")},
		{SnomedCTCode: "DS1", Date: null.Time{}},
	} {
		e.PatientID = p.ID
		store.AddEvent(e)
	}

	rows, err := newTestBuilder(t, store, store).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	pt := rows[0].Events["pregnancy_test"]
	assertDate(t, "pregnancy_test_event_1", pt[0], nd("2019-01-01"))
	assertDate(t, "pregnancy_test_event_2", pt[1], nd("2019-03-01"))
	assertDate(t, "pregnancy_test_event_3", pt[2], null.Time{})

	ds := rows[0].Events["dating_scan"]
	assertDate(t, "dating_scan_event_1", ds[0], nd("2019-05-01"))
	assertDate(t, "dating_scan_event_2", ds[1], null.Time{})
	assertDate(t, "dating_scan_event_3", ds[2], null.Time{})
}

func TestBuild_NoEventsGivesNullRow(t *testing.T) {
	store := NewMemoryStore()
	p := female(40)
	store.AddPatient(p)

	rows, err := newTestBuilder(t, store, store).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	for _, c := range testCategories {
		for i, v := range rows[0].Events[c.Name] {
			if v.Valid {
				t.Errorf("%s_event_%d: expected null, got %v", c.Name, i+1, v.Time)
			}
		}
	}
}

func TestBuild_EmptyPopulation(t *testing.T) {
	store := NewMemoryStore()
	store.AddPatient(female(60))

	events := &recordingEvents{inner: store}
	rows, err := newTestBuilder(t, store, events).Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	if len(events.requested) != 0 {
		t.Error("events should not be read for an empty population")
	}
}

func TestBuild_SortedAndIdempotent(t *testing.T) {
	codelists := testCodelists()
	store := mustDummy(t, DummyOptions{PopulationSize: 200, Seed: 7, Reference: testRef}, codelists, testCategories)

	b, err := NewBuilder(store, store, codelists, Options{Categories: testCategories, Reference: testRef, Batches: 4}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBuilder() error: %v", err)
	}

	first, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	second, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	if len(first) == 0 {
		t.Fatal("expected some in-population rows")
	}
	if len(first) != len(second) {
		t.Fatalf("row counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if i > 0 && first[i-1].PatientID.String() >= first[i].PatientID.String() {
			t.Fatalf("rows not sorted at %d", i)
		}
		if first[i].PatientID != second[i].PatientID {
			t.Fatalf("row %d differs between builds", i)
		}
		for _, c := range testCategories {
			a, b := first[i].Events[c.Name], second[i].Events[c.Name]
			for k := range a {
				if a[k].Valid != b[k].Valid || !a[k].Time.Equal(b[k].Time) {
					t.Fatalf("row %d %s differs between builds", i, c.Name)
				}
			}
		}
	}
}

func TestEvaluatePatient_CategoriesIndependent(t *testing.T) {
	p := female(30)
	events := []ClinicalEvent{
		{PatientID: p.ID, SnomedCTCode: "PT1", Date: nd("2019-01-01")},
		{PatientID: p.ID, SnomedCTCode: "DS1", Date: nd("2019-06-01")},
	}
	both := EvaluatePatient(p, events, testCodelists(), testCategories, testRef)
	alone := EvaluatePatient(p, events, testCodelists(), testCategories[1:], testRef)

	if both.Events["dating_scan"] != alone.Events["dating_scan"] {
		t.Errorf("dating_scan should not depend on other categories: %v vs %v",
			both.Events["dating_scan"], alone.Events["dating_scan"])
	}
	if _, ok := alone.Events["pregnancy_test"]; ok {
		t.Error("unrequested category should be absent")
	}
}

func TestBuild_RepositoryErrors(t *testing.T) {
	boom := errors.New("boom")
	store := NewMemoryStore()
	store.AddPatient(female(30))

	_, err := newTestBuilder(t, failingPatients{err: boom}, store).Build(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected patient error to propagate, got %v", err)
	}

	_, err = newTestBuilder(t, store, &recordingEvents{inner: store, err: boom}).Build(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected event error to propagate, got %v", err)
	}
}

func TestBuild_CodelistLoadFailureStopsBuild(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pt.csv"), []byte("code\nPT1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"pregnancy_test": filepath.Join(dir, "pt.csv"),
		"dating_scan":    filepath.Join(dir, "missing.csv"),
	}

	set, err := codelist.NewLoader("code", zerolog.Nop()).Load(context.Background(), files)
	var loadErr *codelist.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *codelist.LoadError, got %v", err)
	}
	if loadErr.Category != "dating_scan" {
		t.Errorf("expected dating_scan in error, got %s", loadErr.Category)
	}

	store := NewMemoryStore()
	if _, err := NewBuilder(store, store, set, Options{Categories: testCategories, Reference: testRef}, zerolog.Nop()); err == nil {
		t.Error("no builder should be created without codelists")
	}
}
