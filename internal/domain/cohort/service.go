package cohort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/exascience/pargo/parallel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/domain/codelist"
)

var ErrMissingCodelist = errors.New("category has no codelist")

// Options configures a Builder.
type Options struct {
	Categories []codelist.Category
	Reference  time.Time
	// Batches is the number of parallel batches patients are split into.
	// 0 uses GOMAXPROCS.
	Batches int
}

// Builder turns source patients and events into output rows.
type Builder struct {
	patients  PatientRepository
	events    EventRepository
	codelists codelist.Set
	opts      Options
	logger    zerolog.Logger
}

// NewBuilder checks that every category has a non-empty codelist before
// any patient is read.
func NewBuilder(patients PatientRepository, events EventRepository, codelists codelist.Set, opts Options, logger zerolog.Logger) (*Builder, error) {
	if opts.Batches < 0 {
		return nil, fmt.Errorf("batches must be >= 0, got %d", opts.Batches)
	}
	for _, c := range opts.Categories {
		cl, ok := codelists[c.Name]
		if !ok || cl == nil || cl.Len() == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingCodelist, c.Name)
		}
	}
	return &Builder{
		patients:  patients,
		events:    events,
		codelists: codelists,
		opts:      opts,
		logger:    logger.With().Str("component", "cohort-builder").Logger(),
	}, nil
}

// Build returns one row per in-population patient, ordered by patient ID.
func (b *Builder) Build(ctx context.Context) ([]Row, error) {
	start := time.Now()

	patients, err := b.patients.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}

	var population []*Patient
	for _, p := range patients {
		if InPopulation(p, b.opts.Reference) {
			population = append(population, p)
		}
	}
	b.logger.Info().
		Int("patients", len(patients)).
		Int("population", len(population)).
		Time("reference_date", b.opts.Reference).
		Msg("population selected")

	if len(population) == 0 {
		return []Row{}, nil
	}

	ids := make([]uuid.UUID, len(population))
	for i, p := range population {
		ids[i] = p.ID
	}
	events, err := b.events.ListByPatients(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list clinical events: %w", err)
	}

	rows := make([]Row, len(population))
	parallel.Range(0, len(population), b.opts.Batches, func(low, high int) {
		for i := low; i < high; i++ {
			p := population[i]
			rows[i] = EvaluatePatient(p, events[p.ID], b.codelists, b.opts.Categories, b.opts.Reference)
		}
	})

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].PatientID.String() < rows[j].PatientID.String()
	})

	b.logger.Info().
		Int("rows", len(rows)).
		Dur("elapsed", time.Since(start)).
		Msg("dataset built")

	return rows, nil
}

// EvaluatePatient builds the output row for one patient. Categories are
// evaluated independently of each other.
func EvaluatePatient(p *Patient, events []ClinicalEvent, codelists codelist.Set, categories []codelist.Category, reference time.Time) Row {
	row := Row{
		PatientID: p.ID,
		Age:       p.AgeOn(reference),
		Sex:       p.Sex,
		Events:    make(map[string]EventDates, len(categories)),
	}
	for _, c := range categories {
		row.Events[c.Name] = ExtractChain(FilterEvents(events, codelists[c.Name]))
	}
	return row
}
