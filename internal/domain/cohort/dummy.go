package cohort

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/domain/codelist"
)

// DefaultDummyPopulationSize is the synthetic population size used when
// none is configured.
const DefaultDummyPopulationSize = 100

// UnrelatedCode is given to dummy events that belong to no category.
const UnrelatedCode = "0000000"

const (
	dummyMaxAge              = 90
	dummyMaxEventsPerCat     = 5
	dummyEventWindowDays     = 3 * 365
	dummySameDayPercent      = 15
	dummyUndatedPercent      = 2
	dummyUnrelatedPerPatient = 3
)

// DummyOptions configures the synthetic population.
type DummyOptions struct {
	PopulationSize int
	Seed           int64
	Reference      time.Time
}

// GenerateDummy builds a deterministic synthetic population. Event codes
// are drawn from the loaded codelists so that every category is populated
// for some patients; same-day repeats within a category and undated events
// are mixed in.
func GenerateDummy(opts DummyOptions, codelists codelist.Set, categories []codelist.Category) (*MemoryStore, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	store := NewMemoryStore()
	ref := toDate(opts.Reference)

	codes := make([][]string, len(categories))
	for i, c := range categories {
		if cl, ok := codelists[c.Name]; ok && cl != nil {
			codes[i] = cl.Codes()
		}
	}

	for n := 0; n < opts.PopulationSize; n++ {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return nil, fmt.Errorf("generate patient id: %w", err)
		}
		age := rng.Intn(dummyMaxAge)
		p := &Patient{
			ID:          id,
			DateOfBirth: ref.AddDate(-age, 0, -rng.Intn(365)),
			Sex:         dummySex(rng),
		}
		store.AddPatient(p)

		var events []ClinicalEvent
		for i := range categories {
			if len(codes[i]) == 0 {
				continue
			}
			var lastDated null.Time
			count := rng.Intn(dummyMaxEventsPerCat + 1)
			for k := 0; k < count; k++ {
				e := ClinicalEvent{
					PatientID:    id,
					SnomedCTCode: codes[i][rng.Intn(len(codes[i]))],
				}
				switch {
				case rng.Intn(100) < dummyUndatedPercent:
					// undated
				case lastDated.Valid && rng.Intn(100) < dummySameDayPercent:
					e.Date = lastDated
				default:
					e.Date = null.TimeFrom(ref.AddDate(0, 0, -rng.Intn(dummyEventWindowDays)))
					lastDated = e.Date
				}
				events = append(events, e)
			}
		}
		for k := rng.Intn(dummyUnrelatedPerPatient + 1); k > 0; k-- {
			events = append(events, ClinicalEvent{
				PatientID:    id,
				SnomedCTCode: UnrelatedCode,
				Date:         null.TimeFrom(ref.AddDate(0, 0, -rng.Intn(dummyEventWindowDays))),
			})
		}

		// Source order is not date order
		rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
		for _, e := range events {
			store.AddEvent(e)
		}
	}

	return store, nil
}

func dummySex(rng *rand.Rand) string {
	switch r := rng.Intn(100); {
	case r < 60:
		return SexFemale
	case r < 95:
		return SexMale
	case r < 97:
		return SexIntersex
	default:
		return SexUnknown
	}
}
