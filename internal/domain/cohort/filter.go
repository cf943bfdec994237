package cohort

import (
	"sort"
	"time"
)

// Codes is the membership test the category filter needs from a codelist.
type Codes interface {
	Has(code string) bool
}

// EventSequence is one patient's qualifying event dates for a category,
// ascending. Same-day events are all kept.
type EventSequence []time.Time

// FilterEvents keeps the events whose code is in codes and returns their
// dates in ascending order. Ties keep source order. Events without a date
// cannot be ordered and are dropped.
func FilterEvents(events []ClinicalEvent, codes Codes) EventSequence {
	var seq EventSequence
	for _, e := range events {
		if !e.Date.Valid {
			continue
		}
		if codes.Has(e.SnomedCTCode) {
			seq = append(seq, e.Date.Time)
		}
	}

	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].Before(seq[j])
	})
	return seq
}
