package cohort

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"
)

// Sex values as recorded in the patients table.
const (
	SexFemale   = "female"
	SexMale     = "male"
	SexIntersex = "intersex"
	SexUnknown  = "unknown"
)

// EventsPerCategory is the number of occurrences extracted per category.
const EventsPerCategory = 3

// Patient maps to the patients table.
type Patient struct {
	ID          uuid.UUID `db:"patient_id" json:"patient_id"`
	DateOfBirth time.Time `db:"date_of_birth" json:"date_of_birth"`
	Sex         string    `db:"sex" json:"sex"`
}

// AgeOn returns the patient's age in whole years on date.
func (p *Patient) AgeOn(date time.Time) int {
	return yearsBetween(p.DateOfBirth, date)
}

// ClinicalEvent maps to the clinical_events table. Events are read-only
// source facts.
type ClinicalEvent struct {
	PatientID    uuid.UUID `db:"patient_id" json:"patient_id"`
	SnomedCTCode string    `db:"snomedct_code" json:"snomedct_code"`
	Date         null.Time `db:"date" json:"date"`
}

// EventDates holds the first three distinct-day occurrences of one
// category. Unset entries are null.
type EventDates [EventsPerCategory]null.Time

// Row is one output row for an in-population patient.
type Row struct {
	PatientID uuid.UUID
	Age       int
	Sex       string
	Events    map[string]EventDates
}
