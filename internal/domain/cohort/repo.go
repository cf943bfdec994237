package cohort

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	List(ctx context.Context) ([]*Patient, error)
}

type EventRepository interface {
	// ListByPatients returns the events of the given patients keyed by
	// patient ID, each patient's events in source order.
	ListByPatients(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID][]ClinicalEvent, error)
}
