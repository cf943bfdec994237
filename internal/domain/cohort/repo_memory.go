package cohort

import (
	"context"

	"github.com/google/uuid"
)

// MemoryStore holds patients and events in memory. It backs the CSV and
// dummy sources.
type MemoryStore struct {
	patients []*Patient
	events   map[uuid.UUID][]ClinicalEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID][]ClinicalEvent)}
}

func (s *MemoryStore) AddPatient(p *Patient) {
	s.patients = append(s.patients, p)
}

func (s *MemoryStore) AddEvent(e ClinicalEvent) {
	s.events[e.PatientID] = append(s.events[e.PatientID], e)
}

// List implements PatientRepository.
func (s *MemoryStore) List(_ context.Context) ([]*Patient, error) {
	out := make([]*Patient, len(s.patients))
	copy(out, s.patients)
	return out, nil
}

// ListByPatients implements EventRepository.
func (s *MemoryStore) ListByPatients(_ context.Context, patientIDs []uuid.UUID) (map[uuid.UUID][]ClinicalEvent, error) {
	out := make(map[uuid.UUID][]ClinicalEvent, len(patientIDs))
	for _, id := range patientIDs {
		if evs, ok := s.events[id]; ok {
			out[id] = evs
		}
	}
	return out, nil
}

// EventCount returns the number of stored events.
func (s *MemoryStore) EventCount() int {
	n := 0
	for _, evs := range s.events {
		n += len(evs)
	}
	return n
}

// each visits every patient followed by that patient's events, in insertion
// order.
func (s *MemoryStore) each(fn func(p *Patient, events []ClinicalEvent) error) error {
	for _, p := range s.patients {
		if err := fn(p, s.events[p.ID]); err != nil {
			return err
		}
	}
	return nil
}
