package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"
)

var (
	PatientColumns = []string{"patient_id", "date_of_birth", "sex"}
	EventColumns   = []string{"patient_id", "snomedct_code", "date"}
)

// LoadCSV reads a patients file and a clinical events file into a
// MemoryStore.
func LoadCSV(patientsPath, eventsPath string) (*MemoryStore, error) {
	store := NewMemoryStore()

	if err := readCSVFile(patientsPath, PatientColumns, func(rec map[string]string) error {
		p, err := parsePatient(rec)
		if err != nil {
			return err
		}
		store.AddPatient(p)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read patients %s: %w", patientsPath, err)
	}

	if err := readCSVFile(eventsPath, EventColumns, func(rec map[string]string) error {
		e, err := parseEvent(rec)
		if err != nil {
			return err
		}
		store.AddEvent(e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read clinical events %s: %w", eventsPath, err)
	}

	return store, nil
}

func readCSVFile(path string, required []string, fn func(rec map[string]string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return readCSV(f, required, fn)
}

// readCSV calls fn with each data row keyed by the required header names.
func readCSV(r io.Reader, required []string, fn func(rec map[string]string) error) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return fmt.Errorf("missing column %q", col)
		}
	}

	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line++

		rec := make(map[string]string, len(required))
		for _, col := range required {
			rec[col] = strings.TrimSpace(record[index[col]])
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func parsePatient(rec map[string]string) (*Patient, error) {
	id, err := uuid.Parse(rec["patient_id"])
	if err != nil {
		return nil, fmt.Errorf("invalid patient_id %q: %w", rec["patient_id"], err)
	}
	dob, err := ParseDate(rec["date_of_birth"])
	if err != nil {
		return nil, fmt.Errorf("invalid date_of_birth %q: %w", rec["date_of_birth"], err)
	}
	return &Patient{ID: id, DateOfBirth: dob, Sex: rec["sex"]}, nil
}

func parseEvent(rec map[string]string) (ClinicalEvent, error) {
	id, err := uuid.Parse(rec["patient_id"])
	if err != nil {
		return ClinicalEvent{}, fmt.Errorf("invalid patient_id %q: %w", rec["patient_id"], err)
	}
	e := ClinicalEvent{PatientID: id, SnomedCTCode: rec["snomedct_code"]}
	if rec["date"] != "" {
		d, err := ParseDate(rec["date"])
		if err != nil {
			return ClinicalEvent{}, fmt.Errorf("invalid date %q: %w", rec["date"], err)
		}
		e.Date = null.TimeFrom(d)
	}
	return e, nil
}

// WriteCSV writes the store as a patients file and a clinical events file,
// the layout LoadCSV reads.
func (s *MemoryStore) WriteCSV(patients, events io.Writer) error {
	pw := csv.NewWriter(patients)
	ew := csv.NewWriter(events)

	if err := pw.Write(PatientColumns); err != nil {
		return err
	}
	if err := ew.Write(EventColumns); err != nil {
		return err
	}

	err := s.each(func(p *Patient, evs []ClinicalEvent) error {
		if err := pw.Write([]string{p.ID.String(), p.DateOfBirth.Format(DateLayout), p.Sex}); err != nil {
			return err
		}
		for _, e := range evs {
			date := ""
			if e.Date.Valid {
				date = e.Date.Time.Format(DateLayout)
			}
			if err := ew.Write([]string{e.PatientID.String(), e.SnomedCTCode, date}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	pw.Flush()
	ew.Flush()
	if err := pw.Error(); err != nil {
		return err
	}
	return ew.Error()
}
