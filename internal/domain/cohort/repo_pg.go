package cohort

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `patient_id, date_of_birth, sex`

func (r *patientRepoPG) List(ctx context.Context) ([]*Patient, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY patient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.DateOfBirth, &p.Sex); err != nil {
			return nil, err
		}
		p.DateOfBirth = toDate(p.DateOfBirth)
		items = append(items, &p)
	}
	return items, rows.Err()
}

// =========== Clinical Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

const eventCols = `patient_id, snomedct_code, date`

func (r *eventRepoPG) ListByPatients(ctx context.Context, patientIDs []uuid.UUID) (map[uuid.UUID][]ClinicalEvent, error) {
	ids := make([]string, len(patientIDs))
	for i, id := range patientIDs {
		ids[i] = id.String()
	}

	// event_id keeps insertion order, so same-day events stay in source order
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+eventCols+` FROM clinical_events WHERE patient_id = ANY($1::uuid[]) ORDER BY patient_id, event_id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]ClinicalEvent, len(patientIDs))
	for rows.Next() {
		var e ClinicalEvent
		var date *time.Time
		if err := rows.Scan(&e.PatientID, &e.SnomedCTCode, &date); err != nil {
			return nil, err
		}
		if date != nil {
			e.Date = null.TimeFrom(toDate(*date))
		}
		out[e.PatientID] = append(out[e.PatientID], e)
	}
	return out, rows.Err()
}

// CopyStore bulk-loads a MemoryStore into the patients and clinical_events
// tables of schema in one transaction.
func CopyStore(ctx context.Context, pool *pgxpool.Pool, schema string, store *MemoryStore) (patients, events int64, err error) {
	if !db.ValidSchema(schema) {
		return 0, 0, fmt.Errorf("invalid schema identifier: %q", schema)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return 0, 0, fmt.Errorf("set search_path: %w", err)
	}

	patientRows, eventRows, err := copyRows(store)
	if err != nil {
		return 0, 0, err
	}

	patients, err = tx.CopyFrom(ctx, pgx.Identifier{"patients"},
		[]string{"patient_id", "date_of_birth", "sex"}, pgx.CopyFromRows(patientRows))
	if err != nil {
		return 0, 0, fmt.Errorf("copy patients: %w", err)
	}

	events, err = tx.CopyFrom(ctx, pgx.Identifier{"clinical_events"},
		[]string{"patient_id", "snomedct_code", "date"}, pgx.CopyFromRows(eventRows))
	if err != nil {
		return 0, 0, fmt.Errorf("copy clinical events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return patients, events, nil
}

// copyRows flattens store into CopyFrom rows for patients and
// clinical_events, in insertion order.
func copyRows(store *MemoryStore) (patients, events [][]interface{}, err error) {
	err = store.each(func(p *Patient, evs []ClinicalEvent) error {
		patients = append(patients, []interface{}{p.ID, p.DateOfBirth, p.Sex})
		for _, e := range evs {
			events = append(events, []interface{}{e.PatientID, e.SnomedCTCode, e.Date.Ptr()})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("collect rows: %w", err)
	}
	return patients, events, nil
}
