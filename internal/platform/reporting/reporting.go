package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
)

// Columns returns the dataset header: patient_id, age, sex, then
// <category>_event_1..3 for each category in order.
func Columns(categories []codelist.Category) []string {
	cols := []string{"patient_id", "age", "sex"}
	for _, c := range categories {
		for i := 1; i <= cohort.EventsPerCategory; i++ {
			cols = append(cols, fmt.Sprintf("%s_event_%d", c.Name, i))
		}
	}
	return cols
}

// Record renders one row in Columns order. Null dates are empty cells.
func Record(row cohort.Row, categories []codelist.Category) []string {
	rec := make([]string, 0, 3+len(categories)*cohort.EventsPerCategory)
	rec = append(rec, row.PatientID.String(), strconv.Itoa(row.Age), row.Sex)
	for _, c := range categories {
		dates := row.Events[c.Name]
		for _, d := range dates {
			if d.Valid {
				rec = append(rec, d.Time.Format(cohort.DateLayout))
			} else {
				rec = append(rec, "")
			}
		}
	}
	return rec
}

// WriteCSV writes the header and every row.
func WriteCSV(w io.Writer, rows []cohort.Row, categories []codelist.Category) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(categories)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(Record(row, categories)); err != nil {
			return fmt.Errorf("write row %s: %w", row.PatientID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CategorySummary counts how many rows have each event slot populated.
type CategorySummary struct {
	Category string                        `json:"category"`
	Filled   [cohort.EventsPerCategory]int `json:"filled"`
}

// Summary describes a finished build.
type Summary struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Rows        int               `json:"rows"`
	Categories  []CategorySummary `json:"categories"`
}

func Summarize(rows []cohort.Row, categories []codelist.Category) Summary {
	s := Summary{
		GeneratedAt: time.Now(),
		Rows:        len(rows),
		Categories:  make([]CategorySummary, len(categories)),
	}
	for i, c := range categories {
		s.Categories[i].Category = c.Name
		for _, row := range rows {
			for k, d := range row.Events[c.Name] {
				if d.Valid {
					s.Categories[i].Filled[k]++
				}
			}
		}
	}
	return s
}

// Log emits one line per category.
func (s Summary) Log(logger zerolog.Logger) {
	for _, c := range s.Categories {
		logger.Info().
			Str("category", c.Category).
			Int("event_1", c.Filled[0]).
			Int("event_2", c.Filled[1]).
			Int("event_3", c.Filled[2]).
			Int("rows", s.Rows).
			Msg("category coverage")
	}
}
