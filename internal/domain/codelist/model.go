package codelist

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

var (
	ErrEmptyCodelist = errors.New("codelist contains no codes")
	ErrMissingColumn = errors.New("code column not found in header")
	ErrUnknown       = errors.New("no codelist loaded for category")
)

// Category names one group of clinical events and the file its codes are
// read from, relative to the codelist directory.
type Category struct {
	Name string
	File string
}

// PregnancyCategories lists the event categories extracted for every
// patient, in output column order.
var PregnancyCategories = []Category{
	{Name: "pregnancy_test", File: "A1_pregnancy_test.csv"},
	{Name: "booking_visit", File: "A2_booking_visit.csv"},
	{Name: "dating_scan", File: "A3_dating_scan.csv"},
	{Name: "antenatal_screening", File: "A4_antenatal_screening.csv"},
	{Name: "antenatal_risk", File: "A5_risk_assessment.csv"},
	{Name: "antenatal_procedures", File: "A6_antenatal_procedures.csv"},
	{Name: "pregnancy_conditions", File: "B1_live_birth.csv"},
	{Name: "pregnancy_complications", File: "C4_preeclampsia.csv"},
}

// Files resolves each category's file under dir.
func Files(dir string, categories []Category) map[string]string {
	files := make(map[string]string, len(categories))
	for _, c := range categories {
		files[c.Name] = filepath.Join(dir, c.File)
	}
	return files
}

// Codelist is a named set of clinical terminology codes.
type Codelist struct {
	Name  string
	Path  string
	codes map[string]struct{}
}

// New builds a codelist from codes. Duplicates collapse.
func New(name, path string, codes []string) *Codelist {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return &Codelist{Name: name, Path: path, codes: set}
}

// Has reports whether code is a member of the codelist.
func (c *Codelist) Has(code string) bool {
	_, ok := c.codes[code]
	return ok
}

func (c *Codelist) Len() int {
	return len(c.codes)
}

// Codes returns the members in lexical order.
func (c *Codelist) Codes() []string {
	out := make([]string, 0, len(c.codes))
	for code := range c.codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Set holds the loaded codelists keyed by category name. It is never
// mutated after loading and is safe for concurrent reads.
type Set map[string]*Codelist

// Get returns the codelist for category, or ErrUnknown.
func (s Set) Get(category string) (*Codelist, error) {
	c, ok := s[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, category)
	}
	return c, nil
}

// LoadError reports a codelist that could not be read or parsed. Any
// LoadError aborts the whole build.
type LoadError struct {
	Category string
	Path     string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load codelist %q from %s: %v", e.Category, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
