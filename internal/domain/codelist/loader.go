package codelist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Loader reads codelist CSV files.
type Loader struct {
	column string
	logger zerolog.Logger
}

// NewLoader creates a loader that takes codes from the named column.
func NewLoader(column string, logger zerolog.Logger) *Loader {
	return &Loader{
		column: column,
		logger: logger.With().Str("component", "codelist-loader").Logger(),
	}
}

// Load reads every category in files (category name -> path) concurrently.
// The first failure cancels the rest and is returned as a *LoadError; no
// partial Set is ever returned.
func (l *Loader) Load(ctx context.Context, files map[string]string) (Set, error) {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	set := make(Set, len(files))

	for category, path := range files {
		category, path := category, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cl, err := l.LoadFile(category, path)
			if err != nil {
				return err
			}
			mu.Lock()
			set[category] = cl
			mu.Unlock()
			l.logger.Info().
				Str("category", category).
				Str("path", path).
				Int("codes", cl.Len()).
				Msg("codelist loaded")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadFile reads a single codelist. Errors are always *LoadError.
func (l *Loader) LoadFile(category, path string) (*Codelist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Category: category, Path: path, Err: err}
	}
	defer f.Close()

	codes, err := ReadCodes(f, l.column)
	if err != nil {
		return nil, &LoadError{Category: category, Path: path, Err: err}
	}
	if len(codes) == 0 {
		return nil, &LoadError{Category: category, Path: path, Err: ErrEmptyCodelist}
	}

	return New(category, path, codes), nil
}

// ReadCodes reads a CSV with a header row and returns the trimmed, non-blank
// values of column in file order.
func ReadCodes(r io.Reader, column string) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %q (file is empty)", ErrMissingColumn, column)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := -1
	for i, h := range header {
		// Spreadsheet exports sometimes carry a UTF-8 BOM on the first cell.
		h = strings.TrimPrefix(h, "\uFEFF")
		if strings.TrimSpace(h) == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMissingColumn, column)
	}

	var codes []string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if idx >= len(record) {
			continue
		}
		code := strings.TrimSpace(record[idx])
		if code == "" {
			continue
		}
		codes = append(codes, code)
	}

	return codes, nil
}
