package rows

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/civigraph/ledger/internal/util"
)

// CSVSource streams rows from CSV content. The first record is the header
// and maps column names to values. Data rows are indexed from 0 in file
// order; fully empty records are skipped but still consume an index so
// positions stay stable.
type CSVSource struct {
	reader  *csv.Reader
	header  []string
	next    int64
	startAt int64
}

// NewCSVSource parses the header and prepares a row stream over the given
// CSV bytes.
func NewCSVSource(content []byte) (*CSVSource, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv content has no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	return &CSVSource{
		reader: reader,
		header: header,
	}, nil
}

// NewCSVSourceFromLoader loads path through the given FileLoader and
// builds a CSVSource over the bytes.
func NewCSVSourceFromLoader(ctx context.Context, loader FileLoader, path string) (*CSVSource, error) {
	content, err := loader.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewCSVSource(content)
}

// Header returns the column names from the header row.
func (s *CSVSource) Header() []string {
	return s.header
}

// StartAt skips rows with an index below rowIndex, for checkpoint resume.
// Must be called before the first Next.
func (s *CSVSource) StartAt(rowIndex int64) {
	s.startAt = rowIndex
}

func (s *CSVSource) Next(ctx context.Context) (Row, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Row{}, err
		}

		record, err := s.reader.Read()
		if err == io.EOF {
			return Row{}, io.EOF
		}
		if err != nil {
			return Row{}, fmt.Errorf("read csv row %d: %w", s.next, err)
		}

		index := s.next
		s.next++

		if index < s.startAt {
			continue
		}
		if recordIsEmpty(record) {
			continue
		}

		values := make(map[string]string, len(s.header))
		for i, col := range s.header {
			if col == "" {
				continue
			}
			if i < len(record) {
				// cell values end up in Postgres jsonb, strip NUL bytes
				values[col] = util.SanitizePostgresText(strings.TrimSpace(record[i]))
			} else {
				values[col] = ""
			}
		}
		return Row{Index: index, Values: values}, nil
	}
}

func recordIsEmpty(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
