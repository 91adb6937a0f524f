package rows

import (
	"context"
	"fmt"
	"io"

	pgxv5 "github.com/jackc/pgx/v5"
)

type pgxQuerier interface {
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
}

const defaultPageSize = 1000

// QuerySource streams rows from a SQL query in fixed-size pages. The query
// must carry a deterministic ORDER BY so indices stay stable across runs.
type QuerySource struct {
	conn     pgxQuerier
	query    string
	pageSize int

	next    int64
	startAt int64
	buf     []Row
	done    bool
}

// NewQuerySource wraps the given query with LIMIT/OFFSET paging. Column
// names come from the result set; all values are rendered as strings.
func NewQuerySource(conn pgxQuerier, query string, pageSize int) *QuerySource {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &QuerySource{
		conn:     conn,
		query:    query,
		pageSize: pageSize,
	}
}

// StartAt skips rows with an index below rowIndex, for checkpoint resume.
// Must be called before the first Next.
func (s *QuerySource) StartAt(rowIndex int64) {
	s.startAt = rowIndex
	s.next = rowIndex
}

func (s *QuerySource) Next(ctx context.Context) (Row, error) {
	if len(s.buf) == 0 {
		if s.done {
			return Row{}, io.EOF
		}
		if err := s.fetchPage(ctx); err != nil {
			return Row{}, err
		}
		if len(s.buf) == 0 {
			s.done = true
			return Row{}, io.EOF
		}
	}

	row := s.buf[0]
	s.buf = s.buf[1:]
	return row, nil
}

func (s *QuerySource) fetchPage(ctx context.Context) error {
	paged := fmt.Sprintf("SELECT * FROM (%s) AS src LIMIT $1 OFFSET $2", s.query)
	rows, err := s.conn.Query(ctx, paged, s.pageSize, s.next)
	if err != nil {
		return fmt.Errorf("fetch page at row %d: %w", s.next, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		values := make(map[string]string, len(cols))
		for i, col := range cols {
			if vals[i] == nil {
				values[col] = ""
				continue
			}
			values[col] = fmt.Sprint(vals[i])
		}
		s.buf = append(s.buf, Row{Index: s.next, Values: values})
		s.next++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(s.buf) < s.pageSize {
		s.done = true
	}
	return nil
}
