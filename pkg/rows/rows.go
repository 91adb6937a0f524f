// Package rows provides ordered row sources for tabular ingestion. A
// source yields rows with stable indices so an aborted run can resume
// from a checkpoint.
package rows

import (
	"context"
	"encoding/json"
	"os"
)

// Row is one tabular record. Index is the stable position of the row in
// its source and doubles as the ingestion watermark.
type Row struct {
	Index  int64
	Values map[string]string
}

// Source is an ordered stream of rows. Next returns io.EOF when the
// source is exhausted. Indices must be stable across re-reads of the same
// source so checkpoints stay meaningful.
type Source interface {
	Next(ctx context.Context) (Row, error)
}

// Checkpoint records the last fully processed row index.
type Checkpoint struct {
	RowIndex int64 `json:"row_index"`
}

// LoadCheckpoint reads a checkpoint file. A missing file returns nil with
// no error, meaning the run starts from the beginning.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the checkpoint to path, replacing any previous value.
func (c Checkpoint) Save(path string) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
