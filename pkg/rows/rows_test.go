package rows

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const sampleCSV = `name,amount,state
John Smith,500,NC
,,
Acme Corp,1200,TX
Jane Doe,75,VA
`

func drain(t *testing.T, s Source) []Row {
	t.Helper()
	var out []Row
	for {
		row, err := s.Next(context.Background())
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, row)
	}
}

func TestCSVSource_HeaderMapping(t *testing.T) {
	src, err := NewCSVSource([]byte(sampleCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := drain(t, src)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Values["name"] != "John Smith" || rows[0].Values["amount"] != "500" {
		t.Fatalf("unexpected first row: %v", rows[0].Values)
	}
	if rows[0].Index != 0 {
		t.Fatalf("expected first index 0, got %d", rows[0].Index)
	}
}

func TestCSVSource_EmptyRowsConsumeIndices(t *testing.T) {
	src, err := NewCSVSource([]byte(sampleCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := drain(t, src)
	// the blank line sits at index 1, so the remaining rows shift past it
	if rows[1].Index != 2 || rows[1].Values["name"] != "Acme Corp" {
		t.Fatalf("unexpected second row: index=%d values=%v", rows[1].Index, rows[1].Values)
	}
	if rows[2].Index != 3 || rows[2].Values["name"] != "Jane Doe" {
		t.Fatalf("unexpected third row: index=%d values=%v", rows[2].Index, rows[2].Values)
	}
}

func TestCSVSource_StartAtResumes(t *testing.T) {
	src, err := NewCSVSource([]byte(sampleCSV))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.StartAt(3)

	rows := drain(t, src)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after resume, got %d", len(rows))
	}
	if rows[0].Index != 3 || rows[0].Values["name"] != "Jane Doe" {
		t.Fatalf("unexpected resumed row: index=%d values=%v", rows[0].Index, rows[0].Values)
	}
}

func TestCSVSource_NoHeader(t *testing.T) {
	if _, err := NewCSVSource(nil); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil checkpoint for missing file, got %+v", loaded)
	}

	if err := (Checkpoint{RowIndex: 42}).Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err = LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded == nil || loaded.RowIndex != 42 {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}
}

func TestIOFileLoader_CachesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	loader := NewIOFileLoader()
	first, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(first) != sampleCSV {
		t.Fatalf("unexpected content: %q", first)
	}

	// second read is served from cache even if the file disappears
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove fixture: %v", err)
	}
	second, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error on cached read: %v", err)
	}
	if string(second) != sampleCSV {
		t.Fatalf("unexpected cached content: %q", second)
	}
}
