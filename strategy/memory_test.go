package strategy

import (
	"fmt"
	"strings"
	"testing"
)

func buildRecords(n int) []MemoryRecord {
	records := make([]MemoryRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, MemoryRecord{
			ID: fmt.Sprintf("rec-%04d", i),
			Fields: map[string]string{
				"name":   fmt.Sprintf("Record %d", i),
				"status": []string{"active", "inactive"}[i%2],
			},
		})
	}
	return records
}

// TestCountMatchesCursor verifies that Count and a full cursor walk agree on
// the same filtered result.
func TestCountMatchesCursor(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name", "status"}, buildRecords(100), nil)
	q := Query{Filters: map[string]string{"status": "active"}}

	count, err := s.Count(q)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 50 {
		t.Errorf("Expected 50 matching rows, got %d", count)
	}

	cursor, err := s.OpenCursor(q, 0)
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cursor.Close()

	walked := 0
	for {
		_, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		walked++
	}
	if walked != count {
		t.Errorf("Cursor walked %d rows, Count said %d", walked, count)
	}
}

// TestCursorOffsetContinuation verifies that a cursor opened at offset k
// yields exactly the rows a zero-offset cursor yields after k rows.
func TestCursorOffsetContinuation(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name", "status"}, buildRecords(200), nil)
	q := Query{Filters: map[string]string{"status": "active"}}

	full, err := s.OpenCursor(q, 0)
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer full.Close()
	var allRows []string
	for {
		row, ok, err := full.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		allRows = append(allRows, s.FormatRow(row))
	}

	offset := 37
	resumed, err := s.OpenCursor(q, offset)
	if err != nil {
		t.Fatalf("OpenCursor at offset failed: %v", err)
	}
	defer resumed.Close()
	i := offset
	for {
		row, ok, err := resumed.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		if i >= len(allRows) {
			t.Fatalf("Resumed cursor yielded more rows than the full walk")
		}
		if got := s.FormatRow(row); got != allRows[i] {
			t.Errorf("Row %d mismatch: got %q, want %q", i, got, allRows[i])
		}
		i++
	}
	if i != len(allRows) {
		t.Errorf("Resumed cursor ended at row %d, want %d", i, len(allRows))
	}
}

func TestNegativeOffsetRejected(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name"}, buildRecords(10), nil)
	if _, err := s.OpenCursor(Query{}, -1); err == nil {
		t.Error("Expected error for negative offset")
	}
}

func TestSelectionIdsRestrictRows(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name", "status"}, buildRecords(20), nil)
	q := Query{SelectionIds: []string{"rec-0003", "rec-0007", "rec-9999"}}

	count, err := s.Count(q)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 selected rows, got %d", count)
	}
}

func TestSearchTextMatchesSubstring(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name", "status"}, buildRecords(20), nil)

	count, err := s.Count(Query{SearchText: "record 1"})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	// "Record 1" plus "Record 10".."Record 19"
	if count != 11 {
		t.Errorf("Expected 11 search hits, got %d", count)
	}
}

func TestFormatRowEscapesCSV(t *testing.T) {
	records := []MemoryRecord{
		{ID: "r1", Fields: map[string]string{"name": `Say "hi", friend`}},
	}
	s := NewMemoryStrategy("test", []string{"name"}, records, nil)

	row := s.FormatRow(records[0])
	want := `r1,"Say ""hi"", friend"`
	if row != want {
		t.Errorf("Escaped row mismatch: got %q, want %q", row, want)
	}
	if !strings.HasPrefix(s.HeaderLine(), "id,") {
		t.Errorf("Header should lead with the id column, got %q", s.HeaderLine())
	}
}

func TestPermissionCallback(t *testing.T) {
	s := NewMemoryStrategy("test", []string{"name"}, buildRecords(5), func(userId string) bool {
		return userId == "admin"
	})
	if !s.IsPermitted("admin") {
		t.Error("admin should be permitted")
	}
	if s.IsPermitted("guest") {
		t.Error("guest should not be permitted")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMemoryStrategy("user", []string{"name"}, nil, nil))
	r.Register(NewMemoryStrategy("role", []string{"name"}, nil, nil))

	if _, err := r.Lookup("user"); err != nil {
		t.Errorf("Lookup of registered kind failed: %v", err)
	}
	if _, err := r.Lookup("ghost"); err != ErrUnknownKind {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "role" || kinds[1] != "user" {
		t.Errorf("Kinds should be sorted, got %v", kinds)
	}
}
