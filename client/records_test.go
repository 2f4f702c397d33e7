package client

import (
	"testing"
	"time"

	"github.com/sableworks/exportstream/types"
)

func TestRecordRoundTrip(t *testing.T) {
	store, err := NewRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRecordStore failed: %v", err)
	}

	rec := types.ClientExportRecord{
		ExportId:      "e1",
		ExportKind:    "user",
		Status:        types.StatusProcessing,
		TotalRows:     1000,
		ProcessedRows: 400,
		Percentage:    40,
		StartTime:     time.Now(),
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, ok := store.Load("e1")
	if !ok {
		t.Fatal("Expected record to load")
	}
	if loaded.ProcessedRows != 400 || loaded.ExportKind != "user" {
		t.Errorf("Loaded record mismatch: %+v", loaded)
	}

	if list := store.List(); len(list) != 1 {
		t.Errorf("Expected one listed record, got %d", len(list))
	}

	store.Delete("e1")
	if _, ok := store.Load("e1"); ok {
		t.Error("Record should be gone after Delete")
	}
}

func TestLoadMissingRecord(t *testing.T) {
	store, err := NewRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRecordStore failed: %v", err)
	}
	if _, ok := store.Load("ghost"); ok {
		t.Error("Missing record should not load")
	}
}
