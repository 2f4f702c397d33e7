package models

import (
	"testing"
	"time"

	"github.com/sableworks/exportstream/types"
)

func newTestStore() *SessionStore {
	return NewSessionStore(time.Minute)
}

func putTestSession(store *SessionStore) types.ExportSession {
	session := types.ExportSession{
		UserId:     "u1",
		ExportId:   "e1",
		ExportKind: "user",
		Status:     types.StatusStarting,
		TotalRows:  1000,
		CreatedAt:  time.Now(),
	}
	store.Put(session)
	return session
}

func TestPutAndGet(t *testing.T) {
	store := newTestStore()
	putTestSession(store)

	got, ok := store.Get("u1", "e1")
	if !ok {
		t.Fatal("Expected session to be present")
	}
	if got.TotalRows != 1000 {
		t.Errorf("TotalRows mismatch: got %d", got.TotalRows)
	}
	if _, ok := store.Get("u2", "e1"); ok {
		t.Error("Session should be scoped to its user")
	}
}

// TestProgressMonotonic verifies that a stale progress write never moves the
// processed count backward.
func TestProgressMonotonic(t *testing.T) {
	store := newTestStore()
	putTestSession(store)

	store.UpdateProgress("u1", "e1", 500, false)
	sess, ok := store.UpdateProgress("u1", "e1", 300, false)
	if !ok {
		t.Fatal("UpdateProgress failed")
	}
	if sess.ProcessedRows != 500 {
		t.Errorf("Processed rows regressed: got %d, want 500", sess.ProcessedRows)
	}
	if sess.Percentage != 50 {
		t.Errorf("Percentage mismatch: got %v, want 50", sess.Percentage)
	}
	if sess.Status != types.StatusProcessing {
		t.Errorf("Expected processing after first progress, got %s", sess.Status)
	}
}

// TestCancelSurvivesProgressWrite verifies the race that matters: a producer
// progress write landing after a control-plane cancel must not clear the
// cancelled status.
func TestCancelSurvivesProgressWrite(t *testing.T) {
	store := newTestStore()
	putTestSession(store)

	store.UpdateProgress("u1", "e1", 100, true)
	store.SetStatus("u1", "e1", types.StatusCancelled, "cancelled by user")

	sess, ok := store.UpdateProgress("u1", "e1", 200, false)
	if !ok {
		t.Fatal("UpdateProgress failed")
	}
	if sess.Status != types.StatusCancelled {
		t.Errorf("Progress write cleared cancellation: status is %s", sess.Status)
	}
	if sess.ProcessedRows != 200 {
		t.Errorf("Progress should still advance under cancellation, got %d", sess.ProcessedRows)
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	store := newTestStore()
	putTestSession(store)

	store.SetStatus("u1", "e1", types.StatusCancelled, "cancelled by user")
	if _, ok := store.SetStatus("u1", "e1", types.StatusProcessing, ""); ok {
		t.Error("Terminal status must not transition back to processing")
	}
	if _, ok := store.SetComplete("u1", "e1", "out.csv"); ok {
		t.Error("Cancelled session must not complete")
	}
	sess, _ := store.Get("u1", "e1")
	if sess.Status != types.StatusCancelled {
		t.Errorf("Status changed after terminal: %s", sess.Status)
	}
}

func TestSetComplete(t *testing.T) {
	store := newTestStore()
	putTestSession(store)
	store.UpdateProgress("u1", "e1", 1000, true)

	sess, ok := store.SetComplete("u1", "e1", "user_export.csv")
	if !ok {
		t.Fatal("SetComplete failed")
	}
	if sess.Status != types.StatusComplete || sess.FileName != "user_export.csv" {
		t.Errorf("Unexpected completed session: %+v", sess)
	}
	if _, ok := store.SetComplete("u1", "e1", "again.csv"); ok {
		t.Error("Second SetComplete should be refused")
	}
}

// TestBodyAppendTracksProgress verifies AppendBody keeps the retained copy
// and the stored row count in lockstep, so the copy always covers exactly
// the rows the session reports as processed.
func TestBodyAppendTracksProgress(t *testing.T) {
	store := newTestStore()
	putTestSession(store)

	if _, ok := store.GetFileBody("u1", "e1"); ok {
		t.Error("No body stored yet")
	}
	store.AppendBody("u1", "e1", []byte("id,name\n"), 0, true)
	sess, ok := store.AppendBody("u1", "e1", []byte("r1,A\nr2,B\n"), 2, false)
	if !ok {
		t.Fatal("AppendBody failed")
	}
	if sess.ProcessedRows != 2 || !sess.HeaderEmitted {
		t.Errorf("Session not advanced with body: %+v", sess)
	}
	body, ok := store.GetFileBody("u1", "e1")
	if !ok || string(body) != "id,name\nr1,A\nr2,B\n" {
		t.Errorf("Retained body mismatch: %q ok=%v", body, ok)
	}

	store.DeleteFileBody("u1", "e1")
	if _, ok := store.GetFileBody("u1", "e1"); ok {
		t.Error("Body should be gone after DeleteFileBody")
	}
	if _, ok := store.Get("u1", "e1"); !ok {
		t.Error("DeleteFileBody must keep the session")
	}

	store.AppendBody("u1", "e1", []byte("x\n"), 3, false)
	store.Delete("u1", "e1")
	if _, ok := store.Get("u1", "e1"); ok {
		t.Error("Session should be gone after Delete")
	}
	if _, ok := store.GetFileBody("u1", "e1"); ok {
		t.Error("Body should be gone after Delete")
	}
}
