package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sableworks/exportstream/types"
)

// launchRecorder is a StartFunc that records every launch and lets tests
// wait for asynchronous promotions.
type launchRecorder struct {
	mu       sync.Mutex
	launched []string
	notify   chan string
	fail     bool
}

func newLaunchRecorder() *launchRecorder {
	return &launchRecorder{notify: make(chan string, 16)}
}

func (l *launchRecorder) start(entry types.QueueEntry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return "", errors.New("start failed")
	}
	l.launched = append(l.launched, entry.ExportKind)
	l.notify <- entry.ExportKind
	return "export-" + entry.ExportKind, nil
}

func (l *launchRecorder) waitForLaunch(t *testing.T, kind string) {
	t.Helper()
	select {
	case got := <-l.notify:
		if got != kind {
			t.Fatalf("Expected %s to launch, got %s", kind, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s to launch", kind)
	}
}

func TestSubmitStartsIdleKind(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, false, rec.start)

	exportId, started, err := c.Submit(types.ExportRequest{ExportKind: "user"})
	if err != nil || !started {
		t.Fatalf("Submit should start immediately: id=%q started=%v err=%v", exportId, started, err)
	}
	if exportId != "export-user" {
		t.Errorf("Unexpected exportId %q", exportId)
	}
	if kinds := c.ActiveKinds(); len(kinds) != 1 || kinds[0] != "user" {
		t.Errorf("Active kinds: %v", kinds)
	}
}

func TestSubmitRejectsActiveKind(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, false, rec.start)

	if _, _, err := c.Submit(types.ExportRequest{ExportKind: "user"}); err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	if _, _, err := c.Submit(types.ExportRequest{ExportKind: "user"}); !errors.Is(err, ErrExportActive) {
		t.Errorf("Expected ErrExportActive, got %v", err)
	}
}

// TestBypassStartsDifferentKind checks that with bypass on, a different idle
// kind runs alongside an active one instead of queueing behind it.
func TestBypassStartsDifferentKind(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, true, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	_, started, err := c.Submit(types.ExportRequest{ExportKind: "role"})
	if err != nil || !started {
		t.Fatalf("Bypass submit should start: started=%v err=%v", started, err)
	}
	if len(c.ActiveKinds()) != 2 {
		t.Errorf("Expected two active kinds, got %v", c.ActiveKinds())
	}
}

func TestQueueWithoutBypass(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, false, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	_, started, err := c.Submit(types.ExportRequest{ExportKind: "role"})
	if err != nil || started {
		t.Fatalf("Submit should queue: started=%v err=%v", started, err)
	}
	if pending := c.Pending(); len(pending) != 1 || pending[0].ExportKind != "role" {
		t.Fatalf("Unexpected pending queue: %+v", pending)
	}
}

// TestQueuedEntryReplaced checks that re-submitting a queued kind replaces
// the stale entry in place rather than stacking a duplicate.
func TestQueuedEntryReplaced(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, false, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	c.Submit(types.ExportRequest{ExportKind: "role", SearchText: "old"})
	c.Submit(types.ExportRequest{ExportKind: "role", SearchText: "new"})

	pending := c.Pending()
	if len(pending) != 1 {
		t.Fatalf("Expected one queued entry, got %d", len(pending))
	}
	if pending[0].Request.SearchText != "new" {
		t.Errorf("Queued entry not replaced: %+v", pending[0].Request)
	}
}

func TestQueueCapacity(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 1, false, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	c.Submit(types.ExportRequest{ExportKind: "role"})
	if _, _, err := c.Submit(types.ExportRequest{ExportKind: "group"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
}

// TestPromoteOnTerminal checks that finishing the active export launches the
// next queued entry.
func TestPromoteOnTerminal(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, false, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	rec.waitForLaunch(t, "user")
	c.Submit(types.ExportRequest{ExportKind: "role"})

	c.OnExportTerminal("user")
	rec.waitForLaunch(t, "role")

	if pending := c.Pending(); len(pending) != 0 {
		t.Errorf("Queue should be drained, got %+v", pending)
	}
	if kinds := c.ActiveKinds(); len(kinds) != 1 || kinds[0] != "role" {
		t.Errorf("Active kinds after promotion: %v", kinds)
	}
}

// TestPromoteSkipsActiveKind checks that promotion skips a queued entry whose
// kind re-activated through a race and keeps it queued.
func TestPromoteSkipsActiveKind(t *testing.T) {
	rec := newLaunchRecorder()
	c := NewCoordinator(nil, 10, true, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	rec.waitForLaunch(t, "user")
	c.Submit(types.ExportRequest{ExportKind: "role"})
	rec.waitForLaunch(t, "role")

	// Queue an entry for the still-running role kind by hand, then finish
	// the user export. Promotion must skip role and leave it queued.
	c.mu.Lock()
	c.pending = append(c.pending, types.QueueEntry{ExportKind: "role"})
	c.mu.Unlock()

	c.OnExportTerminal("user")
	time.Sleep(100 * time.Millisecond)

	if pending := c.Pending(); len(pending) != 1 || pending[0].ExportKind != "role" {
		t.Errorf("Queued entry for active kind should stay queued, got %+v", pending)
	}
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	store, err := NewRecordStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRecordStore failed: %v", err)
	}
	rec := newLaunchRecorder()
	c := NewCoordinator(store, 10, false, rec.start)

	c.Submit(types.ExportRequest{ExportKind: "user"})
	c.Submit(types.ExportRequest{ExportKind: "role"})

	restarted := NewCoordinator(store, 10, false, rec.start)
	if pending := restarted.Pending(); len(pending) != 1 || pending[0].ExportKind != "role" {
		t.Errorf("Queue did not survive restart: %+v", pending)
	}
}
