package client

import (
	"errors"
	"sync"
	"time"

	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

var (
	ErrExportActive = errors.New("an export of this kind is already in progress")
	ErrQueueFull    = errors.New("export queue is full")
)

// StartFunc launches one export and returns its exportId. The coordinator
// calls it with the kind already marked active; the caller must report the
// terminal transition back through OnExportTerminal.
type StartFunc func(entry types.QueueEntry) (string, error)

// Coordinator serializes exports per kind. A second request for an already
// running kind is rejected, a request for a kind that is merely queued
// replaces the queued entry, and a request for an idle kind either starts
// immediately (bypass) or waits its turn depending on configuration.
// The pending queue is persisted so it survives a restart.
type Coordinator struct {
	mu       sync.Mutex
	store    *RecordStore
	capacity int
	// bypass lets a different idle kind start while another kind is running.
	// With bypass off, everything behind the first running export queues.
	bypass bool
	start  StartFunc

	active  map[string]string
	pending []types.QueueEntry
}

func NewCoordinator(store *RecordStore, capacity int, bypass bool, start StartFunc) *Coordinator {
	if capacity <= 0 {
		capacity = 10
	}
	c := &Coordinator{
		store:    store,
		capacity: capacity,
		bypass:   bypass,
		start:    start,
		active:   make(map[string]string),
	}
	if store != nil {
		c.pending = store.LoadQueue()
	}
	return c
}

// Submit routes one export request. It returns the exportId and true when
// the export started immediately, or "" and false when it was queued.
func (c *Coordinator) Submit(req types.ExportRequest) (string, bool, error) {
	c.mu.Lock()
	if _, running := c.active[req.ExportKind]; running {
		c.mu.Unlock()
		return "", false, ErrExportActive
	}

	entry := types.QueueEntry{
		ExportKind: req.ExportKind,
		Request:    req,
		EnqueuedAt: time.Now(),
	}

	// A queued entry of the same kind is replaced in place rather than
	// stacked, so stale filter choices never run after the fresh ones.
	for i := range c.pending {
		if c.pending[i].ExportKind == req.ExportKind {
			c.pending[i] = entry
			c.persistQueueLocked()
			c.mu.Unlock()
			return "", false, nil
		}
	}

	if len(c.active) == 0 || c.bypass {
		c.active[req.ExportKind] = ""
		c.mu.Unlock()
		return c.launch(entry)
	}

	if len(c.pending) >= c.capacity {
		c.mu.Unlock()
		return "", false, ErrQueueFull
	}
	c.pending = append(c.pending, entry)
	c.persistQueueLocked()
	c.mu.Unlock()
	tool.DefaultLogger.Infof("[Queue] Queued %s export behind %d pending", req.ExportKind, len(c.pending)-1)
	return "", false, nil
}

// OnExportTerminal releases the kind's active slot and promotes the next
// eligible pending entry. Entries whose kind raced into the active set are
// skipped this round and stay queued.
func (c *Coordinator) OnExportTerminal(exportKind string) {
	c.mu.Lock()
	delete(c.active, exportKind)

	var next *types.QueueEntry
	for i := range c.pending {
		if _, running := c.active[c.pending[i].ExportKind]; running {
			continue
		}
		entry := c.pending[i]
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		c.persistQueueLocked()
		c.active[entry.ExportKind] = ""
		next = &entry
		break
	}
	c.mu.Unlock()

	if next != nil {
		go func(entry types.QueueEntry) {
			if _, _, err := c.launch(entry); err != nil {
				tool.DefaultLogger.Warnf("[Queue] Promoted %s export failed to start: %v", entry.ExportKind, err)
			}
		}(*next)
	}
}

func (c *Coordinator) launch(entry types.QueueEntry) (string, bool, error) {
	exportId, err := c.start(entry)
	c.mu.Lock()
	if err != nil {
		delete(c.active, entry.ExportKind)
		c.mu.Unlock()
		// The slot just freed up; something may be waiting on it.
		c.OnExportTerminal("")
		return "", false, err
	}
	c.active[entry.ExportKind] = exportId
	c.mu.Unlock()
	return exportId, true, nil
}

// Pending returns a snapshot of the queued entries in order.
func (c *Coordinator) Pending() []types.QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.QueueEntry, len(c.pending))
	copy(out, c.pending)
	return out
}

// ActiveKinds returns the kinds currently holding a slot.
func (c *Coordinator) ActiveKinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, 0, len(c.active))
	for kind := range c.active {
		kinds = append(kinds, kind)
	}
	return kinds
}

// DrainStartup re-launches persisted queue entries after a restart when no
// export is running.
func (c *Coordinator) DrainStartup() {
	c.OnExportTerminal("")
}

func (c *Coordinator) persistQueueLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.SaveQueue(c.pending); err != nil {
		tool.DefaultLogger.Warnf("[Queue] Could not persist queue: %v", err)
	}
}
