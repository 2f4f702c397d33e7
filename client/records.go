package client

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

// RecordStore persists client export metadata and the pending queue to a
// local directory, so progress and queued work survive a process restart.
// The accumulated file body is never written here.
type RecordStore struct {
	mu  sync.Mutex
	dir string
}

func NewRecordStore(dir string) (*RecordStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &RecordStore{dir: dir}, nil
}

func (r *RecordStore) recordPath(exportId string) string {
	return filepath.Join(r.dir, "export_"+exportId+".json")
}

func (r *RecordStore) Save(rec types.ClientExportRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(r.recordPath(rec.ExportId), data, 0o644)
}

func (r *RecordStore) Load(exportId string) (types.ClientExportRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.recordPath(exportId))
	if err != nil {
		return types.ClientExportRecord{}, false
	}
	var rec types.ClientExportRecord
	if err := sonic.Unmarshal(data, &rec); err != nil {
		tool.DefaultLogger.Warnf("[Records] Corrupt record %s, dropping: %v", exportId, err)
		_ = os.Remove(r.recordPath(exportId))
		return types.ClientExportRecord{}, false
	}
	return rec, true
}

func (r *RecordStore) Delete(exportId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = os.Remove(r.recordPath(exportId))
}

// List returns all persisted records, skipping unreadable files.
func (r *RecordStore) List() []types.ClientExportRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var records []types.ClientExportRecord
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "export_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			continue
		}
		var rec types.ClientExportRecord
		if err := sonic.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (r *RecordStore) queuePath() string {
	return filepath.Join(r.dir, "queue.json")
}

// SaveQueue persists the pending queue entries.
func (r *RecordStore) SaveQueue(entries []types.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := sonic.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(r.queuePath(), data, 0o644)
}

// LoadQueue returns the persisted queue, or nil when absent or unreadable.
func (r *RecordStore) LoadQueue() []types.QueueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.queuePath())
	if err != nil {
		return nil
	}
	var entries []types.QueueEntry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		tool.DefaultLogger.Warnf("[Records] Corrupt queue file, dropping: %v", err)
		_ = os.Remove(r.queuePath())
		return nil
	}
	return entries
}
