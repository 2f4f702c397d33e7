package strategy

import (
	"errors"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no strategy is registered for a kind.
var ErrUnknownKind = errors.New("unknown export kind")

// Query carries the row-selection inputs of one export. Filters is an opaque
// field=value map, SelectionIds an optional explicit allowlist, SearchText a
// free-text match. Interpretation is up to the strategy.
type Query struct {
	Filters      map[string]string
	SelectionIds []string
	SearchText   string
}

// Row is one result record as produced by a cursor. The producer never looks
// inside a row; only the owning strategy can format it.
type Row any

// Cursor iterates rows in a stable order so that skip-ahead resumption
// returns a consistent continuation.
type Cursor interface {
	// Next returns the next row, or ok=false when the cursor is exhausted.
	Next() (row Row, ok bool, err error)
	Close() error
}

// Strategy is the per-kind boundary between the streaming pipeline and the
// business entities being exported. Implementations must keep Count and
// OpenCursor consistent: both evaluate the same filtered, stably ordered
// result definition.
type Strategy interface {
	Kind() string
	// Count returns the number of matching rows without materializing them.
	Count(q Query) (int, error)
	// OpenCursor returns a cursor positioned offset rows into the result.
	OpenCursor(q Query, offset int) (Cursor, error)
	HeaderLine() string
	FormatRow(row Row) string
	FilenamePrefix() string
	IsPermitted(userId string) bool
}

// Registry is the lookup table from export kind to strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy under its kind, replacing any previous one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Kind()] = s
}

// Lookup returns the strategy for kind, or ErrUnknownKind.
func (r *Registry) Lookup(kind string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return s, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
