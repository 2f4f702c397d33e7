package strategy

import (
	"fmt"
	"sort"
	"strings"
)

// MemoryRecord is one row of an in-memory dataset. Fields are matched against
// Query.Filters by exact equality and against SearchText by substring.
type MemoryRecord struct {
	ID     string
	Fields map[string]string
}

// MemoryStrategy exports an in-memory dataset. It is the reference strategy
// implementation: rows are ordered by record ID, so counting, skip-ahead and
// re-opened cursors all agree on row positions.
type MemoryStrategy struct {
	kind      string
	columns   []string
	prefix    string
	records   []MemoryRecord
	permitted func(userId string) bool
}

// NewMemoryStrategy builds a strategy for the given kind. columns defines
// both the header line and the per-row CSV field order (ID is always the
// first column). permitted may be nil, which allows every user.
func NewMemoryStrategy(kind string, columns []string, records []MemoryRecord, permitted func(userId string) bool) *MemoryStrategy {
	sorted := make([]MemoryRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return &MemoryStrategy{
		kind:      kind,
		columns:   columns,
		prefix:    kind + "_export",
		records:   sorted,
		permitted: permitted,
	}
}

func (s *MemoryStrategy) Kind() string { return s.kind }

func (s *MemoryStrategy) HeaderLine() string {
	return "id," + strings.Join(s.columns, ",")
}

func (s *MemoryStrategy) FilenamePrefix() string { return s.prefix }

func (s *MemoryStrategy) IsPermitted(userId string) bool {
	if s.permitted == nil {
		return true
	}
	return s.permitted(userId)
}

func (s *MemoryStrategy) FormatRow(row Row) string {
	rec, ok := row.(MemoryRecord)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(s.columns)+1)
	parts = append(parts, csvEscape(rec.ID))
	for _, col := range s.columns {
		parts = append(parts, csvEscape(rec.Fields[col]))
	}
	return strings.Join(parts, ",")
}

func (s *MemoryStrategy) matches(rec MemoryRecord, q Query) bool {
	if len(q.SelectionIds) > 0 {
		found := false
		for _, id := range q.SelectionIds {
			if id == rec.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for field, want := range q.Filters {
		if rec.Fields[field] != want {
			return false
		}
	}
	if q.SearchText != "" {
		needle := strings.ToLower(q.SearchText)
		hit := strings.Contains(strings.ToLower(rec.ID), needle)
		for _, v := range rec.Fields {
			if hit {
				break
			}
			hit = strings.Contains(strings.ToLower(v), needle)
		}
		if !hit {
			return false
		}
	}
	return true
}

func (s *MemoryStrategy) Count(q Query) (int, error) {
	n := 0
	for _, rec := range s.records {
		if s.matches(rec, q) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStrategy) OpenCursor(q Query, offset int) (Cursor, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative cursor offset: %d", offset)
	}
	return &memoryCursor{strategy: s, query: q, skip: offset}, nil
}

// memoryCursor walks the ordered record slice, skipping non-matching rows and
// the first skip matching rows. It never copies the dataset, so seeking is
// O(matched rows) and memory stays flat regardless of result size.
type memoryCursor struct {
	strategy *MemoryStrategy
	query    Query
	pos      int
	skip     int
	closed   bool
}

func (c *memoryCursor) Next() (Row, bool, error) {
	if c.closed {
		return nil, false, fmt.Errorf("cursor already closed")
	}
	for c.pos < len(c.strategy.records) {
		rec := c.strategy.records[c.pos]
		c.pos++
		if !c.strategy.matches(rec, c.query) {
			continue
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		return rec, true, nil
	}
	return nil, false, nil
}

func (c *memoryCursor) Close() error {
	c.closed = true
	return nil
}

func csvEscape(v string) string {
	if strings.ContainsAny(v, ",\"\n") {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return v
}
