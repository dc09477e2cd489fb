package observability

import (
	"sort"
	"sync"
	"time"
)

// FilterStats counts which table columns the row browser filters on. It
// feeds the index advisor on the table page.
type FilterStats struct {
	mu     sync.RWMutex
	byKey  map[filterKey]*FilterUsage
	window time.Duration
	now    func() time.Time
}

type filterKey struct {
	database string
	table    string
	column   string
}

// FilterUsage holds the counters of one filtered column.
type FilterUsage struct {
	Database  string    `json:"database"`
	Table     string    `json:"table"`
	Column    string    `json:"column"`
	Frequency int64     `json:"frequency"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewFilterStats creates a tracker. Entries idle for longer than window are
// dropped by Prune.
func NewFilterStats(window time.Duration) *FilterStats {
	if window <= 0 {
		window = time.Hour
	}
	return &FilterStats{
		byKey:  make(map[filterKey]*FilterUsage),
		window: window,
		now:    time.Now,
	}
}

// RecordFilter counts one filtered listing. Safe for concurrent use.
func (s *FilterStats) RecordFilter(database, table, column string) {
	if column == "" {
		return
	}
	k := filterKey{database, table, column}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byKey[k]
	if !ok {
		u = &FilterUsage{Database: database, Table: table, Column: column}
		s.byKey[k] = u
	}
	u.Frequency++
	u.LastSeen = s.now()
}

// Top returns up to n entries for one table, most frequent first. Ties are
// broken by column name.
func (s *FilterStats) Top(database, table string, n int) []FilterUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return []FilterUsage{}
	}
	out := make([]FilterUsage, 0)
	for k, u := range s.byKey {
		if k.database == database && k.table == table {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Column < out[j].Column
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Forget drops every entry of a database, e.g. after it is deleted.
func (s *FilterStats) Forget(database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.byKey {
		if k.database == database {
			delete(s.byKey, k)
		}
	}
}

// Prune removes entries not seen within the window.
func (s *FilterStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for k, u := range s.byKey {
		if u.LastSeen.Before(threshold) {
			delete(s.byKey, k)
		}
	}
}

// Len returns the number of tracked columns.
func (s *FilterStats) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}
