package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sqlitecult/sqlitecult/internal/conn"
	"github.com/sqlitecult/sqlitecult/internal/observability"
	"github.com/sqlitecult/sqlitecult/pkg/types"
)

// IndexSuggestion is an unindexed column that is filtered on often.
type IndexSuggestion struct {
	Column    string `json:"column"`
	Frequency int64  `json:"frequency"`
	IndexName string `json:"index_name"`
	SQL       string `json:"sql"`
}

// AdvisorMetrics holds advisor counters.
type AdvisorMetrics struct {
	Calls            int64
	CacheHits        int64
	SuggestionsGiven int64
}

type adviceEntry struct {
	suggestions []IndexSuggestion
	until       time.Time
}

// IndexAdvisor turns filter usage into CREATE INDEX suggestions.
type IndexAdvisor struct {
	stats          *observability.FilterStats
	threshold      int64
	maxSuggestions int
	cacheTTL       time.Duration
	logger         logrus.FieldLogger

	mu      sync.Mutex
	cache   map[string]adviceEntry
	metrics AdvisorMetrics
	now     func() time.Time
}

// NewIndexAdvisor creates an advisor. threshold is the minimum number of
// filtered listings before a column is suggested.
func NewIndexAdvisor(stats *observability.FilterStats, threshold int64, maxSuggestions int, logger logrus.FieldLogger) *IndexAdvisor {
	if threshold <= 0 {
		threshold = 20
	}
	if maxSuggestions <= 0 {
		maxSuggestions = 3
	}
	return &IndexAdvisor{
		stats:          stats,
		threshold:      threshold,
		maxSuggestions: maxSuggestions,
		cacheTTL:       time.Minute,
		logger:         logger,
		cache:          make(map[string]adviceEntry),
		now:            time.Now,
	}
}

// Suggest returns index suggestions for a table. Results are cached per
// table for a minute and Invalidate clears them after DDL. Stale filter
// usage is pruned on every cache miss.
func (a *IndexAdvisor) Suggest(ctx context.Context, h *conn.Handle, table string) ([]IndexSuggestion, error) {
	key := cacheKey(h.Name(), table)

	a.mu.Lock()
	a.metrics.Calls++
	if e, ok := a.cache[key]; ok && a.now().Before(e.until) {
		a.metrics.CacheHits++
		a.mu.Unlock()
		return e.suggestions, nil
	}
	a.mu.Unlock()

	ts, err := h.DescribeTable(ctx, table)
	if err != nil {
		return nil, err
	}

	a.stats.Prune()
	var out []IndexSuggestion
	for _, u := range a.stats.Top(h.Name(), table, a.maxSuggestions*2) {
		if len(out) >= a.maxSuggestions {
			break
		}
		if u.Frequency < a.threshold || !ts.HasColumn(u.Column) || leadsIndex(ts, u.Column) {
			continue
		}
		name := DefaultIndexName(table, []string{u.Column})
		out = append(out, IndexSuggestion{
			Column:    u.Column,
			Frequency: u.Frequency,
			IndexName: name,
			SQL: fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
				conn.QuoteIdent(name), conn.QuoteIdent(table), conn.QuoteIdent(u.Column)),
		})
	}

	a.mu.Lock()
	a.cache[key] = adviceEntry{suggestions: out, until: a.now().Add(a.cacheTTL)}
	a.metrics.SuggestionsGiven += int64(len(out))
	a.mu.Unlock()

	if len(out) > 0 {
		a.logger.WithField("table", table).WithField("suggestions", len(out)).Debug("index suggestions computed")
	}
	return out, nil
}

// leadsIndex reports whether column is already usable for equality lookups:
// it is the first column of an index or the rowid alias.
func leadsIndex(ts *types.TableSchema, column string) bool {
	for _, idx := range ts.Indexes {
		if len(idx.Columns) > 0 && strings.EqualFold(idx.Columns[0], column) {
			return true
		}
	}
	pks := 0
	var pk *types.ColumnDef
	for i := range ts.Columns {
		if ts.Columns[i].IsPrimaryKey() {
			pks++
			pk = &ts.Columns[i]
		}
	}
	return pks == 1 && strings.EqualFold(pk.Name, column) && strings.EqualFold(pk.Type, "INTEGER")
}

// Invalidate drops cached suggestions for a table.
func (a *IndexAdvisor) Invalidate(database, table string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, cacheKey(database, table))
}

// Metrics returns a copy of the advisor counters.
func (a *IndexAdvisor) Metrics() AdvisorMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

// Threshold returns the suggestion threshold.
func (a *IndexAdvisor) Threshold() int64 {
	return a.threshold
}

func cacheKey(database, table string) string {
	return database + "\x00" + table
}
