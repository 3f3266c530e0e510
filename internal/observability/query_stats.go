// Package observability provides logging and query statistics for spotting
// filter fields that deserve an index.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks how often each collection field is used in filters and
// whether an index already served it.
type QueryStats struct {
	mu        sync.RWMutex
	fieldFreq map[string]*FieldStats
	window    time.Duration
	now       func() time.Time
}

// FieldStats holds statistics for one collection field.
type FieldStats struct {
	Collection string
	Field      string
	Frequency  int64
	Indexed    int64 // queries where a where clause on an index covered the field
	LastSeen   time.Time
	Operators  map[string]int // operator → count (e.g., "equalTo" → 5, "between" → 2)
}

// NewQueryStats creates a new query statistics tracker.
// window: time duration for pruning old entries (e.g., 1 hour)
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		fieldFreq: make(map[string]*FieldStats),
		window:    window,
		now:       time.Now,
	}
}

// RecordFilter records a filter predicate evaluated against a field.
// This method is O(1) and thread-safe.
func (q *QueryStats) RecordFilter(collection, field, operator string) {
	q.record(collection, field, operator, false)
}

// RecordIndexed records a where clause that an index answered.
func (q *QueryStats) RecordIndexed(collection, field, operator string) {
	q.record(collection, field, operator, true)
}

func (q *QueryStats) record(collection, field, operator string, indexed bool) {
	if q == nil {
		return
	}
	key := collection + "." + field

	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.fieldFreq[key]
	if !exists {
		stats = &FieldStats{
			Collection: collection,
			Field:      field,
			Operators:  make(map[string]int),
		}
		q.fieldFreq[key] = stats
	}

	stats.Frequency++
	if indexed {
		stats.Indexed++
	}
	stats.LastSeen = q.now()
	stats.Operators[operator]++
}

// GetTopFields returns the top N fields by frequency.
// Returns a copy of the stats sorted by frequency (descending).
func (q *QueryStats) GetTopFields(n int) []FieldStats {
	if q == nil {
		return []FieldStats{}
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.fieldFreq) == 0 {
		return []FieldStats{}
	}

	stats := make([]FieldStats, 0, len(q.fieldFreq))
	for _, s := range q.fieldFreq {
		cp := *s
		cp.Operators = make(map[string]int, len(s.Operators))
		for op, count := range s.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Collection+"."+stats[i].Field < stats[j].Collection+"."+stats[j].Field
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// UnindexedHotFields returns fields filtered at least minFrequency times
// that no index ever served, most frequent first.
func (q *QueryStats) UnindexedHotFields(minFrequency int64) []FieldStats {
	all := q.GetTopFields(int(^uint(0) >> 1))
	out := make([]FieldStats, 0)
	for _, s := range all {
		if s.Frequency >= minFrequency && s.Indexed == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Prune removes entries where time.Since(LastSeen) > window.
// This should be called periodically (e.g., by the maintenance daemon).
func (q *QueryStats) Prune() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for key, stats := range q.fieldFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.fieldFreq, key)
		}
	}
}
