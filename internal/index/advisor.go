package index

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/observability"
	"github.com/cachedb/cachedb/pkg/types"
)

// Advice names a field that queries keep filtering on without an index
// to narrow the scan.
type Advice struct {
	Collection string
	Field      string
	Frequency  int64
	Operators  map[string]int
}

// Advisor turns filter statistics into index suggestions. Indexes are
// declared in schemas, so the advisor only reports; creating an index is
// a schema change with a version bump.
type Advisor struct {
	stats     *observability.QueryStats
	threshold int64
	logger    zerolog.Logger

	mu      sync.Mutex
	leading map[string]map[string]bool // collection -> fields leading some index
	last    map[string]bool            // advice already logged, by collection.field
}

// NewAdvisor creates an advisor over stats for the given schemas. A
// threshold of 0 disables it.
func NewAdvisor(stats *observability.QueryStats, threshold int64, logger zerolog.Logger, schemas ...*types.Schema) *Advisor {
	a := &Advisor{
		stats:     stats,
		threshold: threshold,
		logger:    logger.With().Str("component", "index.advisor").Logger(),
		leading:   make(map[string]map[string]bool),
		last:      make(map[string]bool),
	}
	for _, s := range schemas {
		fields := make(map[string]bool)
		for _, def := range s.Indexes {
			if len(def.Fields) > 0 {
				fields[def.Fields[0]] = true
			}
		}
		a.leading[s.Name] = fields
	}
	return a
}

// Evaluate returns the fields filtered at least threshold times that no
// index leads with, most frequent first.
func (a *Advisor) Evaluate() []Advice {
	if a == nil || a.threshold <= 0 || a.stats == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Advice
	for _, s := range a.stats.UnindexedHotFields(a.threshold) {
		if a.leading[s.Collection][s.Field] {
			continue
		}
		out = append(out, Advice{
			Collection: s.Collection,
			Field:      s.Field,
			Frequency:  s.Frequency,
			Operators:  s.Operators,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	return out
}

// Report evaluates and logs advice that was not logged before.
func (a *Advisor) Report() []Advice {
	advice := a.Evaluate()
	if len(advice) == 0 {
		return advice
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, adv := range advice {
		key := adv.Collection + "." + adv.Field
		if a.last[key] {
			continue
		}
		a.last[key] = true
		a.logger.Info().
			Str("collection", adv.Collection).
			Str("field", adv.Field).
			Int64("frequency", adv.Frequency).
			Msg("frequently filtered field has no index")
	}
	return advice
}
