// Package maintenance runs periodic engine maintenance and snapshots in
// the background.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/index"
	"github.com/cachedb/cachedb/internal/snapshot"
)

// Target is the database the daemon maintains.
type Target interface {
	Names() []string
	Maintain(ctx context.Context) ([]index.Advice, error)
}

// Stats counts what the daemon has done since it was created.
type Stats struct {
	MaintenanceRuns int64 `json:"maintenance_runs"`
	Snapshots       int64 `json:"snapshots"`
	Failures        int64 `json:"failures"`
}

// Daemon runs engine maintenance every Interval and, when a snapshot
// manager is set and SnapshotInterval is positive, exports every
// collection every SnapshotInterval.
type Daemon struct {
	cfg       config.MaintenanceConfig
	target    Target
	snapshots *snapshot.Manager
	logger    zerolog.Logger

	runs     atomic.Int64
	exported atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a daemon. snapshots may be nil.
func NewDaemon(cfg config.MaintenanceConfig, target Target, snapshots *snapshot.Manager, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:       cfg,
		target:    target,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "maintenance").Logger(),
	}
}

// Start begins the maintenance loop. It runs until the context is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("maintenance: daemon is already running")
	}
	if d.cfg.Interval <= 0 {
		return fmt.Errorf("maintenance: interval must be positive, got %v", d.cfg.Interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})

	go d.run(ctx)
	d.logger.Info().
		Dur("interval", d.cfg.Interval).
		Dur("snapshot_interval", d.cfg.SnapshotInterval).
		Msg("maintenance daemon started")
	return nil
}

// Stop stops the loop and waits for a running cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	d.logger.Info().Msg("maintenance daemon stopped")
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	// A nil channel never fires, which leaves snapshots disabled.
	var snapshotTick <-chan time.Time
	if d.snapshots != nil && d.cfg.SnapshotInterval > 0 {
		st := time.NewTicker(d.cfg.SnapshotInterval)
		defer st.Stop()
		snapshotTick = st.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		case <-snapshotTick:
			d.SnapshotOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance cycle.
func (d *Daemon) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	advice, err := d.target.Maintain(ctx)
	if err != nil {
		d.failures.Add(1)
		d.logger.Error().Err(err).Msg("maintenance failed")
		return
	}
	d.runs.Add(1)
	d.logger.Debug().
		Dur("took", time.Since(start)).
		Int("index_advice", len(advice)).
		Msg("maintenance completed")
}

// SnapshotOnce exports every collection and prunes old snapshots down to
// SnapshotKeep per collection.
func (d *Daemon) SnapshotOnce(ctx context.Context) {
	if d.snapshots == nil || ctx.Err() != nil {
		return
	}
	infos, err := d.snapshots.ExportAll(ctx)
	if err != nil {
		d.failures.Add(1)
		d.logger.Error().Err(err).Msg("snapshot failed")
		return
	}
	d.exported.Add(int64(len(infos)))

	for _, name := range d.target.Names() {
		if _, err := d.snapshots.Prune(ctx, name, d.cfg.SnapshotKeep); err != nil {
			d.failures.Add(1)
			d.logger.Warn().Err(err).Str("collection", name).Msg("snapshot prune failed")
		}
	}
}

// Stats returns the daemon counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		MaintenanceRuns: d.runs.Load(),
		Snapshots:       d.exported.Load(),
		Failures:        d.failures.Load(),
	}
}
