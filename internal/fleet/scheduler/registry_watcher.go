package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// PeerLister reads registry records.
type PeerLister interface {
	List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error)
}

// RegistryWatcher polls the registry and calls onChange when the desired
// peer set differs from the previous poll. It sees changes written by any
// process sharing the registry backend.
type RegistryWatcher struct {
	registry PeerLister
	interval time.Duration
	onChange func()
	logger   *logger.Logger

	mu     sync.Mutex
	last   []nodesync.DesiredPeer
	primed bool
}

// NewRegistryWatcher creates a watcher. An interval of zero or less selects 10s.
func NewRegistryWatcher(reg PeerLister, interval time.Duration, onChange func(), log *logger.Logger) *RegistryWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RegistryWatcher{
		registry: reg,
		interval: interval,
		onChange: onChange,
		logger:   logger.OrNop(log).WithComponent("scheduler.watcher"),
	}
}

// Poll reads the registry once and reports whether the desired peer set
// changed. The first successful poll only records the baseline. A failed
// read leaves the baseline untouched.
func (w *RegistryWatcher) Poll(ctx context.Context) (bool, error) {
	records, err := w.registry.List(ctx, peer.Filter{Status: peer.StatusActive})
	if err != nil {
		return false, err
	}
	desired := nodesync.DesiredFromRecords(records)

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := w.primed && !slices.Equal(w.last, desired)
	w.last, w.primed = desired, true
	return changed, nil
}

// Run polls until ctx is canceled, calling onChange after each poll that saw
// a change. The baseline is taken before the first tick.
func (w *RegistryWatcher) Run(ctx context.Context) {
	if _, err := w.Poll(ctx); err != nil {
		w.logger.WarnCtx(ctx, "initial registry poll failed", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := w.Poll(ctx)
			if err != nil {
				w.logger.WarnCtx(ctx, "registry poll failed", err)
				continue
			}
			if changed {
				w.logger.Debug("registry change detected", slog.Duration("interval", w.interval))
				w.onChange()
			}
		}
	}
}
