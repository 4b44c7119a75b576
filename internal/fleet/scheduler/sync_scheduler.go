// Package scheduler runs fleet syncs on a timer and after registry changes.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gookit/event"

	"github.com/chiquitav2/wgfleet/internal/fleet/coordinator"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// FleetSyncer runs one fleet sync.
type FleetSyncer interface {
	SyncAll(ctx context.Context) (*coordinator.Report, error)
}

// SyncScheduler handles periodic fleet syncs plus debounced syncs requested
// through Trigger.
type SyncScheduler struct {
	interval time.Duration
	debounce time.Duration
	syncer   FleetSyncer
	logger   *logger.Logger
	trigger  chan struct{}
}

// NewSyncScheduler creates a new sync scheduler.
func NewSyncScheduler(interval, debounce time.Duration, syncer FleetSyncer, log *logger.Logger) *SyncScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &SyncScheduler{
		interval: interval,
		debounce: debounce,
		syncer:   syncer,
		logger:   logger.OrNop(log).WithComponent("scheduler"),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a sync soon. Requests arriving within the debounce
// window collapse into one run. Never blocks.
func (s *SyncScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Listener returns an event listener that triggers a sync.
func (s *SyncScheduler) Listener() event.Listener {
	return event.ListenerFunc(func(e event.Event) error {
		s.logger.Debug("sync requested by event", slog.String("event", e.Name()))
		s.Trigger()
		return nil
	})
}

// Start runs an initial sync and then loops. Blocks until ctx is canceled.
func (s *SyncScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var debounce <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	s.logger.Info("sync scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("debounce", s.debounce))

	s.runSync(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.runSync(ctx, "interval")
		case <-s.trigger:
			if timer == nil {
				timer = time.NewTimer(s.debounce)
				debounce = timer.C
			}
		case <-debounce:
			timer, debounce = nil, nil
			s.runSync(ctx, "change")
			ticker.Reset(s.interval)
		}
	}
}

func (s *SyncScheduler) runSync(ctx context.Context, reason string) {
	s.logger.Debug("starting fleet sync", slog.String("reason", reason))

	report, err := s.syncer.SyncAll(ctx)
	if err != nil {
		s.logger.ErrorCtx(ctx, "fleet sync failed", err, slog.String("reason", reason))
		return
	}

	s.logger.Info("fleet sync completed",
		slog.String("reason", reason),
		slog.String("run_id", report.RunID),
		slog.String("status", string(report.Status)),
		slog.Int("nodes", len(report.Nodes)))
}
