package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gookit/event"

	"github.com/chiquitav2/wgfleet/internal/fleet/coordinator"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Bus wraps the gookit event manager for fleet events. Listeners run
// synchronously on the publishing goroutine.
type Bus struct {
	bus    *event.Manager
	logger *logger.Logger
	now    func() time.Time
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		bus:    event.NewManager("wgfleet"),
		logger: logger.OrNop(log).WithComponent("events"),
		now:    time.Now,
	}
}

// PublishPeerProvisioned publishes a peer provisioned event
func (b *Bus) PublishPeerProvisioned(rec *peer.Record) error {
	payload := PeerProvisionedEvent{
		UserID:     rec.UserID,
		Generation: rec.Generation,
		PublicKey:  rec.PublicKey,
		Address:    rec.Address.String(),
		Timestamp:  b.now(),
	}

	b.logger.Debug("publishing peer provisioned event",
		slog.String("user_id", rec.UserID),
		slog.Int("generation", rec.Generation))

	return b.fire(EventPeerProvisioned, payload)
}

// PublishPeerRevoked publishes a peer revoked event
func (b *Bus) PublishPeerRevoked(rec *peer.Record) error {
	payload := PeerRevokedEvent{
		UserID:     rec.UserID,
		Generation: rec.Generation,
		PublicKey:  rec.PublicKey,
		Address:    rec.Address.String(),
		Timestamp:  b.now(),
	}
	if rec.RevokedAt != nil {
		payload.RevokedAt = *rec.RevokedAt
	}

	b.logger.Debug("publishing peer revoked event",
		slog.String("user_id", rec.UserID),
		slog.Int("generation", rec.Generation))

	return b.fire(EventPeerRevoked, payload)
}

// PublishFleetSynced publishes a fleet synced event
func (b *Bus) PublishFleetSynced(report *coordinator.Report) error {
	payload := FleetSyncedEvent{
		RunID:     report.RunID,
		Status:    string(report.Status),
		Outcomes:  report.Counts(),
		Timestamp: b.now(),
	}
	for _, n := range report.Failed() {
		payload.Failed = append(payload.Failed, n.NodeID)
	}

	b.logger.Debug("publishing fleet synced event",
		slog.String("run_id", report.RunID),
		slog.String("status", payload.Status))

	return b.fire(EventFleetSynced, payload)
}

func (b *Bus) fire(name string, payload any) error {
	err, _ := b.bus.Fire(name, event.M{"payload": payload})
	if err != nil {
		b.logger.Error("failed to publish event",
			slog.String("event", name),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to publish %s event: %w", name, err)
	}
	return nil
}

// SubscribeToPeerChanges subscribes to both provisioned and revoked events
func (b *Bus) SubscribeToPeerChanges(listener event.Listener) {
	b.bus.On(EventPeerProvisioned, listener, event.Normal)
	b.bus.On(EventPeerRevoked, listener, event.Normal)
	b.logger.Debug("subscribed to peer change events")
}

// SubscribeToFleetSynced subscribes to fleet synced events
func (b *Bus) SubscribeToFleetSynced(listener event.Listener) {
	b.bus.On(EventFleetSynced, listener, event.Normal)
	b.logger.Debug("subscribed to fleet synced events")
}

// Close removes every listener.
func (b *Bus) Close() error {
	b.logger.Debug("closing event bus")
	b.bus.Clear()
	return nil
}
