// Package fleet wires the wgfleet components together from configuration.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gookit/event"

	"github.com/chiquitav2/wgfleet/internal/fleet/config"
	"github.com/chiquitav2/wgfleet/internal/fleet/coordinator"
	"github.com/chiquitav2/wgfleet/internal/fleet/events"
	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/inventory"
	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/nodechannel"
	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/remote/ssh"
	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/store"
	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	"github.com/chiquitav2/wgfleet/internal/fleet/pool"
	"github.com/chiquitav2/wgfleet/internal/fleet/provisioner"
	"github.com/chiquitav2/wgfleet/internal/fleet/registry"
	"github.com/chiquitav2/wgfleet/internal/fleet/scheduler"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// Service owns every component and their lifecycle.
type Service struct {
	config *config.Config
	logger *logger.Logger

	store       registry.Store
	registry    *registry.Registry
	pool        *pool.Pool
	provisioner *provisioner.Provisioner
	bus         *events.Bus
	inventory   inventory.Inventory
	cache       *node.StateCache
	breakers    *nodechannel.Breakers
	router      *nodechannel.Router
	coordinator *coordinator.Coordinator

	sshPool *ssh.Pool
	device  *nodechannel.DeviceChannel

	closeOnce sync.Once
}

// Components lets tests and embedders replace the outer collaborators.
// Nil fields are built from configuration.
type Components struct {
	Store     registry.Store
	Inventory inventory.Inventory
	Keys      provisioner.KeyGenerator
	Transport map[string]nodechannel.Transport
}

// NewService builds a service from cfg.
func NewService(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Service, error) {
	return NewServiceWith(ctx, cfg, log, Components{})
}

// NewServiceWith builds a service, taking any collaborators given in c.
func NewServiceWith(ctx context.Context, cfg *config.Config, log *logger.Logger, c Components) (*Service, error) {
	s := &Service{
		config: cfg,
		logger: logger.OrNop(log),
		cache:  node.NewStateCache(),
	}
	if err := s.initializeComponents(ctx, c); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}
	return s, nil
}

func (s *Service) initializeComponents(ctx context.Context, c Components) error {
	s.logger.Debug("initializing service components")

	// 1. Registry store and registry
	s.store = c.Store
	if s.store == nil {
		st, err := store.Open(store.Config{
			Backend: s.config.Registry.Backend,
			Path:    s.config.Registry.Path,
			Consul: store.ConsulConfig{
				Address:    s.config.Registry.Consul.Address,
				Token:      s.config.Registry.Consul.Token,
				Datacenter: s.config.Registry.Consul.Datacenter,
				Prefix:     s.config.Registry.Consul.Prefix,
			},
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to open registry store: %w", err)
		}
		s.store = st
	}
	s.registry = registry.New(s.store, registry.WithLogger(s.logger))

	// 2. Address pool, rebuilt from every record generation
	p, err := pool.New(pool.Config{
		Range:       s.config.Pool.EffectiveRange(),
		Reserved:    s.config.Pool.Reserved,
		GracePeriod: s.config.Pool.GracePeriod,
	}, pool.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to create address pool: %w", err)
	}
	records, err := s.registry.List(ctx, peer.Filter{})
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	p.Restore(records)
	s.pool = p

	// 3. Events and provisioner
	s.bus = events.NewBus(s.logger)
	keys := c.Keys
	if keys == nil {
		keys = crypto.NewGenerator()
	}
	s.provisioner = provisioner.New(s.registry, s.pool, keys, provisioner.BundleConfig{
		ServerPublicKey: s.config.Client.ServerPublicKey,
		Endpoint:        s.config.Client.Endpoint,
		DNS:             s.config.Client.DNS,
		AllowedIPs:      s.config.Client.AllowedIPs,
		Keepalive:       s.config.Client.Keepalive,
		MTU:             s.config.Client.MTU,
	}, s.bus, s.logger)

	// 4. Inventory
	s.inventory = c.Inventory
	if s.inventory == nil {
		inv, err := s.buildInventory()
		if err != nil {
			return err
		}
		s.inventory = inv
	}

	// 5. Node channels
	s.breakers = nodechannel.NewBreakers(nodechannel.CircuitBreakerConfig{
		FailureThreshold: s.config.CircuitBreaker.FailureThreshold,
		ResetTimeout:     s.config.CircuitBreaker.ResetTimeout,
	})
	s.router = nodechannel.NewRouter()
	if c.Transport != nil {
		for name, t := range c.Transport {
			s.router.Register(name, t)
		}
	} else if err := s.buildTransports(ctx); err != nil {
		return err
	}

	// 6. Synchronizer and coordinator
	strategy, err := nodesync.ParseStrategy(s.config.Sync.Strategy)
	if err != nil {
		return err
	}
	syncer := nodesync.New(s.router, strategy, nodesync.WithLogger(s.logger))
	s.coordinator = coordinator.New(s.registry, s.inventory, syncer, s.cache,
		coordinator.Config{
			Concurrency: s.config.Sync.Concurrency,
			NodeTimeout: s.config.Sync.NodeTimeout,
		},
		coordinator.WithPublisher(s.bus),
		coordinator.WithLogger(s.logger))

	s.logger.Info("service components initialized",
		slog.String("registry_backend", s.store.Backend()),
		slog.String("pool", s.pool.String()),
		slog.String("strategy", string(strategy)))
	return nil
}

func (s *Service) defaults() inventory.Defaults {
	return inventory.Defaults{
		Transport: node.TransportSSH,
		Port:      s.config.SSH.Port,
		User:      s.config.SSH.User,
		Interface: s.config.WireGuard.Interface,
	}
}

func (s *Service) buildInventory() (inventory.Inventory, error) {
	switch s.config.Inventory.Source {
	case config.InventoryHetzner:
		inv, err := inventory.NewHetzner(s.config.Inventory.Hetzner.APIToken,
			s.config.Inventory.Hetzner.LabelSelector, s.defaults(), s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create hetzner inventory: %w", err)
		}
		return inv, nil
	default:
		inv, err := inventory.NewStatic(s.config.Inventory.Nodes, s.defaults())
		if err != nil {
			return nil, fmt.Errorf("invalid node inventory: %w", err)
		}
		return inv, nil
	}
}

// buildTransports opens only the transports the inventory uses.
func (s *Service) buildTransports(ctx context.Context) error {
	needSSH := s.config.HasSSHNodes()
	needLocal := false

	var nodes []node.Node
	if s.config.Inventory.Source != config.InventoryHetzner {
		var err error
		if nodes, err = s.inventory.Nodes(ctx); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		switch n.Transport {
		case node.TransportSSH:
			needSSH = true
		case node.TransportLocal:
			needLocal = true
		}
	}

	if needSSH && s.config.SSH.PrivateKeyPath == "" {
		s.logger.Warn("ssh.private_key_path not set; ssh nodes cannot be synced")
		needSSH = false
	}

	if needSSH {
		sshCfg := ssh.Config{
			User:           s.config.SSH.User,
			Port:           s.config.SSH.Port,
			KnownHostsPath: s.config.SSH.KnownHostsPath,
			ConnectTimeout: s.config.SSH.ConnectTimeout,
			MaxIdle:        s.config.SSH.MaxIdle,
		}
		if err := sshCfg.LoadPrivateKey(s.config.SSH.PrivateKeyPath); err != nil {
			return err
		}
		sshPool, err := ssh.NewPool(sshCfg, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create ssh pool: %w", err)
		}
		s.sshPool = sshPool
		s.router.Register(node.TransportSSH, nodechannel.NewSSHChannel(sshPool, nodechannel.SSHChannelConfig{
			Interface:  s.config.WireGuard.Interface,
			Keepalive:  s.config.Sync.PeerKeepalive,
			Sudo:       s.config.SSH.Sudo,
			SaveConfig: s.config.SSH.SaveConfig,
		}, s.breakers, s.logger))
	}

	if needLocal {
		device, err := nodechannel.OpenDeviceChannel(s.config.WireGuard.Interface, s.config.Sync.PeerKeepalive, s.logger)
		if err != nil {
			return err
		}
		s.device = device
		s.router.Register(node.TransportLocal, device)
	}
	return nil
}

// Provision creates a peer for userID.
func (s *Service) Provision(ctx context.Context, userID string) (*provisioner.Result, error) {
	return s.provisioner.Provision(ctx, userID)
}

// Revoke revokes userID's active peer.
func (s *Service) Revoke(ctx context.Context, userID string) (*peer.Record, error) {
	return s.provisioner.Revoke(ctx, userID)
}

// Peers lists records matching filter.
func (s *Service) Peers(ctx context.Context, filter peer.Filter) ([]*peer.Record, error) {
	return s.registry.List(ctx, filter)
}

// PoolStats reports address pool occupancy.
func (s *Service) PoolStats() pool.Stats {
	return s.pool.Stats()
}

// SyncAll runs one fleet sync.
func (s *Service) SyncAll(ctx context.Context) (*coordinator.Report, error) {
	return s.coordinator.SyncAll(ctx)
}

// Nodes lists the inventory with cached node state.
func (s *Service) Nodes(ctx context.Context) ([]coordinator.NodeView, error) {
	return s.coordinator.Nodes(ctx)
}

// BreakerStats reports the per-host circuit breakers.
func (s *Service) BreakerStats() map[string]nodechannel.CircuitBreakerStats {
	return s.breakers.Stats()
}

// Events exposes the event bus.
func (s *Service) Events() *events.Bus {
	return s.bus
}

// Serve syncs on an interval and, when configured, shortly after the
// registry's desired peer set changes. Changes made through this service are
// picked up at once; changes made by other processes on the next poll.
// Blocks until ctx is canceled.
func (s *Service) Serve(ctx context.Context) error {
	sched := scheduler.NewSyncScheduler(s.config.Sync.Interval, s.config.Sync.Debounce, s.coordinator, s.logger)
	s.bus.SubscribeToFleetSynced(event.ListenerFunc(func(e event.Event) error {
		if r, ok := e.Get("payload").(events.FleetSyncedEvent); ok && len(r.Failed) > 0 {
			s.logger.Warn("nodes out of sync", slog.Any("nodes", r.Failed), slog.String("run_id", r.RunID))
		}
		return nil
	}))

	var wg sync.WaitGroup
	if s.config.Sync.OnChange {
		s.bus.SubscribeToPeerChanges(sched.Listener())

		watcher := scheduler.NewRegistryWatcher(s.registry, s.config.Sync.PollInterval, sched.Trigger, s.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	sched.Start(ctx)
	wg.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases every resource. Safe to call more than once.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.bus != nil {
			if err := s.bus.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.sshPool != nil {
			s.sshPool.Close()
		}
		if s.device != nil {
			if err := s.device.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
