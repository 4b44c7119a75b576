// Package coordinator drives peer set synchronization across the fleet.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Registry is the read-only registry surface the coordinator needs.
type Registry interface {
	List(ctx context.Context, filter peer.Filter) ([]*peer.Record, error)
}

// Inventory lists the nodes to sync.
type Inventory interface {
	Nodes(ctx context.Context) ([]node.Node, error)
}

// Synchronizer syncs a single node.
type Synchronizer interface {
	Sync(ctx context.Context, n node.Node, desired []nodesync.DesiredPeer, state node.State) nodesync.Result
}

// Publisher is told about finished runs.
type Publisher interface {
	PublishFleetSynced(report *Report) error
}

// Config bounds a run.
type Config struct {
	// Concurrency is the maximum number of nodes synced at once.
	Concurrency int
	// NodeTimeout caps each node; a node that runs out of time is unreachable.
	NodeTimeout time.Duration
}

// Coordinator fans a single desired peer set out to every node. It only
// reads the registry; it never changes records or addresses.
type Coordinator struct {
	registry  Registry
	inventory Inventory
	sync      Synchronizer
	cache     *node.StateCache
	config    Config
	publisher Publisher
	logger    *logger.Logger
	now       func() time.Time
	runID     func() string

	// runMu serialises SyncAll calls.
	runMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher sets the run publisher.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.OrNop(l).WithComponent("coordinator") }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator. A nil cache starts an empty one.
func New(reg Registry, inv Inventory, s Synchronizer, cache *node.StateCache, cfg Config, opts ...Option) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = 30 * time.Second
	}
	if cache == nil {
		cache = node.NewStateCache()
	}
	c := &Coordinator{
		registry:  reg,
		inventory: inv,
		sync:      s,
		cache:     cache,
		config:    cfg,
		logger:    logger.NewNop(),
		now:       time.Now,
		runID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncAll reads the registry once and syncs every node against that one
// snapshot. Node failures are reported, never returned; an error means the
// run could not start.
func (c *Coordinator) SyncAll(ctx context.Context) (*Report, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	runID := c.runID()
	ctx = logger.WithRunID(ctx, runID)
	op := c.logger.StartOp(ctx, "sync_all")

	report := &Report{RunID: runID, StartedAt: c.now().UTC()}

	records, err := c.registry.List(ctx, peer.Filter{Status: peer.StatusActive})
	if err != nil {
		op.Fail(err, "failed to read registry")
		return nil, fmt.Errorf("sync run %s: %w", runID, err)
	}
	desired := nodesync.DesiredFromRecords(records)
	report.DesiredPeers = len(desired)

	nodes, err := c.inventory.Nodes(ctx)
	if err != nil {
		op.Fail(err, "failed to list nodes")
		return nil, fmt.Errorf("sync run %s: %w", runID, err)
	}
	op.With(slog.Int("nodes", len(nodes)), slog.Int("desired_peers", len(desired)))

	results := c.dispatch(ctx, nodes, desired)

	report.Nodes = make([]NodeReport, len(results))
	for i, res := range results {
		report.Nodes[i] = nodeReport(res)
	}
	report.Status = overall(results)
	report.FinishedAt = c.now().UTC()

	counts := report.Counts()
	if report.Status == AllSynced {
		op.Complete("fleet sync finished", slog.String("status", string(report.Status)), slog.Any("outcomes", counts))
	} else {
		op.Fail(apperrors.NewSyncError(apperrors.ErrCodePartialApply, "not every node synced", true, nil),
			"fleet sync finished with failures", slog.String("status", string(report.Status)), slog.Any("outcomes", counts))
	}

	if c.publisher != nil {
		if err := c.publisher.PublishFleetSynced(report); err != nil {
			c.logger.WarnCtx(ctx, "failed to publish fleet sync event", err)
		}
	}

	return report, nil
}

// dispatch runs every node under the concurrency limit and returns results
// in node order.
func (c *Coordinator) dispatch(ctx context.Context, nodes []node.Node, desired []nodesync.DesiredPeer) []nodesync.Result {
	results := make([]nodesync.Result, len(nodes))
	desiredKeys := nodesync.Keys(desired)
	sem := make(chan struct{}, c.config.Concurrency)

	var wg sync.WaitGroup
	for i, n := range nodes {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = c.notStarted(n, ctx.Err())
			continue
		}
		if ctx.Err() != nil {
			<-sem
			results[i] = c.notStarted(n, ctx.Err())
			continue
		}

		wg.Add(1)
		go func(i int, n node.Node) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.syncNode(ctx, n, desired, desiredKeys)
		}(i, n)
	}
	wg.Wait()

	return results
}

func (c *Coordinator) syncNode(ctx context.Context, n node.Node, desired []nodesync.DesiredPeer, desiredKeys []string) (res nodesync.Result) {
	defer func() {
		if r := recover(); r != nil {
			err := apperrors.NewSyncError(apperrors.ErrCodeInternal, fmt.Sprintf("node sync panicked: %v", r), false, nil)
			c.logger.ErrorCtx(ctx, "node sync panicked", err, slog.String("node_id", n.ID))
			res = nodesync.Result{NodeID: n.ID, Host: n.Host, Status: nodesync.StatusError, Detail: apperrors.ErrCodeInternal, Err: err}
			c.cache.MarkStale(n, node.OutcomeFailure, c.now())
		}
	}()

	nodeCtx, cancel := context.WithTimeout(ctx, c.config.NodeTimeout)
	defer cancel()

	res = c.sync.Sync(nodeCtx, n, desired, c.cache.Get(n))

	switch res.Status {
	case nodesync.StatusSynced:
		c.cache.MarkSynced(n, desiredKeys, c.now())
	case nodesync.StatusPartial:
		c.cache.MarkStale(n, node.OutcomePartial, c.now())
	default:
		c.cache.MarkStale(n, node.OutcomeFailure, c.now())
	}
	return res
}

func (c *Coordinator) notStarted(n node.Node, err error) nodesync.Result {
	c.cache.MarkStale(n, node.OutcomeFailure, c.now())
	return nodesync.Result{
		NodeID: n.ID,
		Host:   n.Host,
		Status: nodesync.StatusError,
		Detail: apperrors.ErrCodeCancelled,
		Err:    err,
	}
}

// NodeView pairs a node with its cached state.
type NodeView struct {
	Node  node.Node  `json:"node"`
	State node.State `json:"state"`
	Keys  int        `json:"trusted_keys"`
}

// Nodes lists the inventory with the coordinator's cached view of each node.
func (c *Coordinator) Nodes(ctx context.Context) ([]NodeView, error) {
	nodes, err := c.inventory.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]NodeView, len(nodes))
	for i, n := range nodes {
		s := c.cache.Get(n)
		views[i] = NodeView{Node: n, State: s, Keys: len(s.TrustedKeys)}
	}
	return views, nil
}
