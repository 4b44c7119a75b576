package nodesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Status is the per-node outcome of one sync.
type Status string

const (
	StatusSynced      Status = "synced"
	StatusUnreachable Status = "unreachable"
	StatusPartial     Status = "partial"
	StatusError       Status = "error"
)

// Strategy selects how plans are pushed when the channel supports both ways.
type Strategy string

const (
	// StrategyReplace swaps the whole peer set atomically when the channel
	// implements Replacer.
	StrategyReplace Strategy = "replace"
	// StrategyIncremental always sends ordered remove and add operations.
	StrategyIncremental Strategy = "incremental"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyReplace, StrategyIncremental:
		return Strategy(s), nil
	case "":
		return StrategyReplace, nil
	default:
		return "", fmt.Errorf("unknown sync strategy %q", s)
	}
}

// Result is what happened on one node.
type Result struct {
	NodeID   string
	Host     string
	Status   Status
	Detail   string
	Plan     Plan
	Added    int
	Removed  int
	Duration time.Duration
	Err      error
}

// Outcome renders the status the way fleet reports show it:
// synced, unreachable, partial or error:<detail>.
func (r Result) Outcome() string {
	if r.Status == StatusError {
		return "error:" + r.Detail
	}
	return string(r.Status)
}

// OK reports whether the node is known to hold the desired peer set.
func (r Result) OK() bool { return r.Status == StatusSynced }

// Synchronizer plans and applies peer changes for single nodes. It keeps no
// state between calls and is safe for concurrent use when the channel is.
type Synchronizer struct {
	channel  Channel
	strategy Strategy
	logger   *logger.Logger
	now      func() time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the clock used for observed state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger.OrNop(l).WithComponent("nodesync") }
}

// New creates a Synchronizer over channel.
func New(channel Channel, strategy Strategy, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		channel:  channel,
		strategy: strategy,
		logger:   logger.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync brings one node to the desired set. When the channel can observe the
// node, the reported peers replace the assumed state before planning.
func (s *Synchronizer) Sync(ctx context.Context, n node.Node, desired []DesiredPeer, state node.State) Result {
	ctx = logger.WithNodeID(ctx, n.ID)

	if obs, ok := s.channel.(Observer); ok {
		start := time.Now()
		keys, err := obs.ListPeers(ctx, n)
		switch {
		case err == nil:
			state = node.ObservedState(n, keys, s.now())
		case isUnreachable(ctx, err):
			res := s.classify(ctx, Result{NodeID: n.ID, Host: n.Host, Plan: Plan{NodeID: n.ID}}, err, 0)
			res.Duration = time.Since(start)
			s.logResult(ctx, res)
			return res
		default:
			s.logger.WarnCtx(ctx, "peer listing failed, falling back to full plan", err, slog.String("host", n.Host))
			state = state.Clone()
			state.Stale = true
		}
	}

	return s.Apply(ctx, n, ComputePlan(n, desired, state))
}

// Apply pushes plan to the node. Removals always complete before any
// addition is sent, so an address moving between identities is never
// trusted for both at once.
func (s *Synchronizer) Apply(ctx context.Context, n node.Node, plan Plan) (res Result) {
	ctx = logger.WithNodeID(ctx, n.ID)
	start := time.Now()
	res = Result{NodeID: n.ID, Host: n.Host, Plan: plan}

	defer func() {
		res.Duration = time.Since(start)
		s.logResult(ctx, res)
	}()

	if err := ctx.Err(); err != nil {
		res = s.classify(ctx, res, err, 0)
		return res
	}

	if r, ok := s.channel.(Replacer); ok && s.strategy == StrategyReplace {
		if plan.IsEmpty() && !plan.Full {
			res.Status = StatusSynced
			return res
		}
		if err := r.ReplacePeers(ctx, n, plan.Desired); err != nil {
			res = s.classify(ctx, res, err, 0)
			return res
		}
		res.Added, res.Removed = len(plan.Add), len(plan.Remove)
		res.Status = StatusSynced
		return res
	}

	if len(plan.Remove) > 0 {
		done, err := s.channel.RemovePeers(ctx, n, plan.Remove)
		res.Removed = done
		if err == nil && done < len(plan.Remove) {
			err = apperrors.ErrPartialApply.WithMetadata("removed", done).WithMetadata("requested", len(plan.Remove))
		}
		if err != nil {
			res = s.classify(ctx, res, err, done)
			return res
		}
	}

	if err := ctx.Err(); err != nil {
		res = s.classify(ctx, res, err, res.Removed)
		return res
	}

	if len(plan.Add) > 0 {
		done, err := s.channel.AddPeers(ctx, n, plan.Add)
		res.Added = done
		if err == nil && done < len(plan.Add) {
			err = apperrors.ErrPartialApply.WithMetadata("added", done).WithMetadata("requested", len(plan.Add))
		}
		if err != nil {
			res = s.classify(ctx, res, err, res.Removed+done)
			return res
		}
	}

	res.Status = StatusSynced
	return res
}

// classify maps a channel failure to a node outcome. Anything that changed
// the node before failing is partial, never synced.
func (s *Synchronizer) classify(ctx context.Context, res Result, err error, applied int) Result {
	res.Err = err
	switch {
	case applied > 0 || errors.Is(err, apperrors.ErrPartialApply):
		res.Status = StatusPartial
		res.Detail = apperrors.ErrCodePartialApply
	case isUnreachable(ctx, err):
		res.Status = StatusUnreachable
		res.Detail = apperrors.ErrCodeNodeUnreachable
	case errors.Is(err, context.Canceled):
		res.Status = StatusError
		res.Detail = apperrors.ErrCodeCancelled
	default:
		res.Status = StatusError
		res.Detail = errorDetail(err)
	}
	return res
}

func (s *Synchronizer) logResult(ctx context.Context, res Result) {
	args := []any{
		slog.String("host", res.Host),
		slog.Int("added", res.Added),
		slog.Int("removed", res.Removed),
		slog.Bool("full", res.Plan.Full),
	}
	if res.Err != nil {
		args = append(args, slog.String("error", res.Err.Error()))
	}
	s.logger.NodeResult(ctx, res.NodeID, string(res.Status), res.Duration, args...)
}

func isUnreachable(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, apperrors.ErrNodeUnreachable) ||
		errors.Is(err, apperrors.ErrCircuitOpen)
}

func errorDetail(err error) string {
	if code := apperrors.GetErrorCode(err); code != "unknown" {
		return code
	}
	return err.Error()
}
