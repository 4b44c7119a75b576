package nodechannel

import (
	"context"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
)

// Transport is a channel that can also replace and observe.
type Transport interface {
	nodesync.Channel
	nodesync.Replacer
	nodesync.Observer
}

// Router picks a transport by Node.Transport.
type Router struct {
	transports map[string]Transport
}

// NewRouter creates a router with no transports registered.
func NewRouter() *Router {
	return &Router{transports: make(map[string]Transport)}
}

// Register binds a transport name to a channel.
func (r *Router) Register(name string, t Transport) *Router {
	r.transports[name] = t
	return r
}

func (r *Router) pick(n node.Node) (Transport, error) {
	t, ok := r.transports[n.Transport]
	if !ok {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeUnsupported, "no channel for node transport", false, nil).
			WithMetadata("node_id", n.ID).
			WithMetadata("transport", n.Transport)
	}
	return t, nil
}

func (r *Router) ListPeers(ctx context.Context, n node.Node) ([]string, error) {
	t, err := r.pick(n)
	if err != nil {
		return nil, err
	}
	return t.ListPeers(ctx, n)
}

func (r *Router) RemovePeers(ctx context.Context, n node.Node, keys []string) (int, error) {
	t, err := r.pick(n)
	if err != nil {
		return 0, err
	}
	return t.RemovePeers(ctx, n, keys)
}

func (r *Router) AddPeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) (int, error) {
	t, err := r.pick(n)
	if err != nil {
		return 0, err
	}
	return t.AddPeers(ctx, n, peers)
}

func (r *Router) ReplacePeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) error {
	t, err := r.pick(n)
	if err != nil {
		return err
	}
	return t.ReplacePeers(ctx, n, peers)
}
