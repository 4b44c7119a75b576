package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gookit/goutil"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// Server labels that override per-node settings.
const (
	LabelSSHPort   = "ssh-port"
	LabelSSHUser   = "ssh-user"
	LabelInterface = "wg-interface"
)

// ServerLister is the part of the hcloud server client the inventory uses.
type ServerLister interface {
	AllWithOpts(ctx context.Context, opts hcloud.ServerListOpts) ([]*hcloud.Server, error)
}

// Hetzner discovers gateways from Hetzner Cloud servers matching a label selector.
type Hetzner struct {
	servers  ServerLister
	selector string
	defaults Defaults
	logger   *logger.Logger
}

// NewHetzner creates a Hetzner inventory using an API token.
func NewHetzner(apiToken, selector string, defaults Defaults, log *logger.Logger) (*Hetzner, error) {
	if apiToken == "" {
		return nil, fmt.Errorf("API token is required")
	}
	client := hcloud.NewClient(hcloud.WithToken(apiToken), hcloud.WithApplication("wgfleet", ""))
	return NewHetznerWithLister(&client.Server, selector, defaults, log), nil
}

// NewHetznerWithLister creates a Hetzner inventory over an existing lister.
func NewHetznerWithLister(servers ServerLister, selector string, defaults Defaults, log *logger.Logger) *Hetzner {
	defaults.Transport = node.TransportSSH
	return &Hetzner{
		servers:  servers,
		selector: selector,
		defaults: defaults,
		logger:   logger.OrNop(log).WithComponent("inventory.hetzner"),
	}
}

// Nodes lists running servers. Servers without a public IPv4 address are
// skipped; a label that does not parse is ignored with a warning.
func (h *Hetzner) Nodes(ctx context.Context) ([]node.Node, error) {
	servers, err := h.servers.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: h.selector},
	})
	if err != nil {
		return nil, apperrors.WrapWithDomain(err, apperrors.DomainNode, apperrors.ErrCodeInternal, "failed to list hetzner servers", true).
			WithMetadata("label_selector", h.selector)
	}

	nodes := make([]node.Node, 0, len(servers))
	for _, s := range servers {
		if s == nil || s.Status != hcloud.ServerStatusRunning {
			continue
		}
		if s.PublicNet.IPv4.IP == nil || s.PublicNet.IPv4.IP.IsUnspecified() {
			h.logger.Warn("skipping server without public IPv4", slog.String("server", s.Name))
			continue
		}

		n := node.Node{
			ID:        s.Name,
			Host:      s.PublicNet.IPv4.IP.String(),
			Transport: node.TransportSSH,
			User:      s.Labels[LabelSSHUser],
			Interface: s.Labels[LabelInterface],
		}
		if v, ok := s.Labels[LabelSSHPort]; ok {
			port, err := goutil.ToInt(v)
			if err != nil || port <= 0 || port > 65535 {
				h.logger.Warn("ignoring invalid ssh-port label", slog.String("server", s.Name), slog.String("value", v))
			} else {
				n.Port = port
			}
		}

		nodes = append(nodes, h.defaults.apply(n))
	}

	sortNodes(nodes)
	h.logger.Debug("listed hetzner nodes", slog.Int("count", len(nodes)), slog.String("label_selector", h.selector))
	return nodes, nil
}
