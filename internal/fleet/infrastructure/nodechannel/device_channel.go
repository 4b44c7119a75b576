package nodechannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
)

// DeviceClient is the part of *wgctrl.Client the device channel uses.
type DeviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// DeviceChannel configures a WireGuard interface on this host through the
// kernel (or userspace) configuration API. Every call is a single
// configuration transaction.
type DeviceChannel struct {
	client    DeviceClient
	iface     string
	keepalive time.Duration
	logger    *logger.Logger
}

var (
	_ nodesync.Channel  = (*DeviceChannel)(nil)
	_ nodesync.Replacer = (*DeviceChannel)(nil)
	_ nodesync.Observer = (*DeviceChannel)(nil)
)

// OpenDeviceChannel opens a wgctrl client.
func OpenDeviceChannel(iface string, keepalive time.Duration, log *logger.Logger) (*DeviceChannel, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control client: %w", err)
	}
	return NewDeviceChannel(client, iface, keepalive, log), nil
}

// NewDeviceChannel wraps an existing client.
func NewDeviceChannel(client DeviceClient, iface string, keepalive time.Duration, log *logger.Logger) *DeviceChannel {
	if iface == "" {
		iface = "wg0"
	}
	return &DeviceChannel{
		client:    client,
		iface:     iface,
		keepalive: keepalive,
		logger:    logger.OrNop(log).WithComponent("nodechannel.device"),
	}
}

// Close releases the control client.
func (c *DeviceChannel) Close() error {
	return c.client.Close()
}

// ListPeers reports the keys configured on the device.
func (c *DeviceChannel) ListPeers(ctx context.Context, n node.Node) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := c.client.Device(c.name(n))
	if err != nil {
		return nil, c.deviceError(n, err)
	}
	keys := make([]string, len(dev.Peers))
	for i, p := range dev.Peers {
		keys[i] = p.PublicKey.String()
	}
	return keys, nil
}

// RemovePeers removes keys in one transaction.
func (c *DeviceChannel) RemovePeers(ctx context.Context, n node.Node, keys []string) (int, error) {
	cfgs := make([]wgtypes.PeerConfig, 0, len(keys))
	for _, k := range keys {
		key, err := wgtypes.ParseKey(k)
		if err != nil {
			return 0, invalidKey(n, k)
		}
		cfgs = append(cfgs, wgtypes.PeerConfig{PublicKey: key, Remove: true})
	}
	if err := c.configure(ctx, n, wgtypes.Config{Peers: cfgs}); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// AddPeers adds peers in one transaction.
func (c *DeviceChannel) AddPeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) (int, error) {
	cfgs, err := c.peerConfigs(n, peers)
	if err != nil {
		return 0, err
	}
	if err := c.configure(ctx, n, wgtypes.Config{Peers: cfgs}); err != nil {
		return 0, err
	}
	return len(peers), nil
}

// ReplacePeers replaces the device's peer list.
func (c *DeviceChannel) ReplacePeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) error {
	cfgs, err := c.peerConfigs(n, peers)
	if err != nil {
		return err
	}
	return c.configure(ctx, n, wgtypes.Config{ReplacePeers: true, Peers: cfgs})
}

func (c *DeviceChannel) configure(ctx context.Context, n node.Node, cfg wgtypes.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.ConfigureDevice(c.name(n), cfg); err != nil {
		return c.deviceError(n, err)
	}
	return nil
}

func (c *DeviceChannel) peerConfigs(n node.Node, peers []nodesync.DesiredPeer) ([]wgtypes.PeerConfig, error) {
	var keepalive *time.Duration
	if c.keepalive > 0 {
		k := c.keepalive
		keepalive = &k
	}

	cfgs := make([]wgtypes.PeerConfig, 0, len(peers))
	for _, p := range peers {
		key, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return nil, invalidKey(n, p.PublicKey)
		}
		if !p.Address.Is4() {
			return nil, apperrors.NewNodeError(apperrors.ErrCodeValidation, "peer address must be IPv4", false, nil).
				WithMetadata("node_id", n.ID).
				WithMetadata("public_key", p.PublicKey)
		}
		ip := p.Address.As4()
		cfgs = append(cfgs, wgtypes.PeerConfig{
			PublicKey:                   key,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  []net.IPNet{{IP: net.IP(ip[:]), Mask: net.CIDRMask(32, 32)}},
			PersistentKeepaliveInterval: keepalive,
		})
	}
	return cfgs, nil
}

func (c *DeviceChannel) name(n node.Node) string {
	if n.Interface != "" {
		return n.Interface
	}
	return c.iface
}

func (c *DeviceChannel) deviceError(n node.Node, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.ErrNodeUnreachable, err).
			WithMetadata("node_id", n.ID).
			WithMetadata("interface", c.name(n))
	}
	return apperrors.Wrap(apperrors.ErrCommandFailed, err).
		WithMetadata("node_id", n.ID).
		WithMetadata("interface", c.name(n))
}
