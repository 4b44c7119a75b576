// Package nodechannel reaches gateway nodes to read and change their
// WireGuard peer sets.
package nodechannel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/infrastructure/remote/ssh"
	"github.com/chiquitav2/wgfleet/internal/fleet/node"
	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
	"github.com/chiquitav2/wgfleet/internal/fleet/wireguard"
	apperrors "github.com/chiquitav2/wgfleet/internal/shared/errors"
	"github.com/chiquitav2/wgfleet/internal/shared/logger"
	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// Executor runs one shell command on a node.
type Executor interface {
	Execute(ctx context.Context, t ssh.Target, command string, stdin io.Reader) (string, error)
}

// SSHChannelConfig holds the WireGuard side of the SSH channel.
type SSHChannelConfig struct {
	Interface string
	Keepalive time.Duration
	Sudo      bool
	// SaveConfig runs `wg-quick save` after every change so peers survive
	// a reboot. Failures are logged and ignored.
	SaveConfig bool
	// BatchSize caps how many peers go into one `wg set` invocation.
	BatchSize int
}

var interfaceName = regexp.MustCompile(`^[A-Za-z0-9_=+.-]{1,15}$`)

// SSHChannel drives the wg tool over SSH. It implements nodesync.Channel,
// nodesync.Replacer and nodesync.Observer.
type SSHChannel struct {
	exec     Executor
	config   SSHChannelConfig
	breakers *Breakers
	logger   *logger.Logger
}

var (
	_ nodesync.Channel  = (*SSHChannel)(nil)
	_ nodesync.Replacer = (*SSHChannel)(nil)
	_ nodesync.Observer = (*SSHChannel)(nil)
)

// NewSSHChannel creates a channel. breakers may be nil to disable circuit breaking.
func NewSSHChannel(exec Executor, config SSHChannelConfig, breakers *Breakers, log *logger.Logger) *SSHChannel {
	if config.Interface == "" {
		config.Interface = "wg0"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	return &SSHChannel{
		exec:     exec,
		config:   config,
		breakers: breakers,
		logger:   logger.OrNop(log).WithComponent("nodechannel.ssh"),
	}
}

// ListPeers reports the public keys the node's interface currently trusts.
func (c *SSHChannel) ListPeers(ctx context.Context, n node.Node) ([]string, error) {
	iface, err := c.iface(n)
	if err != nil {
		return nil, err
	}

	out, err := c.run(ctx, n, c.wg("show", iface, "dump"), nil)
	if err != nil {
		return nil, err
	}

	peers, err := ParseDump(out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCommandFailed, err).WithMetadata("node_id", n.ID)
	}
	return DumpKeys(peers), nil
}

// RemovePeers removes keys in batches and returns how many were removed
// before any failure.
func (c *SSHChannel) RemovePeers(ctx context.Context, n node.Node, keys []string) (int, error) {
	iface, err := c.iface(n)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if !crypto.IsValidWireGuardKey(k) {
			return 0, invalidKey(n, k)
		}
	}

	done := 0
	for _, batch := range chunk(keys, c.config.BatchSize) {
		if _, err := c.run(ctx, n, c.removeCommand(iface, batch), nil); err != nil {
			return done, err
		}
		done += len(batch)
	}

	if done > 0 {
		c.save(ctx, n, iface)
	}
	return done, nil
}

// AddPeers adds peers in batches and returns how many were added before any
// failure.
func (c *SSHChannel) AddPeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) (int, error) {
	iface, err := c.iface(n)
	if err != nil {
		return 0, err
	}
	for _, p := range peers {
		if err := validatePeer(n, p); err != nil {
			return 0, err
		}
	}

	done := 0
	for _, batch := range chunk(peers, c.config.BatchSize) {
		if _, err := c.run(ctx, n, c.addCommand(iface, batch), nil); err != nil {
			return done, err
		}
		done += len(batch)
	}

	if done > 0 {
		c.save(ctx, n, iface)
	}
	return done, nil
}

// ReplacePeers swaps the node's whole peer set with one `wg syncconf`. The
// interface section is taken from the running configuration, so only peers
// change. syncconf applies the new set in a single step; it either takes
// effect completely or not at all.
func (c *SSHChannel) ReplacePeers(ctx context.Context, n node.Node, peers []nodesync.DesiredPeer) error {
	iface, err := c.iface(n)
	if err != nil {
		return err
	}
	for _, p := range peers {
		if err := validatePeer(n, p); err != nil {
			return err
		}
	}

	body := "\n" + wireguard.RenderPeers(c.serverPeers(peers))
	if _, err := c.run(ctx, n, c.replaceScript(iface), strings.NewReader(body)); err != nil {
		return err
	}

	c.save(ctx, n, iface)
	return nil
}

func (c *SSHChannel) run(ctx context.Context, n node.Node, command string, stdin io.Reader) (string, error) {
	target := ssh.Target{Host: n.Host, Port: n.Port, User: n.User}

	var out string
	exec := func() error {
		var err error
		out, err = c.exec.Execute(ctx, target, command, stdin)
		return err
	}

	var err error
	if c.breakers != nil {
		err = c.breakers.For(n.Host).Execute(ctx, exec)
	} else {
		err = exec()
	}
	if err != nil {
		return out, fmt.Errorf("node %s: %w", n.ID, err)
	}
	return out, nil
}

func (c *SSHChannel) save(ctx context.Context, n node.Node, iface string) {
	if !c.config.SaveConfig {
		return
	}
	if _, err := c.run(ctx, n, c.sudo()+"wg-quick save "+iface, nil); err != nil {
		c.logger.WarnCtx(ctx, "failed to save WireGuard config", err, slog.String("node_id", n.ID))
	}
}

func (c *SSHChannel) iface(n node.Node) (string, error) {
	iface := c.config.Interface
	if n.Interface != "" {
		iface = n.Interface
	}
	if !interfaceName.MatchString(iface) {
		return "", apperrors.NewNodeError(apperrors.ErrCodeValidation, "invalid interface name", false, nil).
			WithMetadata("node_id", n.ID).
			WithMetadata("interface", iface)
	}
	return iface, nil
}

func (c *SSHChannel) sudo() string {
	if c.config.Sudo {
		return "sudo -n "
	}
	return ""
}

func (c *SSHChannel) wg(args ...string) string {
	return c.sudo() + "wg " + strings.Join(args, " ")
}

func (c *SSHChannel) removeCommand(iface string, keys []string) string {
	args := []string{"set", iface}
	for _, k := range keys {
		args = append(args, "peer", k, "remove")
	}
	return c.wg(args...)
}

func (c *SSHChannel) addCommand(iface string, peers []nodesync.DesiredPeer) string {
	args := []string{"set", iface}
	for _, p := range peers {
		args = append(args, "peer", p.PublicKey, "allowed-ips", wireguard.HostPrefix(p.Address).String())
		if c.config.Keepalive > 0 {
			args = append(args, "persistent-keepalive", strconv.Itoa(int(c.config.Keepalive/time.Second)))
		}
	}
	return c.wg(args...)
}

func (c *SSHChannel) replaceScript(iface string) string {
	wg := c.sudo() + "wg"
	return fmt.Sprintf(
		`tmp=$(mktemp) && { %[1]s showconf %[2]s | sed '/^\[Peer\]/,$d'; cat; } > "$tmp" && %[1]s syncconf %[2]s "$tmp"; rc=$?; rm -f "$tmp"; exit $rc`,
		wg, iface)
}

func (c *SSHChannel) serverPeers(peers []nodesync.DesiredPeer) []wireguard.Peer {
	out := make([]wireguard.Peer, len(peers))
	for i, p := range peers {
		out[i] = wireguard.Peer{
			PublicKey:  p.PublicKey,
			AllowedIPs: []netip.Prefix{wireguard.HostPrefix(p.Address)},
			Keepalive:  c.config.Keepalive,
		}
	}
	return out
}

func validatePeer(n node.Node, p nodesync.DesiredPeer) error {
	if !crypto.IsValidWireGuardKey(p.PublicKey) {
		return invalidKey(n, p.PublicKey)
	}
	if !p.Address.IsValid() {
		return apperrors.NewNodeError(apperrors.ErrCodeValidation, "peer has no address", false, nil).
			WithMetadata("node_id", n.ID).
			WithMetadata("public_key", p.PublicKey)
	}
	return nil
}

func invalidKey(n node.Node, key string) error {
	return apperrors.NewNodeError(apperrors.ErrCodeValidation, "invalid WireGuard public key", false,
		apperrors.NewValidationError("public_key", key, "wireguard_key_format")).
		WithMetadata("node_id", n.ID)
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
