// Package wireguard renders wg-quick style configuration text from typed values.
// Every function here is pure; callers decide where the bytes go.
package wireguard

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ClientConfig is everything a user's device needs to join the VPN.
type ClientConfig struct {
	PrivateKey string
	Address    netip.Addr
	DNS        []string
	MTU        int

	ServerPublicKey string
	Endpoint        string
	AllowedIPs      []string
	Keepalive       time.Duration
}

// Peer is one server-side [Peer] entry.
type Peer struct {
	PublicKey  string
	AllowedIPs []netip.Prefix
	Keepalive  time.Duration
}

// HostPrefix returns addr as a single-host prefix (/32 or /128).
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

// section is an ordered list of key = value lines under a [Name] header.
type section struct {
	name  string
	lines [][2]string
}

func (s *section) set(key, value string) {
	if value == "" {
		return
	}
	s.lines = append(s.lines, [2]string{key, value})
}

func (s *section) writeTo(b *strings.Builder) {
	fmt.Fprintf(b, "[%s]\n", s.name)
	for _, kv := range s.lines {
		fmt.Fprintf(b, "%s = %s\n", kv[0], kv[1])
	}
}

func render(sections ...*section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteByte('\n')
		}
		s.writeTo(&b)
	}
	return b.String()
}

// Render produces the client configuration file.
func (c ClientConfig) Render() string {
	iface := &section{name: "Interface"}
	iface.set("PrivateKey", c.PrivateKey)
	if c.Address.IsValid() {
		iface.set("Address", HostPrefix(c.Address).String())
	}
	iface.set("DNS", strings.Join(c.DNS, ", "))
	if c.MTU > 0 {
		iface.set("MTU", strconv.Itoa(c.MTU))
	}

	server := &section{name: "Peer"}
	server.set("PublicKey", c.ServerPublicKey)
	server.set("Endpoint", c.Endpoint)
	server.set("AllowedIPs", strings.Join(c.AllowedIPs, ", "))
	server.set("PersistentKeepalive", keepalive(c.Keepalive))

	return render(iface, server)
}

// Render produces a single server-side peer block.
func (p Peer) Render() string {
	return render(p.section())
}

func (p Peer) section() *section {
	s := &section{name: "Peer"}
	s.set("PublicKey", p.PublicKey)
	ips := make([]string, len(p.AllowedIPs))
	for i, pfx := range p.AllowedIPs {
		ips[i] = pfx.String()
	}
	s.set("AllowedIPs", strings.Join(ips, ", "))
	s.set("PersistentKeepalive", keepalive(p.Keepalive))
	return s
}

// RenderPeers produces the peer blocks for a whole peer set, in the given order.
func RenderPeers(peers []Peer) string {
	sections := make([]*section, len(peers))
	for i, p := range peers {
		sections[i] = p.section()
	}
	return render(sections...)
}

func keepalive(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return strconv.Itoa(int(d / time.Second))
}

// WriteFile writes rendered configuration with owner-only permissions.
func WriteFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
