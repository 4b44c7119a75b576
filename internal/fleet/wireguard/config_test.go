package wireguard

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig_Render(t *testing.T) {
	cfg := ClientConfig{
		PrivateKey:      "cHJpdmF0ZQ==",
		Address:         netip.MustParseAddr("10.8.0.2"),
		DNS:             []string{"1.1.1.1"},
		ServerPublicKey: "c2VydmVy",
		Endpoint:        "vpn.example.com:51820",
		AllowedIPs:      []string{"0.0.0.0/0", "::/0"},
		Keepalive:       25 * time.Second,
	}

	want := `[Interface]
PrivateKey = cHJpdmF0ZQ==
Address = 10.8.0.2/32
DNS = 1.1.1.1

[Peer]
PublicKey = c2VydmVy
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
`
	assert.Equal(t, want, cfg.Render())
}

func TestClientConfig_OptionalFields(t *testing.T) {
	cfg := ClientConfig{
		PrivateKey:      "k",
		Address:         netip.MustParseAddr("10.8.0.9"),
		MTU:             1420,
		ServerPublicKey: "s",
		Endpoint:        "gw:51820",
		AllowedIPs:      []string{"10.8.0.0/24"},
	}

	out := cfg.Render()
	assert.Contains(t, out, "MTU = 1420\n")
	assert.NotContains(t, out, "DNS")
	assert.NotContains(t, out, "PersistentKeepalive")
}

func TestRenderPeers(t *testing.T) {
	peers := []Peer{
		{PublicKey: "a", AllowedIPs: []netip.Prefix{HostPrefix(netip.MustParseAddr("10.8.0.1"))}, Keepalive: 25 * time.Second},
		{PublicKey: "b", AllowedIPs: []netip.Prefix{HostPrefix(netip.MustParseAddr("10.8.0.2"))}},
	}

	want := `[Peer]
PublicKey = a
AllowedIPs = 10.8.0.1/32
PersistentKeepalive = 25

[Peer]
PublicKey = b
AllowedIPs = 10.8.0.2/32
`
	assert.Equal(t, want, RenderPeers(peers))
	assert.Equal(t, "", RenderPeers(nil))
	assert.Equal(t, "[Peer]\nPublicKey = a\nAllowedIPs = 10.8.0.1/32\nPersistentKeepalive = 25\n", peers[0].Render())
}

func TestHostPrefix(t *testing.T) {
	assert.Equal(t, "10.8.0.1/32", HostPrefix(netip.MustParseAddr("10.8.0.1")).String())
	assert.Equal(t, "fd00::1/128", HostPrefix(netip.MustParseAddr("fd00::1")).String())
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alice.conf")
	require.NoError(t, WriteFile(path, "[Interface]\n"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
