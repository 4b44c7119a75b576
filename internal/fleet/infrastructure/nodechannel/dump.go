package nodechannel

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/wgfleet/pkg/crypto"
)

// DumpPeer is one peer line of `wg show <iface> dump`.
type DumpPeer struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      []netip.Prefix
	LatestHandshake time.Time
	RxBytes         int64
	TxBytes         int64
	Keepalive       int
}

// ParseDump parses `wg show <iface> dump` output. The first line describes
// the interface itself and is skipped; every other non-empty line must be a
// well formed peer line.
func ParseDump(output string) ([]DumpPeer, error) {
	var peers []DumpPeer

	for n, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		// private-key public-key listen-port fwmark
		if len(parts) == 4 {
			continue
		}
		if len(parts) != 8 {
			return nil, fmt.Errorf("dump line %d: expected 8 fields, got %d", n+1, len(parts))
		}

		p := DumpPeer{PublicKey: parts[0]}
		if !crypto.IsValidWireGuardKey(p.PublicKey) {
			return nil, fmt.Errorf("dump line %d: invalid public key", n+1)
		}
		if parts[2] != "(none)" {
			p.Endpoint = parts[2]
		}
		if parts[3] != "(none)" && parts[3] != "" {
			for _, s := range strings.Split(parts[3], ",") {
				pfx, err := netip.ParsePrefix(strings.TrimSpace(s))
				if err != nil {
					return nil, fmt.Errorf("dump line %d: allowed ips: %w", n+1, err)
				}
				p.AllowedIPs = append(p.AllowedIPs, pfx)
			}
		}
		if ts, err := strconv.ParseInt(parts[4], 10, 64); err == nil && ts > 0 {
			p.LatestHandshake = time.Unix(ts, 0).UTC()
		}
		p.RxBytes, _ = strconv.ParseInt(parts[5], 10, 64)
		p.TxBytes, _ = strconv.ParseInt(parts[6], 10, 64)
		if parts[7] != "off" {
			p.Keepalive, _ = strconv.Atoi(parts[7])
		}

		peers = append(peers, p)
	}

	return peers, nil
}

// DumpKeys returns the public keys of peers.
func DumpKeys(peers []DumpPeer) []string {
	keys := make([]string, len(peers))
	for i, p := range peers {
		keys[i] = p.PublicKey
	}
	return keys
}
