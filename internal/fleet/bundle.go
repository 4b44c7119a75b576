package fleet

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/chiquitav2/wgfleet/internal/fleet/provisioner"
	"github.com/chiquitav2/wgfleet/internal/fleet/wireguard"
)

// BundleFiles are the paths written for one provisioned user.
type BundleFiles struct {
	Config string `json:"config"`
	Record string `json:"record"`
}

// WriteBundle writes <dir>/<user>.conf and <dir>/<user>.json. Both hold
// secrets or identifiers and are written owner-only.
func WriteBundle(dir string, res *provisioner.Result) (BundleFiles, error) {
	files := BundleFiles{
		Config: filepath.Join(dir, res.Record.UserID+".conf"),
		Record: filepath.Join(dir, res.Record.UserID+".json"),
	}

	if err := wireguard.WriteFile(files.Config, res.Config); err != nil {
		return BundleFiles{}, err
	}

	data, err := json.MarshalIndent(res.Record, "", "  ")
	if err != nil {
		return BundleFiles{}, fmt.Errorf("failed to encode record: %w", err)
	}
	if err := wireguard.WriteFile(files.Record, string(data)+"\n"); err != nil {
		return BundleFiles{}, err
	}
	return files, nil
}
