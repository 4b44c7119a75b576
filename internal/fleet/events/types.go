// Package events carries registry and fleet notifications between components
// of one process.
package events

import "time"

// Event names
const (
	EventPeerProvisioned = "peer.provisioned"
	EventPeerRevoked     = "peer.revoked"
	EventFleetSynced     = "fleet.synced"
)

// PeerProvisionedEvent is fired after a new record is durable.
type PeerProvisionedEvent struct {
	UserID     string    `json:"user_id"`
	Generation int       `json:"generation"`
	PublicKey  string    `json:"public_key"`
	Address    string    `json:"address"`
	Timestamp  time.Time `json:"timestamp"`
}

// PeerRevokedEvent is fired after a record is revoked.
type PeerRevokedEvent struct {
	UserID     string    `json:"user_id"`
	Generation int       `json:"generation"`
	PublicKey  string    `json:"public_key"`
	Address    string    `json:"address"`
	RevokedAt  time.Time `json:"revoked_at"`
	Timestamp  time.Time `json:"timestamp"`
}

// FleetSyncedEvent summarises a finished fleet sync run.
type FleetSyncedEvent struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Outcomes  map[string]int `json:"outcomes"`
	Failed    []string       `json:"failed_nodes,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
