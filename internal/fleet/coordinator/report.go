package coordinator

import (
	"time"

	"github.com/chiquitav2/wgfleet/internal/fleet/nodesync"
)

// OverallStatus summarises a fleet sync run.
type OverallStatus string

const (
	AllSynced      OverallStatus = "all_synced"
	PartialFailure OverallStatus = "partial_failure"
	TotalFailure   OverallStatus = "total_failure"
)

// NodeReport is one node's line in a fleet report.
type NodeReport struct {
	NodeID     string `json:"node_id"`
	Host       string `json:"host,omitempty"`
	Outcome    string `json:"outcome"`
	Added      int    `json:"added"`
	Removed    int    `json:"removed"`
	Full       bool   `json:"full"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Report is the structured result of SyncAll.
type Report struct {
	RunID        string        `json:"run_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	DesiredPeers int           `json:"desired_peers"`
	Status       OverallStatus `json:"status"`
	Nodes        []NodeReport  `json:"nodes"`
}

// Counts returns how many nodes ended with each outcome.
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, n := range r.Nodes {
		counts[n.Outcome]++
	}
	return counts
}

// Failed returns the nodes that did not sync.
func (r *Report) Failed() []NodeReport {
	var out []NodeReport
	for _, n := range r.Nodes {
		if n.Outcome != string(nodesync.StatusSynced) {
			out = append(out, n)
		}
	}
	return out
}

func nodeReport(res nodesync.Result) NodeReport {
	nr := NodeReport{
		NodeID:     res.NodeID,
		Host:       res.Host,
		Outcome:    res.Outcome(),
		Added:      res.Added,
		Removed:    res.Removed,
		Full:       res.Plan.Full,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		nr.Error = res.Err.Error()
	}
	return nr
}

func overall(results []nodesync.Result) OverallStatus {
	synced := 0
	for _, r := range results {
		if r.OK() {
			synced++
		}
	}
	switch {
	case synced == len(results):
		return AllSynced
	case synced == 0:
		return TotalFailure
	default:
		return PartialFailure
	}
}
