package indexer

import "time"

// State is the lifecycle state of the index as a whole.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateRebuilding   State = "rebuilding"
)

// ServiceState tracks one service through the indexing lifecycle.
type ServiceState string

const (
	ServicePending     ServiceState = "pending"
	ServiceIndexed     ServiceState = "indexed"
	ServiceStale       ServiceState = "stale"
	ServiceUnindexable ServiceState = "unindexable"
	ServiceRemoved     ServiceState = "removed"
)

// Status is a point-in-time snapshot of the manager, served on the
// status endpoint.
type Status struct {
	State          State     `json:"state"`
	Indexed        int       `json:"indexed"`
	Pending        int       `json:"pending"`
	Stale          int       `json:"stale"`
	Unindexable    int       `json:"unindexable"`
	Generation     uint64    `json:"generation"`
	Model          string    `json:"model"`
	Dimension      int       `json:"dimension"`
	LastSnapshotAt time.Time `json:"last_snapshot_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}
