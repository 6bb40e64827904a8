package model

// SyncHealth summarizes whether the indexer is keeping up with the node.
type SyncHealth string

var (
	// HealthHealthy means sync is progressing normally.
	HealthHealthy SyncHealth = "healthy"
	// HealthDegraded means sync continues but errors are being retried.
	HealthDegraded SyncHealth = "degraded"
	// HealthHalted means sync is paused and needs operator action.
	HealthHalted SyncHealth = "halted"
)

// Status is the singleton reported to the query layer.
type Status struct {
	SyncHeight     int32      `json:"sync_height"`
	NetworkHeight  int32      `json:"network_height"`
	TipHash        string     `json:"tip_hash"`
	SyncPercentage float64    `json:"sync_percentage"`
	Synced         bool       `json:"synced"`
	Health         SyncHealth `json:"sync_health"`
	LastError      string     `json:"last_error,omitempty"`
	AddrIndexReady bool       `json:"addr_index_ready"`
}
