// Package scripts executes user-authored node scripts inside a restricted
// sandbox: a point-in-time node snapshot, a guarded HTTP GET capability,
// and mutation capabilities that feed the per-node queue.
package scripts

import (
	"time"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// ExecutionStatus classifies the overall outcome of one script run.
type ExecutionStatus string

const (
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusBlocked   ExecutionStatus = "blocked"
)

// Default sandbox limits.
const (
	DefaultTimeout = 3 * time.Second

	// DefaultHTTPRate bounds sandbox HTTP calls per actor, per second.
	DefaultHTTPRate  = 5
	DefaultHTTPBurst = 10
)

// DefaultBlockedHosts rejects loopback, private-range and internal
// hostnames by prefix (or suffix, for entries starting with a dot).
var DefaultBlockedHosts = []string{
	"127.0.0.1",
	"localhost",
	"10.",
	"172.16.",
	"192.168.",
	".internal",
}

// MutationResult is the outcome of one mutation capability call made by a
// script. Calls are not awaited by the script's own control flow; results
// are collected after the run window closes.
type MutationResult struct {
	Capability string `json:"capability"`
	NodeID     string `json:"node_id"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the mutation landed.
func (r MutationResult) OK() bool { return r.Error == "" }

// Execution records one script run against a node.
type Execution struct {
	ID          string           `json:"id"`
	NodeID      string           `json:"node_id"`
	ScriptName  string           `json:"script_name"`
	ActorID     string           `json:"actor_id"`
	Status      ExecutionStatus  `json:"status"`
	Error       string           `json:"error,omitempty"`
	Logs        []string         `json:"logs,omitempty"`
	Mutations   []MutationResult `json:"mutations,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
	Duration    time.Duration    `json:"duration"`
}

// Sandbox error values.
var (
	// ErrBlockedHost rejects HTTP targets on the blocked host list before
	// any request is sent.
	ErrBlockedHost = core.NewAccessDeniedError("host", "blocked", "script")

	// ErrExecutionTimeout reports a script exceeding its wall-clock bound.
	ErrExecutionTimeout = core.WrapServiceError("scripts", "Run", core.ErrTimeout)
)
