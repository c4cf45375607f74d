// Package tree provides the versioned node-tree service: the node model and
// its prestige lifecycle, incremental aggregate propagation, status
// cascading, and the per-node mutation queue.
package tree

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	core "github.com/arborlabs/arbor/system/framework/core"
)

// Status is the lifecycle state of one node version.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrimmed   Status = "trimmed"
	StatusCompleted Status = "completed"

	// StatusDivider is a UI grouping marker. It applies only to the
	// targeted version and never cascades.
	StatusDivider Status = "divider"
)

// IsValid reports whether the status is a known value.
func (st Status) IsValid() bool {
	switch st {
	case StatusActive, StatusTrimmed, StatusCompleted, StatusDivider:
		return true
	}
	return false
}

// Cascades reports whether the status propagates to descendants when a
// cascading status edit is requested.
func (st Status) Cascades() bool {
	switch st {
	case StatusActive, StatusTrimmed, StatusCompleted:
		return true
	}
	return false
}

// Default limits; overridable through Config.
const (
	MaxScriptSize          = 2000      // characters of script source
	DefaultReeffectCeiling = 1_000_000 // hours
)

// Version is one generation of a node's state, numbered by prestige.
// Versions below the node's current prestige are immutable except for
// status.
type Version struct {
	Prestige     int                `json:"prestige"`
	Values       map[string]float64 `json:"values"`
	Goals        map[string]float64 `json:"goals"`
	Status       Status             `json:"status"`
	DateCreated  time.Time          `json:"date_created"`
	Schedule     *time.Time         `json:"schedule"`      // nil means not time-bound
	ReeffectTime float64            `json:"reeffect_time"` // hours
}

// Clone returns a deep copy of the version.
func (v Version) Clone() Version {
	out := v
	out.Values = cloneValues(v.Values)
	out.Goals = cloneValues(v.Goals)
	if v.Schedule != nil {
		s := *v.Schedule
		out.Schedule = &s
	}
	return out
}

// NodeScript is a user-authored script stored on a node. Names are unique
// within the node and source length is bounded at write time.
type NodeScript struct {
	Name   string `json:"name"`
	Source string `json:"script"`
}

// Node is a tree entity holding versioned numeric state and child
// references. GlobalValues is the full-subtree rollup: the sum of Values
// over every version of this node and every descendant.
type Node struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Prestige       int                `json:"prestige"`
	GlobalValues   map[string]float64 `json:"global_values"`
	PrestigeTotals map[string]float64 `json:"prestige_totals"`
	Versions       []Version          `json:"versions"`
	Scripts        []NodeScript       `json:"scripts"`
	Parent         string             `json:"parent"` // empty means root
	Children       []string           `json:"children"`
	RootOwner      string             `json:"root_owner"` // set only on roots
	Contributors   []string           `json:"contributors"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.Parent == "" }

// CurrentVersion returns the version at the node's prestige index, or nil
// if the versions slice is malformed.
func (n *Node) CurrentVersion() *Version {
	if n.Prestige < 0 || n.Prestige >= len(n.Versions) {
		return nil
	}
	return &n.Versions[n.Prestige]
}

// VersionAt returns the version at index, or an error when the index does
// not reference an existing version.
func (n *Node) VersionAt(index int) (*Version, error) {
	if index < 0 || index >= len(n.Versions) {
		return nil, core.NewNotFoundError("version", strconv.Itoa(index))
	}
	return &n.Versions[index], nil
}

// LocalTotals sums Values per key across every version of the node.
func (n *Node) LocalTotals() map[string]float64 {
	totals := make(map[string]float64)
	for _, v := range n.Versions {
		for k, val := range v.Values {
			totals[k] += val
		}
	}
	return totals
}

// FindScript returns the named script, or an error if absent.
func (n *Node) FindScript(name string) (NodeScript, error) {
	for _, s := range n.Scripts {
		if s.Name == name {
			return s, nil
		}
	}
	return NodeScript{}, core.NewNotFoundError("script", name)
}

// HasContributor reports whether the actor is the root owner or a listed
// contributor. Attribution only; authorization lives outside the core.
func (n *Node) HasContributor(actorID string) bool {
	if n.RootOwner == actorID {
		return true
	}
	return core.ContainsString(n.Contributors, actorID)
}

// Clone returns a deep copy of the node, used as the sandbox snapshot and
// by the in-memory store.
func (n *Node) Clone() *Node {
	out := *n
	out.GlobalValues = cloneValues(n.GlobalValues)
	out.PrestigeTotals = cloneValues(n.PrestigeTotals)
	out.Versions = make([]Version, len(n.Versions))
	for i, v := range n.Versions {
		out.Versions[i] = v.Clone()
	}
	out.Scripts = append([]NodeScript(nil), n.Scripts...)
	out.Children = append([]string(nil), n.Children...)
	out.Contributors = append([]string(nil), n.Contributors...)
	return &out
}

// Spec describes a node to create. Children are created depth-first under
// the new node.
type Spec struct {
	Name         string             `json:"name"`
	Values       map[string]float64 `json:"values"`
	Goals        map[string]float64 `json:"goals"`
	Schedule     *time.Time         `json:"schedule"`
	ReeffectTime float64            `json:"reeffect_time"`
	Children     []Spec             `json:"children"`
}

// Domain error values. Each wraps a framework sentinel so callers can
// classify with errors.Is.
var (
	// ErrNotANumber rejects values that do not parse to a finite number.
	ErrNotANumber = core.NewValidationError("value", "must be a finite number")

	// ErrInvalidGoal rejects a goal key with no matching values key.
	ErrInvalidGoal = core.NewValidationError("goal", "no matching value key exists")

	// ErrCannotReparentRoot rejects reparenting a node that has no parent.
	ErrCannotReparentRoot = core.NewValidationError("parent", "cannot change a root's parent")
)

// ConsistencyError reports a broken tree invariant discovered at runtime,
// such as a missing ancestor during aggregate propagation. These abort the
// current walk and are surfaced loudly.
type ConsistencyError struct {
	NodeID string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("tree consistency violation at node %s: %s", e.NodeID, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return core.ErrInternal }

// IsConsistencyError reports whether err is a ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// ParseNumber accepts numeric input from callers and scripts. Strings must
// be plain decimal literals: exponential notation is rejected to avoid
// ambiguous precision, as are NaN and infinities.
func ParseNumber(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, ErrNotANumber
		}
		return v, nil
	case float32:
		return ParseNumber(float64(v))
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" || strings.ContainsAny(s, "eE") {
			return 0, ErrNotANumber
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return 0, ErrNotANumber
		}
		return parsed, nil
	default:
		return 0, ErrNotANumber
	}
}

// NewVersion builds the initial version of a node.
func NewVersion(values, goals map[string]float64, schedule *time.Time, reeffectTime float64) Version {
	if values == nil {
		values = map[string]float64{}
	}
	if goals == nil {
		goals = map[string]float64{}
	}
	return Version{
		Prestige:     0,
		Values:       values,
		Goals:        goals,
		Status:       StatusActive,
		DateCreated:  time.Now().UTC(),
		Schedule:     schedule,
		ReeffectTime: reeffectTime,
	}
}

// NextSchedule shifts a version's schedule forward by its reeffect time.
// Versions without a schedule stay floating.
func NextSchedule(v Version) *time.Time {
	if v.Schedule == nil {
		return nil
	}
	next := v.Schedule.Add(time.Duration(v.ReeffectTime * float64(time.Hour)))
	return &next
}

func cloneValues(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
