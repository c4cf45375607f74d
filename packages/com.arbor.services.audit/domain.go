// Package audit provides the append-only contribution log. Every successful
// mutation in the tree service emits exactly one contribution; the log is
// used for history display and is never consulted by core logic.
package audit

import "time"

// Action identifies the kind of mutation a contribution records.
type Action string

const (
	ActionCreate       Action = "create"
	ActionEditValue    Action = "editValue"
	ActionEditGoal     Action = "editGoal"
	ActionEditStatus   Action = "editStatus"
	ActionPrestige     Action = "prestige"
	ActionEditSchedule Action = "editSchedule"
	ActionDelete       Action = "delete"
	ActionReparent     Action = "reparent"
	ActionInvite       Action = "invite"
	ActionScriptRun    Action = "scriptRun"
)

// ValidActions enumerates every accepted action kind.
var ValidActions = []Action{
	ActionCreate,
	ActionEditValue,
	ActionEditGoal,
	ActionEditStatus,
	ActionPrestige,
	ActionEditSchedule,
	ActionDelete,
	ActionReparent,
	ActionInvite,
	ActionScriptRun,
}

// IsValid reports whether the action is one of the known kinds.
func (a Action) IsValid() bool {
	for _, v := range ValidActions {
		if a == v {
			return true
		}
	}
	return false
}

// Contribution is one audit record: who performed which action against
// which node version, with the specific delta applied.
type Contribution struct {
	ID             string             `json:"id"`
	ActorID        string             `json:"actor_id"`
	NodeID         string             `json:"node_id"`
	Action         Action             `json:"action"`
	NodeVersion    int                `json:"node_version"`
	ValueEdited    map[string]float64 `json:"value_edited,omitempty"`
	GoalEdited     map[string]float64 `json:"goal_edited,omitempty"`
	StatusEdited   string             `json:"status_edited,omitempty"`
	ScheduleEdited string             `json:"schedule_edited,omitempty"`
	ScriptName     string             `json:"script_name,omitempty"`
	Date           time.Time          `json:"date"`
}
