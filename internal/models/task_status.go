package models

/*
Task status constants and the transition table.
Every write to a task's status goes through AllowedFrom so the store can guard
it with a conditional update; terminal states never appear as a source.
*/

// TaskStatus is the lifecycle state of an orthomosaic task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusStarting   TaskStatus = "starting"
	TaskStatusZipping    TaskStatus = "zipping"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// NonTerminalStatuses lists every status a task can still leave.
var NonTerminalStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusStarting,
	TaskStatusZipping,
	TaskStatusPending,
	TaskStatusProcessing,
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusStarting:   {TaskStatusQueued},
	TaskStatusZipping:    {TaskStatusStarting},
	TaskStatusQueued:     {TaskStatusZipping, TaskStatusStarting},
	TaskStatusPending:    {TaskStatusStarting, TaskStatusPending},
	TaskStatusProcessing: {TaskStatusPending, TaskStatusProcessing},
	TaskStatusCompleted:  {TaskStatusPending, TaskStatusProcessing},
	TaskStatusFailed:     NonTerminalStatuses,
	TaskStatusCancelled:  NonTerminalStatuses,
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusStarting, TaskStatusZipping, TaskStatusPending,
		TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// AllowedFrom returns the statuses a task may be in for a write to `to` to apply.
// The returned slice must not be modified.
func AllowedFrom(to TaskStatus) []TaskStatus {
	return transitions[to]
}

// CanTransition reports whether from -> to is permitted by the state machine.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// StatusStrings converts a status slice for use as SQL arguments.
func StatusStrings(statuses []TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
