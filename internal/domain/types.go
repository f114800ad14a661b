package domain

// UnitStatus represents the lifecycle state of a section unit
type UnitStatus string

const (
	StatusPending          UnitStatus = "pending"
	StatusGenerating       UnitStatus = "generating"
	StatusAwaitingJudgment UnitStatus = "awaiting_judgment"
	StatusJudging          UnitStatus = "judging"
	StatusAccepted         UnitStatus = "accepted"
	StatusRetrying         UnitStatus = "retrying"
	StatusFailed           UnitStatus = "failed"
)

// Terminal reports whether no further transition is possible within a run
func (s UnitStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusFailed
}

// Valid reports whether s is a known status
func (s UnitStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the allowed successor states for every status.
var transitions = map[UnitStatus][]UnitStatus{
	StatusPending:          {StatusGenerating},
	StatusGenerating:       {StatusAwaitingJudgment, StatusRetrying, StatusFailed},
	StatusAwaitingJudgment: {StatusJudging},
	StatusJudging:          {StatusAccepted, StatusRetrying, StatusFailed},
	StatusRetrying:         {StatusGenerating},
	StatusAccepted:         nil,
	StatusFailed:           nil,
}

// CanTransition returns true if a unit may move from one status to another
func CanTransition(from, to UnitStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Finished reports whether the run has left the in-progress state
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed
}
