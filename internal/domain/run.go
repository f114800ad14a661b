package domain

import (
	"sort"
	"time"
)

// Run represents one end-to-end execution producing a finished document
type Run struct {
	ID            string
	Generation    int64
	SectionCount  int
	Payload       string
	HistoryHint   string
	Status        RunStatus
	WeightedScore *float64
	FinalText     string
	FinalFeedback string
	Attempts      int
	Error         string
	Units         []*Unit
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// SortUnits orders units by section index
func SortUnits(units []*Unit) {
	sort.Slice(units, func(i, j int) bool {
		return units[i].Index < units[j].Index
	})
}

// AllTerminal returns true when every unit is accepted or failed
func AllTerminal(units []*Unit) bool {
	for _, u := range units {
		if !u.Status.Terminal() {
			return false
		}
	}
	return true
}

// StatusCounts tallies units per status
func StatusCounts(units []*Unit) map[UnitStatus]int {
	counts := make(map[UnitStatus]int)
	for _, u := range units {
		counts[u.Status]++
	}
	return counts
}

// ArchivedUnit is a snapshot of a unit taken when it was accepted
type ArchivedUnit struct {
	ID         int
	RunID      string
	UnitID     string
	Index      int
	Text       string
	Score      float64
	Feedback   string
	RetryCount int
	AcceptedAt time.Time
}
