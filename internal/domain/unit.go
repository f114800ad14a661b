package domain

import (
	"fmt"
	"time"
)

// Unit is one document section's generate/judge/retry lifecycle
type Unit struct {
	ID         string
	RunID      string // empty until a run claims the unit
	Index      int    // 1-based section position
	Status     UnitStatus
	Text       string
	Score      *float64 // nil until the first judgment
	Feedback   string   // last judgment, fed into the next generation attempt
	RetryCount int
	Generation int64
	UpdatedAt  time.Time
}

// Transition moves the unit to the given status if the state machine allows it.
// Entering Retrying consumes one attempt from the budget.
func (u *Unit) Transition(to UnitStatus, maxRetries int) error {
	if !CanTransition(u.Status, to) {
		return fmt.Errorf("%w: unit %d %s -> %s", ErrInvalidTransition, u.Index, u.Status, to)
	}
	if to == StatusRetrying {
		if u.RetryCount >= maxRetries {
			return fmt.Errorf("%w: unit %d retry budget %d exhausted", ErrInvalidTransition, u.Index, maxRetries)
		}
		u.RetryCount++
	}
	u.Status = to
	return nil
}

// SetScore records a judgment result on the unit
func (u *Unit) SetScore(score float64, feedback string) {
	u.Score = &score
	u.Feedback = feedback
}

// ScoreOrZero returns the last score, or zero when the unit was never judged
func (u *Unit) ScoreOrZero() float64 {
	if u.Score == nil {
		return 0
	}
	return *u.Score
}

// Clone returns a copy that shares no pointers with u
func (u *Unit) Clone() *Unit {
	c := *u
	if u.Score != nil {
		s := *u.Score
		c.Score = &s
	}
	return &c
}
