package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a run or unit does not exist
	ErrNotFound = errors.New("not found")

	// ErrAdmissionBusy is returned when another run is being admitted
	ErrAdmissionBusy = errors.New("admission busy")

	// ErrStaleGeneration is returned when a write belongs to a run that was reset
	ErrStaleGeneration = errors.New("stale run generation")

	// ErrInvalidTransition is returned for a state change the machine does not allow
	ErrInvalidTransition = errors.New("invalid unit transition")

	// ErrScoreUnparsable marks a judgment whose text carried no numeric score
	ErrScoreUnparsable = errors.New("score unparsable")
)

// GenerationError reports a failed call to the text-generation service
type GenerationError struct {
	Section   int
	Retryable bool
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating section %d: %v", e.Section, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// JudgmentError reports a failed call to the judging service
type JudgmentError struct {
	Section   int
	Retryable bool
	Err       error
}

func (e *JudgmentError) Error() string {
	return fmt.Sprintf("judging section %d: %v", e.Section, e.Err)
}

func (e *JudgmentError) Unwrap() error { return e.Err }

// StoreError reports a persistence failure. It is fatal to the job that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a collaborator failure worth another attempt
func IsRetryable(err error) bool {
	var gen *GenerationError
	if errors.As(err, &gen) {
		return gen.Retryable
	}
	var judge *JudgmentError
	if errors.As(err, &judge) {
		return judge.Retryable
	}
	return false
}
