// Package events defines the progress messages published while runs execute.
// Messages are wrapped in an Envelope and streamed over SSE and WebSocket.
package events

import (
	"encoding/json"
	"time"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// RunStartedMessage is sent when a run has been admitted and dispatched
type RunStartedMessage struct {
	RunID        string `json:"run_id"`
	Generation   int64  `json:"generation"`
	SectionCount int    `json:"section_count"`
	Resumed      bool   `json:"resumed,omitempty"`
}

// UnitTransitionMessage is sent after every committed unit transition
type UnitTransitionMessage struct {
	RunID      string    `json:"run_id"`
	UnitID     string    `json:"unit_id"`
	Section    int       `json:"section"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Score      *float64  `json:"score,omitempty"`
	RetryCount int       `json:"retry_count"`
	At         time.Time `json:"at"`
}

// RunFinishedMessage is sent once the barrier fired for a run
type RunFinishedMessage struct {
	RunID         string   `json:"run_id"`
	Status        string   `json:"status"`
	WeightedScore *float64 `json:"weighted_score,omitempty"`
	Attempts      int      `json:"attempts"`
	Error         string   `json:"error,omitempty"`
}

// RunResetMessage is sent after a full reset
type RunResetMessage struct {
	Generation   int64 `json:"generation"`
	Killed       int   `json:"killed"`
	Purged       int   `json:"purged"`
	UnitsCleared int64 `json:"units_cleared"`
	UnitsSeeded  int   `json:"units_seeded"`
}

// RunKilledMessage is sent when in-flight jobs were cancelled without a reset
type RunKilledMessage struct {
	RunID  string `json:"run_id,omitempty"`
	Killed int    `json:"killed"`
	Purged int    `json:"purged"`
}

// PoolSlotsMessage is sent whenever a worker slot is taken or freed
type PoolSlotsMessage struct {
	Available int `json:"available"`
	Max       int `json:"max"`
}

// Message type constants
const (
	TypeRunStarted     = "run_started"
	TypeUnitTransition = "unit_transition"
	TypeRunFinished    = "run_finished"
	TypeRunReset       = "run_reset"
	TypeRunKilled      = "run_killed"
	TypePoolSlots      = "pool_slots"
)
