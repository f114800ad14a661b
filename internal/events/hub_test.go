package events

import (
	"encoding/json"
	"testing"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(4)
	defer unsubscribe()

	hub.Publish(TypeRunStarted, RunStartedMessage{RunID: "r1", SectionCount: 7})

	env := <-ch
	if env.Type != TypeRunStarted {
		t.Errorf("Type = %q, want %q", env.Type, TypeRunStarted)
	}
	msg, ok := env.Payload.(RunStartedMessage)
	if !ok || msg.RunID != "r1" {
		t.Errorf("Payload = %#v", env.Payload)
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(1)

	hub.Publish(TypeRunReset, RunResetMessage{Generation: 1})
	hub.Publish(TypeRunReset, RunResetMessage{Generation: 2})

	if hub.Subscribers() != 0 {
		t.Errorf("Subscribers = %d, want 0 after overflow", hub.Subscribers())
	}
	<-ch
	if _, open := <-ch; open {
		t.Error("dropped subscriber channel should be closed")
	}

	// Unsubscribing after the hub dropped the channel must not panic.
	unsubscribe()
}

func TestMarshalEnvelope(t *testing.T) {
	score := 7.5
	data, err := MarshalEnvelope(TypeUnitTransition, UnitTransitionMessage{
		RunID: "r1", Section: 3, From: "judging", To: "retrying", Score: &score, RetryCount: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	var raw EnvelopeRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw.Type != TypeUnitTransition {
		t.Errorf("Type = %q", raw.Type)
	}
	var msg UnitTransitionMessage
	if err := json.Unmarshal(raw.Payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Section != 3 || msg.To != "retrying" || msg.Score == nil || *msg.Score != 7.5 {
		t.Errorf("decoded = %+v", msg)
	}
}
