package taskq

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope for one pipeline stage. The full chain is
// carried in every message so any stage can fail its successors and the
// consumer can publish the next stage without a coordinator round-trip.
type Message struct {
	Queue    string          `json:"queue"`
	ChainIDs []string        `json:"chain_ids"`   // ordered task ids, head first
	Kinds    []string        `json:"chain_kinds"` // stage kind per position
	Position int             `json:"position"`
	Payload  json.RawMessage `json:"payload"` // predecessor's result
	Attempt  int             `json:"attempt"`
}

// TaskID returns the task id of the current stage.
func (m *Message) TaskID() string {
	return m.ChainIDs[m.Position]
}

// Kind returns the stage kind of the current position.
func (m *Message) Kind() string {
	return m.Kinds[m.Position]
}

// Downstream returns the task ids after the current position.
func (m *Message) Downstream() []string {
	if m.Position+1 >= len(m.ChainIDs) {
		return nil
	}
	return m.ChainIDs[m.Position+1:]
}

// Next builds the follow-up message for the next stage, carrying the
// current stage's result as payload. Returns nil at the end of the chain.
func (m *Message) Next(result []byte) *Message {
	if m.Position+1 >= len(m.ChainIDs) {
		return nil
	}
	return &Message{
		Queue:    m.Queue,
		ChainIDs: m.ChainIDs,
		Kinds:    m.Kinds,
		Position: m.Position + 1,
		Payload:  result,
	}
}

// Validate checks the structural invariants of the envelope.
func (m *Message) Validate() error {
	if len(m.ChainIDs) == 0 {
		return fmt.Errorf("empty chain")
	}
	if len(m.Kinds) != len(m.ChainIDs) {
		return fmt.Errorf("chain has %d ids but %d kinds", len(m.ChainIDs), len(m.Kinds))
	}
	if m.Position < 0 || m.Position >= len(m.ChainIDs) {
		return fmt.Errorf("position %d outside chain of length %d", m.Position, len(m.ChainIDs))
	}
	return nil
}
