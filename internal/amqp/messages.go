package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"ricevute/internal/core"
)

const routingPrefix = "expense."

// ChangeMessage is the wire form of a committed mutation. It carries the
// full row so consumers never read back from the database.
type ChangeMessage struct {
	Type      core.ChangeType `json:"type"`
	ID        int64           `json:"id"`
	Expense   core.Expense    `json:"expense"`
	Subject   string          `json:"subject,omitempty"`
	At        time.Time       `json:"at"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewChangeMessage wraps ev for publishing
func NewChangeMessage(ev core.ChangeEvent) *ChangeMessage {
	return &ChangeMessage{
		Type:      ev.Type,
		ID:        ev.ID,
		Expense:   ev.Expense,
		Subject:   ev.Subject,
		At:        ev.At,
		Timestamp: time.Now(),
	}
}

// Event returns the change carried by the message.
func (m *ChangeMessage) Event() core.ChangeEvent {
	return core.ChangeEvent{
		Type:    m.Type,
		ID:      m.ID,
		Expense: m.Expense,
		Subject: m.Subject,
		At:      m.At,
	}
}

// RoutingKey is expense.<type>, so consumers can bind to a subset.
func (m *ChangeMessage) RoutingKey() string {
	return routingPrefix + string(m.Type)
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes and sanity-checks a delivery body.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case core.ChangeCreated, core.ChangeReplaced, core.ChangePatched, core.ChangeDeleted, core.ChangeAttachmentBound:
	default:
		return nil, fmt.Errorf("unknown change type %q", msg.Type)
	}
	if msg.ID <= 0 {
		return nil, fmt.Errorf("invalid expense id %d", msg.ID)
	}
	return &msg, nil
}
