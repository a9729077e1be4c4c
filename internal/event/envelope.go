package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTransferRequested
	EventTypeTransferConfirmed
	EventTypeTransferFailed
	EventTypeTransferCancelled
)

// EventEnvelope wraps every event on the wire
type EventEnvelope struct {
	// Block number for confirmed transfers, zero otherwise
	Sequence int64 `json:"sequence"`

	// Stable dedup key: the transaction id for settlement events
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`

	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event-specific data
	Payload json.RawMessage `json:"payload"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

// Wrap encodes evt into an envelope.
func Wrap(evt Event, sequence int64, ts time.Time) (EventEnvelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return EventEnvelope{
		Sequence:       sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Timestamp:      ts,
		Payload:        payload,
	}, nil
}

func (et EventType) String() string {
	switch et {
	case EventTypeTransferRequested:
		return "TransferRequested"
	case EventTypeTransferConfirmed:
		return "TransferConfirmed"
	case EventTypeTransferFailed:
		return "TransferFailed"
	case EventTypeTransferCancelled:
		return "TransferCancelled"
	default:
		return "Unknown"
	}
}

// MarshalJSON writes the type by name so consumers need not know the enum.
func (et EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(et.String())
}

func (et *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*et = ParseEventType(s)
	return nil
}

// ParseEventType is the inverse of String; unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for _, et := range []EventType{
		EventTypeTransferRequested,
		EventTypeTransferConfirmed,
		EventTypeTransferFailed,
		EventTypeTransferCancelled,
	} {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
