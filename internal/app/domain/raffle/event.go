package raffle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType names an observable engine event.
type EventType string

const (
	EventEntered           EventType = "raffle.entered"
	EventSettlementStarted EventType = "raffle.settlement_started"
	EventWinnerPicked      EventType = "raffle.winner_picked"
)

// Event is emitted after a state change commits. Address is the participant
// for entered events and the winner for winner picked events.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Round      uint64         `json:"round"`
	Address    common.Address `json:"address"`
	Amount     *uint256.Int   `json:"amount,omitempty"`
	RequestID  *uint256.Int   `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ EventType, round uint64, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Round:      round,
		OccurredAt: at.UTC(),
	}
}
