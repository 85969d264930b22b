package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// SnapshotStore persists the latest committed engine aggregate.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap raffle.Snapshot) error
	// LoadSnapshot returns ok=false when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (snap raffle.Snapshot, ok bool, err error)
}

// EventStore journals observable raffle events in commit order.
type EventStore interface {
	AppendEvent(ctx context.Context, evt raffle.Event) error
	// ListEvents returns the most recent events, oldest first.
	ListEvents(ctx context.Context, limit int) ([]raffle.Event, error)
}

// RaffleStore is everything a raffle instance persists.
type RaffleStore interface {
	SnapshotStore
	EventStore
}
