package raffle

//go:generate mockgen -source=interfaces.go -destination=interfaces_mock.go -package=raffle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
)

// Coordinator issues randomness requests. The returned id is what the later
// OnRandomnessDelivered call must carry. Implementations must not deliver
// synchronously from inside RequestRandomWords.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req domain.RandomnessRequest) (*uint256.Int, error)
}

// Payer moves the pool to the winner. It must not call back into the engine.
// reference is stable across retries of one settlement; a payer must execute
// at most one transfer per reference.
type Payer interface {
	Transfer(ctx context.Context, reference string, to common.Address, amount *uint256.Int) error
}

// EventSink receives committed events in commit order. Publish is called
// while the engine is locked and should not block for long.
type EventSink interface {
	Publish(ctx context.Context, evt domain.Event) error
}
