package raffle

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NumWords is the number of random words requested per round.
const NumWords uint32 = 1

// MaxRequestConfirmations bounds the confirmation depth a coordinator accepts.
const MaxRequestConfirmations = 200

// Config holds the per-instance raffle parameters. It is fixed at
// construction; callers receive copies.
type Config struct {
	EntranceFee          *uint256.Int  `json:"entrance_fee"`
	Interval             time.Duration `json:"interval"`
	CallbackGasLimit     uint32        `json:"callback_gas_limit"`
	RequestConfirmations uint16        `json:"request_confirmations"`
	SubscriptionID       uint64        `json:"subscription_id"`
	GasLane              common.Hash   `json:"gas_lane"`
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.EntranceFee == nil {
		return errors.New("entrance fee is required")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", c.Interval)
	}
	if c.CallbackGasLimit == 0 {
		return errors.New("callback gas limit must be positive")
	}
	if c.RequestConfirmations > MaxRequestConfirmations {
		return fmt.Errorf("request confirmations must be at most %d, got %d", MaxRequestConfirmations, c.RequestConfirmations)
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	if c.EntranceFee != nil {
		out.EntranceFee = new(uint256.Int).Set(c.EntranceFee)
	}
	return out
}

// RandomnessRequest is what the engine asks a coordinator for when a round
// starts settling.
type RandomnessRequest struct {
	GasLane              common.Hash
	SubscriptionID       uint64
	RequestConfirmations uint16
	CallbackGasLimit     uint32
	NumWords             uint32
}

// RequestFor builds the randomness request the configuration implies.
func (c Config) RequestFor() RandomnessRequest {
	return RandomnessRequest{
		GasLane:              c.GasLane,
		SubscriptionID:       c.SubscriptionID,
		RequestConfirmations: c.RequestConfirmations,
		CallbackGasLimit:     c.CallbackGasLimit,
		NumWords:             NumWords,
	}
}
