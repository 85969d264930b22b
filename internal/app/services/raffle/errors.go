package raffle

import "errors"

// Errors returned by the engine. Every failing call leaves the engine state
// untouched.
var (
	ErrInsufficientFunds   = errors.New("insufficient funds for entrance fee")
	ErrNotAcceptingEntries = errors.New("raffle is not accepting entries")
	ErrIndexOutOfRange     = errors.New("participant index out of range")
	ErrUpkeepNotReady      = errors.New("upkeep not ready")
	ErrUnknownRequest      = errors.New("unknown randomness request")
	ErrPayoutFailed        = errors.New("winner payout failed")

	ErrNoRandomWords  = errors.New("randomness delivery carried no words")
	ErrNoParticipants = errors.New("no participants to select from")
	ErrPoolOverflow   = errors.New("pool balance overflow")

	ErrRandomnessRequest = errors.New("randomness request failed")
	ErrInvalidSnapshot   = errors.New("stored raffle snapshot is inconsistent")
)
