// Package raffle holds the data model shared by the raffle engine, its stores
// and its transports.
package raffle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the round state. The machine cycles Open -> Settling -> Open.
type State uint8

const (
	StateOpen State = iota
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "open", "0":
		*s = StateOpen
	case "settling", "calculating", "1":
		*s = StateSettling
	default:
		return fmt.Errorf("unknown raffle state %q", string(text))
	}
	return nil
}

// Snapshot is a point-in-time copy of the engine aggregate.
type Snapshot struct {
	State          State            `json:"state"`
	Participants   []common.Address `json:"participants"`
	Pool           *uint256.Int     `json:"pool"`
	RecentWinner   common.Address   `json:"recent_winner"`
	LastSettlement time.Time        `json:"last_settlement"`
	PendingRequest *uint256.Int     `json:"pending_request,omitempty"`
	// LastRequest is the highest request id ever issued to this raffle.
	// Coordinators resume numbering above it after a restart.
	LastRequest    *uint256.Int     `json:"last_request,omitempty"`
	Round          uint64           `json:"round"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Participants = append([]common.Address(nil), s.Participants...)
	if s.Pool != nil {
		out.Pool = new(uint256.Int).Set(s.Pool)
	}
	if s.PendingRequest != nil {
		out.PendingRequest = new(uint256.Int).Set(s.PendingRequest)
	}
	if s.LastRequest != nil {
		out.LastRequest = new(uint256.Int).Set(s.LastRequest)
	}
	return out
}

// Validate rejects snapshots the engine cannot resume from.
func (s Snapshot) Validate() error {
	switch s.State {
	case StateOpen:
		if s.PendingRequest != nil {
			return fmt.Errorf("open round carries pending request %s", s.PendingRequest.Dec())
		}
	case StateSettling:
		if s.PendingRequest == nil {
			return errors.New("settling round has no pending request")
		}
		if len(s.Participants) == 0 {
			return errors.New("settling round has no participants")
		}
	default:
		return fmt.Errorf("unknown state %s", s.State)
	}
	if s.PendingRequest != nil && s.LastRequest != nil && s.PendingRequest.Gt(s.LastRequest) {
		return fmt.Errorf("pending request %s above last issued %s", s.PendingRequest.Dec(), s.LastRequest.Dec())
	}
	return nil
}

// PayoutReference identifies the transfer of one settlement. Retries of the
// same settlement carry the same reference.
func PayoutReference(round uint64, requestID *uint256.Int) string {
	id := "0"
	if requestID != nil {
		id = requestID.Dec()
	}
	return fmt.Sprintf("round-%d-request-%s", round, id)
}
