package raffle

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
)

// Readiness is the per-condition result of a readiness evaluation.
type Readiness struct {
	IsOpen     bool `json:"is_open"`
	TimePassed bool `json:"time_passed"`
	HasPlayers bool `json:"has_players"`
	HasBalance bool `json:"has_balance"`
}

// Ready reports whether every condition holds.
func (r Readiness) Ready() bool {
	return r.IsOpen && r.TimePassed && r.HasPlayers && r.HasBalance
}

func (r Readiness) String() string {
	return fmt.Sprintf("open=%t time_passed=%t has_players=%t has_balance=%t",
		r.IsOpen, r.TimePassed, r.HasPlayers, r.HasBalance)
}

// Evaluate checks the four settlement preconditions. It has no side effects.
func Evaluate(cfg domain.Config, participants int, pool *uint256.Int, state domain.State, now, lastSettlement time.Time) Readiness {
	return Readiness{
		IsOpen:     state == domain.StateOpen,
		TimePassed: now.Sub(lastSettlement) >= cfg.Interval,
		HasPlayers: participants > 0,
		HasBalance: pool != nil && !pool.IsZero(),
	}
}

// IsReady is Evaluate(...).Ready().
func IsReady(cfg domain.Config, participants int, pool *uint256.Int, state domain.State, now, lastSettlement time.Time) bool {
	return Evaluate(cfg, participants, pool, state, now, lastSettlement).Ready()
}

// WinnerIndex maps a random word onto [0, n).
func WinnerIndex(random *uint256.Int, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoParticipants
	}
	if random == nil {
		return 0, ErrNoRandomWords
	}
	idx := new(uint256.Int).Mod(random, uint256.NewInt(uint64(n)))
	return int(idx.Uint64()), nil
}
