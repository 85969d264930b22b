// Package payout moves a settled pool to its winner.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	// ErrRecipientRejected is returned for recipients that refuse transfers.
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrBalanceOverflow   = errors.New("recipient balance overflow")
	ErrMissingReference  = errors.New("payout reference is required")
	// ErrReferenceConflict means a reference was reused for a different
	// recipient or amount.
	ErrReferenceConflict = errors.New("payout reference already used for another transfer")
)

type receipt struct {
	to     common.Address
	amount *uint256.Int
}

// Vault is an in-memory custodial ledger. Transfers credit the recipient's
// withdrawable balance.
type Vault struct {
	log *logger.Logger

	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	rejected map[common.Address]struct{}
	receipts map[string]receipt
	paid     *uint256.Int
}

// NewVault returns an empty vault.
func NewVault(log *logger.Logger) *Vault {
	if log == nil {
		log = logger.NewDefault("payout-vault")
	}
	return &Vault{
		log:      log,
		balances: make(map[common.Address]*uint256.Int),
		rejected: make(map[common.Address]struct{}),
		receipts: make(map[string]receipt),
		paid:     new(uint256.Int),
	}
}

// Reject makes every future transfer to addr fail.
func (v *Vault) Reject(addr common.Address) {
	v.mu.Lock()
	v.rejected[addr] = struct{}{}
	v.mu.Unlock()
}

// Accept undoes Reject.
func (v *Vault) Accept(addr common.Address) {
	v.mu.Lock()
	delete(v.rejected, addr)
	v.mu.Unlock()
}

// Transfer credits amount to to. A repeated reference with the same
// recipient and amount succeeds without crediting again.
func (v *Vault) Transfer(_ context.Context, reference string, to common.Address, amount *uint256.Int) error {
	if reference == "" {
		return ErrMissingReference
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.receipts[reference]; ok {
		if prev.to != to || !prev.amount.Eq(amount) {
			return fmt.Errorf("%w: %s", ErrReferenceConflict, reference)
		}
		v.log.WithField("reference", reference).Info("duplicate payout ignored")
		return nil
	}

	if _, ok := v.rejected[to]; ok {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to.Hex())
	}
	current, ok := v.balances[to]
	if !ok {
		current = new(uint256.Int)
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, to.Hex())
	}
	total, overflow := new(uint256.Int).AddOverflow(v.paid, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	v.balances[to] = next
	v.paid = total
	v.receipts[reference] = receipt{to: to, amount: amount.Clone()}

	v.log.WithField("to", to.Hex()).
		WithField("amount", amount.Dec()).
		WithField("reference", reference).
		Info("payout credited")
	return nil
}

// BalanceOf returns the withdrawable balance of addr.
func (v *Vault) BalanceOf(addr common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[addr]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// TotalPaid returns the sum of all successful transfers.
func (v *Vault) TotalPaid() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paid.Clone()
}
