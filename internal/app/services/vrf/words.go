// Package vrf provides randomness coordinators for the raffle engine: a
// synchronous development coordinator driven by tests and scripts, and a local
// coordinator that proves and delivers randomness on its own goroutine.
package vrf

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Consumer receives fulfilled randomness.
type Consumer interface {
	OnRandomnessDelivered(ctx context.Context, requestID *uint256.Int, words []*uint256.Int) error
}

// ConsumerFunc adapts a function into a Consumer.
type ConsumerFunc func(ctx context.Context, requestID *uint256.Int, words []*uint256.Int) error

// OnRandomnessDelivered calls f.
func (f ConsumerFunc) OnRandomnessDelivered(ctx context.Context, requestID *uint256.Int, words []*uint256.Int) error {
	return f(ctx, requestID, words)
}

func keccak(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// DeriveWords expands a seed into n words as keccak256(seed || index), each
// operand a 32-byte big-endian word.
func DeriveWords(seed *uint256.Int, n uint32) []*uint256.Int {
	seedBytes := seed.Bytes32()
	words := make([]*uint256.Int, n)
	for i := uint32(0); i < n; i++ {
		idx := uint256.NewInt(uint64(i)).Bytes32()
		words[i] = new(uint256.Int).SetBytes(keccak(seedBytes[:], idx[:]))
	}
	return words
}

// ConsumerAddress derives the address a named raffle instance requests
// randomness as.
func ConsumerAddress(name string) common.Address {
	return common.BytesToAddress(keccak([]byte("raffle:" + name)))
}
