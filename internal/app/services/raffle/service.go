// Package raffle implements the custodial raffle engine: entry ledger,
// readiness evaluation, the open/settling round machine and the randomness
// request/fulfilment protocol that pays the winner.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Service owns one raffle instance. Enter, PerformUpkeep and
// OnRandomnessDelivered are serialised; each either commits all of its
// changes or none of them.
type Service struct {
	cfg         domain.Config
	coordinator Coordinator
	payer       Payer
	store       storage.SnapshotStore
	sink        EventSink
	log         *logger.Logger
	now         func() time.Time

	mu             sync.Mutex
	state          domain.State
	participants   []common.Address
	pool           *uint256.Int
	recentWinner   common.Address
	lastSettlement time.Time
	pending        *uint256.Int
	lastRequest    *uint256.Int
	requestedAt    time.Time
	round          uint64
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEventSink sets where committed events are published.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithStore persists a snapshot after every commit and restores from it on
// construction.
func WithStore(store storage.SnapshotStore) Option {
	return func(s *Service) { s.store = store }
}

// New constructs a raffle. The settlement clock starts at construction time
// unless a stored snapshot is restored.
func New(ctx context.Context, cfg domain.Config, coordinator Coordinator, payer Payer, log *logger.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raffle config: %w", err)
	}
	if coordinator == nil {
		return nil, errors.New("randomness coordinator is required")
	}
	if payer == nil {
		return nil, errors.New("payer is required")
	}
	if log == nil {
		log = logger.NewDefault("raffle")
	}

	s := &Service{
		cfg:         cfg.Clone(),
		coordinator: coordinator,
		payer:       payer,
		log:         log,
		now:         time.Now,
		state:       domain.StateOpen,
		pool:        new(uint256.Int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSettlement = s.now().UTC()

	if s.store != nil {
		snap, ok, err := s.store.LoadSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if ok {
			if err := snap.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
			}
			s.restore(snap)
			s.log.WithField("state", s.state).
				WithField("participants", len(s.participants)).
				WithField("round", s.round).
				Info("raffle restored from snapshot")
		}
	}
	s.publishGauges()
	return s, nil
}

func (s *Service) restore(snap domain.Snapshot) {
	snap = snap.Clone()
	s.state = snap.State
	s.participants = snap.Participants
	s.pool = snap.Pool
	if s.pool == nil {
		s.pool = new(uint256.Int)
	}
	s.recentWinner = snap.RecentWinner
	if !snap.LastSettlement.IsZero() {
		s.lastSettlement = snap.LastSettlement.UTC()
	}
	s.pending = snap.PendingRequest
	s.lastRequest = snap.LastRequest
	if s.lastRequest == nil && s.pending != nil {
		s.lastRequest = s.pending.Clone()
	}
	s.round = snap.Round
}

// Enter records one entry for participant. Any amount above the entrance fee
// stays in the pool.
func (s *Service) Enter(ctx context.Context, participant common.Address, amount *uint256.Int) error {
	if amount == nil {
		amount = new(uint256.Int)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateOpen {
		metrics.RecordEntry("not_accepting")
		return ErrNotAcceptingEntries
	}
	if amount.Lt(s.cfg.EntranceFee) {
		metrics.RecordEntry("insufficient_funds")
		return fmt.Errorf("%w: sent %s, fee %s", ErrInsufficientFunds, amount.Dec(), s.cfg.EntranceFee.Dec())
	}
	pool, overflow := new(uint256.Int).AddOverflow(s.pool, amount)
	if overflow {
		metrics.RecordEntry("overflow")
		return ErrPoolOverflow
	}

	s.participants = append(s.participants, participant)
	s.pool = pool

	metrics.RecordEntry("accepted")
	s.log.WithField("participant", participant.Hex()).
		WithField("amount", amount.Dec()).
		WithField("entries", len(s.participants)).
		Info("raffle entered")

	evt := domain.NewEvent(domain.EventEntered, s.round, s.now())
	evt.Address = participant
	evt.Amount = amount.Clone()
	s.commitLocked(ctx, evt)
	return nil
}

// ParticipantAt returns the entry at index in the current round.
func (s *Service) ParticipantAt(index int) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.participants) {
		return common.Address{}, fmt.Errorf("%w: index %d, entries %d", ErrIndexOutOfRange, index, len(s.participants))
	}
	return s.participants[index], nil
}

// Readiness evaluates the settlement preconditions at the current time.
func (s *Service) Readiness() Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readinessLocked(s.now())
}

func (s *Service) readinessLocked(now time.Time) Readiness {
	return Evaluate(s.cfg, len(s.participants), s.pool, s.state, now, s.lastSettlement)
}

// CheckUpkeep is the keeper's read-only poll. performData is always empty.
func (s *Service) CheckUpkeep(_ context.Context) (bool, []byte) {
	ready := s.Readiness().Ready()
	metrics.RecordUpkeepCheck(ready)
	return ready, []byte{}
}

// PerformUpkeep re-checks readiness, asks the coordinator for randomness and
// moves the round to settling. It returns the request id the fulfilment must
// carry.
func (s *Service) PerformUpkeep(ctx context.Context) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r := s.readinessLocked(now); !r.Ready() {
		metrics.RecordPerformUpkeep("not_ready")
		return nil, fmt.Errorf("%w: %s pool=%s entries=%d", ErrUpkeepNotReady, r, s.pool.Dec(), len(s.participants))
	}

	requestID, err := s.coordinator.RequestRandomWords(ctx, s.cfg.RequestFor())
	if err != nil {
		metrics.RecordPerformUpkeep("request_failed")
		return nil, fmt.Errorf("%w: %w", ErrRandomnessRequest, err)
	}
	if requestID == nil {
		metrics.RecordPerformUpkeep("request_failed")
		return nil, fmt.Errorf("%w: coordinator returned no request id", ErrRandomnessRequest)
	}
	// Ids must grow across rounds and restarts, otherwise a delivery for a
	// consumed request could match the new one.
	if s.lastRequest != nil && !requestID.Gt(s.lastRequest) {
		metrics.RecordPerformUpkeep("request_reused")
		s.log.WithField("request_id", requestID.Dec()).
			WithField("last_request", s.lastRequest.Dec()).
			Error("coordinator reissued a consumed request id")
		return nil, fmt.Errorf("%w: request id %s not above last issued %s", ErrRandomnessRequest, requestID.Dec(), s.lastRequest.Dec())
	}

	s.state = domain.StateSettling
	s.pending = requestID.Clone()
	s.lastRequest = requestID.Clone()
	s.requestedAt = now

	metrics.RecordPerformUpkeep("started")
	s.log.WithField("request_id", requestID.Dec()).
		WithField("entries", len(s.participants)).
		WithField("pool", s.pool.Dec()).
		Info("raffle settlement started")

	evt := domain.NewEvent(domain.EventSettlementStarted, s.round, now)
	evt.RequestID = requestID.Clone()
	s.commitLocked(ctx, evt)
	return requestID.Clone(), nil
}

// OnRandomnessDelivered consumes the pending request: it picks the winner
// from words[0], transfers the pool and reopens the round. If the transfer
// fails nothing changes and the same delivery may be retried.
func (s *Service) OnRandomnessDelivered(ctx context.Context, requestID *uint256.Int, words []*uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requestID == nil || s.pending == nil || !s.pending.Eq(requestID) {
		metrics.RecordFulfillment("unknown_request", 0)
		id := "<nil>"
		if requestID != nil {
			id = requestID.Dec()
		}
		s.log.WithField("request_id", id).Warn("rejected randomness for unknown request")
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if len(words) == 0 || words[0] == nil {
		metrics.RecordFulfillment("no_words", 0)
		return ErrNoRandomWords
	}

	idx, err := WinnerIndex(words[0], len(s.participants))
	if err != nil {
		metrics.RecordFulfillment("no_participants", 0)
		return err
	}
	winner := s.participants[idx]
	payout := s.pool.Clone()

	reference := domain.PayoutReference(s.round, requestID)
	if err := s.payer.Transfer(ctx, reference, winner, payout); err != nil {
		metrics.RecordFulfillment("payout_failed", 0)
		s.log.WithError(err).
			WithField("request_id", requestID.Dec()).
			WithField("reference", reference).
			WithField("winner", winner.Hex()).
			WithField("amount", payout.Dec()).
			Error("raffle payout failed; round stays settling")
		return fmt.Errorf("%w: transfer %s to %s: %w", ErrPayoutFailed, payout.Dec(), winner.Hex(), err)
	}

	now := s.now().UTC()
	latency := now.Sub(s.requestedAt)

	s.recentWinner = winner
	s.lastSettlement = now
	s.participants = nil
	s.pool = new(uint256.Int)
	s.pending = nil
	s.requestedAt = time.Time{}
	s.state = domain.StateOpen
	settled := s.round
	s.round++

	metrics.RecordFulfillment("accepted", latency)
	s.log.WithField("request_id", requestID.Dec()).
		WithField("winner", winner.Hex()).
		WithField("index", idx).
		WithField("amount", payout.Dec()).
		WithField("round", settled).
		Info("raffle winner picked")

	evt := domain.NewEvent(domain.EventWinnerPicked, settled, now)
	evt.Address = winner
	evt.Amount = payout
	evt.RequestID = requestID.Clone()
	s.commitLocked(ctx, evt)
	return nil
}

// commitLocked persists the snapshot and publishes evt. Both are best effort:
// the in-memory state is authoritative once an operation has committed.
func (s *Service) commitLocked(ctx context.Context, evt domain.Event) {
	s.publishGauges()
	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, s.snapshotLocked()); err != nil {
			s.log.WithError(err).WithField("event", evt.Type).Warn("failed to persist raffle snapshot")
		}
	}
	if s.sink != nil {
		if err := s.sink.Publish(ctx, evt); err != nil {
			s.log.WithError(err).WithField("event", evt.Type).Warn("failed to publish raffle event")
		}
	}
}

func (s *Service) publishGauges() {
	pool, _ := new(big.Float).SetInt(s.pool.ToBig()).Float64()
	metrics.SetRound(uint8(s.state), len(s.participants), pool)
}

func (s *Service) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		State:          s.state,
		Participants:   s.participants,
		Pool:           s.pool,
		RecentWinner:   s.recentWinner,
		LastSettlement: s.lastSettlement,
		PendingRequest: s.pending,
		LastRequest:    s.lastRequest,
		Round:          s.round,
	}
	return snap.Clone()
}

// Snapshot returns a copy of the current aggregate.
func (s *Service) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Config returns a copy of the immutable configuration.
func (s *Service) Config() domain.Config { return s.cfg.Clone() }

// EntranceFee returns the minimum amount per entry.
func (s *Service) EntranceFee() *uint256.Int { return s.cfg.EntranceFee.Clone() }

// Interval returns the minimum time between settlements.
func (s *Service) Interval() time.Duration { return s.cfg.Interval }

// NumWords returns the number of random words requested per round.
func (s *Service) NumWords() uint32 { return domain.NumWords }

// RequestConfirmations returns the configured confirmation depth.
func (s *Service) RequestConfirmations() uint16 { return s.cfg.RequestConfirmations }

// State returns the current round state.
func (s *Service) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecentWinner returns the last paid winner, or the zero address.
func (s *Service) RecentWinner() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentWinner
}

// LastSettlement returns when the last round settled (or construction time).
func (s *Service) LastSettlement() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSettlement
}

// NumberOfParticipants returns the entry count of the current round.
func (s *Service) NumberOfParticipants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Pool returns the current pool balance.
func (s *Service) Pool() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Clone()
}

// LastRequestID returns the highest request id issued to this raffle, or nil
// before the first settlement started.
func (s *Service) LastRequestID() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRequest == nil {
		return nil
	}
	return s.lastRequest.Clone()
}

// PendingRequest returns the outstanding request id, or nil while open.
func (s *Service) PendingRequest() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	return s.pending.Clone()
}
