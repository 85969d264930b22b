package vrf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	ErrNonexistentRequest     = errors.New("nonexistent request")
	ErrInvalidSubscription    = errors.New("invalid subscription")
	ErrInvalidConsumer        = errors.New("invalid consumer")
	ErrInsufficientBalance    = errors.New("insufficient subscription balance")
	ErrTooManyConfirmations   = errors.New("request confirmations too high")
	ErrWrongNumberOfWords     = errors.New("fulfillment must carry one word per requested word")
	ErrConsumerRejectedResult = errors.New("consumer rejected randomness")
)

type subscription struct {
	owner     common.Address
	balance   *uint256.Int
	consumers map[common.Address]struct{}
}

type mockRequest struct {
	id       *uint256.Int
	subID    uint64
	consumer common.Address
	numWords uint32
}

// MockCoordinator is a development coordinator. Requests are only fulfilled
// when FulfillRandomWords is called, which makes test scenarios fully
// deterministic.
type MockCoordinator struct {
	baseFee *uint256.Int
	log     *logger.Logger

	mu            sync.Mutex
	nextSub       uint64
	nextRequest   uint64
	subscriptions map[uint64]*subscription
	requests      map[uint64]*mockRequest
}

// NewMockCoordinator creates a coordinator charging baseFee per fulfilment.
func NewMockCoordinator(baseFee *uint256.Int, log *logger.Logger) *MockCoordinator {
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}
	if log == nil {
		log = logger.NewDefault("vrf-mock")
	}
	return &MockCoordinator{
		baseFee:       baseFee.Clone(),
		log:           log,
		subscriptions: make(map[uint64]*subscription),
		requests:      make(map[uint64]*mockRequest),
	}
}

// CreateSubscription opens an empty subscription and returns its id.
func (m *MockCoordinator) CreateSubscription(owner common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.subscriptions[m.nextSub] = &subscription{
		owner:     owner,
		balance:   new(uint256.Int),
		consumers: make(map[common.Address]struct{}),
	}
	return m.nextSub
}

// FundSubscription adds amount to the subscription balance.
func (m *MockCoordinator) FundSubscription(subID uint64, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	if amount != nil {
		sub.balance = new(uint256.Int).Add(sub.balance, amount)
	}
	return nil
}

// AddConsumer allows consumer to request against the subscription.
func (m *MockCoordinator) AddConsumer(subID uint64, consumer common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	sub.consumers[consumer] = struct{}{}
	return nil
}

// Balance returns the subscription balance.
func (m *MockCoordinator) Balance(subID uint64) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubscription, subID)
	}
	return sub.balance.Clone(), nil
}

// For returns a view of the coordinator that requests on behalf of consumer.
func (m *MockCoordinator) For(consumer common.Address) *BoundCoordinator {
	return &BoundCoordinator{coordinator: m, consumer: consumer}
}

// BoundCoordinator issues requests as a fixed consumer address.
type BoundCoordinator struct {
	coordinator *MockCoordinator
	consumer    common.Address
}

// RequestRandomWords registers a request for the bound consumer.
func (b *BoundCoordinator) RequestRandomWords(ctx context.Context, req domain.RandomnessRequest) (*uint256.Int, error) {
	return b.coordinator.RequestRandomWords(ctx, b.consumer, req)
}

// RequestRandomWords registers a request and returns its id. Ids start at 1.
func (m *MockCoordinator) RequestRandomWords(_ context.Context, consumer common.Address, req domain.RandomnessRequest) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[req.SubscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSubscription, req.SubscriptionID)
	}
	if _, ok := sub.consumers[consumer]; !ok {
		return nil, fmt.Errorf("%w: %s on subscription %d", ErrInvalidConsumer, consumer.Hex(), req.SubscriptionID)
	}
	if req.RequestConfirmations > domain.MaxRequestConfirmations {
		return nil, fmt.Errorf("%w: %d", ErrTooManyConfirmations, req.RequestConfirmations)
	}

	m.nextRequest++
	id := uint256.NewInt(m.nextRequest)
	m.requests[m.nextRequest] = &mockRequest{
		id:       id,
		subID:    req.SubscriptionID,
		consumer: consumer,
		numWords: req.NumWords,
	}
	m.log.WithField("request_id", m.nextRequest).
		WithField("subscription", req.SubscriptionID).
		WithField("consumer", consumer.Hex()).
		Debug("randomness requested")
	return id.Clone(), nil
}

// Resume makes the next issued id larger than last.
func (m *MockCoordinator) Resume(last *uint256.Int) error {
	if last == nil {
		return nil
	}
	if !last.IsUint64() {
		return fmt.Errorf("request id %s out of range", last.Dec())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := last.Uint64(); v > m.nextRequest {
		m.nextRequest = v
	}
	return nil
}

// Recover registers a request issued before a restart so it can be
// fulfilled under its original id. The subscription and consumer checks of
// RequestRandomWords apply.
func (m *MockCoordinator) Recover(consumer common.Address, requestID *uint256.Int, req domain.RandomnessRequest) error {
	if requestID == nil || !requestID.IsUint64() {
		return fmt.Errorf("cannot recover request %v", requestID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[req.SubscriptionID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidSubscription, req.SubscriptionID)
	}
	if _, ok := sub.consumers[consumer]; !ok {
		return fmt.Errorf("%w: %s on subscription %d", ErrInvalidConsumer, consumer.Hex(), req.SubscriptionID)
	}
	id := requestID.Uint64()
	if id > m.nextRequest {
		m.nextRequest = id
	}
	m.requests[id] = &mockRequest{
		id:       requestID.Clone(),
		subID:    req.SubscriptionID,
		consumer: consumer,
		numWords: req.NumWords,
	}
	return nil
}

// Pending reports whether requestID is awaiting fulfilment.
func (m *MockCoordinator) Pending(requestID *uint256.Int) bool {
	if requestID == nil || !requestID.IsUint64() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[requestID.Uint64()]
	return ok
}

// FulfillRandomWords delivers keccak-derived words to consumer.
func (m *MockCoordinator) FulfillRandomWords(ctx context.Context, requestID *uint256.Int, consumer Consumer) error {
	return m.FulfillRandomWordsWithOverride(ctx, requestID, consumer, nil)
}

// FulfillRandomWordsWithOverride delivers words to consumer, or derived
// words when words is empty. The request is removed and the subscription
// charged only if the consumer accepts the delivery.
func (m *MockCoordinator) FulfillRandomWordsWithOverride(ctx context.Context, requestID *uint256.Int, consumer Consumer, words []*uint256.Int) error {
	if consumer == nil {
		return errors.New("consumer is required")
	}

	m.mu.Lock()
	if requestID == nil || !requestID.IsUint64() {
		m.mu.Unlock()
		return ErrNonexistentRequest
	}
	req, ok := m.requests[requestID.Uint64()]
	if !ok {
		m.mu.Unlock()
		return ErrNonexistentRequest
	}
	sub := m.subscriptions[req.subID]
	if sub.balance.Lt(m.baseFee) {
		m.mu.Unlock()
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sub.balance.Dec(), m.baseFee.Dec())
	}
	m.mu.Unlock()

	if len(words) == 0 {
		words = DeriveWords(requestID, req.numWords)
	} else if uint32(len(words)) != req.numWords {
		return fmt.Errorf("%w: got %d, want %d", ErrWrongNumberOfWords, len(words), req.numWords)
	}

	// The consumer runs without the coordinator lock held so it may issue
	// its next request from inside the callback.
	if err := consumer.OnRandomnessDelivered(ctx, req.id.Clone(), words); err != nil {
		m.log.WithError(err).WithField("request_id", req.id.Dec()).Warn("randomness delivery rejected")
		return fmt.Errorf("%w: %w", ErrConsumerRejectedResult, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, requestID.Uint64())
	if sub.balance.Lt(m.baseFee) {
		sub.balance = new(uint256.Int)
	} else {
		sub.balance = new(uint256.Int).Sub(sub.balance, m.baseFee)
	}
	m.log.WithField("request_id", req.id.Dec()).Debug("randomness fulfilled")
	return nil
}

// AutoFulfiller answers settlement events by fulfilling the request on a
// mock coordinator. It is an event sink, so delivery happens on the event
// bus goroutine rather than inside the engine call that requested it.
type AutoFulfiller struct {
	Coordinator *MockCoordinator
	Consumer    Consumer
}

func (f AutoFulfiller) Name() string { return "vrf-mock-fulfiller" }

// Handle fulfils the request carried by settlement started events.
func (f AutoFulfiller) Handle(ctx context.Context, evt domain.Event) error {
	if evt.Type != domain.EventSettlementStarted || evt.RequestID == nil {
		return nil
	}
	return f.Coordinator.FulfillRandomWords(ctx, evt.RequestID, f.Consumer)
}
