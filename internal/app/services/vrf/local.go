package vrf

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/hkdf"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// ErrQueueFull is returned when the fulfiller backlog is saturated.
var ErrQueueFull = errors.New("vrf request queue is full")

// LocalConfig tunes the local coordinator.
type LocalConfig struct {
	// MasterKey seeds the signing key. Shorter than 32 bytes means a fresh
	// random key per process.
	MasterKey   []byte
	BlockTime   time.Duration
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c LocalConfig) withDefaults() LocalConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Proof records how a request's randomness was produced.
type Proof struct {
	RequestID   *uint256.Int   `json:"request_id"`
	Alpha       []byte         `json:"alpha"`
	Signature   []byte         `json:"signature"`
	Output      *uint256.Int   `json:"output"`
	Words       []*uint256.Int `json:"words"`
	Attempts    int            `json:"attempts"`
	Delivered   bool           `json:"delivered"`
	Error       string         `json:"error,omitempty"`
	FulfilledAt time.Time      `json:"fulfilled_at"`
}

type localRequest struct {
	id  *uint256.Int
	req domain.RandomnessRequest
}

// LocalCoordinator fulfils requests asynchronously: each request waits for
// its confirmation depth, is signed with the coordinator key and delivered
// to the attached consumer.
type LocalCoordinator struct {
	cfg        LocalConfig
	log        *logger.Logger
	privateKey *ecdsa.PrivateKey

	mu       sync.Mutex
	consumer Consumer
	next     uint64
	proofs   map[uint64]*Proof
	started  bool

	pendingRequests chan localRequest
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewLocalCoordinator derives the signing key and prepares the request queue.
func NewLocalCoordinator(cfg LocalConfig, log *logger.Logger) (*LocalCoordinator, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewDefault("vrf")
	}
	priv, err := signingKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	return &LocalCoordinator{
		cfg:             cfg,
		log:             log,
		privateKey:      priv,
		proofs:          make(map[uint64]*Proof),
		pendingRequests: make(chan localRequest, cfg.QueueSize),
		stopCh:          make(chan struct{}),
	}, nil
}

func signingKey(master []byte) (*ecdsa.PrivateKey, error) {
	if len(master) < 32 {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("vrf: generate signing key: %w", err)
		}
		return priv, nil
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("raffle-vrf-signing")), seed); err != nil {
		return nil, fmt.Errorf("vrf: derive signing key: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(seed)
	n := new(big.Int).Sub(curve.Params().N, big.NewInt(1))
	d.Mod(d, n)
	d.Add(d, big.NewInt(1))

	priv := &ecdsa.PrivateKey{PublicKey: ecdsa.PublicKey{Curve: curve}, D: d}
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// PublicKey returns the uncompressed coordinator public key.
func (c *LocalCoordinator) PublicKey() []byte {
	return elliptic.Marshal(c.privateKey.Curve, c.privateKey.X, c.privateKey.Y) //nolint:staticcheck
}

// Attach sets the consumer fulfilments are delivered to.
func (c *LocalCoordinator) Attach(consumer Consumer) {
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()
}

func (c *LocalCoordinator) Name() string { return "vrf-coordinator" }

// Start launches the fulfiller loop.
func (c *LocalCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runRequestFulfiller(context.WithoutCancel(ctx))
	}()
	c.log.Info("vrf coordinator started")
	return nil
}

// Stop halts the fulfiller loop. Queued requests are dropped.
func (c *LocalCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info("vrf coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRandomWords queues a request. Delivery happens on the fulfiller
// goroutine, never from within this call.
func (c *LocalCoordinator) RequestRandomWords(_ context.Context, req domain.RandomnessRequest) (*uint256.Int, error) {
	if req.RequestConfirmations > domain.MaxRequestConfirmations {
		return nil, fmt.Errorf("%w: %d", ErrTooManyConfirmations, req.RequestConfirmations)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := uint256.NewInt(c.next + 1)
	select {
	case c.pendingRequests <- localRequest{id: id, req: req}:
	default:
		return nil, ErrQueueFull
	}
	c.next++
	c.proofs[c.next] = &Proof{RequestID: id.Clone()}
	return id.Clone(), nil
}

// Resume makes the next issued id larger than last. Call it with the
// highest id a restored consumer has seen before any new request.
func (c *LocalCoordinator) Resume(last *uint256.Int) error {
	if last == nil {
		return nil
	}
	if !last.IsUint64() {
		return fmt.Errorf("vrf: request id %s out of range", last.Dec())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := last.Uint64(); v > c.next {
		c.next = v
	}
	return nil
}

// Recover queues a request issued by a previous process so the fulfiller
// delivers it again under the same id.
func (c *LocalCoordinator) Recover(requestID *uint256.Int, req domain.RandomnessRequest) error {
	if requestID == nil || !requestID.IsUint64() {
		return fmt.Errorf("vrf: cannot recover request %v", requestID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := requestID.Uint64()
	if _, ok := c.proofs[id]; ok {
		return nil
	}
	select {
	case c.pendingRequests <- localRequest{id: requestID.Clone(), req: req}:
	default:
		return ErrQueueFull
	}
	if id > c.next {
		c.next = id
	}
	c.proofs[id] = &Proof{RequestID: requestID.Clone()}
	c.log.WithField("request_id", requestID.Dec()).Info("recovered pending randomness request")
	return nil
}

// Proof returns the record for requestID.
func (c *LocalCoordinator) Proof(requestID *uint256.Int) (Proof, bool) {
	if requestID == nil || !requestID.IsUint64() {
		return Proof{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proofs[requestID.Uint64()]
	if !ok {
		return Proof{}, false
	}
	out := *p
	out.Words = cloneWords(p.Words)
	return out, true
}

// Verify checks that proof was signed by this coordinator and that its
// words follow from the signature.
func (c *LocalCoordinator) Verify(proof Proof) bool {
	if proof.Output == nil || len(proof.Signature) == 0 {
		return false
	}
	if !ecdsa.VerifyASN1(&c.privateKey.PublicKey, proof.Alpha, proof.Signature) {
		return false
	}
	if !new(uint256.Int).SetBytes(keccak(proof.Signature)).Eq(proof.Output) {
		return false
	}
	words := DeriveWords(proof.Output, uint32(len(proof.Words)))
	for i := range words {
		if !words[i].Eq(proof.Words[i]) {
			return false
		}
	}
	return true
}

func (c *LocalCoordinator) runRequestFulfiller(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case request := <-c.pendingRequests:
			c.fulfillRequest(ctx, request)
		}
	}
}

func (c *LocalCoordinator) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

func requestAlpha(id *uint256.Int, req domain.RandomnessRequest) []byte {
	idBytes := id.Bytes32()
	sub := make([]byte, 8)
	binary.BigEndian.PutUint64(sub, req.SubscriptionID)
	return keccak(req.GasLane.Bytes(), sub, idBytes[:])
}

func (c *LocalCoordinator) fulfillRequest(ctx context.Context, request localRequest) {
	if !c.wait(time.Duration(request.req.RequestConfirmations) * c.cfg.BlockTime) {
		return
	}

	alpha := requestAlpha(request.id, request.req)
	sig, err := ecdsa.SignASN1(rand.Reader, c.privateKey, alpha)
	if err != nil {
		c.markFailed(request.id, 0, fmt.Errorf("sign request: %w", err))
		return
	}
	output := new(uint256.Int).SetBytes(keccak(sig))
	words := DeriveWords(output, request.req.NumWords)

	c.mu.Lock()
	p := c.proofs[request.id.Uint64()]
	p.Alpha = alpha
	p.Signature = sig
	p.Output = output
	p.Words = words
	consumer := c.consumer
	c.mu.Unlock()

	if consumer == nil {
		c.markFailed(request.id, 0, errors.New("no consumer attached"))
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 && !c.wait(c.cfg.RetryDelay) {
			return
		}
		lastErr = consumer.OnRandomnessDelivered(ctx, request.id.Clone(), cloneWords(words))
		if lastErr == nil {
			c.mu.Lock()
			p.Attempts = attempt
			p.Delivered = true
			p.Error = ""
			p.FulfilledAt = time.Now().UTC()
			c.mu.Unlock()
			c.log.WithField("request_id", request.id.Dec()).
				WithField("attempts", attempt).
				Info("randomness delivered")
			return
		}
		c.log.WithError(lastErr).
			WithField("request_id", request.id.Dec()).
			WithField("attempt", attempt).
			Warn("randomness delivery failed")
	}
	c.markFailed(request.id, c.cfg.MaxAttempts, lastErr)
}

func (c *LocalCoordinator) markFailed(id *uint256.Int, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proofs[id.Uint64()]; ok {
		p.Attempts = attempts
		p.Error = err.Error()
	}
	c.log.WithError(err).WithField("request_id", id.Dec()).Error("randomness request failed")
}

func cloneWords(words []*uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, len(words))
	for i, w := range words {
		out[i] = w.Clone()
	}
	return out
}

// SameKey reports whether two coordinators share a signing key.
func SameKey(a, b *LocalCoordinator) bool {
	return bytes.Equal(a.PublicKey(), b.PublicKey())
}
