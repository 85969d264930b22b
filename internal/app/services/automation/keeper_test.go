package automation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

type fakeUpkeeper struct {
	ready    atomic.Bool
	err      error
	performs atomic.Int32
}

func (f *fakeUpkeeper) CheckUpkeep(context.Context) (bool, []byte) {
	return f.ready.Load(), nil
}

func (f *fakeUpkeeper) PerformUpkeep(context.Context) (*uint256.Int, error) {
	f.performs.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return uint256.NewInt(uint64(f.performs.Load())), nil
}

func TestKeeperTickOutcomes(t *testing.T) {
	target := &fakeUpkeeper{}
	k, err := NewKeeper(target, "", logger.Discard())
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}

	if got := k.Tick(context.Background()); got != OutcomeIdle {
		t.Fatalf("expected idle, got %s", got)
	}
	if target.performs.Load() != 0 {
		t.Fatalf("perform must not run when upkeep is not needed")
	}

	target.ready.Store(true)
	if got := k.Tick(context.Background()); got != OutcomePerformed {
		t.Fatalf("expected performed, got %s", got)
	}

	target.err = raffle.ErrUpkeepNotReady
	if got := k.Tick(context.Background()); got != OutcomeRaced {
		t.Fatalf("expected raced, got %s", got)
	}

	target.err = errors.New("coordinator offline")
	if got := k.Tick(context.Background()); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestNewKeeperValidatesSchedule(t *testing.T) {
	if _, err := NewKeeper(&fakeUpkeeper{}, "not a schedule", nil); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := NewKeeper(nil, "", nil); err == nil {
		t.Fatalf("expected target error")
	}
	if _, err := NewKeeper(&fakeUpkeeper{}, "*/5 * * * *", nil); err != nil {
		t.Fatalf("standard schedule rejected: %v", err)
	}
}

func TestKeeperStartStop(t *testing.T) {
	target := &fakeUpkeeper{}
	target.ready.Store(true)
	k, err := NewKeeper(target, "@every 1s", logger.Discard())
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	if k.Name() != "raffle-keeper" {
		t.Fatalf("unexpected name %q", k.Name())
	}

	ctx := context.Background()
	if err := k.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := k.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for target.performs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if target.performs.Load() == 0 {
		t.Fatalf("keeper never performed upkeep")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := k.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := k.Stop(stopCtx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

type queueCoordinator struct{ next uint64 }

func (q *queueCoordinator) RequestRandomWords(context.Context, domain.RandomnessRequest) (*uint256.Int, error) {
	q.next++
	return uint256.NewInt(q.next), nil
}

type okPayer struct{}

func (okPayer) Transfer(context.Context, string, common.Address, *uint256.Int) error { return nil }

func TestKeeperDrivesRaffleIntoSettlement(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cfg := domain.Config{EntranceFee: uint256.NewInt(10), Interval: time.Minute, CallbackGasLimit: 100000}

	svc, err := raffle.New(context.Background(), cfg, &queueCoordinator{}, okPayer{}, logger.Discard(), raffle.WithClock(clock))
	if err != nil {
		t.Fatalf("new raffle: %v", err)
	}
	k, err := NewKeeper(svc, "", logger.Discard())
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}

	if err := svc.Enter(context.Background(), common.HexToAddress("0x01"), uint256.NewInt(10)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if got := k.Tick(context.Background()); got != OutcomeIdle {
		t.Fatalf("expected idle before interval, got %s", got)
	}

	now = now.Add(time.Minute)
	if got := k.Tick(context.Background()); got != OutcomePerformed {
		t.Fatalf("expected performed, got %s", got)
	}
	if svc.State() != domain.StateSettling {
		t.Fatalf("expected settling, got %s", svc.State())
	}
	if got := k.Tick(context.Background()); got != OutcomeIdle {
		t.Fatalf("expected idle while settling, got %s", got)
	}
}
