// Package automation runs the keeper that polls a raffle for upkeep and
// triggers settlement when it is due.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// DefaultSchedule polls every fifteen seconds.
const DefaultSchedule = "@every 15s"

// Upkeeper is the keeper-facing surface of a raffle.
type Upkeeper interface {
	CheckUpkeep(ctx context.Context) (bool, []byte)
	PerformUpkeep(ctx context.Context) (*uint256.Int, error)
}

// Outcome of a single keeper tick.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomePerformed Outcome = "performed"
	OutcomeRaced     Outcome = "raced"
	OutcomeFailed    Outcome = "failed"
)

// Keeper polls CheckUpkeep on a cron schedule and calls PerformUpkeep when
// the raffle reports it is ready.
type Keeper struct {
	target   Upkeeper
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*Keeper)(nil)

// NewKeeper validates schedule and returns an idle keeper.
func NewKeeper(target Upkeeper, schedule string, log *logger.Logger) (*Keeper, error) {
	if target == nil {
		return nil, errors.New("keeper target is required")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid keeper schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = logger.NewDefault("keeper")
	}
	return &Keeper{target: target, schedule: schedule, log: log}, nil
}

func (k *Keeper) Name() string { return "raffle-keeper" }

// Start schedules the poll. Overlapping ticks are skipped.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(k.schedule, func() { k.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule keeper: %w", err)
	}
	c.Start()

	k.cron = c
	k.cancel = cancel
	k.running = true
	k.log.WithField("schedule", k.schedule).Info("raffle keeper started")
	return nil
}

// Stop cancels the in-flight tick and waits for it to return.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c, cancel := k.cron, k.cancel
	k.running = false
	k.cron, k.cancel = nil, nil
	k.mu.Unlock()

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		k.log.Info("raffle keeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one check and, when due, one perform.
func (k *Keeper) Tick(ctx context.Context) Outcome {
	start := time.Now()
	outcome := k.tick(ctx)
	metrics.RecordKeeperRun(string(outcome), time.Since(start))
	return outcome
}

func (k *Keeper) tick(ctx context.Context) Outcome {
	needed, _ := k.target.CheckUpkeep(ctx)
	if !needed {
		return OutcomeIdle
	}

	requestID, err := k.target.PerformUpkeep(ctx)
	switch {
	case errors.Is(err, raffle.ErrUpkeepNotReady):
		k.log.WithError(err).Debug("upkeep no longer needed")
		return OutcomeRaced
	case err != nil:
		k.log.WithError(err).Warn("perform upkeep failed")
		return OutcomeFailed
	}

	k.log.WithField("request_id", requestID.Dec()).Info("upkeep performed")
	return OutcomePerformed
}
