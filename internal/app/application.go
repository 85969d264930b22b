package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/httpapi"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/services/automation"
	"github.com/R3E-Network/raffle_layer/internal/app/services/payout"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

const (
	eventQueueSize  = 1024
	// mockBaseFee mirrors the development coordinator's per-request charge.
	mockBaseFee     = "0.25 ether"
	limiterIdleTime = 10 * time.Minute
)

// Dependencies are the external resources the application runs against.
// A nil Store defaults to the in-memory implementation; a nil Publisher
// disables Redis fan-out.
type Dependencies struct {
	Store     storage.RaffleStore
	Publisher events.Publisher
}

// Application ties the raffle engine to its coordinator, payer, event fan-out
// and HTTP surface and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Raffle  *raffle.Service
	Store   storage.RaffleStore
	Bus     *events.Bus
	Hub     *events.Hub
	Keeper  *automation.Keeper
	Handler http.Handler

	// Exactly one of Local and Mock is set.
	Local *vrf.LocalCoordinator
	Mock  *vrf.MockCoordinator
	// Vault is nil when payouts go to an HTTP withdrawal service.
	Vault *payout.Vault
}

// New builds a fully wired application from cfg.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	profile, err := cfg.Profile()
	if err != nil {
		return nil, fmt.Errorf("resolve network profile: %w", err)
	}
	raffleCfg, err := cfg.RaffleConfig(profile)
	if err != nil {
		return nil, fmt.Errorf("raffle config: %w", err)
	}
	if deps.Store == nil {
		deps.Store = memory.New()
	}

	a := &Application{manager: system.NewManager(), log: log, Store: deps.Store}

	payer, err := a.buildPayer(cfg.Payout, cfg.RaffleID)
	if err != nil {
		return nil, err
	}

	// The engine and its coordinator reference each other; the coordinator is
	// built first and bound to the engine once it exists.
	var coordinator raffle.Coordinator
	consumer := vrf.ConsumerAddress(cfg.RaffleID)
	if profile.Development {
		subID, err := a.buildMock(profile, consumer)
		if err != nil {
			return nil, err
		}
		raffleCfg.SubscriptionID = subID
		coordinator = a.Mock.For(consumer)
	} else {
		local, err := vrf.NewLocalCoordinator(vrf.LocalConfig{
			MasterKey:   []byte(cfg.Coordinator.MasterKey),
			BlockTime:   cfg.Coordinator.BlockTime,
			MaxAttempts: cfg.Coordinator.MaxAttempts,
			RetryDelay:  cfg.Coordinator.RetryDelay,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("local coordinator: %w", err)
		}
		a.Local = local
		coordinator = local
	}

	cors := middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins)
	a.Hub = events.NewHub(cors.CheckOrigin, log)
	sinks := []events.Sink{events.NewJournalSink(deps.Store), a.Hub}
	if deps.Publisher != nil {
		redisSink, err := events.NewRedisSink(deps.Publisher, cfg.RaffleID)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, redisSink)
	}

	// engine is assigned below; the fulfiller only runs once the bus starts.
	var engine *raffle.Service
	if a.Mock != nil {
		sinks = append(sinks, events.SinkFunc{
			SinkName: "vrf-mock-fulfiller",
			Fn: func(ctx context.Context, evt domain.Event) error {
				return vrf.AutoFulfiller{Coordinator: a.Mock, Consumer: engine}.Handle(ctx, evt)
			},
		})
	}
	a.Bus = events.NewBus(eventQueueSize, log, sinks...)

	engine, err = raffle.New(ctx, raffleCfg, coordinator, payer, log,
		raffle.WithStore(deps.Store), raffle.WithEventSink(a.Bus))
	if err != nil {
		return nil, fmt.Errorf("raffle engine: %w", err)
	}
	a.Raffle = engine
	if a.Local != nil {
		a.Local.Attach(engine)
	}
	recovery, err := a.resumeCoordinator(engine, consumer)
	if err != nil {
		return nil, fmt.Errorf("resume coordinator: %w", err)
	}

	if cfg.Keeper.Enabled {
		keeper, err := automation.NewKeeper(engine, cfg.Keeper.Schedule, log)
		if err != nil {
			return nil, fmt.Errorf("keeper: %w", err)
		}
		a.Keeper = keeper
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, log)
	if err := a.buildHandler(cfg, cors, limiter); err != nil {
		return nil, err
	}

	services := []system.Service{hubCloser{hub: a.Hub}, a.Bus}
	if a.Local != nil {
		services = append(services, a.Local)
	}
	if recovery != nil {
		services = append(services, recovery)
	}
	if a.Keeper != nil {
		services = append(services, a.Keeper)
	}
	services = append(services, newJanitor(limiter, limiterIdleTime, log))
	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	log.WithField("network", cfg.Network).
		WithField("raffle", cfg.RaffleID).
		WithField("entrance_fee", raffleCfg.EntranceFee.Dec()).
		WithField("interval", raffleCfg.Interval).
		WithField("development", profile.Development).
		Info("raffle application configured")
	return a, nil
}

func (a *Application) buildPayer(cfg config.PayoutConfig, raffleID string) (raffle.Payer, error) {
	if cfg.URL == "" {
		a.Vault = payout.NewVault(a.log)
		return a.Vault, nil
	}
	payer, err := payout.NewHTTPPayer(payout.HTTPConfig{
		URL:       cfg.URL,
		Token:     cfg.Token,
		Timeout:   cfg.Timeout,
		Namespace: raffleID,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("http payer: %w", err)
	}
	return payer, nil
}

// buildMock creates the development coordinator with a funded subscription
// that already lists consumer.
func (a *Application) buildMock(profile config.NetworkProfile, consumer common.Address) (uint64, error) {
	fee, err := config.ParseAmount(mockBaseFee)
	if err != nil {
		return 0, err
	}
	a.Mock = vrf.NewMockCoordinator(fee, a.log)
	subID := a.Mock.CreateSubscription(consumer)
	if profile.SubscriptionFund != "" {
		fund, err := config.ParseAmount(profile.SubscriptionFund)
		if err != nil {
			return 0, fmt.Errorf("subscription fund: %w", err)
		}
		if err := a.Mock.FundSubscription(subID, fund); err != nil {
			return 0, err
		}
	}
	if err := a.Mock.AddConsumer(subID, consumer); err != nil {
		return 0, err
	}
	return subID, nil
}

// resumeCoordinator continues request numbering above every id the restored
// engine has seen and hands a pending request back to the coordinator. For
// the mock coordinator the returned service fulfils it once the event bus
// runs.
func (a *Application) resumeCoordinator(engine *raffle.Service, consumer common.Address) (system.Service, error) {
	last := engine.LastRequestID()
	pending := engine.PendingRequest()
	req := engine.Config().RequestFor()

	if a.Local != nil {
		if err := a.Local.Resume(last); err != nil {
			return nil, err
		}
		if pending != nil {
			return nil, a.Local.Recover(pending, req)
		}
		return nil, nil
	}

	if err := a.Mock.Resume(last); err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}
	if err := a.Mock.Recover(consumer, pending, req); err != nil {
		return nil, err
	}
	return &mockRecovery{mock: a.Mock, engine: engine, requestID: pending, log: a.log}, nil
}

func (a *Application) buildHandler(cfg *config.Config, cors *middleware.CORSMiddleware, limiter *middleware.RateLimiter) error {
	opts := httpapi.Options{
		Events:       a.Store,
		Stream:       a.Hub,
		AuditLogPath: cfg.Server.AuditLog,
	}
	if cfg.Coordinator.JWTSecret != "" {
		auth, err := middleware.NewCoordinatorAuth([]byte(cfg.Coordinator.JWTSecret), cfg.Coordinator.ID, a.log)
		if err != nil {
			return fmt.Errorf("coordinator auth: %w", err)
		}
		opts.Auth = auth
	} else {
		a.log.Warn("COORDINATOR_JWT_SECRET not set; external randomness delivery disabled")
	}

	router, err := httpapi.NewHandler(a.Raffle, opts, a.log)
	if err != nil {
		return err
	}
	var h http.Handler = router
	h = metrics.InstrumentHandler(h)
	h = limiter.Handler(h)
	h = cors.Handler(h)
	h = middleware.NewTracingMiddleware(a.log).Handler(h)
	a.Handler = h
	return nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Services lists the lifecycle-managed services in start order.
func (a *Application) Services() []string {
	return a.manager.Names()
}

type hubCloser struct {
	hub *events.Hub
}

func (h hubCloser) Name() string                { return "websocket-hub" }
func (h hubCloser) Start(context.Context) error { return nil }
func (h hubCloser) Stop(context.Context) error {
	h.hub.Close()
	return nil
}

// mockRecovery fulfils a request restored from a previous process. A failed
// delivery leaves the round settling; it is logged rather than failing start.
type mockRecovery struct {
	mock      *vrf.MockCoordinator
	engine    *raffle.Service
	requestID *uint256.Int
	log       *logger.Logger
}

func (r *mockRecovery) Name() string { return "vrf-mock-recovery" }

func (r *mockRecovery) Start(ctx context.Context) error {
	if err := r.mock.FulfillRandomWords(ctx, r.requestID, r.engine); err != nil {
		r.log.WithError(err).WithField("request_id", r.requestID.Dec()).Warn("recovered randomness request not delivered")
	}
	return nil
}

func (r *mockRecovery) Stop(context.Context) error { return nil }
