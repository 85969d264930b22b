package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/bolt"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Network:      "development",
		NetworksFile: filepath.Join(t.TempDir(), "missing.yaml"),
		RaffleID:     "test",
		Raffle:       config.RaffleOverrides{Interval: time.Millisecond},
		Server: config.ServerConfig{
			RateLimit:      1000,
			RateBurst:      1000,
			AllowedOrigins: []string{"*"},
		},
		Coordinator: config.CoordinatorConfig{
			ID:          "local-vrf",
			JWTSecret:   "application-test-secret-000000000",
			BlockTime:   time.Millisecond,
			MaxAttempts: 2,
			RetryDelay:  time.Millisecond,
		},
	}
}

func enter(t *testing.T, h http.Handler, who common.Address, amount string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"participant": who.Hex(), "amount": amount})
	req := httptest.NewRequest(http.MethodPost, "/raffle/enter", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func runRound(t *testing.T, a *Application) common.Address {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	enter(t, a.Handler, alice, "0.01 ether")
	enter(t, a.Handler, bob, "10000000000000000")
	time.Sleep(5 * time.Millisecond)

	_, err := a.Raffle.PerformUpkeep(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Raffle.State() == domain.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	winner := a.Raffle.RecentWinner()
	require.Contains(t, []common.Address{alice, bob}, winner)
	assert.Equal(t, 0, a.Raffle.NumberOfParticipants())
	assert.True(t, a.Raffle.Pool().IsZero())
	return winner
}

func TestDevelopmentApplicationSettlesWithMockCoordinator(t *testing.T) {
	a, err := New(context.Background(), baseConfig(t), Dependencies{}, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.Mock)
	require.Nil(t, a.Local)
	require.NotNil(t, a.Vault)
	assert.Equal(t, []string{"websocket-hub", "event-bus", "ratelimit-janitor"}, a.Services())

	winner := runRound(t, a)
	assert.Equal(t, "20000000000000000", a.Vault.BalanceOf(winner).Dec())

	require.Eventually(t, func() bool {
		evts, err := a.Store.ListEvents(context.Background(), 10)
		return err == nil && len(evts) == 4 && evts[3].Type == domain.EventWinnerPicked
	}, time.Second, 5*time.Millisecond)
}

func testnetConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := baseConfig(t)
	cfg.Network = "testnet"
	profile := []byte(`networks:
  testnet:
    chain_id: 5
    entrance_fee: "0.01 ether"
    gas_lane: "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"
    callback_gas_limit: 500000
    request_confirmations: 1
    interval: 1h
    subscription_id: 7
`)
	require.NoError(t, os.WriteFile(cfg.NetworksFile, profile, 0o600))
	return cfg
}

func TestNetworkApplicationSettlesWithLocalCoordinator(t *testing.T) {
	cfg := testnetConfig(t)
	cfg.Keeper = config.KeeperConfig{Enabled: true, Schedule: "@every 1h"}

	a, err := New(context.Background(), cfg, Dependencies{}, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.Local)
	require.Nil(t, a.Mock)
	require.NotNil(t, a.Keeper)
	assert.Equal(t, uint64(7), a.Raffle.Config().SubscriptionID)
	assert.Equal(t, time.Millisecond, a.Raffle.Interval())

	winner := runRound(t, a)
	assert.Equal(t, "20000000000000000", a.Vault.BalanceOf(winner).Dec())
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	_, err := New(context.Background(), nil, Dependencies{}, nil)
	assert.Error(t, err)

	cfg := baseConfig(t)
	cfg.Network = "mainnet"
	require.NoError(t, os.WriteFile(cfg.NetworksFile, []byte("networks: {}\n"), 0o600))
	_, err = New(context.Background(), cfg, Dependencies{}, logger.Discard())
	assert.Error(t, err)

	cfg = baseConfig(t)
	cfg.Raffle.EntranceFee = "not-a-number"
	_, err = New(context.Background(), cfg, Dependencies{}, logger.Discard())
	assert.Error(t, err)
}

func openBoltStore(t *testing.T, path string) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(path, "test")
	require.NoError(t, err)
	return store
}

func TestRestartedApplicationIssuesFreshRequestIDs(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config func(*testing.T) *config.Config
	}{
		{"development", baseConfig},
		{"testnet", testnetConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "raffle.db")
			cfg := tc.config(t)

			store := openBoltStore(t, path)
			first, err := New(ctx, cfg, Dependencies{Store: store}, logger.Discard())
			require.NoError(t, err)
			runRound(t, first)
			consumed := first.Raffle.LastRequestID()
			require.NotNil(t, consumed)
			require.NoError(t, first.Stop(ctx))
			require.NoError(t, store.Close())

			store = openBoltStore(t, path)
			defer store.Close()
			second, err := New(ctx, cfg, Dependencies{Store: store}, logger.Discard())
			require.NoError(t, err)
			assert.True(t, second.Raffle.LastRequestID().Eq(consumed))
			assert.Equal(t, uint64(1), second.Raffle.Snapshot().Round)

			runRound(t, second)
			assert.True(t, second.Raffle.LastRequestID().Gt(consumed))
			assert.Equal(t, uint64(2), second.Raffle.Snapshot().Round)
		})
	}
}

func TestRestartedApplicationDeliversPendingRequest(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config func(*testing.T) *config.Config
	}{
		{"development", baseConfig},
		{"testnet", testnetConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "raffle.db")
			cfg := tc.config(t)

			store := openBoltStore(t, path)
			first, err := New(ctx, cfg, Dependencies{Store: store}, logger.Discard())
			require.NoError(t, err)
			require.NoError(t, first.Start(ctx))
			first.Vault.Reject(alice)
			first.Vault.Reject(bob)

			enter(t, first.Handler, alice, "0.01 ether")
			enter(t, first.Handler, bob, "0.01 ether")
			time.Sleep(5 * time.Millisecond)
			pending, err := first.Raffle.PerformUpkeep(ctx)
			require.NoError(t, err)
			if first.Local != nil {
				require.Eventually(t, func() bool {
					p, _ := first.Local.Proof(pending)
					return p.Error != ""
				}, 2*time.Second, 5*time.Millisecond)
			}
			// Stop drains the event bus, so the mock fulfilment has been tried.
			require.NoError(t, first.Stop(ctx))
			assert.Equal(t, domain.StateSettling, first.Raffle.State())
			assert.True(t, first.Vault.TotalPaid().IsZero())
			require.NoError(t, store.Close())

			store = openBoltStore(t, path)
			defer store.Close()
			second, err := New(ctx, cfg, Dependencies{Store: store}, logger.Discard())
			require.NoError(t, err)
			require.Equal(t, domain.StateSettling, second.Raffle.State())
			require.True(t, second.Raffle.PendingRequest().Eq(pending))
			if second.Mock != nil {
				assert.Contains(t, second.Services(), "vrf-mock-recovery")
			}

			require.NoError(t, second.Start(ctx))
			t.Cleanup(func() { _ = second.Stop(context.Background()) })
			require.Eventually(t, func() bool {
				return second.Raffle.State() == domain.StateOpen
			}, 2*time.Second, 5*time.Millisecond)

			winner := second.Raffle.RecentWinner()
			require.Contains(t, []common.Address{alice, bob}, winner)
			assert.Equal(t, "20000000000000000", second.Vault.BalanceOf(winner).Dec())
			assert.Nil(t, second.Raffle.PendingRequest())
			assert.True(t, second.Raffle.LastRequestID().Eq(pending))
		})
	}
}
