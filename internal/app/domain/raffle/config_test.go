package raffle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		EntranceFee:          uint256.NewInt(10),
		Interval:             time.Minute,
		CallbackGasLimit:     500000,
		RequestConfirmations: 3,
		SubscriptionID:       1,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	zeroFee := validConfig()
	zeroFee.EntranceFee = uint256.NewInt(0)
	require.NoError(t, zeroFee.Validate())

	cases := map[string]func(*Config){
		"nil fee":           func(c *Config) { c.EntranceFee = nil },
		"negative interval": func(c *Config) { c.Interval = -time.Second },
		"zero gas limit":    func(c *Config) { c.CallbackGasLimit = 0 },
		"deep confirmation": func(c *Config) { c.RequestConfirmations = MaxRequestConfirmations + 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	clone := cfg.Clone()
	clone.EntranceFee.SetUint64(99)
	require.Equal(t, uint64(10), cfg.EntranceFee.Uint64())
}

func TestRequestForAsksForOneWord(t *testing.T) {
	req := validConfig().RequestFor()
	require.Equal(t, NumWords, req.NumWords)
	require.Equal(t, uint16(3), req.RequestConfirmations)
	require.Equal(t, uint32(500000), req.CallbackGasLimit)
}

func TestStateText(t *testing.T) {
	raw, err := json.Marshal(struct{ S State }{StateSettling})
	require.NoError(t, err)
	require.JSONEq(t, `{"S":"settling"}`, string(raw))

	var s State
	require.NoError(t, s.UnmarshalText([]byte("open")))
	require.Equal(t, StateOpen, s)
	require.Error(t, s.UnmarshalText([]byte("closed")))
}

func TestSnapshotCloneCopiesRequestIDs(t *testing.T) {
	snap := Snapshot{State: StateSettling, Pool: uint256.NewInt(1), PendingRequest: uint256.NewInt(3), LastRequest: uint256.NewInt(3)}
	cp := snap.Clone()
	cp.PendingRequest.SetUint64(9)
	cp.LastRequest.SetUint64(9)
	require.Equal(t, uint64(3), snap.PendingRequest.Uint64())
	require.Equal(t, uint64(3), snap.LastRequest.Uint64())
}

func TestPayoutReferenceNamesSettlement(t *testing.T) {
	require.Equal(t, "round-2-request-17", PayoutReference(2, uint256.NewInt(17)))
	require.Equal(t, PayoutReference(2, uint256.NewInt(17)), PayoutReference(2, uint256.NewInt(17)))
	require.NotEqual(t, PayoutReference(2, uint256.NewInt(17)), PayoutReference(3, uint256.NewInt(17)))
}
