package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/payout"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/internal/middleware"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")

	jwtSecret = []byte("raffle-test-secret-raffle-test-00")
)

type stubCoordinator struct {
	next uint64
	err  error
}

func (c *stubCoordinator) RequestRandomWords(context.Context, domain.RandomnessRequest) (*uint256.Int, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.next++
	return uint256.NewInt(c.next), nil
}

// journal feeds engine events straight into the store.
type journal struct{ *memory.Store }

func (j journal) Publish(ctx context.Context, evt domain.Event) error {
	return j.AppendEvent(ctx, evt)
}

type fixture struct {
	handler     http.Handler
	service     *raffle.Service
	coordinator *stubCoordinator
	vault       *payout.Vault
	token       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	coordinator := &stubCoordinator{}
	vault := payout.NewVault(logger.Discard())
	cfg := domain.Config{
		EntranceFee:          uint256.NewInt(10),
		CallbackGasLimit:     500000,
		RequestConfirmations: 3,
	}
	svc, err := raffle.New(context.Background(), cfg, coordinator, vault, logger.Discard(),
		raffle.WithStore(store), raffle.WithEventSink(journal{store}))
	require.NoError(t, err)

	auth, err := middleware.NewCoordinatorAuth(jwtSecret, "local-vrf", logger.Discard())
	require.NoError(t, err)
	h, err := NewHandler(svc, Options{Auth: auth, Events: store}, logger.Discard())
	require.NoError(t, err)

	token, err := middleware.IssueCoordinatorToken(jwtSecret, "local-vrf", time.Minute)
	require.NoError(t, err)
	return &fixture{handler: h, service: svc, coordinator: coordinator, vault: vault, token: token}
}

func (f *fixture) do(method, path string, body any, authed bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandlerRoundLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex(), "amount": "5"}, false)
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex(), "amount": "10"}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": bob.Hex(), "amount": "0x14"}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "30", body["pool"])
	assert.EqualValues(t, 2, body["participants"])

	rec = f.do(http.MethodGet, "/raffle/participants/1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, bob, common.HexToAddress(decode(t, rec)["participant"].(string)))

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/raffle/participants/2", nil, false).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/raffle/participants/abc", nil, false).Code)

	rec = f.do(http.MethodGet, "/raffle/upkeep", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["upkeep_needed"])
	assert.Equal(t, "0x", body["perform_data"])

	rec = f.do(http.MethodPost, "/raffle/upkeep", nil, false)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "1", body["request_id"])
	assert.Equal(t, "settling", body["state"])

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/raffle/upkeep", nil, false).Code)
	rec = f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex(), "amount": "10"}, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	fulfil := map[string]any{"request_id": "1", "words": []string{"7"}}
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/raffle/fulfill", fulfil, false).Code)

	rec = f.do(http.MethodPost, "/raffle/fulfill", map[string]any{"request_id": "2", "words": []string{"7"}}, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodPost, "/raffle/fulfill", map[string]any{"request_id": "1", "words": []string{}}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/raffle/fulfill", fulfil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, "open", body["state"])
	assert.Equal(t, bob, common.HexToAddress(body["recent_winner"].(string)))
	assert.Equal(t, uint64(30), f.vault.BalanceOf(bob).Uint64())

	rec = f.do(http.MethodGet, "/raffle", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "open", body["state"])
	assert.Equal(t, "0", body["pool"])
	assert.EqualValues(t, 1, body["num_words"])
	assert.Equal(t, false, body["ready"])

	rec = f.do(http.MethodGet, "/raffle/events?limit=10", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var evts []domain.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evts))
	require.Len(t, evts, 4)
	assert.Equal(t, domain.EventEntered, evts[0].Type)
	assert.Equal(t, domain.EventSettlementStarted, evts[2].Type)
	assert.Equal(t, domain.EventWinnerPicked, evts[3].Type)
	assert.Equal(t, bob, evts[3].Address)

	rec = f.do(http.MethodGet, "/raffle/audit", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []auditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	last := entries[len(entries)-1]
	assert.Equal(t, "/raffle/fulfill", last.Path)
	assert.Equal(t, http.StatusOK, last.Status)
	assert.Equal(t, "local-vrf", last.Coordinator)
}

func TestHandlerRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": "nobody", "amount": "10"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex(), "amount": "lots"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/raffle/enter", map[string]any{"participant": alice.Hex(), "amount": "10", "extra": 1}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex()}, false)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = f.do(http.MethodPost, "/raffle/upkeep", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodGet, "/raffle/events?limit=-1", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/raffle", nil, false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(http.MethodGet, "/nowhere", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerUpstreamFailures(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/raffle/enter", map[string]string{"participant": alice.Hex(), "amount": "10"}, false).Code)

	f.coordinator.err = errors.New("coordinator offline")
	rec := f.do(http.MethodPost, "/raffle/upkeep", nil, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, domain.StateOpen, f.service.State())

	f.coordinator.err = nil
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/raffle/upkeep", nil, false).Code)

	f.vault.Reject(alice)
	fulfil := map[string]any{"request_id": "0x1", "words": []string{"0x3"}}
	rec = f.do(http.MethodPost, "/raffle/fulfill", fulfil, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, domain.StateSettling, f.service.State())

	f.vault.Accept(alice)
	rec = f.do(http.MethodPost, "/raffle/fulfill", fulfil, true)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice, f.service.RecentWinner())
}

func TestHandlerOperationalEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "open", body["state"])

	rec = f.do(http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "raffle_")
}

func TestHandlerWithoutCoordinatorAuth(t *testing.T) {
	svc, err := raffle.New(context.Background(), domain.Config{
		EntranceFee:      uint256.NewInt(1),
		CallbackGasLimit: 1,
	}, &stubCoordinator{}, payout.NewVault(logger.Discard()), logger.Discard())
	require.NoError(t, err)
	h, err := NewHandler(svc, Options{}, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/raffle/fulfill", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raffle/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	_, err = NewHandler(nil, Options{}, nil)
	assert.Error(t, err)
}

func TestAuditLogKeepsMostRecent(t *testing.T) {
	log := newAuditLog(2, nil)
	for _, p := range []string{"/a", "/b", "/c"} {
		log.add(auditEntry{Path: p})
	}
	entries := log.listLimit(10)
	require.Len(t, entries, 2)
	assert.Equal(t, "/b", entries[0].Path)
	assert.Equal(t, "/c", entries[1].Path)
	assert.Len(t, log.listLimit(1), 1)
}
